// Package directory implements the context/directory of spec.md §4.4:
// a single source of truth for host/node/endpoint names and keys, and
// a broadcast bus for lifecycle events. Two implementations share the
// Directory interface: an in-process Local backed by maps and
// broadcast channels, and a Remote client speaking JSON-over-TCP to a
// central Server.
package directory

/*
   Copyright 2018 Bruno Moura <brunotm@gmail.com>

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

import (
	"errors"

	"github.com/cpnkit/cpn"
)

// ErrNotFound is returned by lookups that find nothing.
var ErrNotFound = errors.New("directory: not found")

// HostInfo describes one registered kernel.
type HostInfo struct {
	Key      cpn.Key
	Name     string
	HostName string
	ServName string
	Live     bool
}

// NodeInfo describes one registered node.
type NodeInfo struct {
	Key       cpn.Key
	Name      string
	HostKey   cpn.Key
	Started   bool
	Dead      bool
}

// EndpointInfo describes one registered reader or writer port.
type EndpointInfo struct {
	Key     cpn.Key
	Name    string
	NodeKey cpn.Key
	HostKey cpn.Key
	PeerKey cpn.Key // the connected endpoint on the other side, or InvalidKey
}

// Event is one broadcast lifecycle notification (spec.md §4.4
// "triggers a broadcast").
type Event struct {
	Type    EventType
	Key     cpn.Key
	Name    string
	HostKey cpn.Key
}

// EventType enumerates the broadcastable lifecycle transitions.
type EventType int

const (
	HostStarted EventType = iota
	NodeStarted
	NodeEnded
	EndpointCreated
)

// Directory is the full operation set from spec.md §4.4, implemented
// both in-process (Local) and over the wire (remote Client).
type Directory interface {
	// SetupHost registers this kernel under name and returns a fresh
	// host key.
	SetupHost(name, hostName, servName string) (cpn.Key, error)
	// HostByName resolves a host's key and full info by name.
	HostByName(name string) (HostInfo, error)
	// HostByKey resolves a host's full info by key.
	HostByKey(key cpn.Key) (HostInfo, error)
	SignalHostStart(key cpn.Key) error

	// CreateNodeKey allocates a node key under host, naming it name.
	CreateNodeKey(host cpn.Key, name string) (cpn.Key, error)
	NodeByName(name string) (NodeInfo, error)
	NodeByKey(key cpn.Key) (NodeInfo, error)
	SignalNodeStart(key cpn.Key) error
	SignalNodeEnd(key cpn.Key) error
	NumNodeLive() (uint64, error)

	// CreateReaderKey/CreateWriterKey allocate a fresh endpoint key
	// for the named port of node.
	CreateReaderKey(node cpn.Key, port string) (cpn.Key, error)
	CreateWriterKey(node cpn.Key, port string) (cpn.Key, error)
	ReaderInfo(key cpn.Key) (EndpointInfo, error)
	WriterInfo(key cpn.Key) (EndpointInfo, error)
	ConnectEndpoints(writer, reader cpn.Key) error

	// WaitNodeStart/WaitNodeTerminate block using the broadcast bus,
	// per spec.md §4.4's "register a listener, ask once for current
	// state, consume broadcasts until the predicate holds" recipe.
	WaitNodeStart(name string) error
	WaitNodeTerminate(name string) error
	WaitForAllNodeEnd() error

	// Subscribe registers a listener for every broadcast Event. The
	// returned cancel function drops the listener; a directory that
	// notices a listener's channel receiver has gone away (remote
	// disconnect) drops it on its own, mirroring the original
	// implementation's weak-reference listener GC.
	Subscribe() (events <-chan Event, cancel func())
}

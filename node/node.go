// Package node implements the node runtime contract of spec.md §4.2:
// a node is a (name, type, param, arg, kernel) tuple plus exactly one
// goroutine running its body, interacting with the rest of the graph
// only through its Handle.
package node

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
	"bytes"
	"errors"

	"github.com/cpnkit/cpn"
	"github.com/cpnkit/cpn/log"
	"github.com/cpnkit/cpn/variant"
)

// Kernel is the subset of kernel.Kernel a running node body may call.
// Defined here, implemented there, to keep node from importing kernel
// (kernel imports node, not the reverse).
type Kernel interface {
	Name() string
	CreateNode(attr cpn.NodeAttr) error
	CreateQueue(attr cpn.QueueAttr) error
	WaitNodeStart(name string) error
	WaitNodeTerminate(name string) error
	Terminate()
	// Reader/Writer open the local or remote queue endpoint bound to
	// (nodeName, port, dir) so Handle.GetReader/GetWriter can be lazy.
	Reader(nodeName, port string) (cpn.Reader, error)
	Writer(nodeName, port string) (cpn.Writer, error)
}

// Initializer is implemented by a Process that needs to run setup
// before its body starts, mirroring the teacher's Initializer pattern.
type Initializer interface {
	Init(h *Handle) error
}

// Closer is implemented by a Process that holds resources needing
// release once its body returns.
type Closer interface {
	Close() error
}

// Process is the typed-factory node authorship style from spec.md
// §4.2 point (i): a subtype with a Process method, instantiated by a
// Supplier registered under a string type name.
type Process interface {
	Process(h *Handle) error
}

// Supplier constructs a fresh Process instance for one node. Used by
// the typed-factory authorship style.
type Supplier func() Process

// Func adapts a plain function to the Process interface: the
// closure-style "function node" authorship style from spec.md §4.2
// point (ii).
type Func func(h *Handle) error

// Process implements the Process interface.
func (f Func) Process(h *Handle) error { return f(h) }

// Node is one running instance: its static attrs, the kernel meta
// handle, and the lazily-opened port handles its body has asked for.
type Node struct {
	attr   cpn.NodeAttr
	key    cpn.Key
	kernel Kernel
	log    log.Logger
	param  variant.Value

	handle *Handle
	body   Process
}

// parseParam sniffs a node's opaque Param blob and decodes it with
// whichever variant codec matches: XML if the first non-whitespace
// byte opens a tag, JSON otherwise. NodeAttr.Param carries no format
// field of its own, so this mirrors the sniff-by-leading-byte
// dispatch application config loaders commonly use to accept either
// format interchangeably.
func parseParam(data []byte) (variant.Value, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '<' {
		return variant.ParseXML(trimmed)
	}
	return variant.ParseJSON(data)
}

// New constructs a Node from its attrs and the Process instantiated
// for it; the body has not started yet, see Run.
func New(key cpn.Key, attr cpn.NodeAttr, k Kernel, body Process) (*Node, error) {
	param := variant.New(nil)
	if len(attr.Param) > 0 {
		v, err := parseParam(attr.Param)
		if err != nil {
			return nil, err
		}
		param = v
	}

	n := &Node{
		attr:   attr,
		key:    key,
		kernel: k,
		log:    log.New("component", "node", "node", attr.Name, "type", attr.Type),
		param:  param,
		body:   body,
	}
	n.handle = newHandle(n)
	return n, nil
}

// Key returns the node's directory key.
func (n *Node) Key() cpn.Key { return n.key }

// Name returns the node's cluster-wide unique name.
func (n *Node) Name() string { return n.attr.Name }

// Run executes the node body to completion, honoring spec.md §4.2's
// contract: the kernel guarantees ports are available before the body
// runs and closes them after it returns, regardless of how it ends.
// A "kernel-shutdown" condition surfacing as cpn.ErrKernelShutdown is
// treated as a normal, non-error completion.
func (n *Node) Run() error {
	if init, ok := n.body.(Initializer); ok {
		if err := init.Init(n.handle); err != nil {
			n.log.Errorw("node init failed", "error", err)
			return n.finish(err)
		}
	}

	err := n.body.Process(n.handle)
	return n.finish(err)
}

func (n *Node) finish(err error) error {
	if closer, ok := n.body.(Closer); ok {
		if cerr := closer.Close(); cerr != nil {
			n.log.Warnw("node close failed", "error", cerr)
		}
	}
	n.handle.closeAll()

	if err == nil || errors.Is(err, cpn.ErrKernelShutdown) {
		n.log.Infow("node finished")
		return nil
	}
	n.log.Errorw("node body returned an error", "error", err)
	return err
}

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
	"fmt"
	"sync"

	"github.com/cpnkit/cpn"
	"github.com/cpnkit/cpn/log"
)

// Local is an in-process Directory: maps plus a broadcast bus, for a
// single-kernel deployment or for embedding inside a directory Server.
type Local struct {
	log log.Logger

	mu        sync.Mutex
	nextKey   cpn.Key
	hostsByK  map[cpn.Key]*HostInfo
	hostsByN  map[string]cpn.Key
	nodesByK  map[cpn.Key]*NodeInfo
	nodesByN  map[string]cpn.Key
	readers   map[cpn.Key]*EndpointInfo
	writers   map[cpn.Key]*EndpointInfo
	liveNodes uint64

	listeners map[int]chan Event
	nextSub   int
}

// NewLocal returns an empty in-process directory.
func NewLocal() *Local {
	return &Local{
		log:       log.New("component", "directory"),
		nextKey:   1,
		hostsByK:  make(map[cpn.Key]*HostInfo),
		hostsByN:  make(map[string]cpn.Key),
		nodesByK:  make(map[cpn.Key]*NodeInfo),
		nodesByN:  make(map[string]cpn.Key),
		readers:   make(map[cpn.Key]*EndpointInfo),
		writers:   make(map[cpn.Key]*EndpointInfo),
		listeners: make(map[int]chan Event),
	}
}

// allocKey mints a fresh, never-reused key. Caller must hold l.mu.
func (l *Local) allocKey() cpn.Key {
	k := l.nextKey
	l.nextKey++
	return k
}

func (l *Local) publish(ev Event) {
	l.mu.Lock()
	listeners := make([]chan Event, 0, len(l.listeners))
	for _, ch := range l.listeners {
		listeners = append(listeners, ch)
	}
	l.mu.Unlock()

	for _, ch := range listeners {
		select {
		case ch <- ev:
		default:
			// A slow listener drops events rather than stalling the
			// publisher; WaitNodeStart/WaitNodeTerminate re-poll
			// current state after subscribing so a missed broadcast
			// is not fatal to correctness.
		}
	}
}

// Subscribe implements Directory.
func (l *Local) Subscribe() (<-chan Event, func()) {
	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	ch := make(chan Event, 64)
	l.listeners[id] = ch
	l.mu.Unlock()

	cancel := func() {
		l.mu.Lock()
		delete(l.listeners, id)
		l.mu.Unlock()
	}
	return ch, cancel
}

// SetupHost implements Directory.
func (l *Local) SetupHost(name, hostName, servName string) (cpn.Key, error) {
	l.mu.Lock()
	if existing, ok := l.hostsByN[name]; ok {
		l.mu.Unlock()
		return existing, nil
	}
	key := l.allocKey()
	l.hostsByN[name] = key
	l.hostsByK[key] = &HostInfo{Key: key, Name: name, HostName: hostName, ServName: servName}
	l.mu.Unlock()
	return key, nil
}

// SignalHostStart implements Directory.
func (l *Local) SignalHostStart(key cpn.Key) error {
	l.mu.Lock()
	h, ok := l.hostsByK[key]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: host key %d", ErrNotFound, key)
	}
	h.Live = true
	name := h.Name
	l.mu.Unlock()
	l.publish(Event{Type: HostStarted, Key: key, Name: name})
	return nil
}

// HostByName implements Directory.
func (l *Local) HostByName(name string) (HostInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key, ok := l.hostsByN[name]
	if !ok {
		return HostInfo{}, fmt.Errorf("%w: host %q", ErrNotFound, name)
	}
	return *l.hostsByK[key], nil
}

// HostByKey implements Directory.
func (l *Local) HostByKey(key cpn.Key) (HostInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.hostsByK[key]
	if !ok {
		return HostInfo{}, fmt.Errorf("%w: host key %d", ErrNotFound, key)
	}
	return *h, nil
}

// CreateNodeKey implements Directory.
func (l *Local) CreateNodeKey(host cpn.Key, name string) (cpn.Key, error) {
	l.mu.Lock()
	if existing, ok := l.nodesByN[name]; ok {
		l.mu.Unlock()
		return existing, nil
	}
	key := l.allocKey()
	l.nodesByN[name] = key
	l.nodesByK[key] = &NodeInfo{Key: key, Name: name, HostKey: host}
	l.mu.Unlock()
	return key, nil
}

// NodeByName implements Directory.
func (l *Local) NodeByName(name string) (NodeInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key, ok := l.nodesByN[name]
	if !ok {
		return NodeInfo{}, fmt.Errorf("%w: node %q", ErrNotFound, name)
	}
	return *l.nodesByK[key], nil
}

// NodeByKey implements Directory.
func (l *Local) NodeByKey(key cpn.Key) (NodeInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.nodesByK[key]
	if !ok {
		return NodeInfo{}, fmt.Errorf("%w: node key %d", ErrNotFound, key)
	}
	return *n, nil
}

// SignalNodeStart implements Directory.
func (l *Local) SignalNodeStart(key cpn.Key) error {
	l.mu.Lock()
	n, ok := l.nodesByK[key]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: node key %d", ErrNotFound, key)
	}
	n.Started = true
	l.liveNodes++
	name := n.Name
	l.mu.Unlock()
	l.publish(Event{Type: NodeStarted, Key: key, Name: name})
	return nil
}

// SignalNodeEnd implements Directory.
func (l *Local) SignalNodeEnd(key cpn.Key) error {
	l.mu.Lock()
	n, ok := l.nodesByK[key]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: node key %d", ErrNotFound, key)
	}
	if !n.Dead {
		n.Dead = true
		l.liveNodes--
	}
	name := n.Name
	l.mu.Unlock()
	l.publish(Event{Type: NodeEnded, Key: key, Name: name})
	return nil
}

// NumNodeLive implements Directory.
func (l *Local) NumNodeLive() (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.liveNodes, nil
}

// CreateReaderKey implements Directory.
func (l *Local) CreateReaderKey(node cpn.Key, port string) (cpn.Key, error) {
	l.mu.Lock()
	key := l.allocKey()
	l.readers[key] = &EndpointInfo{Key: key, Name: port, NodeKey: node}
	l.mu.Unlock()
	l.publish(Event{Type: EndpointCreated, Key: key, Name: port, HostKey: node})
	return key, nil
}

// CreateWriterKey implements Directory.
func (l *Local) CreateWriterKey(node cpn.Key, port string) (cpn.Key, error) {
	l.mu.Lock()
	key := l.allocKey()
	l.writers[key] = &EndpointInfo{Key: key, Name: port, NodeKey: node}
	l.mu.Unlock()
	l.publish(Event{Type: EndpointCreated, Key: key, Name: port, HostKey: node})
	return key, nil
}

// ReaderInfo implements Directory.
func (l *Local) ReaderInfo(key cpn.Key) (EndpointInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.readers[key]
	if !ok {
		return EndpointInfo{}, fmt.Errorf("%w: reader key %d", ErrNotFound, key)
	}
	return *e, nil
}

// WriterInfo implements Directory.
func (l *Local) WriterInfo(key cpn.Key) (EndpointInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.writers[key]
	if !ok {
		return EndpointInfo{}, fmt.Errorf("%w: writer key %d", ErrNotFound, key)
	}
	return *e, nil
}

// ConnectEndpoints implements Directory.
func (l *Local) ConnectEndpoints(writer, reader cpn.Key) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.writers[writer]
	if !ok {
		return fmt.Errorf("%w: writer key %d", ErrNotFound, writer)
	}
	r, ok := l.readers[reader]
	if !ok {
		return fmt.Errorf("%w: reader key %d", ErrNotFound, reader)
	}
	w.PeerKey = reader
	r.PeerKey = writer
	return nil
}

// WaitNodeStart implements Directory, per spec.md §4.4's
// register-then-poll-then-consume recipe.
func (l *Local) WaitNodeStart(name string) error {
	events, cancel := l.Subscribe()
	defer cancel()

	if n, err := l.NodeByName(name); err == nil && n.Started {
		return nil
	}
	for ev := range events {
		if ev.Type == NodeStarted && ev.Name == name {
			return nil
		}
	}
	return nil
}

// WaitNodeTerminate implements Directory.
func (l *Local) WaitNodeTerminate(name string) error {
	events, cancel := l.Subscribe()
	defer cancel()

	if n, err := l.NodeByName(name); err == nil && n.Dead {
		return nil
	}
	for ev := range events {
		if ev.Type == NodeEnded && ev.Name == name {
			return nil
		}
	}
	return nil
}

// WaitForAllNodeEnd implements Directory.
func (l *Local) WaitForAllNodeEnd() error {
	events, cancel := l.Subscribe()
	defer cancel()

	for {
		n, _ := l.NumNodeLive()
		if n == 0 {
			return nil
		}
		<-events
	}
}

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
	"sync"

	"github.com/cpnkit/cpn"
	"github.com/cpnkit/cpn/variant"
)

// Handle is the only thing a running node body touches. GetReader and
// GetWriter are idempotent per port name within one node, per spec.md
// §4.2: repeated calls for the same port return the same handle.
type Handle struct {
	n *Node

	mu      sync.Mutex
	readers map[string]*ReaderHandle
	writers map[string]*WriterHandle
}

func newHandle(n *Node) *Handle {
	return &Handle{
		n:       n,
		readers: make(map[string]*ReaderHandle),
		writers: make(map[string]*WriterHandle),
	}
}

// Name returns this node's cluster-wide unique name.
func (h *Handle) Name() string { return h.n.attr.Name }

// Param returns the node's opaque configuration value (spec.md §9's
// Polymorphic Value, parsed from attr.Param as JSON).
func (h *Handle) Param() variant.Value { return h.n.param }

// Arg returns the node's opaque binary argument blob, passed through
// uninterpreted.
func (h *Handle) Arg() []byte { return h.n.attr.Arg }

// GetReader returns the ReaderHandle bound to this node's named input
// port, opening the underlying queue endpoint via the kernel on first
// use.
func (h *Handle) GetReader(port string) (*ReaderHandle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rh, ok := h.readers[port]; ok {
		return rh, nil
	}
	r, err := h.n.kernel.Reader(h.n.attr.Name, port)
	if err != nil {
		return nil, err
	}
	rh := &ReaderHandle{port: port, Reader: r}
	h.readers[port] = rh
	return rh, nil
}

// GetWriter returns the WriterHandle bound to this node's named output
// port.
func (h *Handle) GetWriter(port string) (*WriterHandle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if wh, ok := h.writers[port]; ok {
		return wh, nil
	}
	w, err := h.n.kernel.Writer(h.n.attr.Name, port)
	if err != nil {
		return nil, err
	}
	wh := &WriterHandle{port: port, Writer: w}
	h.writers[port] = wh
	return wh, nil
}

// CreateNode asks the kernel to create a peer node, possibly on a
// different host (spec.md §4.3 create_node).
func (h *Handle) CreateNode(attr cpn.NodeAttr) error { return h.n.kernel.CreateNode(attr) }

// CreateQueue asks the kernel to create a queue between two port
// endpoints, possibly spanning kernels (spec.md §4.3 create_queue).
func (h *Handle) CreateQueue(attr cpn.QueueAttr) error { return h.n.kernel.CreateQueue(attr) }

// WaitNodeStart blocks until the named node has signaled start.
func (h *Handle) WaitNodeStart(name string) error { return h.n.kernel.WaitNodeStart(name) }

// WaitNodeTerminate blocks until the named node has signaled end.
func (h *Handle) WaitNodeTerminate(name string) error { return h.n.kernel.WaitNodeTerminate(name) }

// Terminate asks the kernel to unblock every node in the cluster
// (spec.md §4.3 terminate).
func (h *Handle) Terminate() { h.n.kernel.Terminate() }

func (h *Handle) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, rh := range h.readers {
		rh.ShutdownReader()
	}
	for _, wh := range h.writers {
		wh.ShutdownWriter()
	}
}

// ReaderHandle wraps a cpn.Reader with its port name for introspection.
type ReaderHandle struct {
	port string
	cpn.Reader
}

// Port returns the input port name this handle was opened for.
func (r *ReaderHandle) Port() string { return r.port }

// WriterHandle wraps a cpn.Writer with its port name for introspection.
type WriterHandle struct {
	port string
	cpn.Writer
}

// Port returns the output port name this handle was opened for.
func (w *WriterHandle) Port() string { return w.port }

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
	"fmt"
	"sync"

	"github.com/cpnkit/cpn"
)

// Factory is the string-keyed registry of node types a kernel can
// instantiate, mirroring the original QueueFactory/NodeFactory
// registration pattern from original_source/libraries/CPN/QueueFactory.h
// applied to node suppliers instead of queue implementations.
type Factory struct {
	mu        sync.RWMutex
	suppliers map[string]Supplier
}

// NewFactory returns an empty node type registry.
func NewFactory() *Factory {
	return &Factory{suppliers: make(map[string]Supplier)}
}

// Register binds typeName to supplier. Re-registering the same name
// overwrites the previous binding, matching the typed-factory
// authorship style from spec.md §4.2 point (i).
func (f *Factory) Register(typeName string, supplier Supplier) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suppliers[typeName] = supplier
}

// RegisterFunc binds typeName to a closure-style function node, the
// authorship style from spec.md §4.2 point (ii).
func (f *Factory) RegisterFunc(typeName string, fn func(h *Handle) error) {
	f.Register(typeName, func() Process { return Func(fn) })
}

// New instantiates the Process registered under attr.Type.
func (f *Factory) New(attr cpn.NodeAttr) (Process, error) {
	f.mu.RLock()
	supplier, ok := f.suppliers[attr.Type]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no node type registered as %q", cpn.ErrInvalidConfig, attr.Type)
	}
	return supplier(), nil
}

// Types returns the currently registered type names, for
// introspection and the diagnostics endpoint.
func (f *Factory) Types() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.suppliers))
	for t := range f.suppliers {
		out = append(out, t)
	}
	return out
}

// Package nodelib is a small library of general-purpose node bodies
// ready to register with a node.Factory: Fork and Join redistribute a
// byte stream across several ports, Null drains a port without doing
// anything with the data. Grounded on
// original_source/nodelibraries/{ForkNode,JoinNode,NullNode}.cc.
package nodelib

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
	"fmt"

	"github.com/cpnkit/cpn"
	"github.com/cpnkit/cpn/node"
)

// Fork reads fixed-size chunks from one input port and writes each
// chunk to the next output port in round-robin order, generalizing
// original_source/nodelibraries/ForkNode.cc (which additionally
// supported a sliding-window overlap between chunks; this port keeps
// the simpler non-overlapping case, since no spec scenario needs the
// overlap).
//
// Param shape: {"inport": "in", "outports": ["a", "b"], "size": 64}
type Fork struct{}

// Process implements node.Process.
func (Fork) Process(h *node.Handle) error {
	param := h.Param()
	inPort := param.Get("inport").String("")
	if inPort == "" {
		return fmt.Errorf("%w: fork node requires param.inport", cpn.ErrInvalidConfig)
	}
	var outPorts []string
	for _, v := range param.Get("outports").Array() {
		outPorts = append(outPorts, v.String(""))
	}
	if len(outPorts) == 0 {
		return fmt.Errorf("%w: fork node requires at least one param.outports entry", cpn.ErrInvalidConfig)
	}
	chunkSize := param.Get("size").Uint64(1)

	in, err := h.GetReader(inPort)
	if err != nil {
		return err
	}
	out := make([]*node.WriterHandle, len(outPorts))
	for i, p := range outPorts {
		if out[i], err = h.GetWriter(p); err != nil {
			return err
		}
	}

	buf := make([]byte, chunkSize)
	for i := 0; ; i = (i + 1) % len(out) {
		if err := in.RawDequeue(buf); err != nil {
			if errors.Is(err, cpn.ErrClosed) || errors.Is(err, cpn.ErrKernelShutdown) {
				return nil
			}
			return err
		}
		if err := out[i].RawEnqueue(buf); err != nil {
			if errors.Is(err, cpn.ErrClosed) || errors.Is(err, cpn.ErrKernelShutdown) {
				return nil
			}
			return err
		}
	}
}

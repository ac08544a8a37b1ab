package nodelib

import (
	"errors"
	"fmt"

	"github.com/cpnkit/cpn"
	"github.com/cpnkit/cpn/node"
)

// Join is Fork's mirror image: it reads fixed-size chunks from each
// input port in round-robin order and writes every chunk to one
// output port, generalizing
// original_source/nodelibraries/JoinNode.cc.
//
// Param shape: {"outport": "out", "inports": ["a", "b"], "size": 64}
type Join struct{}

// Process implements node.Process.
func (Join) Process(h *node.Handle) error {
	param := h.Param()
	outPort := param.Get("outport").String("")
	if outPort == "" {
		return fmt.Errorf("%w: join node requires param.outport", cpn.ErrInvalidConfig)
	}
	var inPorts []string
	for _, v := range param.Get("inports").Array() {
		inPorts = append(inPorts, v.String(""))
	}
	if len(inPorts) == 0 {
		return fmt.Errorf("%w: join node requires at least one param.inports entry", cpn.ErrInvalidConfig)
	}
	chunkSize := param.Get("size").Uint64(1)

	out, err := h.GetWriter(outPort)
	if err != nil {
		return err
	}
	in := make([]*node.ReaderHandle, len(inPorts))
	for i, p := range inPorts {
		if in[i], err = h.GetReader(p); err != nil {
			return err
		}
	}

	buf := make([]byte, chunkSize)
	live := len(in)
	done := make([]bool, len(in))
	for live > 0 {
		for i := range in {
			if done[i] {
				continue
			}
			if err := in[i].RawDequeue(buf); err != nil {
				if errors.Is(err, cpn.ErrClosed) || errors.Is(err, cpn.ErrKernelShutdown) {
					done[i] = true
					live--
					continue
				}
				return err
			}
			if err := out.RawEnqueue(buf); err != nil {
				if errors.Is(err, cpn.ErrClosed) || errors.Is(err, cpn.ErrKernelShutdown) {
					return nil
				}
				return err
			}
		}
	}
	return nil
}

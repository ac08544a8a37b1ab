package nodelib

import (
	"errors"
	"fmt"

	"github.com/cpnkit/cpn"
	"github.com/cpnkit/cpn/node"
)

// Null drains one input port as fast as it can, discarding everything
// it reads. Useful as a graph's terminal sink during development, or
// to absorb a branch of a Fork nobody else consumes. Generalizes
// original_source/nodelibraries/NullNode.cc.
//
// Param shape: {"inport": "in"}
type Null struct{}

// Process implements node.Process.
func (Null) Process(h *node.Handle) error {
	inPort := h.Param().Get("inport").String("")
	if inPort == "" {
		return fmt.Errorf("%w: null node requires param.inport", cpn.ErrInvalidConfig)
	}
	in, err := h.GetReader(inPort)
	if err != nil {
		return err
	}

	const drainChunk = 4096
	buf := make([]byte, drainChunk)
	for {
		avail, err := in.GetDequeuePtr(1, 0)
		if err != nil {
			if errors.Is(err, cpn.ErrClosed) || errors.Is(err, cpn.ErrKernelShutdown) {
				return nil
			}
			return err
		}
		n := uint64(len(avail))
		if n > drainChunk {
			n = drainChunk
		}
		if err := in.RawDequeue(buf[:n]); err != nil {
			if errors.Is(err, cpn.ErrClosed) || errors.Is(err, cpn.ErrKernelShutdown) {
				return nil
			}
			return err
		}
	}
}

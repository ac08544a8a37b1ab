// Package d4rtest builds synthetic cycle-of-N-nodes fixtures for
// driving D4R deadlock relief at varying cycle lengths, the Go
// analogue of original_source/test/d4rtest's TestNode/TestQueue/Tester
// trio: a ring of N nodes, each writing one byte to its successor and
// reading one byte from its predecessor over a capacity-1 queue, so
// every node blocks on every iteration past the first unless D4R
// relieves it.
package d4rtest

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
	"time"

	"github.com/cpnkit/cpn"
	"github.com/cpnkit/cpn/directory"
	"github.com/cpnkit/cpn/kernel"
	"github.com/cpnkit/cpn/node"
)

// Ring describes a synthetic cycle-of-N-nodes fixture.
type Ring struct {
	NodeCount  int     // number of nodes in the cycle; at least 2
	Capacity   uint64  // per-queue capacity; 1 forces a block on every iteration past the first
	Iterations int     // write-then-read repetitions each node performs before exiting cleanly
	UseD4R     bool    // mirrors the kernel's use_d4r flag
	GrowAlpha  float64 // grow policy alpha when UseD4R is set; defaults to 0.5 if zero
}

// Result reports what a Run observed.
type Result struct {
	// Completed is true when every node in the ring finished its
	// Iterations before the deadline, i.e. the ring made continuous
	// progress rather than deadlocking.
	Completed bool
	Elapsed   time.Duration
	// NodeErrs holds the error (if any) each node body returned, in
	// ring order. Only populated once every node has finished; nil
	// while Completed is false.
	NodeErrs []error
}

// Run builds a fresh kernel.Kernel, wires r.NodeCount nodes into a
// ring (node i writes to node (i+1)%N's "in" port and reads from node
// (i-1+N)%N's write onto its own "in" port), and drives each node
// through r.Iterations write-then-read cycles. It returns once every
// node body has returned or deadline elapses, whichever comes first.
func Run(r Ring, deadline time.Duration) (Result, error) {
	if r.NodeCount < 2 {
		return Result{}, fmt.Errorf("d4rtest: ring needs at least 2 nodes, got %d", r.NodeCount)
	}
	if r.Capacity == 0 {
		r.Capacity = 1
	}
	if r.Iterations == 0 {
		r.Iterations = 1
	}
	alpha := r.GrowAlpha
	if alpha <= 0 {
		alpha = 0.5
	}

	names := make([]string, r.NodeCount)
	for i := range names {
		names[i] = fmt.Sprintf("ring%d", i)
	}

	done := make(chan error, r.NodeCount)
	factory := node.NewFactory()
	for i := 0; i < r.NodeCount; i++ {
		factory.RegisterFunc(names[i], func(h *node.Handle) error {
			w, err := h.GetWriter("out")
			if err != nil {
				done <- err
				return err
			}
			rd, err := h.GetReader("in")
			if err != nil {
				done <- err
				return err
			}
			buf := make([]byte, 1)
			for n := 0; n < r.Iterations; n++ {
				if err := w.RawEnqueue([]byte{byte(n)}); err != nil {
					done <- err
					return err
				}
				if err := rd.RawDequeue(buf); err != nil {
					done <- err
					return err
				}
			}
			done <- nil
			return nil
		})
	}

	k, err := kernel.New(kernel.Config{Name: "d4rtest", UseD4R: r.UseD4R}, directory.NewLocal(), factory)
	if err != nil {
		return Result{}, err
	}

	for _, name := range names {
		if err := k.CreateNode(cpn.NodeAttr{Name: name, Type: name}); err != nil {
			return Result{}, err
		}
	}
	for i := 0; i < r.NodeCount; i++ {
		next := (i + 1) % r.NodeCount
		err := k.CreateQueue(cpn.QueueAttr{
			WriterNode: names[i], WriterPort: "out",
			ReaderNode: names[next], ReaderPort: "in",
			Capacity: r.Capacity, MaxThreshold: r.Capacity, NumChannels: 1, Datatype: "byte",
			GrowOnMaxThreshold: r.UseD4R, Alpha: alpha,
		})
		if err != nil {
			return Result{}, err
		}
	}

	start := time.Now()
	errs := make([]error, 0, r.NodeCount)
	timeout := time.After(deadline)
	for len(errs) < r.NodeCount {
		select {
		case err := <-done:
			errs = append(errs, err)
		case <-timeout:
			k.Terminate()
			return Result{Completed: false, Elapsed: time.Since(start)}, nil
		}
	}
	return Result{Completed: true, Elapsed: time.Since(start), NodeErrs: errs}, nil
}

package kernel

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
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpnkit/cpn"
	"github.com/cpnkit/cpn/node"
)

// TestScenarioSieveOfEratosthenes is S1: a producer feeds 2..100 then a
// zero sentinel into a chain of filter nodes, each filter(p) forwarding
// everything except multiples of p, growing the chain one filter at a
// time until a filter's own prime exceeds sqrt(100), at which point it
// wires straight to the collector instead of spawning another filter.
// Each filter passes the primes claimed upstream and its own prime on
// ahead of the values it filters, tagged with forwardedPrime so the next
// filter does not take them as its own prime.
// Every value rides the wire as a little-endian uint32, cpn.QueueAttr's
// Datatype carrying no wire meaning of its own.
func TestScenarioSieveOfEratosthenes(t *testing.T) {
	const limit = 100
	const sqrtLimit = 10 // filters whose own prime exceeds this route straight to the collector

	// forwardedPrime marks a prime already claimed by an upstream filter.
	const forwardedPrime = uint32(1) << 31

	k := newTestKernel(t, "k1")

	queueAttr := func(writerNode, readerNode string) cpn.QueueAttr {
		return cpn.QueueAttr{
			WriterNode: writerNode, WriterPort: "out",
			ReaderNode: readerNode, ReaderPort: "in",
			Capacity: 4, MaxThreshold: 4, NumChannels: 1, Datatype: "uint32",
		}
	}

	collected := make(chan []uint32, 1)
	collectErr := make(chan error, 1)
	f := node.NewFactory()
	f.RegisterFunc("collector", func(h *node.Handle) error {
		r, err := h.GetReader("in")
		if err != nil {
			collectErr <- err
			return err
		}
		var got []uint32
		buf := make([]byte, 4)
		for {
			if err := r.RawDequeue(buf); err != nil {
				collectErr <- err
				return err
			}
			v := binary.LittleEndian.Uint32(buf)
			if v == 0 {
				collected <- got
				return nil
			}
			got = append(got, v&^forwardedPrime)
		}
	})

	var filterSeq int64 = 1 // "filter1" is created below; spawned filters start at filter2
	filterErr := make(chan error, limit)
	f.RegisterFunc("filter", func(h *node.Handle) error {
		r, err := h.GetReader("in")
		if err != nil {
			filterErr <- err
			return err
		}

		var prime uint32
		var claimed []uint32 // tagged primes from upstream, passed on before this filter's own
		var w *node.WriterHandle
		buf := make([]byte, 4)

		forward := func(v uint32) error {
			binary.LittleEndian.PutUint32(buf, v)
			return w.RawEnqueue(buf)
		}

		for {
			if err := r.RawDequeue(buf); err != nil {
				filterErr <- err
				return err
			}
			v := binary.LittleEndian.Uint32(buf)

			if v&forwardedPrime != 0 {
				// Upstream sends every tagged prime before its first
				// filtered value, so these all arrive while prime == 0.
				claimed = append(claimed, v)
				continue
			}

			if prime == 0 {
				// First untagged value received becomes this filter's own
				// prime; decide the downstream destination once, before
				// forwarding the claimed primes and its own, tagged.
				if v == 0 {
					filterErr <- nil
					return nil
				}
				prime = v
				if prime > sqrtLimit {
					if err := h.CreateQueue(queueAttr(h.Name(), "collector")); err != nil {
						filterErr <- err
						return err
					}
				} else {
					next := fmt.Sprintf("filter%d", atomic.AddInt64(&filterSeq, 1))
					if err := h.CreateNode(cpn.NodeAttr{Name: next, Type: "filter"}); err != nil {
						filterErr <- err
						return err
					}
					if err := h.CreateQueue(queueAttr(h.Name(), next)); err != nil {
						filterErr <- err
						return err
					}
				}
				// CreateQueue wires the "out" port's binding synchronously
				// (kernel.Kernel.CreateQueue registers it before returning),
				// so GetWriter here resolves immediately rather than
				// blocking on a binding this same goroutine would otherwise
				// never get to create.
				w, err = h.GetWriter("out")
				if err != nil {
					filterErr <- err
					return err
				}
				for _, p := range append(claimed, prime|forwardedPrime) {
					if err := forward(p); err != nil {
						filterErr <- err
						return err
					}
				}
				continue
			}

			if v == 0 {
				if err := forward(0); err != nil {
					filterErr <- err
					return err
				}
				filterErr <- nil
				return nil
			}
			if v%prime == 0 {
				continue
			}
			if err := forward(v); err != nil {
				filterErr <- err
				return err
			}
		}
	})

	producerDone := make(chan error, 1)
	f.RegisterFunc("producer", func(h *node.Handle) error {
		w, err := h.GetWriter("out")
		if err != nil {
			producerDone <- err
			return err
		}
		buf := make([]byte, 4)
		for n := uint32(2); n <= limit; n++ {
			binary.LittleEndian.PutUint32(buf, n)
			if err := w.RawEnqueue(buf); err != nil {
				producerDone <- err
				return err
			}
		}
		binary.LittleEndian.PutUint32(buf, 0)
		err = w.RawEnqueue(buf)
		producerDone <- err
		return err
	})
	k.factory = f

	require.NoError(t, k.CreateNode(cpn.NodeAttr{Name: "producer", Type: "producer"}))
	require.NoError(t, k.CreateNode(cpn.NodeAttr{Name: "filter1", Type: "filter"}))
	require.NoError(t, k.CreateNode(cpn.NodeAttr{Name: "collector", Type: "collector"}))
	require.NoError(t, k.CreateQueue(queueAttr("producer", "filter1")))

	want := []uint32{2, 3, 5, 7, 11, 13, 17, 19, 23, 29, 31, 37, 41, 43, 47, 53, 59, 61, 67, 71, 73, 79, 83, 89, 97}

	select {
	case err := <-producerDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("producer did not finish")
	}
	select {
	case got := <-collected:
		assert.Equal(t, want, got)
	case err := <-collectErr:
		t.Fatalf("collector errored: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("collector did not finish")
	}

	// Every filter that ever ran forwarded its zero sentinel and
	// returned cleanly; give the chain a moment to unwind, then drain
	// whatever finished and assert none of them errored.
	time.Sleep(100 * time.Millisecond)
	draining := true
	for draining {
		select {
		case err := <-filterErr:
			assert.NoError(t, err)
		default:
			draining = false
		}
	}
}

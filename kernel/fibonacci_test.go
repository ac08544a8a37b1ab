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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpnkit/cpn"
	"github.com/cpnkit/cpn/node"
)

// TestScenarioFibonacciViaDelays is S2: two delay-by-one nodes and a
// summer wired into a cycle (delay1 -> delay2 -> summer{a,b} -> delay1),
// with the collector reading delay2's output. A delay node emits its
// init value immediately, then forwards whatever it next reads on
// "in"; the summer emits a+b. Tracing the recurrence by hand gives
// delay2's output sequence as 1,1,2,3,5,8,13,..., which is exactly what
// the collector is expected to observe.
func TestScenarioFibonacciViaDelays(t *testing.T) {
	const maxFib = 100

	k := newTestKernel(t, "k1")

	queueAttr := func(writerNode, writerPort, readerNode, readerPort string) cpn.QueueAttr {
		return cpn.QueueAttr{
			WriterNode: writerNode, WriterPort: writerPort,
			ReaderNode: readerNode, ReaderPort: readerPort,
			Capacity: 4, MaxThreshold: 4, NumChannels: 1, Datatype: "uint32",
		}
	}

	delayErr := make(chan error, 2)
	f := node.NewFactory()
	f.RegisterFunc("delay", func(h *node.Handle) error {
		init := uint32(h.Param().Get("init").Int(0))
		var outs []*node.WriterHandle
		for _, name := range h.Param().Get("outs").Array() {
			w, err := h.GetWriter(name.String(""))
			if err != nil {
				delayErr <- err
				return err
			}
			outs = append(outs, w)
		}
		r, err := h.GetReader("in")
		if err != nil {
			delayErr <- err
			return err
		}

		buf := make([]byte, 4)
		emit := func(v uint32) error {
			binary.LittleEndian.PutUint32(buf, v)
			for _, w := range outs {
				if err := w.RawEnqueue(buf); err != nil {
					return err
				}
			}
			return nil
		}

		if err := emit(init); err != nil {
			delayErr <- err
			return err
		}
		for {
			if err := r.RawDequeue(buf); err != nil {
				delayErr <- err
				return err
			}
			if err := emit(binary.LittleEndian.Uint32(buf)); err != nil {
				delayErr <- err
				return err
			}
		}
	})

	summerErr := make(chan error, 1)
	f.RegisterFunc("summer", func(h *node.Handle) error {
		ra, err := h.GetReader("a")
		if err != nil {
			summerErr <- err
			return err
		}
		rb, err := h.GetReader("b")
		if err != nil {
			summerErr <- err
			return err
		}
		w, err := h.GetWriter("out")
		if err != nil {
			summerErr <- err
			return err
		}

		bufA := make([]byte, 4)
		bufB := make([]byte, 4)
		out := make([]byte, 4)
		for {
			if err := ra.RawDequeue(bufA); err != nil {
				summerErr <- err
				return err
			}
			if err := rb.RawDequeue(bufB); err != nil {
				summerErr <- err
				return err
			}
			sum := binary.LittleEndian.Uint32(bufA) + binary.LittleEndian.Uint32(bufB)
			binary.LittleEndian.PutUint32(out, sum)
			if err := w.RawEnqueue(out); err != nil {
				summerErr <- err
				return err
			}
		}
	})

	collected := make(chan []uint32, 1)
	collectErr := make(chan error, 1)
	f.RegisterFunc("fibcollector", func(h *node.Handle) error {
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
			got = append(got, v)
			if v >= maxFib {
				collected <- got
				// Stay alive without draining further, so the cycle backs
				// up against this full queue instead of seeing it closed
				// (a returning node shuts its ports down).
				return h.WaitNodeTerminate("summer")
			}
		}
	})
	k.factory = f

	delay1Param := []byte(`{"init":1,"outs":["toDelay2","toSummerA"]}`)
	delay2Param := []byte(`{"init":1,"outs":["toSummerB","toCollector"]}`)

	require.NoError(t, k.CreateNode(cpn.NodeAttr{Name: "delay1", Type: "delay", Param: delay1Param}))
	require.NoError(t, k.CreateNode(cpn.NodeAttr{Name: "delay2", Type: "delay", Param: delay2Param}))
	require.NoError(t, k.CreateNode(cpn.NodeAttr{Name: "summer", Type: "summer"}))
	require.NoError(t, k.CreateNode(cpn.NodeAttr{Name: "collector", Type: "fibcollector"}))

	require.NoError(t, k.CreateQueue(queueAttr("delay1", "toDelay2", "delay2", "in")))
	require.NoError(t, k.CreateQueue(queueAttr("delay1", "toSummerA", "summer", "a")))
	require.NoError(t, k.CreateQueue(queueAttr("delay2", "toSummerB", "summer", "b")))
	require.NoError(t, k.CreateQueue(queueAttr("delay2", "toCollector", "collector", "in")))
	require.NoError(t, k.CreateQueue(queueAttr("summer", "out", "delay1", "in")))

	want := []uint32{1, 1, 2, 3, 5, 8, 13, 21, 34, 55, 89, 144}

	select {
	case got := <-collected:
		assert.Equal(t, want, got)
	case err := <-collectErr:
		t.Fatalf("collector errored: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("collector did not finish")
	}

	// The cycle keeps every other node blocked writing into a full
	// queue once the collector stops draining it; Terminate releases
	// them so the kernel's goroutines don't leak past this test.
	k.Terminate()
	for i := 0; i < 2; i++ {
		select {
		case err := <-delayErr:
			assert.ErrorIs(t, err, cpn.ErrKernelShutdown)
		case <-time.After(2 * time.Second):
			t.Fatal("delay1/delay2 were not released by Terminate")
		}
	}
	select {
	case err := <-summerErr:
		assert.ErrorIs(t, err, cpn.ErrKernelShutdown)
	case <-time.After(2 * time.Second):
		t.Fatal("summer was not released by Terminate")
	}
}

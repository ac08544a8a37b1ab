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
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpnkit/cpn"
	"github.com/cpnkit/cpn/node"
)

// TestScenarioGrowOnThreshold is S5: a writer asks for a threshold
// larger than the queue's initial capacity on a grow-enabled queue,
// and 1 MiB of random data still arrives byte-for-byte (P1) once the
// grow protocol fires.
func TestScenarioGrowOnThreshold(t *testing.T) {
	want := make([]byte, 1<<20)
	rand.New(rand.NewSource(7)).Read(want)

	k := newTestKernel(t, "k1")

	producerDone := make(chan error, 1)
	f := node.NewFactory()
	f.RegisterFunc("producer", func(h *node.Handle) error {
		w, err := h.GetWriter("out")
		if err != nil {
			producerDone <- err
			return err
		}
		// One large raw write, well past the queue's 16-byte starting
		// capacity, forces get_enqueue_ptr's threshold to exceed
		// max_threshold and trip the grow path.
		err = w.RawEnqueue(want)
		producerDone <- err
		return err
	})
	got := make([]byte, len(want))
	consumerDone := make(chan error, 1)
	f.RegisterFunc("consumer", func(h *node.Handle) error {
		r, err := h.GetReader("in")
		if err != nil {
			consumerDone <- err
			return err
		}
		err = r.RawDequeue(got)
		consumerDone <- err
		return err
	})
	k.factory = f

	require.NoError(t, k.CreateNode(cpn.NodeAttr{Name: "producer", Type: "producer"}))
	require.NoError(t, k.CreateNode(cpn.NodeAttr{Name: "consumer", Type: "consumer"}))
	require.NoError(t, k.CreateQueue(cpn.QueueAttr{
		WriterNode: "producer", WriterPort: "out",
		ReaderNode: "consumer", ReaderPort: "in",
		Capacity: 16, MaxThreshold: 16, NumChannels: 1, Datatype: "byte",
		GrowOnMaxThreshold: true, Alpha: 0.5,
	}))

	select {
	case err := <-producerDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("producer did not finish")
	}
	select {
	case err := <-consumerDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not finish")
	}
	assert.Equal(t, want, got)
}

// TestScenarioTerminateCancellation is S6: from a third goroutine,
// kernel.Terminate() must release both a blocked producer and a
// blocked consumer promptly, and WaitForAllNodeEnd must return once
// they do.
func TestScenarioTerminateCancellation(t *testing.T) {
	k := newTestKernel(t, "k1")

	producerErr := make(chan error, 1)
	f := node.NewFactory()
	f.RegisterFunc("producer", func(h *node.Handle) error {
		w, err := h.GetWriter("out")
		if err != nil {
			producerErr <- err
			return err
		}
		// Put one byte into the two-byte queue, then block on a
		// two-byte write that only one free byte can never satisfy,
		// until Terminate releases it.
		if err := w.RawEnqueue([]byte{1}); err != nil {
			producerErr <- err
			return err
		}
		err = w.RawEnqueue([]byte{2, 3})
		producerErr <- err
		return err
	})
	consumerErr := make(chan error, 1)
	f.RegisterFunc("consumer", func(h *node.Handle) error {
		r, err := h.GetReader("in")
		if err != nil {
			consumerErr <- err
			return err
		}
		// Asks for two bytes while the producer only ever commits one,
		// so it blocks without freeing any space until Terminate
		// releases it.
		buf := make([]byte, 2)
		err = r.RawDequeue(buf)
		consumerErr <- err
		return err
	})
	k.factory = f

	require.NoError(t, k.CreateNode(cpn.NodeAttr{Name: "producer", Type: "producer"}))
	require.NoError(t, k.CreateNode(cpn.NodeAttr{Name: "consumer", Type: "consumer"}))
	require.NoError(t, k.CreateQueue(cpn.QueueAttr{
		WriterNode: "producer", WriterPort: "out",
		ReaderNode: "consumer", ReaderPort: "in",
		Capacity: 2, MaxThreshold: 2, NumChannels: 1, Datatype: "byte",
	}))

	// Give both bodies time to reach their blocking calls before
	// terminating from this third goroutine.
	time.Sleep(100 * time.Millisecond)
	k.Terminate()

	select {
	case err := <-producerErr:
		assert.ErrorIs(t, err, cpn.ErrKernelShutdown)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("producer was not released within 100ms of Terminate")
	}
	select {
	case err := <-consumerErr:
		// Terminate only ever sets Local.closed, never writerDone/readerDone,
		// so both a blocked writer and a blocked reader observe the same
		// cpn.ErrKernelShutdown sentinel (queue/local.go's GetEnqueuePtr and
		// GetDequeuePtr each check closed after their own done flag).
		assert.ErrorIs(t, err, cpn.ErrKernelShutdown)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("consumer was not released within 100ms of Terminate")
	}

	done := make(chan error, 1)
	go func() { done <- k.WaitForAllNodeEnd() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForAllNodeEnd did not return after both node bodies exited")
	}
}

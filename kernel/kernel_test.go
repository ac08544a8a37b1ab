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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpnkit/cpn"
	"github.com/cpnkit/cpn/directory"
	"github.com/cpnkit/cpn/node"
)

func newTestKernel(t *testing.T, name string) *Kernel {
	t.Helper()
	f := node.NewFactory()
	f.RegisterFunc("noop", func(h *node.Handle) error { return nil })
	k, err := New(Config{Name: name}, directory.NewLocal(), f)
	require.NoError(t, err)
	return k
}

func TestCreateNodeLocal(t *testing.T) {
	k := newTestKernel(t, "k1")
	require.NoError(t, k.CreateNode(cpn.NodeAttr{Name: "n1", Type: "noop"}))
	require.NoError(t, k.WaitNodeTerminate("n1"))
	assert.Contains(t, k.NodeNames(), "n1")
}

func TestCreateNodeUnknownTypeFails(t *testing.T) {
	k := newTestKernel(t, "k1")
	err := k.CreateNode(cpn.NodeAttr{Name: "n1", Type: "bogus"})
	assert.ErrorIs(t, err, cpn.ErrInvalidConfig)
}

// TestCreateQueueLocalRoundTrip is S1-shaped: two local nodes, wired by
// a queue created on the same kernel, pass bytes end to end.
func TestCreateQueueLocalRoundTrip(t *testing.T) {
	k := newTestKernel(t, "k1")

	producerDone := make(chan error, 1)
	f := node.NewFactory()
	f.RegisterFunc("producer", func(h *node.Handle) error {
		w, err := h.GetWriter("out")
		if err != nil {
			producerDone <- err
			return err
		}
		err = w.RawEnqueue([]byte("hello"))
		producerDone <- err
		return err
	})
	consumed := make(chan []byte, 1)
	f.RegisterFunc("consumer", func(h *node.Handle) error {
		r, err := h.GetReader("in")
		if err != nil {
			return err
		}
		buf := make([]byte, 5)
		if err := r.RawDequeue(buf); err != nil {
			return err
		}
		consumed <- buf
		return nil
	})
	k.factory = f

	require.NoError(t, k.CreateNode(cpn.NodeAttr{Name: "producer", Type: "producer"}))
	require.NoError(t, k.CreateNode(cpn.NodeAttr{Name: "consumer", Type: "consumer"}))
	require.NoError(t, k.CreateQueue(cpn.QueueAttr{
		WriterNode: "producer", WriterPort: "out",
		ReaderNode: "consumer", ReaderPort: "in",
		Capacity: 16, MaxThreshold: 4, NumChannels: 1, Datatype: "byte",
	}))

	select {
	case err := <-producerDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("producer did not finish")
	}
	select {
	case got := <-consumed:
		assert.Equal(t, []byte("hello"), got)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not finish")
	}
}

// TestReaderWaitsThenSeesBoundQueue checks that a body asking for its
// port before CreateQueue has wired it waits rather than failing, per
// spec.md §4.2, and is released once the queue is created.
func TestReaderWaitsThenSeesBoundQueue(t *testing.T) {
	k := newTestKernel(t, "k1")
	require.NoError(t, k.CreateNode(cpn.NodeAttr{Name: "producer", Type: "noop"}))
	require.NoError(t, k.CreateNode(cpn.NodeAttr{Name: "consumer", Type: "noop"}))

	got := make(chan cpn.Reader, 1)
	go func() {
		r, err := k.Reader("consumer", "in")
		require.NoError(t, err)
		got <- r
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, k.CreateQueue(cpn.QueueAttr{
		WriterNode: "producer", WriterPort: "out",
		ReaderNode: "consumer", ReaderPort: "in",
		Capacity: 4, MaxThreshold: 4, NumChannels: 1, Datatype: "byte",
	}))

	select {
	case r := <-got:
		assert.NotNil(t, r)
	case <-time.After(2 * time.Second):
		t.Fatal("Reader did not unblock once the queue was created")
	}
}

// TestReaderUnblocksOnTerminate checks a body that never gets its
// queue wired is released by Terminate instead of hanging forever.
func TestReaderUnblocksOnTerminate(t *testing.T) {
	k := newTestKernel(t, "k1")
	require.NoError(t, k.CreateNode(cpn.NodeAttr{Name: "n1", Type: "noop"}))

	errs := make(chan error, 1)
	go func() {
		_, err := k.Reader("n1", "in")
		errs <- err
	}()

	time.Sleep(50 * time.Millisecond)
	k.Terminate()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, cpn.ErrKernelShutdown)
	case <-time.After(2 * time.Second):
		t.Fatal("Reader was not released by Terminate")
	}
}

func TestCreateQueueRejectsInvalidAttr(t *testing.T) {
	k := newTestKernel(t, "k1")
	err := k.CreateQueue(cpn.QueueAttr{})
	assert.Error(t, err)
}

func TestTerminateUnblocksLocalQueue(t *testing.T) {
	k := newTestKernel(t, "k1")
	require.NoError(t, k.CreateNode(cpn.NodeAttr{Name: "producer", Type: "noop"}))
	require.NoError(t, k.CreateNode(cpn.NodeAttr{Name: "consumer", Type: "noop"}))
	require.NoError(t, k.CreateQueue(cpn.QueueAttr{
		WriterNode: "producer", WriterPort: "out",
		ReaderNode: "consumer", ReaderPort: "in",
		Capacity: 4, MaxThreshold: 4, NumChannels: 1, Datatype: "byte",
	}))

	w, err := k.Writer("producer", "out")
	require.NoError(t, err)

	blocked := make(chan error, 1)
	go func() {
		// Fill the 4-byte queue, then block waiting for more space.
		_ = w.RawEnqueue([]byte{1, 2, 3, 4})
		_, err := w.GetEnqueuePtr(1, 0)
		blocked <- err
	}()

	time.Sleep(50 * time.Millisecond)
	k.Terminate()

	select {
	case err := <-blocked:
		assert.ErrorIs(t, err, cpn.ErrKernelShutdown)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked writer was not released by Terminate")
	}
}

package mock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpnkit/cpn"
	"github.com/cpnkit/cpn/node"
)

func TestKernelCreateQueueWiresRealQueue(t *testing.T) {
	k := NewKernel("k1")
	require.NoError(t, k.CreateNode(cpn.NodeAttr{Name: "a", Type: "noop"}))
	require.NoError(t, k.CreateNode(cpn.NodeAttr{Name: "b", Type: "noop"}))
	require.NoError(t, k.CreateQueue(cpn.QueueAttr{
		WriterNode: "a", WriterPort: "out",
		ReaderNode: "b", ReaderPort: "in",
		Capacity: 16, MaxThreshold: 8, NumChannels: 1, Datatype: "byte",
	}))

	w, err := k.Writer("a", "out")
	require.NoError(t, err)
	r, err := k.Reader("b", "in")
	require.NoError(t, err)

	require.NoError(t, w.RawEnqueue([]byte("12345678")))
	buf := make([]byte, 8)
	require.NoError(t, r.RawDequeue(buf))
	assert.Equal(t, []byte("12345678"), buf)

	assert.Len(t, k.Data.Nodes, 2)
	assert.Len(t, k.Data.Queues, 1)
}

func TestKernelUnboundPortErrors(t *testing.T) {
	k := NewKernel("k1")
	_, err := k.Reader("a", "in")
	assert.Error(t, err)
	_, err = k.Writer("a", "out")
	assert.Error(t, err)
}

func TestKernelDrivesNodeRun(t *testing.T) {
	k := NewKernel("k1")
	require.NoError(t, k.CreateNode(cpn.NodeAttr{Name: "src", Type: "source"}))
	require.NoError(t, k.CreateNode(cpn.NodeAttr{Name: "dst", Type: "sink"}))
	require.NoError(t, k.CreateQueue(cpn.QueueAttr{
		WriterNode: "src", WriterPort: "out",
		ReaderNode: "dst", ReaderPort: "in",
		Capacity: 16, MaxThreshold: 8, NumChannels: 1, Datatype: "byte",
	}))

	src, err := node.New(1, cpn.NodeAttr{Name: "src", Type: "source"}, k, node.Func(func(h *node.Handle) error {
		w, err := h.GetWriter("out")
		if err != nil {
			return err
		}
		return w.RawEnqueue([]byte("hi there"))
	}))
	require.NoError(t, err)

	got := make(chan []byte, 1)
	dst, err := node.New(2, cpn.NodeAttr{Name: "dst", Type: "sink"}, k, node.Func(func(h *node.Handle) error {
		r, err := h.GetReader("in")
		if err != nil {
			return err
		}
		buf := make([]byte, 8)
		if err := r.RawDequeue(buf); err != nil {
			return err
		}
		got <- buf
		return nil
	}))
	require.NoError(t, err)

	go func() { require.NoError(t, dst.Run()) }()
	require.NoError(t, src.Run())

	select {
	case b := <-got:
		assert.Equal(t, []byte("hi there"), b)
	case <-time.After(2 * time.Second):
		t.Fatal("sink node never saw the chunk")
	}

	k.Terminate()
	assert.True(t, k.Data.Terminated)
}

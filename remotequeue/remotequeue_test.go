package remotequeue

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpnkit/cpn"
	"github.com/cpnkit/cpn/wire"
)

// TestCrossKernelPipeline is S3 from spec.md §8: a producer on one
// kernel emits bytes in small chunks over a connection sized to force
// multiple WRITE_BLOCK/DEQUEUE round-trips; the consumer on the other
// end must see exactly those bytes in order.
func TestCrossKernelPipeline(t *testing.T) {
	left, right := net.Pipe()
	writerConn := wire.NewConn(left)
	readerConn := wire.NewConn(right)

	attr := cpn.QueueAttr{
		WriterNode: "producer", WriterPort: "out",
		ReaderNode: "consumer", ReaderPort: "in",
		Capacity: 16, MaxThreshold: 4, NumChannels: 1, Datatype: "byte",
	}

	writerRegistry := NewRegistry(writerConn, nil)
	readerRegistry := NewRegistry(readerConn, nil)

	w, err := NewWriterHalf(writerConn, nil, cpn.Key(1), cpn.Key(2), cpn.Key(100), attr)
	require.NoError(t, err)
	r, err := NewReaderHalf(readerConn, nil, cpn.Key(2), cpn.Key(1), cpn.Key(200), attr)
	require.NoError(t, err)

	writerRegistry.RegisterWriter(cpn.Key(1), w)
	readerRegistry.RegisterReader(cpn.Key(2), r)

	go writerConn.Serve(writerRegistry)
	go readerConn.Serve(readerRegistry)

	want := make([]byte, 256)
	for i := range want {
		want[i] = byte(i)
	}

	done := make(chan error, 1)
	go func() {
		for off := 0; off < len(want); off += 3 {
			n := 3
			if off+n > len(want) {
				n = len(want) - off
			}
			if err := w.RawEnqueue(want[off : off+n]); err != nil {
				done <- err
				return
			}
		}
		done <- w.ShutdownWriter()
	}()

	got := make([]byte, 0, len(want))
	for len(got) < len(want) {
		buf := make([]byte, 4)
		n := 4
		if len(got)+n > len(want) {
			n = len(want) - len(got)
		}
		require.NoError(t, r.RawDequeue(buf[:n]))
		got = append(got, buf[:n]...)
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for writer goroutine")
	}

	assert.Equal(t, want, got)
}

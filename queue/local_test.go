package queue

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpnkit/cpn"
)

func newTestQueue(t *testing.T, capacity, maxThreshold, numChannels uint64) *Local {
	t.Helper()
	q, err := New(cpn.QueueAttr{
		WriterNode: "w", WriterPort: "out",
		ReaderNode: "r", ReaderPort: "in",
		Capacity:     capacity,
		MaxThreshold: maxThreshold,
		NumChannels:  numChannels,
		Datatype:     "byte",
	})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

// TestFIFOIntegrity is property P1: writer input equals reader output
// byte for byte, regardless of interleaving and chunk thresholds.
func TestFIFOIntegrity(t *testing.T) {
	q := newTestQueue(t, 8, 4, 1)

	want := make([]byte, 5000)
	rand.New(rand.NewSource(1)).Read(want)

	got := make([]byte, 0, len(want))
	done := make(chan struct{})

	go func() {
		defer close(done)
		for len(got) < len(want) {
			n := 1 + rand.Intn(3)
			if len(got)+n > len(want) {
				n = len(want) - len(got)
			}
			buf := make([]byte, n)
			require.NoError(t, q.RawDequeue(buf))
			got = append(got, buf...)
		}
	}()

	written := 0
	for written < len(want) {
		n := 1 + rand.Intn(3)
		if written+n > len(want) {
			n = len(want) - written
		}
		require.NoError(t, q.RawEnqueue(want[written:written+n]))
		written += n
	}
	<-done

	assert.Equal(t, want, got)
}

// TestThresholdContract is property P2: a non-closed get_*_ptr call
// never returns fewer than the requested contiguous bytes.
func TestThresholdContract(t *testing.T) {
	q := newTestQueue(t, 16, 8, 1)

	ptr, err := q.GetEnqueuePtr(6, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(ptr), 6)
	copy(ptr, []byte("abcdef"))
	require.NoError(t, q.Enqueue(6))

	ptr, err = q.GetDequeuePtr(6, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(ptr), 6)
	assert.Equal(t, []byte("abcdef"), ptr[:6])
}

// TestShutdownRoundTrip is property P3.
func TestShutdownRoundTrip(t *testing.T) {
	q := newTestQueue(t, 16, 8, 1)

	require.NoError(t, q.RawEnqueue([]byte("hello")))
	require.NoError(t, q.ShutdownWriter())

	buf := make([]byte, 5)
	require.NoError(t, q.RawDequeue(buf))
	assert.Equal(t, []byte("hello"), buf)

	_, err := q.GetDequeuePtr(1, 0)
	assert.ErrorIs(t, err, cpn.ErrClosed)
}

// TestTerminateReturnsKernelShutdown checks that Terminate (a kernel
// tearing down the whole graph) is distinguishable from a peer's own
// orderly shutdown, on both the enqueue and dequeue side.
func TestTerminateReturnsKernelShutdown(t *testing.T) {
	q := newTestQueue(t, 4, 4, 1)
	require.NoError(t, q.RawEnqueue([]byte{1, 2, 3, 4}))

	q.Terminate()

	_, err := q.GetEnqueuePtr(1, 0)
	assert.ErrorIs(t, err, cpn.ErrKernelShutdown)

	q2 := newTestQueue(t, 4, 4, 1)
	q2.Terminate()
	_, err = q2.GetDequeuePtr(1, 0)
	assert.ErrorIs(t, err, cpn.ErrKernelShutdown)
}

// TestChannelCoherence is property P4.
func TestChannelCoherence(t *testing.T) {
	q := newTestQueue(t, 16, 8, 3)

	for c := uint64(0); c < 3; c++ {
		ptr, err := q.GetEnqueuePtr(4, c)
		require.NoError(t, err)
		copy(ptr, []byte{byte(c), byte(c), byte(c), byte(c)})
	}
	require.NoError(t, q.Enqueue(4))

	for c := uint64(0); c < 3; c++ {
		ptr, err := q.GetDequeuePtr(4, c)
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(c), byte(c), byte(c), byte(c)}, ptr[:4])
	}
}

// TestGrowInvariance is property P5: FIFO integrity holds across grow
// events triggered by over-threshold requests.
func TestGrowInvariance(t *testing.T) {
	q := newTestQueue(t, 4, 2, 1)
	q.grow = GrowPolicy{Enabled: true, Alpha: 0.5}

	want := make([]byte, 4096)
	rand.New(rand.NewSource(2)).Read(want)

	require.NoError(t, q.RawEnqueue(want[:1024]))
	require.NoError(t, q.RawEnqueue(want[1024:]))

	got := make([]byte, len(want))
	require.NoError(t, q.RawDequeue(got))

	assert.Equal(t, want, got)
	assert.Greater(t, q.capacity, uint64(4))
}

// TestFreespaceAndEmpty pins count+freespace==capacity: an 8-capacity
// queue must hold all 8 bytes before reporting Full, not 7.
func TestFreespaceAndEmpty(t *testing.T) {
	q := newTestQueue(t, 8, 8, 1)
	assert.True(t, q.Empty())
	assert.False(t, q.Full())
	assert.Equal(t, uint64(8), q.Freespace())

	require.NoError(t, q.RawEnqueue([]byte("1234567")))
	assert.Equal(t, uint64(1), q.Freespace())
	assert.False(t, q.Full())

	require.NoError(t, q.RawEnqueue([]byte("8")))
	assert.Equal(t, uint64(0), q.Freespace())
	assert.True(t, q.Full())
}

package directory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpnkit/cpn"
)

// TestContextKeyUniqueness is property P7 from spec.md §8: every
// key returned within one directory is unique and stable.
func TestContextKeyUniqueness(t *testing.T) {
	d := NewLocal()

	hostKey, err := d.SetupHost("k1", "localhost", "9000")
	require.NoError(t, err)

	n1, err := d.CreateNodeKey(hostKey, "producer")
	require.NoError(t, err)
	n2, err := d.CreateNodeKey(hostKey, "consumer")
	require.NoError(t, err)
	assert.NotEqual(t, n1, n2)
	assert.NotEqual(t, hostKey, n1)

	again, err := d.CreateNodeKey(hostKey, "producer")
	require.NoError(t, err)
	assert.Equal(t, n1, again)
}

func TestConnectEndpoints(t *testing.T) {
	d := NewLocal()
	hostKey, _ := d.SetupHost("k1", "localhost", "9000")
	nodeKey, _ := d.CreateNodeKey(hostKey, "n1")

	w, err := d.CreateWriterKey(nodeKey, "out")
	require.NoError(t, err)
	r, err := d.CreateReaderKey(nodeKey, "in")
	require.NoError(t, err)

	require.NoError(t, d.ConnectEndpoints(w, r))

	wi, err := d.WriterInfo(w)
	require.NoError(t, err)
	assert.Equal(t, r, wi.PeerKey)

	ri, err := d.ReaderInfo(r)
	require.NoError(t, err)
	assert.Equal(t, w, ri.PeerKey)
}

func TestWaitNodeStartUnblocksOnSignal(t *testing.T) {
	d := NewLocal()
	hostKey, _ := d.SetupHost("k1", "localhost", "9000")
	nodeKey, _ := d.CreateNodeKey(hostKey, "n1")

	started := make(chan struct{})
	go func() {
		require.NoError(t, d.WaitNodeStart("n1"))
		close(started)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, d.SignalNodeStart(nodeKey))

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("WaitNodeStart did not unblock")
	}
}

func TestWaitForAllNodeEnd(t *testing.T) {
	d := NewLocal()
	hostKey, _ := d.SetupHost("k1", "localhost", "9000")
	n1, _ := d.CreateNodeKey(hostKey, "n1")
	n2, _ := d.CreateNodeKey(hostKey, "n2")
	require.NoError(t, d.SignalNodeStart(n1))
	require.NoError(t, d.SignalNodeStart(n2))

	done := make(chan struct{})
	go func() {
		require.NoError(t, d.WaitForAllNodeEnd())
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, d.SignalNodeEnd(n1))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, d.SignalNodeEnd(n2))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForAllNodeEnd did not unblock")
	}
}

func TestHostByKeyNotFound(t *testing.T) {
	d := NewLocal()
	_, err := d.HostByKey(cpn.Key(999))
	assert.ErrorIs(t, err, ErrNotFound)
}

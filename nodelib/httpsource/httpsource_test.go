package httpsource

import (
	"bytes"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cpnkit/cpn"
	"github.com/cpnkit/cpn/directory"
	"github.com/cpnkit/cpn/kernel"
	"github.com/cpnkit/cpn/node"
)

func freePort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestSourceForwardsPostBodyToPort(t *testing.T) {
	addr := freePort(t)

	f := node.NewFactory()
	Register(f)

	got := make(chan []byte, 1)
	f.RegisterFunc("sink", func(h *node.Handle) error {
		r, err := h.GetReader("in")
		if err != nil {
			return err
		}
		buf := make([]byte, 5)
		if err := r.RawDequeue(buf); err != nil {
			return err
		}
		got <- buf
		return nil
	})

	k, err := kernel.New(kernel.Config{Name: "k1"}, directory.NewLocal(), f)
	require.NoError(t, err)

	require.NoError(t, k.CreateNode(cpn.NodeAttr{
		Name: "source", Type: "http-source",
		Param: []byte(fmt.Sprintf(`{"addr":%q,"topics":["orders"]}`, addr)),
	}))
	require.NoError(t, k.CreateNode(cpn.NodeAttr{Name: "sink", Type: "sink"}))
	require.NoError(t, k.CreateQueue(cpn.QueueAttr{
		WriterNode: "source", WriterPort: "orders",
		ReaderNode: "sink", ReaderPort: "in",
		Capacity: 16, MaxThreshold: 8, NumChannels: 1, Datatype: "byte",
	}))

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 20*time.Millisecond)

	resp, err := http.Post("http://"+addr+"/orders", "application/octet-stream", bytes.NewReader([]byte("hello")))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case b := <-got:
		require.Equal(t, []byte("hello"), b)
	case <-time.After(2 * time.Second):
		t.Fatal("sink never received the posted body")
	}
}

func TestSourceRejectsUnregisteredTopic(t *testing.T) {
	addr := freePort(t)

	f := node.NewFactory()
	Register(f)

	k, err := kernel.New(kernel.Config{Name: "k1"}, directory.NewLocal(), f)
	require.NoError(t, err)

	require.NoError(t, k.CreateNode(cpn.NodeAttr{
		Name: "source", Type: "http-source",
		Param: []byte(fmt.Sprintf(`{"addr":%q,"topics":["orders"]}`, addr)),
	}))

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 20*time.Millisecond)

	resp, err := http.Post("http://"+addr+"/unknown", "application/octet-stream", bytes.NewReader([]byte("x")))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

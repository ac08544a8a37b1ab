package wire

import (
	"fmt"
	"net"
	"sync"

	"github.com/cpnkit/cpn"
	"github.com/cpnkit/cpn/log"
)

// Demuxer receives decoded frames from a Conn's read loop and routes
// them to the remotequeue half that owns DstKey. Implemented by
// remotequeue.Registry.
type Demuxer interface {
	Dispatch(f Frame)
	// Broken is called once, when the connection's read loop exits for
	// any reason. Per spec.md §4.5, queues on a broken connection enter
	// a "broken" state; err is ErrClosed when the loop ended because
	// Close was called, and ErrBrokenQueue otherwise.
	Broken(err error)
}

// Conn multiplexes every remote queue endpoint shared between this
// kernel and one peer kernel over a single TCP connection. Frames on
// one Conn are handed to the Demuxer in receive order (spec.md §4.5); writes are
// serialized by wmu so concurrent queues don't interleave partial
// frames.
type Conn struct {
	nc  net.Conn
	log log.Logger

	wmu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn wraps an established net.Conn (either side of a dial/accept)
// as a frame-multiplexing Conn.
func NewConn(nc net.Conn) *Conn {
	return &Conn{
		nc:     nc,
		log:    log.New("component", "wire", "peer", nc.RemoteAddr().String()),
		closed: make(chan struct{}),
	}
}

// RemoteAddr returns the peer kernel's transport address.
func (c *Conn) RemoteAddr() string {
	return c.nc.RemoteAddr().String()
}

// Send writes one frame to the peer, serialized against concurrent
// senders.
func (c *Conn) Send(f Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := Encode(c.nc, f); err != nil {
		c.Close()
		return err
	}
	return nil
}

// Serve runs the read loop, decoding frames and dispatching them to d
// until the connection breaks or is closed. It blocks; callers run it
// in its own goroutine (spec.md §5: "a transport-I/O thread per
// stream connection").
func (c *Conn) Serve(d Demuxer) {
	for {
		f, err := Decode(c.nc)
		if err != nil {
			select {
			case <-c.closed:
				d.Broken(fmt.Errorf("%w: connection closed", cpn.ErrClosed))
			default:
				d.Broken(fmt.Errorf("%w: %v", cpn.ErrBrokenQueue, err))
			}
			return
		}
		d.Dispatch(f)
	}
}

// Close tears down the underlying connection. Per spec.md §9, the
// end-of-read/in-flight-ENQUEUE race is resolved by unconditionally
// aborting the connection rather than trying to drain in-flight
// frames cleanly; Close is that abort.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.nc.Close()
	})
	return err
}

// Package wire implements the binary frame protocol that carries a
// queue's enqueue-data, dequeue-ack, read-block, write-block,
// end-of-write, end-of-read and grow messages between two kernels
// (spec.md §6). A single TCP connection between two kernels
// multiplexes every queue that straddles them; each frame carries the
// destination/source endpoint keys so the receiver can demux it to
// the right remotequeue half.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cpnkit/cpn"
	"github.com/cpnkit/cpn/d4r"
)

// Tag identifies the kind of a frame. Values are renumbered freely
// across deployments as long as both peers of one deployment agree
// (spec.md §6); this implementation fixes them as listed there.
type Tag uint8

const (
	ENQUEUE Tag = iota + 1
	DEQUEUE
	READ_BLOCK
	WRITE_BLOCK
	END_OF_WRITE
	END_OF_READ
	GROW
	ID_READER
	ID_WRITER
)

func (t Tag) String() string {
	switch t {
	case ENQUEUE:
		return "ENQUEUE"
	case DEQUEUE:
		return "DEQUEUE"
	case READ_BLOCK:
		return "READ_BLOCK"
	case WRITE_BLOCK:
		return "WRITE_BLOCK"
	case END_OF_WRITE:
		return "END_OF_WRITE"
	case END_OF_READ:
		return "END_OF_READ"
	case GROW:
		return "GROW"
	case ID_READER:
		return "ID_READER"
	case ID_WRITER:
		return "ID_WRITER"
	default:
		return fmt.Sprintf("Tag(%d)", uint8(t))
	}
}

// headerSize is the fixed 41-byte header preceding every frame's
// payload, per spec.md §6.
const headerSize = 1 + 8 + 8 + 4 + 4 + 8 + 8

// Frame is one message on the wire between two kernels.
type Frame struct {
	Tag         Tag
	DstKey      cpn.Key
	SrcKey      cpn.Key
	NumChannels uint32 // 0 if not applicable
	D4RTag      d4r.WireTag
	// Count carries the header's count field directly for the control
	// frames spec.md §6 gives 0 bytes of payload (DEQUEUE, READ_BLOCK,
	// WRITE_BLOCK, END_OF_WRITE, END_OF_READ): the semantic
	// count/requested value rides in the header itself rather than in
	// Payload. Ignored for every other tag, whose header count is
	// derived from Payload (see Encode).
	Count   uint64
	Payload []byte // count = len(Payload) (or len(Payload)/NumChannels for ENQUEUE)
}

// GrowPayload is the structured payload of a GROW frame.
type GrowPayload struct {
	NewCapacity     uint64
	NewMaxThreshold uint64
}

// isControlCountFrame reports whether t is one of the zero-payload
// control frames whose count/requested value rides directly in the
// header's count field per spec.md §6's frame table, rather than in an
// attached payload.
func isControlCountFrame(t Tag) bool {
	switch t {
	case DEQUEUE, READ_BLOCK, WRITE_BLOCK, END_OF_WRITE, END_OF_READ:
		return true
	default:
		return false
	}
}

// Encode writes f to w in the exact binary layout of spec.md §6.
func Encode(w io.Writer, f Frame) error {
	var count uint32
	switch {
	case isControlCountFrame(f.Tag):
		count = uint32(f.Count)
	case f.Tag == ENQUEUE && f.NumChannels > 0:
		count = uint32(len(f.Payload)) / f.NumChannels
	default:
		count = uint32(len(f.Payload))
	}

	header := make([]byte, headerSize)
	header[0] = byte(f.Tag)
	binary.BigEndian.PutUint64(header[1:9], uint64(f.DstKey))
	binary.BigEndian.PutUint64(header[9:17], uint64(f.SrcKey))
	binary.BigEndian.PutUint32(header[17:21], count)
	binary.BigEndian.PutUint32(header[21:25], f.NumChannels)
	binary.BigEndian.PutUint64(header[25:33], f.D4RTag.Count)
	binary.BigEndian.PutUint64(header[33:41], uint64(f.D4RTag.Node))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("%w: writing frame header: %v", cpn.ErrTransportError, err)
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return fmt.Errorf("%w: writing frame payload: %v", cpn.ErrTransportError, err)
		}
	}
	return nil
}

// Decode reads one Frame from r, blocking until a full frame arrives.
func Decode(r io.Reader) (Frame, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Frame{}, err
		}
		return Frame{}, fmt.Errorf("%w: reading frame header: %v", cpn.ErrTransportError, err)
	}

	tag := Tag(header[0])
	if tag < ENQUEUE || tag > ID_WRITER {
		return Frame{}, fmt.Errorf("%w: unknown frame tag %d", cpn.ErrProtocolError, header[0])
	}

	f := Frame{
		Tag:         tag,
		DstKey:      cpn.Key(binary.BigEndian.Uint64(header[1:9])),
		SrcKey:      cpn.Key(binary.BigEndian.Uint64(header[9:17])),
		NumChannels: binary.BigEndian.Uint32(header[21:25]),
	}
	count := binary.BigEndian.Uint32(header[17:21])
	f.D4RTag.Count = binary.BigEndian.Uint64(header[25:33])
	f.D4RTag.Node = cpn.Key(binary.BigEndian.Uint64(header[33:41]))

	var payloadLen uint32
	switch {
	case isControlCountFrame(tag):
		f.Count = uint64(count)
	case tag == ENQUEUE && f.NumChannels > 0:
		payloadLen = count * f.NumChannels
	default:
		payloadLen = count
	}

	if payloadLen > 0 {
		f.Payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return Frame{}, fmt.Errorf("%w: reading frame payload: %v", cpn.ErrTransportError, err)
		}
	}

	return f, nil
}

// EncodeGrow packs a GrowPayload into a byte slice for a GROW frame's
// Payload field.
func EncodeGrow(p GrowPayload) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[0:8], p.NewCapacity)
	binary.BigEndian.PutUint64(b[8:16], p.NewMaxThreshold)
	return b
}

// DecodeGrow unpacks a GROW frame's payload.
func DecodeGrow(b []byte) (GrowPayload, error) {
	if len(b) < 16 {
		return GrowPayload{}, fmt.Errorf("%w: short GROW payload", cpn.ErrProtocolError)
	}
	return GrowPayload{
		NewCapacity:     binary.BigEndian.Uint64(b[0:8]),
		NewMaxThreshold: binary.BigEndian.Uint64(b[8:16]),
	}, nil
}

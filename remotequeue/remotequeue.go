// Package remotequeue implements the distributed half of spec.md
// §4.1: a queue whose writer endpoint and reader endpoint live in
// different kernels, connected by a wire.Conn. Each side locally
// buffers with a queue.Local and reconciles state with its peer via
// ENQUEUE/DEQUEUE/READ_BLOCK/WRITE_BLOCK/GROW frames (spec.md §4.5).
package remotequeue

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
	"fmt"
	"sync"

	"github.com/dgryski/go-wyhash"

	"github.com/cpnkit/cpn"
	"github.com/cpnkit/cpn/d4r"
	"github.com/cpnkit/cpn/log"
	"github.com/cpnkit/cpn/pool"
	"github.com/cpnkit/cpn/queue"
	"github.com/cpnkit/cpn/wire"
)

// dispatchWorkers sizes the bucket pool that services inbound frames:
// frames addressed to the same endpoint key always land on the same
// worker and so stay ordered relative to each other, while frames for
// different endpoints on the same connection process concurrently.
const dispatchWorkers = 4

// growFingerprint identifies a GROW frame's content so a retransmitted
// or duplicate-in-flight frame (the connection can race a GrowFor call
// that was already applied locally via a prior frame) is recognized as
// a no-op instead of logged twice.
func growFingerprint(f wire.Frame) uint64 {
	return wyhash.Hash(f.Payload, uint64(f.DstKey))
}

// Registry is the per-connection demux table: it owns one wire.Conn to
// a peer kernel and routes inbound frames to the WriterHalf or
// ReaderHalf that owns the frame's DstKey. A kernel keeps one Registry
// per peer kernel it has an open connection to.
type Registry struct {
	conn *wire.Conn
	log  log.Logger
	d4r  *d4r.Detector
	pool *pool.Pool

	mu      sync.RWMutex
	writers map[cpn.Key]*WriterHalf
	readers map[cpn.Key]*ReaderHalf
}

// NewRegistry wraps conn, whose Serve loop must be started by the
// caller (typically the kernel, once per accepted or dialed
// connection) against this Registry as its wire.Demuxer.
func NewRegistry(conn *wire.Conn, detector *d4r.Detector) *Registry {
	return &Registry{
		conn:    conn,
		log:     log.New("component", "remotequeue"),
		d4r:     detector,
		pool:    pool.New(dispatchWorkers),
		writers: make(map[cpn.Key]*WriterHalf),
		readers: make(map[cpn.Key]*ReaderHalf),
	}
}

// Dispatch implements wire.Demuxer. Each frame is routed to its
// endpoint's handle through r.pool, keyed by DstKey, so a slow half
// blocked applying one frame never holds up frames addressed to a
// different endpoint on the same connection.
func (r *Registry) Dispatch(f wire.Frame) {
	switch f.Tag {
	case wire.DEQUEUE, wire.READ_BLOCK, wire.END_OF_READ:
		r.mu.RLock()
		w := r.writers[f.DstKey]
		r.mu.RUnlock()
		if w == nil {
			r.log.Warnw("frame for unknown writer half", "tag", f.Tag, "dst", f.DstKey)
			return
		}
		r.pool.Submit(uint64(f.DstKey), func() { w.handle(f) })

	case wire.ENQUEUE, wire.WRITE_BLOCK, wire.END_OF_WRITE:
		r.mu.RLock()
		rd := r.readers[f.DstKey]
		r.mu.RUnlock()
		if rd == nil {
			r.log.Warnw("frame for unknown reader half", "tag", f.Tag, "dst", f.DstKey)
			return
		}
		r.pool.Submit(uint64(f.DstKey), func() { rd.handle(f) })

	case wire.GROW:
		// A GROW frame's DstKey is whichever half grew on the sending
		// side's peer: a writer's GrowFor addresses the peer's reader
		// key, a reader's GrowFor addresses the peer's writer key. Both
		// key spaces are disjoint (directory keys are never reused), so
		// checking both maps is unambiguous.
		r.mu.RLock()
		w := r.writers[f.DstKey]
		rd := r.readers[f.DstKey]
		r.mu.RUnlock()
		switch {
		case w != nil:
			r.pool.Submit(uint64(f.DstKey), func() { w.handle(f) })
		case rd != nil:
			r.pool.Submit(uint64(f.DstKey), func() { rd.handle(f) })
		default:
			r.log.Warnw("GROW frame for unknown half", "dst", f.DstKey)
		}

	default:
		r.log.Warnw("unexpected frame tag on registry", "tag", f.Tag)
	}
}

// Broken implements wire.Demuxer: every half on this connection enters
// the broken state (spec.md §4.5 "Reconnection").
func (r *Registry) Broken(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.writers {
		w.break_(err)
	}
	for _, rd := range r.readers {
		rd.break_(err)
	}
}

// RegisterWriter binds a WriterHalf under its local endpoint key so
// inbound DEQUEUE/READ_BLOCK/GROW/END_OF_READ frames reach it.
func (r *Registry) RegisterWriter(key cpn.Key, w *WriterHalf) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writers[key] = w
}

// RegisterReader binds a ReaderHalf under its local endpoint key.
func (r *Registry) RegisterReader(key cpn.Key, rd *ReaderHalf) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readers[key] = rd
}

// Unregister drops both halves for key, e.g. once a queue is fully
// drained and destroyed.
func (r *Registry) Unregister(key cpn.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.writers, key)
	delete(r.readers, key)
}

// Conn returns the wire connection this registry multiplexes, for
// callers constructing a WriterHalf/ReaderHalf bound to it.
func (r *Registry) Conn() *wire.Conn { return r.conn }

// HasEndpoint reports whether key is already bound to a half on this
// registry.
func (r *Registry) HasEndpoint(key cpn.Key) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, w := r.writers[key]
	_, rd := r.readers[key]
	return w || rd
}

// WriterHalf is the local, writer-owning side of a remote queue: the
// writer endpoint lives in this kernel, the reader in the peer's.
type WriterHalf struct {
	log  log.Logger
	conn *wire.Conn
	d4r  *d4r.Detector

	local    *queue.Local // local staging buffer; drained as peer DEQUEUEs
	selfKey  cpn.Key
	peerKey  cpn.Key
	nodeKey  cpn.Key
	chans    uint64
	stride   uint64

	mu       sync.Mutex
	broken   error
	closed   bool
	lastGrow uint64
}

// NewWriterHalf constructs the writer-owning side of a remote queue
// bound to selfKey locally and peerKey on the other kernel.
func NewWriterHalf(conn *wire.Conn, detector *d4r.Detector, selfKey, peerKey, nodeKey cpn.Key, a cpn.QueueAttr) (*WriterHalf, error) {
	local, err := queue.New(a)
	if err != nil {
		return nil, err
	}
	return &WriterHalf{
		log:     log.New("component", "remotequeue.writer", "key", selfKey),
		conn:    conn,
		d4r:     detector,
		local:   local,
		selfKey: selfKey,
		peerKey: peerKey,
		nodeKey: nodeKey,
		chans:   a.NumChannels,
		stride:  a.ChannelStride,
	}, nil
}

// GrowFor implements d4r.Grower: grows the local staging buffer and
// tells the peer so its own half resizes to match (spec.md §4.6
// point 5, §4.1's GROW frame).
func (w *WriterHalf) GrowFor() error {
	newCapacity, newMaxThreshold, err := w.local.GrowFor()
	if err != nil {
		return err
	}
	return w.conn.Send(wire.Frame{
		Tag:     wire.GROW,
		DstKey:  w.peerKey,
		SrcKey:  w.selfKey,
		Payload: wire.EncodeGrow(wire.GrowPayload{NewCapacity: newCapacity, NewMaxThreshold: newMaxThreshold}),
	})
}

func (w *WriterHalf) Freespace() uint64      { return w.local.Freespace() }
func (w *WriterHalf) Full() bool             { return w.local.Full() }
func (w *WriterHalf) NumChannels() uint64    { return w.local.NumChannels() }
func (w *WriterHalf) ChannelStride() uint64  { return w.local.ChannelStride() }

// GetEnqueuePtr blocks on local freespace exactly like queue.Local;
// when the local buffer is full it posts a WRITE_BLOCK frame (spec.md
// §4.1's remote write flow) so the peer knows to drain or grow.
func (w *WriterHalf) GetEnqueuePtr(thresh uint64, channel uint64) ([]byte, error) {
	if err := w.checkBroken(); err != nil {
		return nil, err
	}
	if w.local.Full() || w.local.Freespace() < thresh {
		tag := d4r.Zero
		if w.d4r != nil {
			self, _ := w.d4r.Block(w.nodeKey, w.selfKey, w.local.Count(), w.d4r.PublicTag(w.nodeKey))
			tag = self
		}
		if err := w.conn.Send(wire.Frame{
			Tag:    wire.WRITE_BLOCK,
			DstKey: w.peerKey,
			SrcKey: w.selfKey,
			D4RTag: tag.Trim(),
			Count:  thresh,
		}); err != nil {
			return nil, err
		}
	}
	ptr, err := w.local.GetEnqueuePtr(thresh, channel)
	if err == nil && w.d4r != nil {
		w.d4r.Unblock(w.nodeKey)
	}
	return ptr, err
}

// Enqueue commits count bytes locally and emits an ENQUEUE frame
// carrying them to the peer (spec.md §4.1 point b).
func (w *WriterHalf) Enqueue(count uint64) error {
	if err := w.checkBroken(); err != nil {
		return err
	}
	// Snapshot the bytes before committing: GetEnqueuePtr's window is
	// only valid until this call.
	payload := make([]byte, count*w.chansOrOne())
	for c := uint64(0); c < w.chansOrOne(); c++ {
		copy(payload[c*count:(c+1)*count], w.local.PendingEnqueueWindow(count, c))
	}
	if err := w.local.Enqueue(count); err != nil {
		return err
	}
	var tag d4r.WireTag
	if w.d4r != nil {
		tag = w.d4r.PublicTag(w.nodeKey).Trim()
	}
	return w.conn.Send(wire.Frame{
		Tag:         wire.ENQUEUE,
		DstKey:      w.peerKey,
		SrcKey:      w.selfKey,
		NumChannels: uint32(w.chansOrOne()),
		D4RTag:      tag,
		Payload:     payload,
	})
}

func (w *WriterHalf) chansOrOne() uint64 {
	if w.chans == 0 {
		return 1
	}
	return w.chans
}

// RawEnqueue implements cpn.Writer.
func (w *WriterHalf) RawEnqueue(data []byte) error {
	ptr, err := w.GetEnqueuePtr(uint64(len(data)), 0)
	if err != nil {
		return err
	}
	copy(ptr, data)
	return w.Enqueue(uint64(len(data)))
}

// ShutdownWriter flushes and sends END_OF_WRITE once all committed
// bytes have been transmitted (spec.md §4.1 "End-of-stream").
func (w *WriterHalf) ShutdownWriter() error {
	if err := w.local.ShutdownWriter(); err != nil {
		return err
	}
	return w.conn.Send(wire.Frame{Tag: wire.END_OF_WRITE, DstKey: w.peerKey, SrcKey: w.selfKey})
}

func (w *WriterHalf) handle(f wire.Frame) {
	switch f.Tag {
	case wire.DEQUEUE:
		w.local.Dequeue(f.Count)
		if w.d4r != nil {
			w.d4r.Observe(w.nodeKey, f.D4RTag)
		}
	case wire.GROW:
		fp := growFingerprint(f)
		w.mu.Lock()
		dup := fp == w.lastGrow
		w.lastGrow = fp
		w.mu.Unlock()
		if dup {
			return
		}
		p, err := wire.DecodeGrow(f.Payload)
		if err != nil {
			w.log.Warnw("malformed GROW frame", "error", err)
			return
		}
		w.log.Infow("peer grew matching queue", "new_capacity", p.NewCapacity, "new_max_threshold", p.NewMaxThreshold)
	case wire.READ_BLOCK:
		if w.d4r != nil {
			w.d4r.Observe(w.nodeKey, f.D4RTag)
		}
	case wire.END_OF_READ:
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
		w.local.Terminate()
	}
}

func (w *WriterHalf) break_(err error) {
	w.mu.Lock()
	w.broken = err
	w.mu.Unlock()
	w.local.Terminate()
}

// Terminate unblocks every call pending on this half's local staging
// buffer with cpn.ErrKernelShutdown, for a kernel-wide terminate() that
// must reach endpoints backed by a remote queue, not just local ones.
func (w *WriterHalf) Terminate() { w.local.Terminate() }

func (w *WriterHalf) checkBroken() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return cpn.ErrClosed
	}
	if w.broken != nil {
		return fmt.Errorf("%w: %v", cpn.ErrBrokenQueue, w.broken)
	}
	return nil
}

// ReaderHalf is the local, reader-owning side of a remote queue.
type ReaderHalf struct {
	log  log.Logger
	conn *wire.Conn
	d4r  *d4r.Detector

	local   *queue.Local
	selfKey cpn.Key
	peerKey cpn.Key
	nodeKey cpn.Key
	chans   uint64

	mu         sync.Mutex
	broken     error
	writerDone bool
	lastGrow   uint64
}

// NewReaderHalf constructs the reader-owning side of a remote queue.
func NewReaderHalf(conn *wire.Conn, detector *d4r.Detector, selfKey, peerKey, nodeKey cpn.Key, a cpn.QueueAttr) (*ReaderHalf, error) {
	local, err := queue.New(a)
	if err != nil {
		return nil, err
	}
	return &ReaderHalf{
		log:     log.New("component", "remotequeue.reader", "key", selfKey),
		conn:    conn,
		d4r:     detector,
		local:   local,
		selfKey: selfKey,
		peerKey: peerKey,
		nodeKey: nodeKey,
		chans:   a.NumChannels,
	}, nil
}

// GrowFor implements d4r.Grower for the reader-owning side.
func (r *ReaderHalf) GrowFor() error {
	newCapacity, newMaxThreshold, err := r.local.GrowFor()
	if err != nil {
		return err
	}
	return r.conn.Send(wire.Frame{
		Tag:     wire.GROW,
		DstKey:  r.peerKey,
		SrcKey:  r.selfKey,
		Payload: wire.EncodeGrow(wire.GrowPayload{NewCapacity: newCapacity, NewMaxThreshold: newMaxThreshold}),
	})
}

func (r *ReaderHalf) Count() uint64          { return r.local.Count() }
func (r *ReaderHalf) Empty() bool            { return r.local.Empty() }
func (r *ReaderHalf) NumChannels() uint64    { return r.local.NumChannels() }
func (r *ReaderHalf) ChannelStride() uint64  { return r.local.ChannelStride() }

// GetDequeuePtr blocks on local count; if insufficient it posts a
// READ_BLOCK hint to the writer (spec.md §4.1 "Read flow").
func (r *ReaderHalf) GetDequeuePtr(thresh uint64, channel uint64) ([]byte, error) {
	if r.local.Count() < thresh {
		tag := d4r.Zero
		if r.d4r != nil {
			self, _ := r.d4r.Block(r.nodeKey, r.selfKey, r.local.Count(), r.d4r.PublicTag(r.nodeKey))
			tag = self
		}
		r.conn.Send(wire.Frame{
			Tag:    wire.READ_BLOCK,
			DstKey: r.peerKey,
			SrcKey: r.selfKey,
			D4RTag: tag.Trim(),
			Count:  thresh,
		})
	}
	ptr, err := r.local.GetDequeuePtr(thresh, channel)
	if err == nil && r.d4r != nil {
		r.d4r.Unblock(r.nodeKey)
	}
	return ptr, err
}

// Dequeue releases count bytes locally and acknowledges the writer
// with a DEQUEUE frame so it can advance its own tail.
func (r *ReaderHalf) Dequeue(count uint64) error {
	if err := r.local.Dequeue(count); err != nil {
		return err
	}
	var tag d4r.WireTag
	if r.d4r != nil {
		tag = r.d4r.PublicTag(r.nodeKey).Trim()
	}
	return r.conn.Send(wire.Frame{
		Tag:    wire.DEQUEUE,
		DstKey: r.peerKey,
		SrcKey: r.selfKey,
		D4RTag: tag,
		Count:  count,
	})
}

// RawDequeue implements cpn.Reader.
func (r *ReaderHalf) RawDequeue(buf []byte) error {
	ptr, err := r.GetDequeuePtr(uint64(len(buf)), 0)
	if err != nil {
		return err
	}
	copy(buf, ptr)
	return r.Dequeue(uint64(len(buf)))
}

// ShutdownReader sends END_OF_READ immediately, per spec.md §4.1:
// "A reader's shutdown_reader becomes an END_OF_READ frame
// IMMEDIATELY, aborting any in-flight data."
func (r *ReaderHalf) ShutdownReader() error {
	if err := r.local.ShutdownReader(); err != nil {
		return err
	}
	return r.conn.Send(wire.Frame{Tag: wire.END_OF_READ, DstKey: r.peerKey, SrcKey: r.selfKey})
}

func (r *ReaderHalf) handle(f wire.Frame) {
	switch f.Tag {
	case wire.ENQUEUE:
		count := uint64(len(f.Payload))
		if f.NumChannels > 0 {
			count = uint64(len(f.Payload)) / uint64(f.NumChannels)
		}
		for c := uint64(0); c < r.chansOrOne(); c++ {
			ptr, err := r.local.GetEnqueuePtr(count, c)
			if err != nil {
				r.log.Warnw("dropping ENQUEUE frame, local buffer closed", "error", err)
				return
			}
			lo, hi := c*count, (c+1)*count
			if hi > uint64(len(f.Payload)) {
				hi = uint64(len(f.Payload))
			}
			copy(ptr, f.Payload[lo:hi])
		}
		r.local.Enqueue(count)
		if r.d4r != nil {
			r.d4r.Observe(r.nodeKey, f.D4RTag)
		}
	case wire.WRITE_BLOCK:
		if r.d4r != nil {
			r.d4r.Observe(r.nodeKey, f.D4RTag)
		}
	case wire.END_OF_WRITE:
		r.mu.Lock()
		r.writerDone = true
		r.mu.Unlock()
		r.local.ShutdownWriter()
	case wire.GROW:
		fp := growFingerprint(f)
		r.mu.Lock()
		dup := fp == r.lastGrow
		r.lastGrow = fp
		r.mu.Unlock()
		if dup {
			return
		}
		p, err := wire.DecodeGrow(f.Payload)
		if err != nil {
			r.log.Warnw("malformed GROW frame", "error", err)
			return
		}
		r.log.Infow("peer grew matching queue", "new_capacity", p.NewCapacity, "new_max_threshold", p.NewMaxThreshold)
	}
}

func (r *ReaderHalf) chansOrOne() uint64 {
	if r.chans == 0 {
		return 1
	}
	return r.chans
}

func (r *ReaderHalf) break_(err error) {
	r.mu.Lock()
	r.broken = err
	r.mu.Unlock()
	r.local.Terminate()
}

// Terminate unblocks every call pending on this half's local staging
// buffer, symmetric to WriterHalf.Terminate.
func (r *ReaderHalf) Terminate() { r.local.Terminate() }

// Package queue implements the local (in-process) half of spec.md
// §4.1: a bounded FIFO whose contiguous-window guarantee is provided
// by copying the wrap-around prefix into an overflow region on
// demand, exactly as the original SimpleQueue.cc does, rather than by
// true double mmap. The backing byte array is still obtained through
// an anonymous mmap (github.com/edsrzf/mmap-go) instead of a
// GC-scanned slice, which matters once queues grow into the
// megabytes under the grow policy.
package queue

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

	"github.com/edsrzf/mmap-go"

	"github.com/cpnkit/cpn"
	"github.com/cpnkit/cpn/log"
)

// Local is the local queue engine: a single flat buffer per channel of
// size capacity+1+maxThreshold (the ring wraps at capacity+1 internally
// so that count+freespace==capacity holds at the externally-visible
// API), with head/tail cursors and copy-on-wrap into the trailing
// maxThreshold bytes, per spec.md §4.1 and the SimpleQueue reference
// implementation it was distilled from.
type Local struct {
	log log.Logger

	mu   sync.Mutex
	wake chan struct{} // closed and replaced on every state change; see wait()

	region mmap.MMap // backing allocation, len == numChannels*(capacity+1+maxThreshold)
	buf    []byte    // region, or a plain slice fallback if mmap fails

	capacity     uint64
	maxThreshold uint64
	numChannels  uint64
	stride       uint64

	head, tail uint64 // offsets within [0, ringLen()), shared across channels
	closed     bool   // true once Terminate has been called
	readerDone bool
	writerDone bool

	grow GrowPolicy
}

// GrowPolicy parameterizes the grow-on-threshold behaviour of a Local
// queue, per spec.md §4.1's grow policy paragraph.
type GrowPolicy struct {
	Enabled bool
	Alpha   float64 // in (0,1]; default 0.5 if zero
}

func (p GrowPolicy) alpha() float64 {
	if p.Alpha <= 0 {
		return 0.5
	}
	return p.Alpha
}

// channelLen returns the per-channel buffer length including the
// overflow region. The ring's internal wraparound modulus is
// capacity+1, not capacity, mirroring SimpleQueue.cc's
// queueLength(attr.GetLength()+1): that extra slot is what lets
// freespaceLocked's "-1" be absorbed internally so the
// externally-visible invariant count+freespace==capacity still holds.
func (l *Local) channelLen() uint64 {
	return l.ringLen() + l.maxThreshold
}

// ringLen is the internal wraparound modulus for head/tail arithmetic.
func (l *Local) ringLen() uint64 {
	return l.capacity + 1
}

// New allocates a local queue from a, validated via a.Validate.
func New(a cpn.QueueAttr) (*Local, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}

	l := &Local{
		log:          log.New("component", "queue", "datatype", a.Datatype),
		wake:         make(chan struct{}),
		capacity:     a.Capacity,
		maxThreshold: a.MaxThreshold,
		numChannels:  a.NumChannels,
		stride:       a.ChannelStride,
		grow:         GrowPolicy{Enabled: a.GrowOnMaxThreshold, Alpha: a.Alpha},
	}

	size := int(l.channelLen() * l.numChannels)
	if size == 0 {
		size = 1
	}
	region, err := mmap.MapRegion(nil, size, mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		l.log.Warnw("anonymous mmap failed, falling back to heap buffer", "error", err, "size", size)
		l.buf = make([]byte, size)
	} else {
		l.region = region
		l.buf = region
	}

	return l, nil
}

// Close releases the backing mmap region, if any. Safe to call once
// both endpoints have shut down.
func (l *Local) Close() error {
	if l.region != nil {
		return l.region.Unmap()
	}
	return nil
}

func (l *Local) channelOffset(chan_ uint64) uint64 {
	return chan_ * l.channelLen()
}

// broadcast wakes every goroutine parked in wait(). Caller must hold l.mu.
func (l *Local) broadcast() {
	close(l.wake)
	l.wake = make(chan struct{})
}

// wait parks until the next broadcast. Caller must hold l.mu; it is
// released while parked and re-acquired before returning.
func (l *Local) wait() {
	ch := l.wake
	l.mu.Unlock()
	<-ch
	l.mu.Lock()
}

// Freespace implements cpn.Writer.
func (l *Local) Freespace() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.freespaceLocked()
}

func (l *Local) freespaceLocked() uint64 {
	if l.head >= l.tail {
		return l.capacity - (l.head - l.tail)
	}
	return l.tail - l.head - 1
}

// Full implements cpn.Writer.
func (l *Local) Full() bool { return l.Freespace() == 0 }

// NumChannels implements cpn.Writer and cpn.Reader.
func (l *Local) NumChannels() uint64 { return l.numChannels }

// ChannelStride implements cpn.Writer and cpn.Reader.
func (l *Local) ChannelStride() uint64 { return l.stride }

// Count implements cpn.Reader.
func (l *Local) Count() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.countLocked()
}

func (l *Local) countLocked() uint64 {
	if l.head >= l.tail {
		return l.head - l.tail
	}
	return l.head + (l.ringLen() - l.tail)
}

// Empty implements cpn.Reader.
func (l *Local) Empty() bool { return l.Count() == 0 }

// GetEnqueuePtr implements cpn.Writer. It blocks until thresh bytes of
// contiguous space are available, the reader has shut down, or the
// grow policy enlarges the buffer to make room.
func (l *Local) GetEnqueuePtr(thresh uint64, channel uint64) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for {
		if l.readerDone {
			return nil, cpn.ErrClosed
		}
		if l.closed {
			return nil, cpn.ErrKernelShutdown
		}
		if thresh > l.maxThreshold {
			if !l.grow.Enabled {
				return nil, fmt.Errorf("%w: requested threshold %d exceeds max_threshold %d", cpn.ErrInvalidConfig, thresh, l.maxThreshold)
			}
			l.growLocked(thresh)
		}
		if l.freespaceLocked() >= thresh {
			off := l.channelOffset(channel)
			return l.buf[off+l.head : off+l.head+thresh], nil
		}
		l.wait()
	}
}

// PendingEnqueueWindow returns the bytes most recently staged by
// GetEnqueuePtr for channel but not yet committed by Enqueue. Used by
// remotequeue to snapshot a writer's payload before handing it to the
// transport, since the window is only valid until Enqueue advances
// the head.
func (l *Local) PendingEnqueueWindow(count uint64, channel uint64) []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	off := l.channelOffset(channel)
	return l.buf[off+l.head : off+l.head+count]
}

// Enqueue implements cpn.Writer.
func (l *Local) Enqueue(count uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.readerDone {
		return cpn.ErrClosed
	}
	if l.closed {
		return cpn.ErrKernelShutdown
	}

	newHead := l.head + count
	if newHead >= l.ringLen() {
		newHead -= l.ringLen()
		for c := uint64(0); c < l.numChannels; c++ {
			chanOff := l.channelOffset(c)
			copy(l.buf[chanOff:chanOff+newHead], l.buf[chanOff+l.ringLen():chanOff+l.ringLen()+newHead])
		}
	}
	l.head = newHead
	l.broadcast()
	return nil
}

// RawEnqueue implements cpn.Writer.
func (l *Local) RawEnqueue(data []byte) error {
	if uint64(len(data)) > l.maxThreshold && !l.grow.Enabled {
		return fmt.Errorf("%w: raw_enqueue of %d bytes exceeds max_threshold %d", cpn.ErrInvalidConfig, len(data), l.maxThreshold)
	}
	dst, err := l.GetEnqueuePtr(uint64(len(data)), 0)
	if err != nil {
		return err
	}
	copy(dst, data)
	return l.Enqueue(uint64(len(data)))
}

// ShutdownWriter implements cpn.Writer.
func (l *Local) ShutdownWriter() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writerDone = true
	l.broadcast()
	return nil
}

// GetDequeuePtr implements cpn.Reader. It performs the copy-on-wrap
// of the trailing prefix into the overflow region when the requested
// window straddles the end of the buffer, exactly as SimpleQueue.cc's
// GetRawDequeuePtr does.
func (l *Local) GetDequeuePtr(thresh uint64, channel uint64) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for {
		if thresh > l.maxThreshold {
			if !l.grow.Enabled {
				return nil, fmt.Errorf("%w: requested threshold %d exceeds max_threshold %d", cpn.ErrInvalidConfig, thresh, l.maxThreshold)
			}
			l.growLocked(thresh)
		}
		if l.countLocked() >= thresh {
			chanOff := l.channelOffset(channel)
			if l.tail+thresh > l.ringLen() {
				wrapped := l.tail + thresh - l.ringLen()
				copy(l.buf[chanOff+l.ringLen():chanOff+l.ringLen()+wrapped], l.buf[chanOff:chanOff+wrapped])
			}
			return l.buf[chanOff+l.tail : chanOff+l.tail+thresh], nil
		}
		if l.writerDone {
			return nil, cpn.ErrClosed
		}
		if l.closed {
			return nil, cpn.ErrKernelShutdown
		}
		l.wait()
	}
}

// Dequeue implements cpn.Reader.
func (l *Local) Dequeue(count uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	newTail := l.tail + count
	if newTail >= l.ringLen() {
		newTail -= l.ringLen()
	}
	l.tail = newTail
	l.broadcast()
	return nil
}

// RawDequeue implements cpn.Reader.
func (l *Local) RawDequeue(buf []byte) error {
	src, err := l.GetDequeuePtr(uint64(len(buf)), 0)
	if err != nil {
		return err
	}
	copy(buf, src)
	return l.Dequeue(uint64(len(buf)))
}

// ShutdownReader implements cpn.Reader.
func (l *Local) ShutdownReader() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.readerDone = true
	l.broadcast()
	return nil
}

// Terminate forces every blocked call on this queue to unblock with
// ErrKernelShutdown, per spec.md §4.3's terminate() contract.
func (l *Local) Terminate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.broadcast()
}

// GrowFor enlarges the queue by at least one capacity unit, implementing
// d4r.Grower for the kernel that owns this queue: it is called on the
// node holding the lexicographically highest tag in a detected cycle
// to relieve it (spec.md §4.6 point 5). Not idempotent: every call
// raises max_threshold by one and grows again.
func (l *Local) GrowFor() (newCapacity, newMaxThreshold uint64, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.grow.Enabled {
		return 0, 0, fmt.Errorf("%w: grow disabled for this queue", cpn.ErrInvalidConfig)
	}
	l.growLocked(l.maxThreshold + 1)
	l.broadcast()
	return l.capacity, l.maxThreshold, nil
}

// growLocked enlarges max_threshold (and capacity if needed) to admit
// a request of the given threshold. Caller must hold l.mu. Per
// spec.md §4.1: new_capacity = max(current_capacity,
// ceil((current_count + requested_thresh) / alpha)).
func (l *Local) growLocked(thresh uint64) {
	count := l.countLocked()
	alpha := l.grow.alpha()
	needed := uint64(float64(count+thresh)/alpha + 0.999999)
	newCapacity := l.capacity
	if needed > newCapacity {
		newCapacity = needed
	}
	newMaxThreshold := l.maxThreshold
	if thresh > newMaxThreshold {
		newMaxThreshold = thresh
	}
	if newCapacity == l.capacity && newMaxThreshold == l.maxThreshold {
		return
	}

	l.resizeLocked(newCapacity, newMaxThreshold)
}

// resizeLocked reallocates the backing buffer at the new dimensions,
// linearizing the current contents (tail..head) into the front of
// each channel's new region. Caller must hold l.mu.
func (l *Local) resizeLocked(newCapacity, newMaxThreshold uint64) {
	count := l.countLocked()
	oldChannelLen := l.channelLen()

	l.capacity = newCapacity
	l.maxThreshold = newMaxThreshold
	newChannelLen := l.channelLen()

	size := int(newChannelLen * l.numChannels)
	var newBuf []byte
	newRegion, err := mmap.MapRegion(nil, size, mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		l.log.Warnw("anonymous mmap failed on grow, falling back to heap buffer", "error", err, "size", size)
		newBuf = make([]byte, size)
	} else {
		newBuf = newRegion
	}

	// Linearize tail..head for every channel into the new buffer's front.
	for c := uint64(0); c < l.numChannels; c++ {
		oldOff := c * oldChannelLen
		newOff := c * newChannelLen
		if count == 0 {
			continue
		}
		if l.tail+count <= oldChannelLen {
			copy(newBuf[newOff:newOff+count], l.buf[oldOff+l.tail:oldOff+l.tail+count])
		} else {
			first := oldChannelLen - l.tail
			copy(newBuf[newOff:newOff+first], l.buf[oldOff+l.tail:oldOff+oldChannelLen])
			copy(newBuf[newOff+first:newOff+count], l.buf[oldOff:oldOff+count-first])
		}
	}

	if l.region != nil {
		l.region.Unmap()
	}
	l.region = newRegion
	l.buf = newBuf
	l.tail = 0
	l.head = count

	l.log.Infow("grew queue", "new_capacity", newCapacity, "new_max_threshold", newMaxThreshold)
}

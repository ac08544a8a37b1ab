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
	"github.com/cpnkit/cpn"
	"github.com/cpnkit/cpn/d4r"
	"github.com/cpnkit/cpn/queue"
)

// localD4RWriter and localD4RReader give a same-kernel queue.Local the
// same D4R block/unblock/propagate treatment remotequeue's
// WriterHalf/ReaderHalf give a cross-kernel one (spec.md §4.6 point 1
// applies to blocking "either side", not just the remote one). There
// is no wire to carry a control frame's D4R tag between the two
// endpoints, so where remotequeue sends a frame and lets the peer's
// frame handler call Observe, these call Observe directly against the
// shared *d4r.Detector in-process.
type localD4RWriter struct {
	local   *queue.Local
	d4r     *d4r.Detector
	nodeKey cpn.Key
	selfKey cpn.Key
	peerKey cpn.Key // the reader node's key, for Observe propagation
}

func (w *localD4RWriter) Freespace() uint64     { return w.local.Freespace() }
func (w *localD4RWriter) Full() bool            { return w.local.Full() }
func (w *localD4RWriter) NumChannels() uint64   { return w.local.NumChannels() }
func (w *localD4RWriter) ChannelStride() uint64 { return w.local.ChannelStride() }
// Enqueue implements cpn.Writer. It also re-propagates this node's
// current public tag to the peer on every commit, not only while
// blocked, so a tag that has finished circulating the cycle reaches
// its origin even if the origin itself never blocks again (spec.md
// §4.6 point 3 applies ENQUEUE/DEQUEUE propagation the same as
// WRITE_BLOCK/READ_BLOCK).
func (w *localD4RWriter) Enqueue(count uint64) error {
	if err := w.local.Enqueue(count); err != nil {
		return err
	}
	w.d4r.Observe(w.peerKey, w.d4r.PublicTag(w.nodeKey).Trim())
	return nil
}

func (w *localD4RWriter) ShutdownWriter() error { return w.local.ShutdownWriter() }

// Terminate implements the optional interface Kernel.Terminate looks
// for to unblock every hosted endpoint.
func (w *localD4RWriter) Terminate() { w.local.Terminate() }

// GetEnqueuePtr implements cpn.Writer, running the D4R block/propagate
// side effects around the underlying blocking call.
func (w *localD4RWriter) GetEnqueuePtr(thresh, channel uint64) ([]byte, error) {
	if w.local.Full() || w.local.Freespace() < thresh {
		self, _ := w.d4r.Block(w.nodeKey, w.selfKey, w.local.Count(), w.d4r.PublicTag(w.nodeKey))
		w.d4r.Observe(w.peerKey, self.Trim())
	}
	ptr, err := w.local.GetEnqueuePtr(thresh, channel)
	if err == nil {
		w.d4r.Unblock(w.nodeKey)
	}
	return ptr, err
}

// RawEnqueue implements cpn.Writer through this type's own
// GetEnqueuePtr, not queue.Local's, so a blocking raw write still
// triggers detection.
func (w *localD4RWriter) RawEnqueue(data []byte) error {
	ptr, err := w.GetEnqueuePtr(uint64(len(data)), 0)
	if err != nil {
		return err
	}
	copy(ptr, data)
	return w.Enqueue(uint64(len(data)))
}

type localD4RReader struct {
	local   *queue.Local
	d4r     *d4r.Detector
	nodeKey cpn.Key
	selfKey cpn.Key
	peerKey cpn.Key // the writer node's key, for Observe propagation
}

func (r *localD4RReader) Count() uint64 { return r.local.Count() }
func (r *localD4RReader) Empty() bool   { return r.local.Empty() }

// Dequeue implements cpn.Reader, re-propagating the current public tag
// to the peer on every commit; see localD4RWriter.Enqueue.
func (r *localD4RReader) Dequeue(count uint64) error {
	if err := r.local.Dequeue(count); err != nil {
		return err
	}
	r.d4r.Observe(r.peerKey, r.d4r.PublicTag(r.nodeKey).Trim())
	return nil
}

func (r *localD4RReader) ShutdownReader() error { return r.local.ShutdownReader() }

// Terminate implements the optional interface Kernel.Terminate looks
// for to unblock every hosted endpoint.
func (r *localD4RReader) Terminate() { r.local.Terminate() }

// GetDequeuePtr implements cpn.Reader, D4R-instrumented like
// localD4RWriter.GetEnqueuePtr.
func (r *localD4RReader) GetDequeuePtr(thresh, channel uint64) ([]byte, error) {
	if r.local.Count() < thresh {
		self, _ := r.d4r.Block(r.nodeKey, r.selfKey, r.local.Count(), r.d4r.PublicTag(r.nodeKey))
		r.d4r.Observe(r.peerKey, self.Trim())
	}
	ptr, err := r.local.GetDequeuePtr(thresh, channel)
	if err == nil {
		r.d4r.Unblock(r.nodeKey)
	}
	return ptr, err
}

// RawDequeue implements cpn.Reader through this type's own
// GetDequeuePtr.
func (r *localD4RReader) RawDequeue(buf []byte) error {
	ptr, err := r.GetDequeuePtr(uint64(len(buf)), 0)
	if err != nil {
		return err
	}
	copy(buf, ptr)
	return r.Dequeue(uint64(len(buf)))
}

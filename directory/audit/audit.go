// Package audit mirrors a directory's lifecycle events (host start,
// node start and end, endpoint creation) into an append-only log, for
// post-mortem tooling. It sits entirely off the read path of any core
// cpn operation: spec.md's directory has no persisted state of its
// own, and nothing here changes that — a Recorder only ever consumes
// directory.Directory's broadcast bus, generalizing the store.go /
// store/moss / store/leveldb pattern (a pluggable Store behind two
// backends) from "the record store of a user pipeline" to "the
// history of one directory".
package audit

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
	"encoding/binary"
	"encoding/json"
	"sync"

	"github.com/cpnkit/cpn/directory"
	"github.com/cpnkit/cpn/log"
)

// Backend is the append-only persistence contract a Recorder needs,
// cut down from the teacher's streams.Store (store.go) to the subset
// an audit log actually uses: sequential writes and ranged replay, no
// deletes. audit/moss and audit/leveldb each implement it over a real
// embedded KV store.
type Backend interface {
	// Set stores value under key. Keys a Recorder writes are strictly
	// increasing, so Range(nil, nil, ...) replays in event order.
	Set(key, value []byte) error
	// Range iterates [from, to) in key order, or the whole log when
	// both are nil. A non-nil callback error stops the iteration.
	Range(from, to []byte, cb func(key, value []byte) error) error
	// Close releases the backend's resources.
	Close() error
}

// Record is one logged lifecycle event, JSON-encoded as the value
// half of a Backend entry.
type Record struct {
	Seq     uint64 `json:"seq"`
	Type    string `json:"type"`
	Key     uint64 `json:"key"`
	Name    string `json:"name"`
	HostKey uint64 `json:"hostkey"`
}

var eventNames = map[directory.EventType]string{
	directory.HostStarted:     "host_started",
	directory.NodeStarted:     "node_started",
	directory.NodeEnded:       "node_ended",
	directory.EndpointCreated: "endpoint_created",
}

func eventName(t directory.EventType) string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return "unknown"
}

// Recorder subscribes to a directory.Directory and mirrors every
// broadcast Event into a Backend, assigning each one a monotonic
// sequence number so the log replays in the order events were
// observed.
type Recorder struct {
	dir     directory.Directory
	backend Backend
	log     log.Logger

	cancel func()
	stop   chan struct{}
	done   chan struct{}

	mu  sync.Mutex
	seq uint64
}

// NewRecorder starts mirroring dir's broadcast events into backend.
// Call Close to stop and release the backend.
func NewRecorder(dir directory.Directory, backend Backend) *Recorder {
	events, cancel := dir.Subscribe()
	r := &Recorder{
		dir:     dir,
		backend: backend,
		log:     log.New("component", "directory/audit"),
		cancel:  cancel,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go r.run(events)
	return r
}

// run drains events until Close signals stop. Subscribe's cancel only
// unregisters the listener, it does not close events, so stop (rather
// than a range over events) is what lets this goroutine exit.
func (r *Recorder) run(events <-chan directory.Event) {
	defer close(r.done)
	for {
		select {
		case ev := <-events:
			if err := r.append(ev); err != nil {
				r.log.Warnw("failed to append audit record", "error", err)
			}
		case <-r.stop:
			return
		}
	}
}

func (r *Recorder) append(ev directory.Event) error {
	r.mu.Lock()
	seq := r.seq
	r.seq++
	r.mu.Unlock()

	rec := Record{
		Seq:     seq,
		Type:    eventName(ev.Type),
		Key:     uint64(ev.Key),
		Name:    ev.Name,
		HostKey: uint64(ev.HostKey),
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.backend.Set(seqKey(seq), value)
}

// Replay reads every recorded Record back in order, stopping early if
// cb returns an error.
func (r *Recorder) Replay(cb func(Record) error) error {
	return r.backend.Range(nil, nil, func(_, value []byte) error {
		var rec Record
		if err := json.Unmarshal(value, &rec); err != nil {
			return err
		}
		return cb(rec)
	})
}

// Close stops the subscription and closes the backend.
func (r *Recorder) Close() error {
	r.cancel()
	close(r.stop)
	<-r.done
	return r.backend.Close()
}

// seqKey encodes seq big-endian so lexicographic Backend ordering
// matches sequence order.
func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

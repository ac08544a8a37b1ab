// Package moss is an in-memory audit.Backend, for a directory whose
// audit trail only needs to survive the life of the process (a test
// harness, a short-lived cluster). Adapted from store/moss/moss.go's
// moss.Collection wiring, cut down to the audit.Backend subset.
package moss

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
	"github.com/couchbase/moss"

	"github.com/cpnkit/cpn/directory/audit"
)

var (
	wopts    = moss.WriteOptions{}
	iteropts = moss.IteratorOptions{}
)

// make sure we implement the needed interface
var _ audit.Backend = (*Backend)(nil)

// Backend is an in-memory MOSS-backed audit log.
type Backend struct {
	db moss.Collection
}

// New opens a fresh, empty in-memory audit log.
func New() (*Backend, error) {
	db, err := moss.NewCollection(moss.DefaultCollectionOptions)
	if err != nil {
		return nil, err
	}
	if err := db.Start(); err != nil {
		return nil, err
	}
	return &Backend{db: db}, nil
}

// Set implements audit.Backend.
func (b *Backend) Set(key, value []byte) error {
	batch, err := b.db.NewBatch(1, len(key)+len(value))
	if err != nil {
		return err
	}
	defer batch.Close()

	if err := batch.Set(key, value); err != nil {
		return err
	}
	return b.db.ExecuteBatch(batch, wopts)
}

// Range implements audit.Backend.
func (b *Backend) Range(from, to []byte, cb func(key, value []byte) error) error {
	ss, err := b.db.Snapshot()
	if err != nil {
		return err
	}

	iter, err := ss.StartIterator(from, to, iteropts)
	if err != nil {
		return err
	}
	defer iter.Close()

	for {
		key, val, err := iter.Current()
		if err != nil {
			if err == moss.ErrIteratorDone {
				return nil
			}
			return err
		}
		if err := cb(key, val); err != nil {
			return err
		}
		iter.Next()
	}
}

// Close implements audit.Backend.
func (b *Backend) Close() error {
	err := b.db.Close()
	b.db = nil
	return err
}

// Package leveldb is a durable-disk audit.Backend, for a long-running
// directory server that wants its audit trail to survive a restart.
// Adapted from store/leveldb/leveldb.go's ldb.DB wiring, cut down to
// the audit.Backend subset (no Get/Delete: an audit log only appends
// and replays).
package leveldb

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
	"os"

	ldb "github.com/syndtr/goleveldb/leveldb"
	ldbopt "github.com/syndtr/goleveldb/leveldb/opt"
	ldbutil "github.com/syndtr/goleveldb/leveldb/util"

	"github.com/cpnkit/cpn/directory/audit"
)

var (
	dopt *ldbopt.Options
	wopt *ldbopt.WriteOptions
	ropt *ldbopt.ReadOptions
)

// make sure we implement the needed interface
var _ audit.Backend = (*Backend)(nil)

// Backend is a durable leveldb-backed audit log.
type Backend struct {
	db   *ldb.DB
	path string
}

// New opens (creating if needed) the audit log rooted at path.
func New(path string) (*Backend, error) {
	db, err := ldb.OpenFile(path, dopt)
	if err != nil {
		return nil, err
	}
	return &Backend{db: db, path: path}, nil
}

// Set implements audit.Backend.
func (b *Backend) Set(key, value []byte) error {
	return b.db.Put(key, value, wopt)
}

// Range implements audit.Backend.
func (b *Backend) Range(from, to []byte, cb func(key, value []byte) error) error {
	rng := &ldbutil.Range{Start: from, Limit: to}
	iter := b.db.NewIterator(rng, ropt)
	defer iter.Release()

	for iter.Next() {
		if err := cb(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Close implements audit.Backend.
func (b *Backend) Close() error {
	err := b.db.Close()
	b.db = nil
	return err
}

// Remove closes the log and erases its on-disk contents.
func (b *Backend) Remove() error {
	if err := b.Close(); err != nil {
		return err
	}
	return os.RemoveAll(b.path)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import (
	"context"
	"errors"
	"fmt"

	dgbadger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/resilience-engine/services/resilience/storage/badger"
)

const entryPrefix = "ledger:entry:"

// BadgerStore persists records in BadgerDB under "ledger:entry:<seq>".
//
// The store does not own the database unless created with ownDB; the same
// database can hold chaos drill history in another keyspace.
type BadgerStore struct {
	db    *badger.DB
	ownDB bool
}

// NewBadgerStore wraps an open database. Close leaves the database open.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// OpenBadgerStore opens a database at path that the store owns.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	db, err := badger.Open(badger.DefaultConfig(path))
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db, ownDB: true}, nil
}

// Put implements Store.
func (s *BadgerStore) Put(ctx context.Context, seq uint64, record []byte) error {
	key := badger.SeqKey(entryPrefix, seq)
	return s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("%w: %d", ErrSequenceExists, seq)
		} else if !errors.Is(err, dgbadger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, record)
	})
}

// Get implements Store.
func (s *BadgerStore) Get(ctx context.Context, seq uint64) ([]byte, error) {
	rec, err := s.db.Get(ctx, badger.SeqKey(entryPrefix, seq))
	if errors.Is(err, badger.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, seq)
	}
	return rec, err
}

// Scan implements Store.
func (s *BadgerStore) Scan(ctx context.Context, from uint64, fn func(uint64, []byte) error) error {
	return s.db.Iterate(ctx, []byte(entryPrefix), badger.SeqKey(entryPrefix, from), func(key, value []byte) error {
		seq, err := badger.ParseSeqKey(entryPrefix, key)
		if err != nil {
			return err
		}
		return fn(seq, value)
	})
}

// Last implements Store.
func (s *BadgerStore) Last(ctx context.Context) (uint64, []byte, bool, error) {
	key, value, ok, err := s.db.Last(ctx, []byte(entryPrefix))
	if err != nil || !ok {
		return 0, nil, false, err
	}
	seq, err := badger.ParseSeqKey(entryPrefix, key)
	if err != nil {
		return 0, nil, false, err
	}
	return seq, value, true, nil
}

// Close closes the database when the store owns it.
func (s *BadgerStore) Close() error {
	if s.ownDB {
		return s.db.Close()
	}
	return nil
}

var _ Store = (*BadgerStore)(nil)

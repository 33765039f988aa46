// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chaos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/resilience-engine/services/resilience/storage/badger"
)

const (
	drillPrefix   = "chaos:drill:"
	backlogPrefix = "chaos:backlog:"
)

// BadgerStore persists drill history and backlog items so coverage and the
// failure feedback loop survive restarts.
//
// Keys:
//
//	chaos:drill:<card_id>                -> DrillRecord JSON
//	chaos:backlog:<unix_nanos>:<item_id> -> BacklogItem JSON
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore wraps an open database, which may be shared with the
// ledger.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// Record implements History. The read-modify-write runs in one transaction.
func (s *BadgerStore) Record(ctx context.Context, cardID string, at time.Time, success bool) (DrillRecord, error) {
	key := []byte(drillPrefix + cardID)
	var out DrillRecord
	err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		r := DrillRecord{CardID: cardID}
		item, err := txn.Get(key)
		switch {
		case err == nil:
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &r) }); err != nil {
				return fmt.Errorf("decode drill record: %w", err)
			}
		case !errors.Is(err, dgbadger.ErrKeyNotFound):
			return err
		}
		out = r.apply(at, success)
		data, err := json.Marshal(out)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
	return out, err
}

// Get implements History.
func (s *BadgerStore) Get(ctx context.Context, cardID string) (DrillRecord, bool, error) {
	data, err := s.db.Get(ctx, []byte(drillPrefix+cardID))
	if errors.Is(err, badger.ErrNotFound) {
		return DrillRecord{}, false, nil
	}
	if err != nil {
		return DrillRecord{}, false, err
	}
	var r DrillRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return DrillRecord{}, false, fmt.Errorf("decode drill record: %w", err)
	}
	return r, true, nil
}

// All implements History.
func (s *BadgerStore) All(ctx context.Context) ([]DrillRecord, error) {
	var out []DrillRecord
	err := s.db.Iterate(ctx, []byte(drillPrefix), nil, func(_, value []byte) error {
		var r DrillRecord
		if err := json.Unmarshal(value, &r); err != nil {
			return fmt.Errorf("decode drill record: %w", err)
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

// Add implements Backlog.
func (s *BadgerStore) Add(ctx context.Context, item BacklogItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s%020d:%s", backlogPrefix, item.CreatedAt.UnixNano(), item.ItemID)
	return s.db.Set(ctx, []byte(key), data)
}

// List implements Backlog, oldest first.
func (s *BadgerStore) List(ctx context.Context) ([]BacklogItem, error) {
	var out []BacklogItem
	err := s.db.Iterate(ctx, []byte(backlogPrefix), nil, func(_, value []byte) error {
		var item BacklogItem
		if err := json.Unmarshal(value, &item); err != nil {
			return fmt.Errorf("decode backlog item: %w", err)
		}
		out = append(out, item)
		return nil
	})
	return out, err
}

var (
	_ History = (*BadgerStore)(nil)
	_ Backlog = (*BadgerStore)(nil)
)

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
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder syntax and DDL for a SQL backend.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore persists records in a single ledger_entries table.
//
// The sequence is the primary key, so a duplicate insert fails at the
// database and is reported as ErrSequenceExists.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQLStore opens a database with the driver matching dialect and
// ensures the schema exists.
//
// # Inputs
//   - dialect: DialectSQLite (modernc.org/sqlite) or DialectPostgres (lib/pq).
//   - dsn: Driver data source name, e.g. "file:ledger.db" or a postgres URL.
func OpenSQLStore(ctx context.Context, dialect Dialect, dsn string) (*SQLStore, error) {
	switch dialect {
	case DialectSQLite, DialectPostgres:
	default:
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect)
	}
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// One connection keeps sqlite writes serialized.
		db.SetMaxOpenConns(1)
	}
	s := NewSQLStore(db, dialect)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an existing handle. Call Init before first use.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Init creates the ledger_entries table if missing.
func (s *SQLStore) Init(ctx context.Context) error {
	blob := "BLOB"
	if s.dialect == DialectPostgres {
		blob = "BYTEA"
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS ledger_entries (
	sequence BIGINT PRIMARY KEY,
	record %s NOT NULL
)`, blob)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create ledger_entries: %w", err)
	}
	return nil
}

// ph returns the n-th (1-based) placeholder for the dialect.
func (s *SQLStore) ph(n int) string {
	if s.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Put implements Store.
func (s *SQLStore) Put(ctx context.Context, seq uint64, record []byte) error {
	query := fmt.Sprintf("INSERT INTO ledger_entries (sequence, record) VALUES (%s, %s)", s.ph(1), s.ph(2))
	if _, err := s.db.ExecContext(ctx, query, int64(seq), record); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %d", ErrSequenceExists, seq)
		}
		return fmt.Errorf("insert ledger entry %d: %w", seq, err)
	}
	return nil
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, seq uint64) ([]byte, error) {
	query := fmt.Sprintf("SELECT record FROM ledger_entries WHERE sequence = %s", s.ph(1))
	var rec []byte
	err := s.db.QueryRowContext(ctx, query, int64(seq)).Scan(&rec)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, seq)
	}
	if err != nil {
		return nil, fmt.Errorf("select ledger entry %d: %w", seq, err)
	}
	return rec, nil
}

// Scan implements Store.
func (s *SQLStore) Scan(ctx context.Context, from uint64, fn func(uint64, []byte) error) error {
	query := fmt.Sprintf("SELECT sequence, record FROM ledger_entries WHERE sequence >= %s ORDER BY sequence", s.ph(1))
	rows, err := s.db.QueryContext(ctx, query, int64(from))
	if err != nil {
		return fmt.Errorf("scan ledger entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var seq int64
		var rec []byte
		if err := rows.Scan(&seq, &rec); err != nil {
			return err
		}
		if err := fn(uint64(seq), rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Last implements Store.
func (s *SQLStore) Last(ctx context.Context) (uint64, []byte, bool, error) {
	var seq int64
	var rec []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT sequence, record FROM ledger_entries ORDER BY sequence DESC LIMIT 1").Scan(&seq, &rec)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, fmt.Errorf("select last ledger entry: %w", err)
	}
	return uint64(seq), rec, true, nil
}

// Close closes the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "primary key")
}

var _ Store = (*SQLStore)(nil)

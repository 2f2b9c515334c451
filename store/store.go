// Package store provides durable persistence for recipient device sets,
// identity keys and their trust level, opaque session records, and
// per-recipient message delivery status. It is backed by
// go.mau.fi/util/dbutil, so every accessor takes a context.Context that may
// or may not carry an open transaction; WriteTxn is what attaches one.
package store

import (
	"context"
	"fmt"

	"go.mau.fi/util/dbutil"
)

// Storage wraps a dbutil.Database and implements every accessor the core's
// components need: recipients, identities, sessions, and message status.
type Storage struct {
	db *dbutil.Database
}

// New wraps db for use by sendcore. Call EnsureSchema once before first use.
func New(db *dbutil.Database) *Storage {
	return &Storage{db: db}
}

// EnsureSchema applies the module's tables as a single idempotent DDL pass.
// This package is a library embedded by a caller that owns the migration
// story for the rest of its schema, so there is no independent
// multi-release schema history to version here.
func (s *Storage) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// WriteTxn runs fn inside one write transaction. Every state mutation in
// this module happens inside a single write transaction per logical event.
func (s *Storage) WriteTxn(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.db.DoTxn(ctx, nil, fn)
}

// ReadTxn runs fn against a consistent read snapshot; dbutil's DoTxn gives
// us that without a separate read-only transaction type.
func (s *Storage) ReadTxn(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.db.DoTxn(ctx, nil, fn)
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sendcore_recipients (
		account_id   TEXT PRIMARY KEY,
		uuid         TEXT,
		phone        TEXT,
		device_ids   TEXT NOT NULL DEFAULT '',
		registered   BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS sendcore_identities (
		account_id       TEXT PRIMARY KEY,
		identity_key     BLOB NOT NULL,
		trusted_outgoing BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS sendcore_sessions (
		account_id TEXT NOT NULL,
		device_id  INTEGER NOT NULL,
		record     BLOB NOT NULL,
		PRIMARY KEY (account_id, device_id)
	)`,
	`CREATE TABLE IF NOT EXISTS sendcore_message_status (
		message_timestamp BIGINT NOT NULL,
		account_id        TEXT NOT NULL,
		status            SMALLINT NOT NULL,
		PRIMARY KEY (message_timestamp, account_id)
	)`,
}

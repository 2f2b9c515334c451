package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.mau.fi/sendcore/model"
)

const (
	hasSessionQuery   = `SELECT 1 FROM sendcore_sessions WHERE account_id=$1 AND device_id=$2`
	storeSessionQuery = `
		INSERT INTO sendcore_sessions (account_id, device_id, record)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id, device_id) DO UPDATE SET record=excluded.record
	`
	loadSessionQuery       = `SELECT record FROM sendcore_sessions WHERE account_id=$1 AND device_id=$2`
	deleteSessionQuery     = `DELETE FROM sendcore_sessions WHERE account_id=$1 AND device_id=$2`
	deleteAllSessionsQuery = `DELETE FROM sendcore_sessions WHERE account_id=$1`
)

// HasSession reports whether a session record exists for (accountID,
// deviceID). Used to compute the set of devices that need a fresh prekey
// fetch.
func (s *Storage) HasSession(ctx context.Context, accountID model.AccountID, deviceID uint32) (bool, error) {
	row := s.db.QueryRow(ctx, hasSessionQuery, accountID, deviceID)
	var one int
	err := row.Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("failed to check session for %s:%d: %w", accountID, deviceID, err)
	}
	return true, nil
}

// LoadSessionRecord returns the opaque serialized session for (accountID,
// deviceID), or nil if none exists. The bytes are produced and interpreted
// by signalclient's libsignal-backed session builder; this package only
// persists them.
func (s *Storage) LoadSessionRecord(ctx context.Context, accountID model.AccountID, deviceID uint32) ([]byte, error) {
	row := s.db.QueryRow(ctx, loadSessionQuery, accountID, deviceID)
	var record []byte
	err := row.Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to load session for %s:%d: %w", accountID, deviceID, err)
	}
	return record, nil
}

// StoreSessionRecord persists the opaque serialized session for (accountID,
// deviceID). Must be called inside a Storage.WriteTxn.
func (s *Storage) StoreSessionRecord(ctx context.Context, accountID model.AccountID, deviceID uint32, record []byte) error {
	_, err := s.db.Exec(ctx, storeSessionQuery, accountID, deviceID, record)
	if err != nil {
		return fmt.Errorf("failed to store session for %s:%d: %w", accountID, deviceID, err)
	}
	return nil
}

// DeleteSession removes the session for one device, used when the service
// reports it extra or stale. Must be called inside a Storage.WriteTxn.
func (s *Storage) DeleteSession(ctx context.Context, accountID model.AccountID, deviceID uint32) error {
	_, err := s.db.Exec(ctx, deleteSessionQuery, accountID, deviceID)
	if err != nil {
		return fmt.Errorf("failed to delete session for %s:%d: %w", accountID, deviceID, err)
	}
	return nil
}

// DeleteAllSessions removes every session for accountID. Used when the
// account is found unregistered: its service-side device list is gone, so
// every local session for it is dead weight.
func (s *Storage) DeleteAllSessions(ctx context.Context, accountID model.AccountID) error {
	_, err := s.db.Exec(ctx, deleteAllSessionsQuery, accountID)
	if err != nil {
		return fmt.Errorf("failed to delete all sessions for %s: %w", accountID, err)
	}
	return nil
}

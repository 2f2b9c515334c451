package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"go.mau.fi/sendcore/address"
	"go.mau.fi/sendcore/model"
)

const (
	upsertRecipientQuery = `
		INSERT INTO sendcore_recipients (account_id, uuid, phone, device_ids, registered)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_id) DO UPDATE
			SET uuid=excluded.uuid, phone=excluded.phone, device_ids=excluded.device_ids, registered=excluded.registered
	`
	loadRecipientQuery = `
		SELECT account_id, uuid, phone, device_ids, registered
		FROM sendcore_recipients WHERE account_id=$1
	`
	setDeviceIDsQuery  = `UPDATE sendcore_recipients SET device_ids=$2 WHERE account_id=$1`
	setRegisteredQuery = `UPDATE sendcore_recipients SET registered=$2 WHERE account_id=$1`
)

func encodeDeviceIDs(ids []uint32) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(uint64(id), 10)
	}
	return strings.Join(parts, ",")
}

func decodeDeviceIDs(raw string) []uint32 {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]uint32, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			continue
		}
		out = append(out, uint32(n))
	}
	return out
}

// LoadRecipient returns the persisted Recipient for accountID, or nil if
// none exists yet.
func (s *Storage) LoadRecipient(ctx context.Context, accountID model.AccountID) (*model.Recipient, error) {
	row := s.db.QueryRow(ctx, loadRecipientQuery, accountID)
	var r model.Recipient
	var rawUUID, phone sql.NullString
	var rawDeviceIDs string
	err := row.Scan(&r.AccountID, &rawUUID, &phone, &rawDeviceIDs, &r.Registered)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to load recipient %s: %w", accountID, err)
	}
	if rawUUID.Valid && rawUUID.String != "" {
		id, err := uuid.Parse(rawUUID.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse recipient uuid %q: %w", rawUUID.String, err)
		}
		r.Address = address.NewWithUUID(id)
	} else if phone.Valid {
		r.Address = address.NewWithPhone(phone.String)
	}
	r.DeviceIDs = decodeDeviceIDs(rawDeviceIDs)
	return &r, nil
}

// SaveRecipient inserts or fully overwrites the persisted row for r. Callers
// mutating device sets should prefer AddDevices/RemoveDevices so concurrent
// writers don't clobber each other's changes; SaveRecipient is for first
// creation of a Recipient.
func (s *Storage) SaveRecipient(ctx context.Context, r *model.Recipient) error {
	var rawUUID, phone sql.NullString
	if r.Address.HasUUID() {
		rawUUID = sql.NullString{String: r.Address.UUID.String(), Valid: true}
	}
	if r.Address.Phone != "" {
		phone = sql.NullString{String: r.Address.Phone, Valid: true}
	}
	_, err := s.db.Exec(ctx, upsertRecipientQuery, r.AccountID, rawUUID, phone, encodeDeviceIDs(r.DeviceIDs), r.Registered)
	if err != nil {
		return fmt.Errorf("failed to save recipient %s: %w", r.AccountID, err)
	}
	return nil
}

// AddDevices merges deviceIDs into accountID's known device set. Must be
// called inside a Storage.WriteTxn.
func (s *Storage) AddDevices(ctx context.Context, accountID model.AccountID, deviceIDs []uint32) error {
	return s.mutateDevices(ctx, accountID, func(r *model.Recipient) []uint32 {
		return r.AddDevices(deviceIDs)
	})
}

// RemoveDevices subtracts deviceIDs from accountID's known device set. Must
// be called inside a Storage.WriteTxn.
func (s *Storage) RemoveDevices(ctx context.Context, accountID model.AccountID, deviceIDs []uint32) error {
	return s.mutateDevices(ctx, accountID, func(r *model.Recipient) []uint32 {
		return r.RemoveDevices(deviceIDs)
	})
}

func (s *Storage) mutateDevices(ctx context.Context, accountID model.AccountID, mutate func(*model.Recipient) []uint32) error {
	r, err := s.LoadRecipient(ctx, accountID)
	if err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("mutate devices: no recipient row for %s", accountID)
	}
	newDeviceIDs := mutate(r)
	_, err = s.db.Exec(ctx, setDeviceIDsQuery, accountID, encodeDeviceIDs(newDeviceIDs))
	if err != nil {
		return fmt.Errorf("failed to update device ids for %s: %w", accountID, err)
	}
	return nil
}

// SetRegistered records the low-trust registration bookkeeping: true after
// a successful send, false after a 404 on submit.
func (s *Storage) SetRegistered(ctx context.Context, accountID model.AccountID, registered bool) error {
	_, err := s.db.Exec(ctx, setRegisteredQuery, accountID, registered)
	if err != nil {
		return fmt.Errorf("failed to set registered=%v for %s: %w", registered, accountID, err)
	}
	return nil
}

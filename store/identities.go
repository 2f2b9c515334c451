package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.mau.fi/sendcore/model"
)

const (
	upsertIdentityQuery = `
		INSERT INTO sendcore_identities (account_id, identity_key, trusted_outgoing)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id) DO UPDATE
			SET identity_key=excluded.identity_key, trusted_outgoing=excluded.trusted_outgoing
	`
	loadIdentityQuery = `SELECT identity_key, trusted_outgoing FROM sendcore_identities WHERE account_id=$1`
)

// SaveIdentity persists the remote identity key last seen for accountID
// along with its trust decision.
func (s *Storage) SaveIdentity(ctx context.Context, accountID model.AccountID, identityKey []byte, trustedOutgoing bool) error {
	_, err := s.db.Exec(ctx, upsertIdentityQuery, accountID, identityKey, trustedOutgoing)
	if err != nil {
		return fmt.Errorf("failed to save identity for %s: %w", accountID, err)
	}
	return nil
}

// LoadIdentity returns the persisted RecipientIdentity for accountID, or nil
// if no identity key has been seen yet.
func (s *Storage) LoadIdentity(ctx context.Context, accountID model.AccountID) (*model.RecipientIdentity, error) {
	row := s.db.QueryRow(ctx, loadIdentityQuery, accountID)
	var ri model.RecipientIdentity
	ri.AccountID = accountID
	err := row.Scan(&ri.IdentityKey, &ri.TrustedOutgoing)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to load identity for %s: %w", accountID, err)
	}
	return &ri, nil
}

// CurrentIdentityKey implements negcache.IdentityTruster: the raw string
// form of the identity key currently on file, or "" if none.
func (s *Storage) CurrentIdentityKey(ctx context.Context, accountID model.AccountID) (string, error) {
	ri, err := s.LoadIdentity(ctx, accountID)
	if err != nil {
		return "", err
	}
	if ri == nil {
		return "", nil
	}
	return string(ri.IdentityKey), nil
}

// IsTrustedForOutgoing implements negcache.IdentityTruster: whether
// identityKey (as returned by CurrentIdentityKey's encoding) is trusted for
// outgoing sends to accountID. A brand-new identity (no row yet) is trusted
// by default.
func (s *Storage) IsTrustedForOutgoing(ctx context.Context, accountID model.AccountID, identityKey string) (bool, error) {
	ri, err := s.LoadIdentity(ctx, accountID)
	if err != nil {
		return false, err
	}
	if ri == nil {
		return true, nil
	}
	if string(ri.IdentityKey) != identityKey {
		// identityKey here is the *new* key being evaluated; if it
		// doesn't match what's on file the caller is asking about a
		// key we haven't recorded trust for yet under this accountID.
		return false, nil
	}
	return ri.TrustedOutgoing, nil
}

package signalclient

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.mau.fi/libsignal/keys/identity"

	"go.mau.fi/sendcore/address"
	"go.mau.fi/sendcore/errs"
	"go.mau.fi/sendcore/model"
	"go.mau.fi/sendcore/negcache"
)

// SessionBuilder wraps the cryptographic session-builder primitive
// (go.mau.fi/libsignal's session.Builder for this module): it either
// completes, fails with a tagged untrusted-identity error, or fails
// otherwise.
type SessionBuilder interface {
	// Build runs the session-builder primitive over bundle for
	// (accountID, deviceID) and returns the opaque session record to
	// persist, or an *errs.SendError tagged KindUntrustedIdentity if the
	// bundle's identity key fails the trust check.
	Build(ctx context.Context, bundle *model.PreKeyBundle, accountID model.AccountID, addr address.Address, deviceID uint32) ([]byte, error)
}

// SessionRecordStore is the persistence half CreateSession needs: existence
// check (race-safe no-op) and the write itself.
type SessionRecordStore interface {
	HasSession(ctx context.Context, accountID model.AccountID, deviceID uint32) (bool, error)
	StoreSessionRecord(ctx context.Context, accountID model.AccountID, deviceID uint32, record []byte) error
}

// IdentityWriter persists a newly-seen remote identity key, the write half
// of negcache.IdentityTruster.
type IdentityWriter interface {
	SaveIdentity(ctx context.Context, accountID model.AccountID, identityKey []byte, trustedOutgoing bool) error
}

// StaleIdentityRecorder is negcache.Cache's write side for the
// stale-identity cache.
type StaleIdentityRecorder interface {
	RecordStaleIdentity(addr address.Address, currentIdentityKey, newIdentityKey []byte)
}

// SessionCreator drives CreateSession: build-or-noop, then on untrusted
// identity, record the new key and the stale-identity cache entry.
type SessionCreator struct {
	Builder  SessionBuilder
	Sessions SessionRecordStore
	Identity IdentityWriter
	Truster  negcache.IdentityTruster
	Stale    StaleIdentityRecorder
}

// signalKeyTypeByte is the leading byte libsignal prefixes onto a
// serialized Curve25519 public key. Keys are persisted to the identity
// store with it stripped, matching the raw key format negcache's trust
// comparisons operate on.
const signalKeyTypeByte = 0x05

func stripKeyTypeByte(key []byte) []byte {
	if len(key) > 0 && key[0] == signalKeyTypeByte {
		return key[1:]
	}
	return key
}

// CreateSession ensures a session exists for (accountID, deviceID),
// building one from bundle if needed. Must be called inside a
// Storage.WriteTxn.
func (sc *SessionCreator) CreateSession(ctx context.Context, bundle *model.PreKeyBundle, accountID model.AccountID, addr address.Address, deviceID uint32) error {
	log := zerolog.Ctx(ctx).With().
		Str("action", "create session").
		Stringer("recipient", addr).
		Uint32("device_id", deviceID).
		Logger()

	exists, err := sc.Sessions.HasSession(ctx, accountID, deviceID)
	if err != nil {
		return fmt.Errorf("failed to check existing session: %w", err)
	}
	if exists {
		// Race-safe no-op: a concurrent EnsureSessions fan-out already
		// built this session.
		log.Debug().Msg("session already exists, skipping build")
		return nil
	}

	record, err := sc.Builder.Build(ctx, bundle, accountID, addr, deviceID)
	if err != nil {
		if errs.As(err, errs.KindUntrustedIdentity) {
			strippedKey := stripKeyTypeByte(bundle.IdentityKey)
			if serr := sc.Identity.SaveIdentity(ctx, accountID, strippedKey, false); serr != nil {
				log.Err(serr).Msg("failed to persist untrusted identity key")
			}
			// Re-read the current key after the save so the cached
			// precondition matches what the store will answer on the next
			// lookup; caching the pre-save key would make the rotation
			// check invalidate the entry immediately.
			currentKey, cerr := sc.Truster.CurrentIdentityKey(ctx, accountID)
			if cerr != nil {
				log.Err(cerr).Msg("failed to read current identity key while recording stale identity")
				return err
			}
			sc.Stale.RecordStaleIdentity(addr, []byte(currentKey), strippedKey)
			return err
		}
		return err
	}

	if err := sc.Sessions.StoreSessionRecord(ctx, accountID, deviceID, record); err != nil {
		return fmt.Errorf("failed to persist session record: %w", err)
	}
	return nil
}

// LibsignalSessionBuilder is the go.mau.fi/libsignal-backed SessionBuilder.
// The untrusted-identity gate runs explicitly, through this module's own
// trust check, before the library's session builder is ever invoked, so no
// string or exception matching on the library's internal error types is
// needed.
type LibsignalSessionBuilder struct {
	Truster negcache.IdentityTruster

	// LocalKeyPair and LocalRegistrationID identify the sending account to
	// the ratchet; the session derivation needs the local private identity
	// key.
	LocalKeyPair        *identity.KeyPair
	LocalRegistrationID uint32
}

func (b *LibsignalSessionBuilder) Build(ctx context.Context, bundle *model.PreKeyBundle, accountID model.AccountID, addr address.Address, deviceID uint32) ([]byte, error) {
	if bundle.DeviceID != deviceID {
		// A bundle whose deviceId echo doesn't match the requested
		// device would build a session keyed to the wrong device.
		return nil, fmt.Errorf("prekey bundle device id %d does not match requested device %d", bundle.DeviceID, deviceID)
	}

	strippedKey := stripKeyTypeByte(bundle.IdentityKey)
	trusted, err := b.Truster.IsTrustedForOutgoing(ctx, accountID, string(strippedKey))
	if err != nil {
		return nil, fmt.Errorf("failed to check identity trust: %w", err)
	}
	if !trusted {
		return nil, errs.New(errs.KindUntrustedIdentity, nil)
	}

	record, err := processPreKeyBundle(ctx, b.LocalKeyPair, b.LocalRegistrationID, addr, deviceID, bundle)
	if err != nil {
		return nil, errs.New(errs.KindUnknown, fmt.Errorf("session builder failed: %w", err))
	}
	return record, nil
}

package signalclient

import (
	"context"
	"fmt"

	"go.mau.fi/libsignal/ecc"
	"go.mau.fi/libsignal/keys/identity"
	"go.mau.fi/libsignal/keys/prekey"
	"go.mau.fi/libsignal/protocol"
	"go.mau.fi/libsignal/serialize"
	"go.mau.fi/libsignal/session"
	"go.mau.fi/libsignal/state/record"
	"go.mau.fi/libsignal/util/optional"

	"go.mau.fi/sendcore/address"
	"go.mau.fi/sendcore/model"
)

// signalAddress turns the recipient address this module uses into the
// go.mau.fi/libsignal address type, which libsignal's session builder keys
// its stores by.
func signalAddress(addr address.Address, deviceID uint32) *protocol.SignalAddress {
	return protocol.NewSignalAddress(addr.Key(), deviceID)
}

// sessionStoreAdapter satisfies go.mau.fi/libsignal's store.Session for the
// lifetime of a single processPreKeyBundle call. It has no independent
// backing store: CreateSession (sessionbuilder.go) already owns the
// HasSession/StoreSessionRecord round trip against the real store; this
// adapter exists only so the library has somewhere to write the session
// record it derives from the bundle, which processPreKeyBundle then
// serializes and hands back.
type sessionStoreAdapter struct {
	serializer *serialize.Serializer
	pending    *record.Session
}

func (a *sessionStoreAdapter) LoadSession(context.Context, *protocol.SignalAddress) (*record.Session, error) {
	if a.pending != nil {
		return a.pending, nil
	}
	return record.NewSession(a.serializer.Session, a.serializer.State), nil
}

func (a *sessionStoreAdapter) GetSubDeviceSessions(context.Context, string) ([]uint32, error) {
	return nil, nil
}

func (a *sessionStoreAdapter) StoreSession(_ context.Context, _ *protocol.SignalAddress, r *record.Session) error {
	a.pending = r
	return nil
}

func (a *sessionStoreAdapter) ContainsSession(context.Context, *protocol.SignalAddress) (bool, error) {
	return a.pending != nil, nil
}

func (a *sessionStoreAdapter) DeleteSession(context.Context, *protocol.SignalAddress) error {
	a.pending = nil
	return nil
}

func (a *sessionStoreAdapter) DeleteAllSessions(context.Context) error {
	a.pending = nil
	return nil
}

// identityStoreAdapter satisfies store.IdentityKey. The trust decision
// itself is made by LibsignalSessionBuilder.Build before the session
// builder is ever invoked, so IsTrustedIdentity here always answers true:
// by the time libsignal asks, sendcore has already vetted the key.
type identityStoreAdapter struct {
	localKeyPair        *identity.KeyPair
	localRegistrationID uint32
}

func (a *identityStoreAdapter) GetIdentityKeyPair() *identity.KeyPair { return a.localKeyPair }
func (a *identityStoreAdapter) GetLocalRegistrationID() uint32        { return a.localRegistrationID }

func (a *identityStoreAdapter) SaveIdentity(context.Context, *protocol.SignalAddress, *identity.Key) error {
	return nil
}

func (a *identityStoreAdapter) IsTrustedIdentity(context.Context, *protocol.SignalAddress, *identity.Key) (bool, error) {
	return true, nil
}

// decodePublicKey parses a raw (non-type-prefixed) Curve25519 public key,
// the form PreKeyBundle.IdentityKey/SignedPreKeyPublic/PreKeyPublic carry
// after stripKeyTypeByte.
func decodePublicKey(raw []byte) (ecc.ECPublicKeyable, error) {
	return ecc.DecodePoint(append([]byte{signalKeyTypeByte}, raw...), 0)
}

// processPreKeyBundle runs go.mau.fi/libsignal's session.Builder against a
// fetched bundle and returns the resulting session record's serialized
// bytes.
func processPreKeyBundle(ctx context.Context, localKeyPair *identity.KeyPair, localRegistrationID uint32, addr address.Address, deviceID uint32, bundle *model.PreKeyBundle) ([]byte, error) {
	identityPub, err := decodePublicKey(stripKeyTypeByte(bundle.IdentityKey))
	if err != nil {
		return nil, fmt.Errorf("failed to decode identity key: %w", err)
	}
	signedPreKeyPub, err := decodePublicKey(stripKeyTypeByte(bundle.SignedPreKeyPublic))
	if err != nil {
		return nil, fmt.Errorf("failed to decode signed prekey: %w", err)
	}
	var signature [64]byte
	if len(bundle.SignedPreKeySignature) != len(signature) {
		return nil, fmt.Errorf("signed prekey signature is %d bytes, want %d", len(bundle.SignedPreKeySignature), len(signature))
	}
	copy(signature[:], bundle.SignedPreKeySignature)

	preKeyID := optional.NewEmptyUint32()
	var preKeyPub ecc.ECPublicKeyable
	if bundle.HasPreKey {
		preKeyID = optional.NewOptionalUint32(bundle.PreKeyID)
		preKeyPub, err = decodePublicKey(stripKeyTypeByte(bundle.PreKeyPublic))
		if err != nil {
			return nil, fmt.Errorf("failed to decode one-time prekey: %w", err)
		}
	}

	pkBundle := prekey.NewBundle(
		bundle.RegistrationID,
		deviceID,
		preKeyID,
		bundle.SignedPreKeyID,
		preKeyPub,
		signedPreKeyPub,
		signature,
		identity.NewKey(identityPub),
	)

	serializer := serialize.NewJSONSerializer()
	sessions := &sessionStoreAdapter{serializer: serializer}
	identities := &identityStoreAdapter{localKeyPair: localKeyPair, localRegistrationID: localRegistrationID}
	remoteAddr := signalAddress(addr, deviceID)
	builder := session.NewBuilder(sessions, nil, nil, identities, remoteAddr, serializer)
	if err := builder.ProcessBundle(ctx, pkBundle); err != nil {
		return nil, fmt.Errorf("session builder rejected bundle: %w", err)
	}
	if sessions.pending == nil {
		return nil, fmt.Errorf("session builder produced no session record")
	}
	return sessions.pending.Serialize(), nil
}

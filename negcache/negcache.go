// Package negcache implements short-lived in-memory negative-result caches
// that suppress prekey fetches known to be futile: devices that recently
// 404'd, and identities that recently failed the outgoing trust check.
package negcache

import (
	"context"
	"sync"
	"time"

	"go.mau.fi/sendcore/address"
	"go.mau.fi/sendcore/model"
)

const (
	// MissingDeviceTTL is how long a recorded "missing device" 404
	// suppresses further prekey fetches for that (address, device) pair.
	MissingDeviceTTL = 1 * time.Minute
	// StaleIdentityTTL is how long a recorded untrusted-identity failure
	// suppresses further prekey fetches for that address, provided its
	// precondition (current identity key, trust verdict) hasn't changed.
	StaleIdentityTTL = 5 * time.Minute
)

type missingDeviceKey struct {
	address  string
	deviceID uint32
}

type staleIdentityEntry struct {
	currentIdentityKey string
	newIdentityKey     string
	recordedAt         time.Time
}

// IdentityTruster answers whether a given identity key is currently trusted
// for outgoing sends to accountID; it is the read side of the identity
// store.
type IdentityTruster interface {
	// CurrentIdentityKey returns the identity key currently on file for
	// accountID, or "" if none.
	CurrentIdentityKey(ctx context.Context, accountID model.AccountID) (string, error)
	// IsTrustedForOutgoing reports whether identityKey is trusted for
	// outgoing sends to accountID.
	IsTrustedForOutgoing(ctx context.Context, accountID model.AccountID, identityKey string) (bool, error)
}

// Cache holds both negative-result caches. All reads and writes are
// serialized through one mutex.
type Cache struct {
	mu             sync.Mutex
	missingDevices map[missingDeviceKey]time.Time
	staleIdentity  map[string]staleIdentityEntry

	now func() time.Time
}

// New constructs an empty Cache.
func New() *Cache {
	return &Cache{
		missingDevices: make(map[missingDeviceKey]time.Time),
		staleIdentity:  make(map[string]staleIdentityEntry),
		now:            time.Now,
	}
}

// IsPrimaryDevice reports whether deviceID is the account's primary device.
// Only the primary device's missing-device verdict is ever cached.
func IsPrimaryDevice(deviceID uint32) bool {
	return deviceID == model.PrimaryDeviceID
}

// RecordMissingDevice inserts a missing-device entry, but only when
// deviceID is the primary device; linked (secondary) devices are
// self-healing via server device-list updates, and recording them would
// hide a device the server re-adds.
func (c *Cache) RecordMissingDevice(addr address.Address, deviceID uint32) {
	if !IsPrimaryDevice(deviceID) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.missingDevices[missingDeviceKey{address: addr.Key(), deviceID: deviceID}] = c.now()
}

// IsDeviceNotMissing reports true if there is no recent missing-device
// entry for (addr, deviceID), i.e. a prekey fetch is permitted.
func (c *Cache) IsDeviceNotMissing(addr address.Address, deviceID uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	recordedAt, ok := c.missingDevices[missingDeviceKey{address: addr.Key(), deviceID: deviceID}]
	if !ok {
		return true
	}
	return c.now().Sub(recordedAt) >= MissingDeviceTTL
}

// RecordStaleIdentity records that a session build against addr failed due
// to an untrusted identity, capturing the identity keys involved so a later
// lookup can tell whether the precondition still holds.
func (c *Cache) RecordStaleIdentity(addr address.Address, currentIdentityKey, newIdentityKey []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.staleIdentity[addr.Key()] = staleIdentityEntry{
		currentIdentityKey: string(currentIdentityKey),
		newIdentityKey:     string(newIdentityKey),
		recordedAt:         c.now(),
	}
}

// IsIdentityLikelyUntrusted returns true (block the fetch) iff an entry
// exists, is within TTL, the persisted current identity key still matches
// what was cached, and the persisted trust check on the new identity key
// still returns untrusted for the outgoing direction. Any of: missing
// entry, stale entry, rotated current key, or now-trusted new key yields
// false (permit retry).
func (c *Cache) IsIdentityLikelyUntrusted(ctx context.Context, accountID model.AccountID, addr address.Address, truster IdentityTruster) (bool, error) {
	c.mu.Lock()
	entry, ok := c.staleIdentity[addr.Key()]
	expired := ok && c.now().Sub(entry.recordedAt) >= StaleIdentityTTL
	c.mu.Unlock()
	if !ok || expired {
		return false, nil
	}

	currentKey, err := truster.CurrentIdentityKey(ctx, accountID)
	if err != nil {
		return false, err
	}
	if currentKey != entry.currentIdentityKey {
		// The current identity key rotated since we cached this
		// verdict; the precondition no longer holds.
		c.invalidate(addr)
		return false, nil
	}

	isTrusted, err := truster.IsTrustedForOutgoing(ctx, accountID, entry.newIdentityKey)
	if err != nil {
		return false, err
	}
	if isTrusted {
		// The new identity key is now trusted; the precondition for
		// the cached block no longer holds.
		c.invalidate(addr)
		return false, nil
	}
	return true, nil
}

func (c *Cache) invalidate(addr address.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.staleIdentity, addr.Key())
}

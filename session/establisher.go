// Package session ensures cryptographic sessions exist before a send:
// given a batch of pending sends, it computes which (account, device) pairs
// lack a session and drives prekey fetch plus session build for each,
// concurrently.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"go.mau.fi/sendcore/address"
	"go.mau.fi/sendcore/errs"
	"go.mau.fi/sendcore/model"
)

// Storage is the subset of store.Storage's transaction and session-existence
// accessors EnsureSessions needs.
type Storage interface {
	ReadTxn(ctx context.Context, fn func(ctx context.Context) error) error
	WriteTxn(ctx context.Context, fn func(ctx context.Context) error) error
	HasSession(ctx context.Context, accountID model.AccountID, deviceID uint32) (bool, error)
	RemoveDevices(ctx context.Context, accountID model.AccountID, deviceIDs []uint32) error
}

// PrekeyFetcher is signalclient.PrekeyClient's interface: Fetch already
// performs the negative-cache pre-flight gates internally, so Establisher
// does not duplicate them.
type PrekeyFetcher interface {
	Fetch(ctx context.Context, send *model.MessageSend, deviceID uint32) (*model.PreKeyBundle, error)
}

// SessionCreator is signalclient.SessionCreator's interface.
type SessionCreator interface {
	CreateSession(ctx context.Context, bundle *model.PreKeyBundle, accountID model.AccountID, addr address.Address, deviceID uint32) error
}

// Establisher drives EnsureSessions across a batch of sends.
type Establisher struct {
	Storage  Storage
	Prekeys  PrekeyFetcher
	Sessions SessionCreator
}

// deviceFailure pairs a device with the error encountered establishing its
// session, so the caller's write transaction can remove it from the
// recipient's device set when the failure is MissingDevice.
type deviceFailure struct {
	deviceID uint32
	err      error
}

// EnsureSessions establishes a session for every targeted device that
// lacks one. When ignoreErrors is true, MissingDevice failures are
// swallowed (after pruning the device) rather than returned; any other
// failure is always returned regardless of ignoreErrors.
func (e *Establisher) EnsureSessions(ctx context.Context, sends []*model.MessageSend, ignoreErrors bool) error {
	log := zerolog.Ctx(ctx).With().Str("action", "ensure sessions").Int("num_sends", len(sends)).Logger()

	for _, send := range sends {
		pending, err := e.devicesNeedingSessions(ctx, send)
		if err != nil {
			return fmt.Errorf("failed to compute pending devices for %s: %w", send.Recipient.AccountID, err)
		}
		if len(pending) == 0 {
			continue
		}

		failures := e.buildSessionsConcurrently(ctx, send, pending)
		if len(failures) == 0 {
			continue
		}

		var missingDeviceIDs []uint32
		var hardErr error
		for _, f := range failures {
			if errs.As(f.err, errs.KindMissingDevice) {
				missingDeviceIDs = append(missingDeviceIDs, f.deviceID)
				continue
			}
			if hardErr == nil {
				hardErr = f.err
			}
		}

		if len(missingDeviceIDs) > 0 {
			txErr := e.Storage.WriteTxn(ctx, func(ctx context.Context) error {
				if err := e.Storage.RemoveDevices(ctx, send.Recipient.AccountID, missingDeviceIDs); err != nil {
					return err
				}
				send.Recipient.DeviceIDs = send.Recipient.RemoveDevices(missingDeviceIDs)
				send.DeviceIDs = removeDeviceIDs(send.DeviceIDs, missingDeviceIDs)
				return nil
			})
			if txErr != nil {
				return fmt.Errorf("failed to prune missing devices for %s: %w", send.Recipient.AccountID, txErr)
			}
			log.Debug().
				Interface("device_ids", missingDeviceIDs).
				Str("account_id", string(send.Recipient.AccountID)).
				Msg("pruned missing devices")
		}

		// A hard failure always wins over the MissingDevice verdict: the
		// prune has already happened, but the caller must not mistake a
		// transport or identity failure for a pruned device.
		if hardErr != nil {
			return hardErr
		}
		if len(missingDeviceIDs) > 0 && !ignoreErrors {
			return errs.New(errs.KindMissingDevice, nil)
		}
	}
	return nil
}

// devicesNeedingSessions computes, under one read transaction, the
// sub-list of send.DeviceIDs that currently have no session and aren't the
// sending device's own id on a local-address send.
func (e *Establisher) devicesNeedingSessions(ctx context.Context, send *model.MessageSend) ([]uint32, error) {
	var pending []uint32
	err := e.Storage.ReadTxn(ctx, func(ctx context.Context) error {
		for _, deviceID := range send.DeviceIDs {
			if send.IsLocalAddress && deviceID == send.LocalDeviceID {
				continue
			}
			has, err := e.Storage.HasSession(ctx, send.Recipient.AccountID, deviceID)
			if err != nil {
				return err
			}
			if !has {
				pending = append(pending, deviceID)
			}
		}
		return nil
	})
	return pending, err
}

// buildSessionsConcurrently fetches prekeys and builds sessions for each
// pending device in parallel; each successful session write is its own
// write transaction.
func (e *Establisher) buildSessionsConcurrently(ctx context.Context, send *model.MessageSend, pending []uint32) []deviceFailure {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures []deviceFailure
	)
	for _, deviceID := range pending {
		wg.Add(1)
		go func(deviceID uint32) {
			defer wg.Done()
			if err := e.establishOne(ctx, send, deviceID); err != nil {
				mu.Lock()
				failures = append(failures, deviceFailure{deviceID: deviceID, err: err})
				mu.Unlock()
			}
		}(deviceID)
	}
	wg.Wait()
	return failures
}

func (e *Establisher) establishOne(ctx context.Context, send *model.MessageSend, deviceID uint32) error {
	bundle, err := e.Prekeys.Fetch(ctx, send, deviceID)
	if err != nil {
		return err
	}
	var buildErr error
	txErr := e.Storage.WriteTxn(ctx, func(ctx context.Context) error {
		buildErr = e.Sessions.CreateSession(ctx, bundle, send.Recipient.AccountID, send.Recipient.Address, deviceID)
		if buildErr != nil && errs.As(buildErr, errs.KindUntrustedIdentity) {
			// The untrusted-identity bookkeeping (persisted new key,
			// stale-identity cache entry) must survive the failed build;
			// returning the error here would roll it back.
			return nil
		}
		return buildErr
	})
	if txErr != nil {
		return txErr
	}
	return buildErr
}

func removeDeviceIDs(ids, remove []uint32) []uint32 {
	removeSet := make(map[uint32]bool, len(remove))
	for _, id := range remove {
		removeSet[id] = true
	}
	out := make([]uint32, 0, len(ids))
	for _, id := range ids {
		if !removeSet[id] {
			out = append(out, id)
		}
	}
	return out
}

// Package recipient expands an outgoing message into the deduplicated,
// filtered recipient address set it should actually be delivered to.
package recipient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"go.mau.fi/sendcore/address"
	"go.mau.fi/sendcore/errs"
	"go.mau.fi/sendcore/model"
)

// CertificatePolicy is the sender-certificate freshness policy
// SenderCertificateProvider.Ensure is asked to apply.
type CertificatePolicy int

const (
	// CertificatePolicyPermissive accepts a near-expiry certificate rather
	// than forcing a refresh.
	CertificatePolicyPermissive CertificatePolicy = iota
)

// SenderCertificateProvider supplies the sealed-sender certificate
// material a send presents in UD mode.
type SenderCertificateProvider interface {
	Ensure(ctx context.Context, policy CertificatePolicy) ([]byte, error)
}

// ThreadLookup resolves the current state of a thread by id. A nil, nil
// return means the thread no longer exists.
type ThreadLookup interface {
	ResolveThread(ctx context.Context, threadID string) (*model.Thread, error)
}

// BlockingManager answers whether an address is currently blocked.
type BlockingManager interface {
	IsBlocked(addr address.Address) bool
	BlockedAddresses() *address.Set
}

// DiscoveryError is returned by ContactDiscovery on failure; RetrySuggested
// carries the server-advisory retry hint through to the resolver's own
// error.
type DiscoveryError struct {
	RetrySuggested bool
	RetryAfter     time.Duration
	Err            error
}

func (e *DiscoveryError) Error() string { return fmt.Sprintf("contact discovery failed: %v", e.Err) }
func (e *DiscoveryError) Unwrap() error { return e.Err }

// ContactDiscovery resolves phone numbers to service addresses through the
// directory.
type ContactDiscovery interface {
	Perform(ctx context.Context, phoneNumbers []string) (*address.Set, error)
}

// UndiscoverableCache tracks phone-only addresses recently confirmed
// absent from the directory, so a resolver doesn't re-issue a discovery
// request for the same known-undiscoverable number on every send.
type UndiscoverableCache interface {
	IsUndiscoverable(addr address.Address) bool
}

// MessageStore persists the "skipped" mark for addresses dropped from the
// originally-addressed set.
type MessageStore interface {
	WriteTxn(ctx context.Context, fn func(ctx context.Context) error) error
	SetMessageStatus(ctx context.Context, timestamp uint64, accountID model.AccountID, status model.RecipientStatus) error
}

// AccountDirectory maps a resolved Address to the accountId SetMessageStatus
// persists skip marks under.
type AccountDirectory interface {
	AccountIDFor(addr address.Address) model.AccountID
}

// Resolver drives PrepareSend.
type Resolver struct {
	LocalAddress address.Address

	Certificates SenderCertificateProvider
	Threads      ThreadLookup
	Blocking     BlockingManager
	Discovery    ContactDiscovery
	Undiscovered UndiscoverableCache
	Messages     MessageStore
	Accounts     AccountDirectory
}

// PrepareSend acquires a sender certificate, resolves the message's
// thread, enumerates and filters the recipient set, reconciles undiscovered
// addresses through the directory, and marks dropped addresses skipped.
func (r *Resolver) PrepareSend(ctx context.Context, message *model.OutgoingMessage) (*model.SendInfo, error) {
	log := zerolog.Ctx(ctx).With().Str("action", "prepare send").Uint64("timestamp", message.Timestamp).Logger()

	certs, err := r.Certificates.Ensure(ctx, CertificatePolicyPermissive)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire sender certificate: %w", err)
	}

	thread, err := r.Threads.ResolveThread(ctx, message.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve thread %q: %w", message.ThreadID, err)
	}
	if thread == nil {
		return nil, errs.New(errs.KindThreadMissing, nil)
	}

	resolved, err := r.enumerate(message, thread)
	if err != nil {
		return nil, err
	}

	resolved, err = r.reconcileDirectory(ctx, resolved)
	if err != nil {
		return nil, err
	}

	if err := r.markSkipped(ctx, message, resolved); err != nil {
		return nil, err
	}

	log.Debug().Int("num_recipients", resolved.Len()).Msg("prepared send")
	return &model.SendInfo{
		Thread:             thread,
		Recipients:         resolved.Slice(),
		SenderCertificates: certs,
	}, nil
}

// enumerate produces the raw recipient set for the thread kind.
func (r *Resolver) enumerate(message *model.OutgoingMessage, thread *model.Thread) (*address.Set, error) {
	if message.IsSyncMessage {
		return address.NewSet(r.LocalAddress), nil
	}

	switch thread.Kind {
	case model.ThreadKindGroup:
		eligible := thread.FullMembers
		if message.RequiresUpdateDelivery {
			eligible = eligible.Union(thread.InvitedMembers)
		}
		set := address.NewSet(message.SendingRecipientAddresses...).Intersect(eligible)
		set.Remove(r.LocalAddress)
		set = set.Subtract(r.Blocking.BlockedAddresses())
		return set, nil
	default: // ThreadKindContact
		if thread.Peer.Equal(r.LocalAddress) {
			return address.NewSet(r.LocalAddress), nil
		}
		if r.Blocking.IsBlocked(thread.Peer) {
			return nil, errs.New(errs.KindBlockedContactRecipient, nil)
		}
		return address.NewSet(thread.Peer), nil
	}
}

// reconcileDirectory replaces phone-only addresses with their discovered
// (UUID, phone) form, dropping any that are known-undiscoverable.
func (r *Resolver) reconcileDirectory(ctx context.Context, resolved *address.Set) (*address.Set, error) {
	var invalid []address.Address
	for _, addr := range resolved.Slice() {
		if !addr.IsValid() {
			invalid = append(invalid, addr)
		}
	}
	if len(invalid) == 0 {
		return resolved, nil
	}

	allUndiscoverable := true
	for _, addr := range invalid {
		if !r.Undiscovered.IsUndiscoverable(addr) {
			allUndiscoverable = false
			break
		}
	}
	if allUndiscoverable {
		out := address.NewSet(resolved.Slice()...)
		for _, addr := range invalid {
			out.Remove(addr)
		}
		return out, nil
	}

	phoneNumbers := make([]string, len(invalid))
	for i, addr := range invalid {
		phoneNumbers[i] = addr.Phone
	}
	discovered, err := r.Discovery.Perform(ctx, phoneNumbers)
	if err != nil {
		retrySuggested := true
		var de *DiscoveryError
		if errors.As(err, &de) {
			retrySuggested = de.RetrySuggested
		}
		se := errs.New(errs.KindTransport, err)
		se.NotRetryable = !retrySuggested
		return nil, se
	}

	out := address.NewSet(resolved.Slice()...)
	for _, addr := range invalid {
		out.Remove(addr)
	}
	return out.Union(discovered), nil
}

func containsAddress(set *address.Set, addr address.Address) bool {
	if set.Contains(addr) {
		return true
	}
	if addr.Phone == "" {
		return false
	}
	for _, member := range set.Slice() {
		if member.Phone == addr.Phone {
			return true
		}
	}
	return false
}

// markSkipped records a skip for every originally-addressed recipient that
// fell out of the resolved set. An originally phone-only address that
// directory discovery replaced with its (UUID, phone) form is still
// "present" in the resolved set, so containment also matches by phone.
func (r *Resolver) markSkipped(ctx context.Context, message *model.OutgoingMessage, resolved *address.Set) error {
	var dropped []address.Address
	for _, addr := range message.SendingRecipientAddresses {
		if !containsAddress(resolved, addr) {
			dropped = append(dropped, addr)
		}
	}
	if len(dropped) == 0 {
		return nil
	}
	return r.Messages.WriteTxn(ctx, func(ctx context.Context) error {
		for _, addr := range dropped {
			message.SetStatus(addr, model.RecipientStatusSkipped)
			accountID := r.Accounts.AccountIDFor(addr)
			if err := r.Messages.SetMessageStatus(ctx, message.Timestamp, accountID, model.RecipientStatusSkipped); err != nil {
				return fmt.Errorf("failed to mark %s skipped: %w", addr, err)
			}
		}
		return nil
	})
}

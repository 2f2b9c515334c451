// Package sendcore is the outgoing message delivery core of an
// end-to-end-encrypted messaging client: recipient resolution, on-demand
// session establishment, negative-result caching, and the send request
// lifecycle with device-list drift recovery.
//
// The global singletons the original client reaches for (identity manager,
// session store, blocking manager, account manager, profile manager) are
// modeled as a Dependencies aggregate injected at construction; tests
// substitute fakes.
package sendcore

import (
	"context"

	"go.mau.fi/libsignal/keys/identity"

	"go.mau.fi/sendcore/address"
	"go.mau.fi/sendcore/model"
	"go.mau.fi/sendcore/negcache"
	"go.mau.fi/sendcore/recipient"
	"go.mau.fi/sendcore/send"
	"go.mau.fi/sendcore/session"
	"go.mau.fi/sendcore/signalclient"
	"go.mau.fi/sendcore/store"
	"go.mau.fi/sendcore/transport"
)

// Config carries the core's tunables. These are plain values rather than a
// parsed file: the core is a library and its caller owns configuration.
type Config struct {
	// MaxSendAttempts bounds the retry loop of one MessageSend; each new
	// MessageSend starts with this many RemainingAttempts.
	MaxSendAttempts int

	BasicAuthUsername string
	BasicAuthPassword string
}

// DefaultConfig returns the tunables a production caller starts from.
func DefaultConfig() Config {
	return Config{
		MaxSendAttempts: 4,
	}
}

// Dependencies aggregates every collaborator the core needs. Storage and
// RequestMaker are required.
type Dependencies struct {
	Storage      *store.Storage
	RequestMaker transport.RequestMaker

	Certificates recipient.SenderCertificateProvider
	Threads      recipient.ThreadLookup
	Blocking     recipient.BlockingManager
	Discovery    recipient.ContactDiscovery
	Undiscovered recipient.UndiscoverableCache
	Accounts     recipient.AccountDirectory

	Devices   send.DeviceManager
	Profiles  send.ProfileNotifier
	Encryptor send.Encryptor

	// SessionBuilder may be nil, in which case the libsignal-backed builder
	// is used; that default needs LocalIdentityKeyPair and
	// LocalRegistrationID.
	SessionBuilder signalclient.SessionBuilder

	LocalAddress         address.Address
	LocalDeviceID        uint32
	LocalIdentityKeyPair *identity.KeyPair
	LocalRegistrationID  uint32
}

// Core wires the delivery components together behind the three
// orchestration entry points: PrepareSend, EnsureSessions, PerformSend.
type Core struct {
	cfg  Config
	deps Dependencies

	cache       *negcache.Cache
	resolver    *recipient.Resolver
	establisher *session.Establisher
	executor    *send.Executor
	prekeys     *signalclient.PrekeyClient
}

// New constructs a Core from cfg and deps. deps.Storage must already have
// its schema applied (store.Storage.EnsureSchema).
func New(cfg Config, deps Dependencies) *Core {
	cache := negcache.New()

	builder := deps.SessionBuilder
	if builder == nil {
		builder = &signalclient.LibsignalSessionBuilder{
			Truster:             deps.Storage,
			LocalKeyPair:        deps.LocalIdentityKeyPair,
			LocalRegistrationID: deps.LocalRegistrationID,
		}
	}
	creator := &signalclient.SessionCreator{
		Builder:  builder,
		Sessions: deps.Storage,
		Identity: deps.Storage,
		Truster:  deps.Storage,
		Stale:    cache,
	}
	prekeys := &signalclient.PrekeyClient{
		RequestMaker:      deps.RequestMaker,
		MissingDevices:    cache,
		Identities:        cache,
		IdentityStore:     deps.Storage,
		BasicAuthUsername: cfg.BasicAuthUsername,
		BasicAuthPassword: cfg.BasicAuthPassword,
	}
	establisher := &session.Establisher{
		Storage:  deps.Storage,
		Prekeys:  prekeys,
		Sessions: creator,
	}
	executor := &send.Executor{
		RequestMaker:      deps.RequestMaker,
		Storage:           deps.Storage,
		Devices:           deps.Devices,
		Profiles:          deps.Profiles,
		Encryptor:         deps.Encryptor,
		Sessions:          establisher,
		BasicAuthUsername: cfg.BasicAuthUsername,
		BasicAuthPassword: cfg.BasicAuthPassword,
	}
	resolver := &recipient.Resolver{
		LocalAddress: deps.LocalAddress,
		Certificates: deps.Certificates,
		Threads:      deps.Threads,
		Blocking:     deps.Blocking,
		Discovery:    deps.Discovery,
		Undiscovered: deps.Undiscovered,
		Messages:     deps.Storage,
		Accounts:     deps.Accounts,
	}

	return &Core{
		cfg:         cfg,
		deps:        deps,
		cache:       cache,
		resolver:    resolver,
		establisher: establisher,
		executor:    executor,
		prekeys:     prekeys,
	}
}

// PrepareSend expands message into its resolved recipient set.
func (c *Core) PrepareSend(ctx context.Context, message *model.OutgoingMessage) (*model.SendInfo, error) {
	return c.resolver.PrepareSend(ctx, message)
}

// NewMessageSend builds the per-recipient work item for one delivery
// attempt, seeding the attempt budget from Config.
func (c *Core) NewMessageSend(message *model.OutgoingMessage, thread *model.Thread, rcpt *model.Recipient, udAccess *model.UDSendingAccess) *model.MessageSend {
	return &model.MessageSend{
		Message:           message,
		Thread:            thread,
		Recipient:         rcpt,
		DeviceIDs:         append([]uint32(nil), rcpt.DeviceIDs...),
		UDSendingAccess:   udAccess,
		RemainingAttempts: c.cfg.MaxSendAttempts,
		IsLocalAddress:    rcpt.Address.Equal(c.deps.LocalAddress),
		LocalDeviceID:     c.deps.LocalDeviceID,
	}
}

// EnsureSessions establishes a session for every (recipient, device) pair
// in sends that lacks one.
func (c *Core) EnsureSessions(ctx context.Context, sends []*model.MessageSend, ignoreErrors bool) error {
	return c.establisher.EnsureSessions(ctx, sends, ignoreErrors)
}

// PerformSend encrypts for every target device and submits the send,
// retrying within the work item's attempt budget.
func (c *Core) PerformSend(ctx context.Context, msgSend *model.MessageSend) (*send.Result, error) {
	deviceMessages, err := c.executor.EncryptDeviceMessages(ctx, msgSend)
	if err != nil {
		return nil, err
	}
	return c.executor.PerformSend(ctx, msgSend, deviceMessages)
}

// FetchPreKeyBundle exposes the prekey client for callers that drive
// session establishment manually.
func (c *Core) FetchPreKeyBundle(ctx context.Context, msgSend *model.MessageSend, deviceID uint32) (*model.PreKeyBundle, error) {
	return c.prekeys.Fetch(ctx, msgSend, deviceID)
}

// NegativeCache exposes the shared negative-result cache, e.g. for callers
// that want to pre-warm or inspect it in tests.
func (c *Core) NegativeCache() *negcache.Cache {
	return c.cache
}

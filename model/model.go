// Package model defines the data types shared across the delivery core:
// Recipient, Thread, OutgoingMessage, MessageSend, and the key-bundle and
// identity views exchanged with the service.
package model

import (
	"go.mau.fi/sendcore/address"
)

// PrimaryDeviceID is the well-known deviceId of a recipient's primary
// device. Only the primary device's "missing" verdict is cached by
// negcache, because secondary devices are self-healing via server
// device-list updates.
const PrimaryDeviceID uint32 = 1

// AccountID is the opaque key a Recipient is persisted under.
type AccountID string

// Recipient is a persisted record of one account: its Address and the set
// of deviceIds the local client currently believes it has. Device-set
// mutation only ever happens inside a store.WriteTxn.
type Recipient struct {
	AccountID AccountID
	Address   address.Address
	DeviceIDs []uint32

	// Registered is low-trust bookkeeping: set after a successful send,
	// cleared when the service reports the account gone.
	Registered bool
}

// HasDevice reports whether deviceID is currently in the recipient's known
// device set.
func (r *Recipient) HasDevice(deviceID uint32) bool {
	for _, d := range r.DeviceIDs {
		if d == deviceID {
			return true
		}
	}
	return false
}

// AddDevices returns a new device list with the given deviceIDs merged in,
// deduplicated. It does not mutate r; callers persist the result inside a
// write transaction.
func (r *Recipient) AddDevices(ids []uint32) []uint32 {
	out := append([]uint32{}, r.DeviceIDs...)
	for _, id := range ids {
		if !r.HasDevice(id) {
			out = append(out, id)
		}
	}
	return out
}

// RemoveDevices returns a new device list with the given deviceIDs removed.
func (r *Recipient) RemoveDevices(ids []uint32) []uint32 {
	remove := make(map[uint32]bool, len(ids))
	for _, id := range ids {
		remove[id] = true
	}
	out := make([]uint32, 0, len(r.DeviceIDs))
	for _, d := range r.DeviceIDs {
		if !remove[d] {
			out = append(out, d)
		}
	}
	return out
}

// ThreadKind distinguishes a 1:1 conversation from a group.
type ThreadKind int

const (
	ThreadKindContact ThreadKind = iota
	ThreadKindGroup
)

// Thread is the conversation an OutgoingMessage belongs to: either a single
// peer Address (Contact) or a group membership snapshot (Group).
type Thread struct {
	Kind ThreadKind

	// Contact thread fields.
	Peer address.Address

	// Group thread fields. FullMembers and InvitedMembers are disjoint.
	FullMembers    *address.Set
	InvitedMembers *address.Set
}

// RecipientStatus is the per-recipient delivery outcome recorded on an
// OutgoingMessage.
type RecipientStatus int

const (
	RecipientStatusPending RecipientStatus = iota
	RecipientStatusSentTo
	RecipientStatusSkipped
)

// OutgoingMessage is the application-level message being delivered. It
// carries the original recipient snapshot so the resolver can detect and
// mark addresses that fell out of the resolved set.
type OutgoingMessage struct {
	Timestamp uint64
	// ThreadID names the conversation this message belongs to, resolved
	// fresh on every PrepareSend call since the referenced thread (its
	// membership, or its existence) may have changed since the message was
	// authored.
	ThreadID                  string
	IsSyncMessage             bool
	SendingRecipientAddresses []address.Address
	// RequiresUpdateDelivery marks messages (e.g. group metadata updates)
	// that must also reach invited-but-not-yet-full members.
	RequiresUpdateDelivery bool

	statuses map[string]RecipientStatus
	sentByUD map[string]bool
}

// StatusFor returns the recorded status for addr, defaulting to Pending.
func (m *OutgoingMessage) StatusFor(addr address.Address) RecipientStatus {
	if m.statuses == nil {
		return RecipientStatusPending
	}
	return m.statuses[addr.Key()]
}

// SetStatus records addr's delivery status. Callers must only call this
// from within a store.WriteTxn; the in-memory map mirrors what the store
// persists.
func (m *OutgoingMessage) SetStatus(addr address.Address, status RecipientStatus) {
	if m.statuses == nil {
		m.statuses = make(map[string]RecipientStatus)
	}
	m.statuses[addr.Key()] = status
}

// SentTo marks addr as having successfully received the message, recording
// whether the send used unidentified delivery.
func (m *OutgoingMessage) SentTo(addr address.Address, wasSentByUD bool) {
	m.SetStatus(addr, RecipientStatusSentTo)
	if m.sentByUD == nil {
		m.sentByUD = make(map[string]bool)
	}
	m.sentByUD[addr.Key()] = wasSentByUD
}

// WasSentByUD reports whether the delivery to addr used unidentified
// delivery. Only meaningful once StatusFor(addr) is SentTo.
func (m *OutgoingMessage) WasSentByUD(addr address.Address) bool {
	return m.sentByUD[addr.Key()]
}

// UDSendingAccess carries the per-recipient sealed-sender access key and
// sender certificate material needed to attempt a UD send.
type UDSendingAccess struct {
	AccessKey         [16]byte
	SenderCertificate []byte
}

// MessageSend is one in-flight delivery attempt to one Recipient.
// RemainingAttempts strictly decreases across retries; hitting zero is
// fatal for this recipient.
type MessageSend struct {
	Message   *OutgoingMessage
	Thread    *Thread
	Recipient *Recipient
	DeviceIDs []uint32

	UDSendingAccess *UDSendingAccess

	// Sticky failover flags, mutated only by this send's serialized
	// completion handling.
	HasWebsocketSendFailed bool
	HasUDAuthFailed        bool

	RemainingAttempts int

	IsLocalAddress bool
	// LocalDeviceID is the sending device's own deviceId. It is only
	// meaningful when IsLocalAddress is true (a sync-message send to the
	// local account) and is never itself a delivery target: a device never
	// establishes a session with or sends ciphertext to itself.
	LocalDeviceID uint32
}

// CanRetry reports whether the send has attempts left.
func (s *MessageSend) CanRetry() bool {
	return s.RemainingAttempts > 0
}

// ConsumeAttempt decrements the remaining attempt counter.
func (s *MessageSend) ConsumeAttempt() {
	if s.RemainingAttempts > 0 {
		s.RemainingAttempts--
	}
}

// PreKeyBundle is a server-supplied key bundle for one (recipient, device)
// pair.
type PreKeyBundle struct {
	DeviceID       uint32
	RegistrationID uint32
	IdentityKey    []byte

	SignedPreKeyID        uint32
	SignedPreKeyPublic    []byte
	SignedPreKeySignature []byte

	// HasPreKey reports whether a one-time prekey was included; the
	// service may omit it once a recipient's one-time prekey pool is
	// exhausted.
	HasPreKey    bool
	PreKeyID     uint32
	PreKeyPublic []byte
}

// RecipientIdentity is the remote identity key last seen for an account,
// plus its outgoing trust decision.
type RecipientIdentity struct {
	AccountID       AccountID
	IdentityKey     []byte
	TrustedOutgoing bool
}

// SendInfo is the resolver's result: the thread, the resolved recipient
// set, and any sender-certificate material obtained along the way.
type SendInfo struct {
	Thread             *Thread
	Recipients         []address.Address
	SenderCertificates []byte
}

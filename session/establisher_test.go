package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/sendcore/address"
	"go.mau.fi/sendcore/errs"
	"go.mau.fi/sendcore/model"
)

type fakeStorage struct {
	mu       sync.Mutex
	sessions map[string]map[uint32]bool
	devices  map[model.AccountID][]uint32
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		sessions: make(map[string]map[uint32]bool),
		devices:  make(map[model.AccountID][]uint32),
	}
}

func (f *fakeStorage) ReadTxn(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (f *fakeStorage) WriteTxn(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (f *fakeStorage) HasSession(_ context.Context, accountID model.AccountID, deviceID uint32) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[string(accountID)][deviceID], nil
}

func (f *fakeStorage) addSession(accountID model.AccountID, deviceID uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sessions[string(accountID)] == nil {
		f.sessions[string(accountID)] = make(map[uint32]bool)
	}
	f.sessions[string(accountID)][deviceID] = true
}

func (f *fakeStorage) RemoveDevices(_ context.Context, accountID model.AccountID, deviceIDs []uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[accountID] = append(f.devices[accountID], deviceIDs...)
	return nil
}

type fakeFetcher struct {
	mu      sync.Mutex
	fetched []uint32
	errs    map[uint32]error
}

func (f *fakeFetcher) Fetch(_ context.Context, _ *model.MessageSend, deviceID uint32) (*model.PreKeyBundle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, deviceID)
	if err := f.errs[deviceID]; err != nil {
		return nil, err
	}
	return &model.PreKeyBundle{DeviceID: deviceID}, nil
}

type fakeCreator struct {
	storage *fakeStorage
	mu      sync.Mutex
	created []uint32
}

func (f *fakeCreator) CreateSession(_ context.Context, bundle *model.PreKeyBundle, accountID model.AccountID, _ address.Address, deviceID uint32) error {
	f.mu.Lock()
	f.created = append(f.created, deviceID)
	f.mu.Unlock()
	f.storage.addSession(accountID, deviceID)
	return nil
}

func newSend(deviceIDs ...uint32) *model.MessageSend {
	return &model.MessageSend{
		Message: &model.OutgoingMessage{Timestamp: 1000},
		Recipient: &model.Recipient{
			AccountID: "acct",
			Address:   address.NewWithUUID(uuid.New()),
			DeviceIDs: deviceIDs,
		},
		DeviceIDs:         append([]uint32(nil), deviceIDs...),
		RemainingAttempts: 3,
	}
}

func TestEnsureSessionsBuildsMissing(t *testing.T) {
	storage := newFakeStorage()
	storage.addSession("acct", 1)
	fetcher := &fakeFetcher{}
	creator := &fakeCreator{storage: storage}
	e := &Establisher{Storage: storage, Prekeys: fetcher, Sessions: creator}

	msgSend := newSend(1, 2, 3)
	require.NoError(t, e.EnsureSessions(context.Background(), []*model.MessageSend{msgSend}, false))

	assert.ElementsMatch(t, []uint32{2, 3}, fetcher.fetched, "device 1 already has a session")
	assert.ElementsMatch(t, []uint32{2, 3}, creator.created)

	// Post-condition: a session exists for every targeted device.
	for _, deviceID := range msgSend.DeviceIDs {
		has, err := storage.HasSession(context.Background(), "acct", deviceID)
		require.NoError(t, err)
		assert.True(t, has)
	}
}

func TestEnsureSessionsSkipsLocalSendingDevice(t *testing.T) {
	storage := newFakeStorage()
	fetcher := &fakeFetcher{}
	creator := &fakeCreator{storage: storage}
	e := &Establisher{Storage: storage, Prekeys: fetcher, Sessions: creator}

	msgSend := newSend(1, 2)
	msgSend.IsLocalAddress = true
	msgSend.LocalDeviceID = 1
	require.NoError(t, e.EnsureSessions(context.Background(), []*model.MessageSend{msgSend}, false))

	assert.Equal(t, []uint32{2}, fetcher.fetched)
}

func TestEnsureSessionsMissingDevicePruned(t *testing.T) {
	storage := newFakeStorage()
	fetcher := &fakeFetcher{errs: map[uint32]error{
		2: errs.New(errs.KindMissingDevice, nil),
	}}
	creator := &fakeCreator{storage: storage}
	e := &Establisher{Storage: storage, Prekeys: fetcher, Sessions: creator}

	msgSend := newSend(1, 2)
	err := e.EnsureSessions(context.Background(), []*model.MessageSend{msgSend}, false)
	require.Error(t, err)
	assert.Equal(t, errs.KindMissingDevice, errs.KindOf(err))

	// The device is pruned from both the persisted set and the send even
	// though the error propagated.
	assert.Equal(t, []uint32{2}, storage.devices["acct"])
	assert.Equal(t, []uint32{1}, msgSend.DeviceIDs)
	assert.Equal(t, []uint32{1}, msgSend.Recipient.DeviceIDs)
}

func TestEnsureSessionsMissingDeviceIgnored(t *testing.T) {
	storage := newFakeStorage()
	fetcher := &fakeFetcher{errs: map[uint32]error{
		2: errs.New(errs.KindMissingDevice, nil),
	}}
	creator := &fakeCreator{storage: storage}
	e := &Establisher{Storage: storage, Prekeys: fetcher, Sessions: creator}

	msgSend := newSend(1, 2)
	require.NoError(t, e.EnsureSessions(context.Background(), []*model.MessageSend{msgSend}, true))
	assert.Equal(t, []uint32{1}, msgSend.DeviceIDs)
}

func TestEnsureSessionsHardErrorWinsOverMissingDevice(t *testing.T) {
	storage := newFakeStorage()
	boom := errors.New("boom")
	fetcher := &fakeFetcher{errs: map[uint32]error{
		2: errs.New(errs.KindMissingDevice, nil),
		3: boom,
	}}
	creator := &fakeCreator{storage: storage}
	e := &Establisher{Storage: storage, Prekeys: fetcher, Sessions: creator}

	msgSend := newSend(1, 2, 3)
	err := e.EnsureSessions(context.Background(), []*model.MessageSend{msgSend}, false)
	require.ErrorIs(t, err, boom, "a hard failure must not be hidden behind the MissingDevice verdict")

	// The missing device was still pruned before the hard error surfaced.
	assert.Equal(t, []uint32{2}, storage.devices["acct"])
	assert.Equal(t, []uint32{1, 3}, msgSend.DeviceIDs)
}

func TestEnsureSessionsHardErrorNeverIgnored(t *testing.T) {
	storage := newFakeStorage()
	boom := errors.New("boom")
	fetcher := &fakeFetcher{errs: map[uint32]error{2: boom}}
	creator := &fakeCreator{storage: storage}
	e := &Establisher{Storage: storage, Prekeys: fetcher, Sessions: creator}

	msgSend := newSend(1, 2)
	err := e.EnsureSessions(context.Background(), []*model.MessageSend{msgSend}, true)
	require.ErrorIs(t, err, boom)
}

func TestEnsureSessionsUntrustedIdentityPropagates(t *testing.T) {
	storage := newFakeStorage()
	fetcher := &fakeFetcher{errs: map[uint32]error{
		1: errs.New(errs.KindUntrustedIdentity, nil),
	}}
	creator := &fakeCreator{storage: storage}
	e := &Establisher{Storage: storage, Prekeys: fetcher, Sessions: creator}

	msgSend := newSend(1)
	err := e.EnsureSessions(context.Background(), []*model.MessageSend{msgSend}, true)
	require.Error(t, err)
	assert.Equal(t, errs.KindUntrustedIdentity, errs.KindOf(err))
	assert.Equal(t, []uint32{1}, msgSend.DeviceIDs, "untrusted identity must not prune the device")
}

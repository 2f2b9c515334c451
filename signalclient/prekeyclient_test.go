package signalclient

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/sendcore/address"
	"go.mau.fi/sendcore/errs"
	"go.mau.fi/sendcore/model"
	"go.mau.fi/sendcore/negcache"
	"go.mau.fi/sendcore/transport"
)

type fakeRequestMaker struct {
	responses []*transport.Response
	errs      []error
	requests  []transport.Request
}

func (f *fakeRequestMaker) Do(_ context.Context, req transport.Request) (*transport.Response, error) {
	f.requests = append(f.requests, req)
	i := len(f.requests) - 1
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i >= len(f.responses) {
		return nil, fmt.Errorf("unexpected request #%d to %s", i, req.Path)
	}
	return f.responses[i], nil
}

func b64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func bundleJSON(deviceID uint32) []byte {
	return []byte(fmt.Sprintf(`{
		"identityKey": %q,
		"devices": [{
			"deviceId": %d,
			"registrationId": 42,
			"signedPreKey": {"keyId": 7, "publicKey": %q, "signature": %q},
			"preKey": {"keyId": 9, "publicKey": %q}
		}]
	}`, b64([]byte("identity")), deviceID, b64([]byte("signed")), b64([]byte("sig")), b64([]byte("onetime"))))
}

func newTestSend() *model.MessageSend {
	return &model.MessageSend{
		Message: &model.OutgoingMessage{Timestamp: 1000},
		Recipient: &model.Recipient{
			AccountID: "acct",
			Address:   address.NewWithUUID(uuid.New()),
			DeviceIDs: []uint32{1},
		},
		DeviceIDs:         []uint32{1},
		RemainingAttempts: 3,
	}
}

func newTestClient(rm transport.RequestMaker) (*PrekeyClient, *negcache.Cache) {
	cache := negcache.New()
	return &PrekeyClient{
		RequestMaker:   rm,
		MissingDevices: cache,
		Identities:     cache,
		IdentityStore:  &fakeIdentityStore{},
	}, cache
}

func TestFetchParsesBundle(t *testing.T) {
	rm := &fakeRequestMaker{responses: []*transport.Response{
		{StatusCode: http.StatusOK, Body: bundleJSON(1)},
	}}
	client, _ := newTestClient(rm)

	bundle, err := client.Fetch(context.Background(), newTestSend(), 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), bundle.DeviceID)
	assert.Equal(t, uint32(42), bundle.RegistrationID)
	assert.Equal(t, []byte("identity"), bundle.IdentityKey)
	assert.Equal(t, uint32(7), bundle.SignedPreKeyID)
	assert.Equal(t, []byte("signed"), bundle.SignedPreKeyPublic)
	assert.Equal(t, []byte("sig"), bundle.SignedPreKeySignature)
	assert.True(t, bundle.HasPreKey)
	assert.Equal(t, uint32(9), bundle.PreKeyID)
}

func TestFetchOmittedOneTimePreKey(t *testing.T) {
	body := []byte(fmt.Sprintf(`{
		"identityKey": %q,
		"devices": [{
			"deviceId": 1,
			"registrationId": 42,
			"signedPreKey": {"keyId": 7, "publicKey": %q, "signature": %q}
		}]
	}`, b64([]byte("identity")), b64([]byte("signed")), b64([]byte("sig"))))
	rm := &fakeRequestMaker{responses: []*transport.Response{
		{StatusCode: http.StatusOK, Body: body},
	}}
	client, _ := newTestClient(rm)

	bundle, err := client.Fetch(context.Background(), newTestSend(), 1)
	require.NoError(t, err)
	assert.False(t, bundle.HasPreKey)
}

func TestFetchWrongDeviceInPayload(t *testing.T) {
	rm := &fakeRequestMaker{responses: []*transport.Response{
		{StatusCode: http.StatusOK, Body: bundleJSON(3)},
	}}
	client, _ := newTestClient(rm)

	_, err := client.Fetch(context.Background(), newTestSend(), 1)
	require.ErrorContains(t, err, "no entry for device 1")
}

// Scenario: prekey GET for the primary device returns 404. The missing-device
// cache records it, and a second fetch within the TTL fails without any
// request hitting the wire.
func TestFetch404RecordsMissingDevice(t *testing.T) {
	rm := &fakeRequestMaker{responses: []*transport.Response{
		{StatusCode: http.StatusNotFound},
	}}
	client, _ := newTestClient(rm)
	msgSend := newTestSend()

	_, err := client.Fetch(context.Background(), msgSend, 1)
	require.Error(t, err)
	assert.Equal(t, errs.KindMissingDevice, errs.KindOf(err))
	require.Len(t, rm.requests, 1)

	_, err = client.Fetch(context.Background(), msgSend, 1)
	require.Error(t, err)
	assert.Equal(t, errs.KindMissingDevice, errs.KindOf(err))
	assert.Len(t, rm.requests, 1, "second fetch must be served from the cache")
}

func TestFetch404NonPrimaryNotCached(t *testing.T) {
	rm := &fakeRequestMaker{responses: []*transport.Response{
		{StatusCode: http.StatusNotFound},
		{StatusCode: http.StatusOK, Body: bundleJSON(2)},
	}}
	client, _ := newTestClient(rm)
	msgSend := newTestSend()

	_, err := client.Fetch(context.Background(), msgSend, 2)
	require.Error(t, err)
	assert.Equal(t, errs.KindMissingDevice, errs.KindOf(err))

	// A non-primary 404 is not cached, so the next fetch goes to the wire.
	_, err = client.Fetch(context.Background(), msgSend, 2)
	require.NoError(t, err)
	assert.Len(t, rm.requests, 2)
}

func TestFetch413RateLimit(t *testing.T) {
	rm := &fakeRequestMaker{responses: []*transport.Response{
		{
			StatusCode: http.StatusRequestEntityTooLarge,
			Headers:    http.Header{"Retry-After": []string{"30"}},
		},
	}}
	client, _ := newTestClient(rm)

	_, err := client.Fetch(context.Background(), newTestSend(), 1)
	require.Error(t, err)
	var se *errs.SendError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, errs.KindPrekeyRateLimit, se.Kind)
	assert.Equal(t, 30*time.Second, se.RetryAfter)
	assert.True(t, se.Retryable())
}

func TestFetchIdentityGate(t *testing.T) {
	rm := &fakeRequestMaker{}
	client, cache := newTestClient(rm)
	client.IdentityStore = &fakeIdentityStore{currentKey: "current"}
	msgSend := newTestSend()

	cache.RecordStaleIdentity(msgSend.Recipient.Address, []byte("current"), []byte("new"))

	_, err := client.Fetch(context.Background(), msgSend, 1)
	require.Error(t, err)
	assert.Equal(t, errs.KindUntrustedIdentity, errs.KindOf(err))
	assert.Empty(t, rm.requests, "identity gate must short-circuit before the network")
}

func TestFetchUDAuthPreference(t *testing.T) {
	rm := &fakeRequestMaker{responses: []*transport.Response{
		{StatusCode: http.StatusOK, Body: bundleJSON(1), UsedUDAuth: true},
	}}
	client, _ := newTestClient(rm)
	msgSend := newTestSend()
	msgSend.UDSendingAccess = &model.UDSendingAccess{AccessKey: [16]byte{1}}

	_, err := client.Fetch(context.Background(), msgSend, 1)
	require.NoError(t, err)
	require.Len(t, rm.requests, 1)
	assert.Equal(t, transport.AuthPreferUD, rm.requests[0].Auth)
	assert.True(t, rm.requests[0].CanFailoverUDAuth)
	assert.False(t, msgSend.HasUDAuthFailed)
}

func TestFetchUDAuthFailoverSetsFlag(t *testing.T) {
	rm := &fakeRequestMaker{responses: []*transport.Response{
		// The request maker already failed over internally: the response
		// came back from the basic-auth leg.
		{StatusCode: http.StatusOK, Body: bundleJSON(1), UsedUDAuth: false},
	}}
	client, _ := newTestClient(rm)
	msgSend := newTestSend()
	msgSend.UDSendingAccess = &model.UDSendingAccess{AccessKey: [16]byte{1}}

	_, err := client.Fetch(context.Background(), msgSend, 1)
	require.NoError(t, err)
	assert.True(t, msgSend.HasUDAuthFailed, "UD rejection must stick on the send")
}

func TestParseRetryAfterBody(t *testing.T) {
	assert.Equal(t, 15*time.Second, parseRetryAfter("", []byte(`{"retry_after": 15}`)))
	assert.Equal(t, time.Duration(0), parseRetryAfter("", []byte(`{}`)))
	assert.Equal(t, 10*time.Second, parseRetryAfter("10", nil))
}

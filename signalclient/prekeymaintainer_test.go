package signalclient

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/sendcore/transport"
)

type fakeReplenisher struct {
	payload       json.RawMessage
	signedPayload json.RawMessage
	called        bool
	gotCount      uint32
}

func (f *fakeReplenisher) ReplenishPreKeys(_ context.Context, storeCount uint32) (json.RawMessage, error) {
	f.called = true
	f.gotCount = storeCount
	return f.payload, nil
}

func (f *fakeReplenisher) ReplenishSignedPreKey(context.Context) (json.RawMessage, error) {
	return f.signedPayload, nil
}

func TestCheckAndUploadHealthyCount(t *testing.T) {
	rm := &fakeRequestMaker{responses: []*transport.Response{
		{StatusCode: http.StatusOK, Body: []byte(`{"count": 80, "pqCount": 0}`)},
	}}
	replenisher := &fakeReplenisher{}
	m := &PrekeyMaintainer{RequestMaker: rm, Replenisher: replenisher}

	require.NoError(t, m.CheckAndUpload(context.Background()))
	assert.False(t, replenisher.called, "healthy count must not regenerate prekeys")
	assert.Len(t, rm.requests, 1, "healthy count must not trigger an upload")
}

func TestCheckAndUploadLowCount(t *testing.T) {
	rm := &fakeRequestMaker{responses: []*transport.Response{
		{StatusCode: http.StatusOK, Body: []byte(`{"count": 3, "pqCount": 0}`)},
		{StatusCode: http.StatusOK},
	}}
	replenisher := &fakeReplenisher{payload: json.RawMessage(`{"preKeys": []}`)}
	m := &PrekeyMaintainer{RequestMaker: rm, Replenisher: replenisher}

	require.NoError(t, m.CheckAndUpload(context.Background()))
	assert.Equal(t, uint32(3), replenisher.gotCount)
	require.Len(t, rm.requests, 2)
	upload := rm.requests[1]
	assert.Equal(t, transport.MethodPut, upload.Method)
	assert.Equal(t, "/v2/keys", upload.Path)
	assert.JSONEq(t, `{"preKeys": []}`, string(upload.Body))
}

func TestCheckAndUploadRejectedUpload(t *testing.T) {
	rm := &fakeRequestMaker{responses: []*transport.Response{
		{StatusCode: http.StatusOK, Body: []byte(`{"count": 3, "pqCount": 0}`)},
		{StatusCode: http.StatusUnprocessableEntity},
	}}
	m := &PrekeyMaintainer{
		RequestMaker: rm,
		Replenisher:  &fakeReplenisher{payload: json.RawMessage(`{}`)},
	}

	err := m.CheckAndUpload(context.Background())
	require.ErrorContains(t, err, "rejected with status 422")
}

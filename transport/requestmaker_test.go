package transport

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoBasicAuth(t *testing.T) {
	var gotUser, gotPass string
	var gotOK bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, gotOK = r.BasicAuth()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	rm := NewRESTRequestMaker(server.URL, nil)
	resp, err := rm.Do(context.Background(), Request{
		Method:            MethodGet,
		Path:              "/v2/keys/abc/1",
		Auth:              AuthBasic,
		BasicAuthUsername: "user",
		BasicAuthPassword: "pass",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, resp.UsedUDAuth)
	require.True(t, gotOK)
	assert.Equal(t, "user", gotUser)
	assert.Equal(t, "pass", gotPass)
}

func TestDoUDAuthHeader(t *testing.T) {
	accessKey := [16]byte{1, 2, 3}
	var gotHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("Unidentified-Access-Key")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	rm := NewRESTRequestMaker(server.URL, nil)
	resp, err := rm.Do(context.Background(), Request{
		Method:      MethodGet,
		Path:        "/v2/keys/abc/1",
		Auth:        AuthPreferUD,
		UDAccessKey: &accessKey,
	})
	require.NoError(t, err)
	assert.True(t, resp.UsedUDAuth)
	assert.Equal(t, base64.StdEncoding.EncodeToString(accessKey[:]), gotHeader)
}

func TestDoUDFailoverToBasic(t *testing.T) {
	accessKey := [16]byte{1}
	var attempts int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if r.Header.Get("Unidentified-Access-Key") != "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _, ok := r.BasicAuth()
		require.True(t, ok)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	rm := NewRESTRequestMaker(server.URL, nil)
	resp, err := rm.Do(context.Background(), Request{
		Method:            MethodGet,
		Path:              "/v2/keys/abc/1",
		Auth:              AuthPreferUD,
		UDAccessKey:       &accessKey,
		CanFailoverUDAuth: true,
		BasicAuthUsername: "user",
		BasicAuthPassword: "pass",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, resp.UsedUDAuth, "failover response came from the basic-auth leg")
	assert.Equal(t, 2, attempts)
}

func TestDoUDNoFailoverWhenDisallowed(t *testing.T) {
	accessKey := [16]byte{1}
	var attempts int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	rm := NewRESTRequestMaker(server.URL, nil)
	resp, err := rm.Do(context.Background(), Request{
		Method:            MethodPut,
		Path:              "/v1/messages/abc",
		Body:              []byte(`{}`),
		Auth:              AuthPreferUD,
		UDAccessKey:       &accessKey,
		CanFailoverUDAuth: false,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.True(t, resp.UsedUDAuth, "caller decides what a UD 401 means on the submit path")
	assert.Equal(t, 1, attempts)
}

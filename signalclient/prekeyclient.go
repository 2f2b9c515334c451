// Package signalclient talks to the service's key endpoints: fetching
// prekey bundles for session establishment, building sessions from them,
// and keeping the local account's own one-time prekey pool topped up.
package signalclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"go.mau.fi/sendcore/address"
	"go.mau.fi/sendcore/errs"
	"go.mau.fi/sendcore/model"
	"go.mau.fi/sendcore/negcache"
	"go.mau.fi/sendcore/transport"
)

// MissingDeviceCache and IdentityCache are the parts of negcache.Cache that
// PrekeyClient needs: the pre-flight gates, plus recording a 404'd device.
type MissingDeviceCache interface {
	IsDeviceNotMissing(addr address.Address, deviceID uint32) bool
	RecordMissingDevice(addr address.Address, deviceID uint32)
}

type IdentityCache interface {
	IsIdentityLikelyUntrusted(ctx context.Context, accountID model.AccountID, addr address.Address, truster negcache.IdentityTruster) (bool, error)
}

// wireBundle is the JSON shape of GET /v2/keys/{address}/{deviceId}.
type wireBundle struct {
	IdentityKey []byte `json:"identityKey"`
	Devices     []struct {
		DeviceID       uint32 `json:"deviceId"`
		RegistrationID uint32 `json:"registrationId"`
		SignedPreKey   struct {
			KeyID     uint32 `json:"keyId"`
			PublicKey []byte `json:"publicKey"`
			Signature []byte `json:"signature"`
		} `json:"signedPreKey"`
		PreKey *struct {
			KeyID     uint32 `json:"keyId"`
			PublicKey []byte `json:"publicKey"`
		} `json:"preKey"`
	} `json:"devices"`
}

// PrekeyClient issues authenticated prekey-bundle fetches, gating on the
// negative caches before ever reaching the network.
type PrekeyClient struct {
	RequestMaker   transport.RequestMaker
	MissingDevices MissingDeviceCache
	Identities     IdentityCache
	IdentityStore  negcache.IdentityTruster

	BasicAuthUsername string
	BasicAuthPassword string
}

// Fetch retrieves the prekey bundle for one (recipient, device) pair.
func (c *PrekeyClient) Fetch(ctx context.Context, send *model.MessageSend, deviceID uint32) (*model.PreKeyBundle, error) {
	log := zerolog.Ctx(ctx).With().
		Str("action", "fetch prekey").
		Stringer("recipient", send.Recipient.Address).
		Uint32("device_id", deviceID).
		Logger()

	if !c.MissingDevices.IsDeviceNotMissing(send.Recipient.Address, deviceID) {
		return nil, errs.New(errs.KindMissingDevice, nil)
	}
	untrusted, err := c.Identities.IsIdentityLikelyUntrusted(ctx, send.Recipient.AccountID, send.Recipient.Address, c.IdentityStore)
	if err != nil {
		return nil, fmt.Errorf("failed to check identity trust cache: %w", err)
	}
	if untrusted {
		return nil, errs.New(errs.KindUntrustedIdentity, nil)
	}

	req := transport.Request{
		Method:            transport.MethodGet,
		Path:              fmt.Sprintf("/v2/keys/%s/%d", send.Recipient.Address.String(), deviceID),
		Auth:              transport.AuthBasic,
		CanFailoverUDAuth: true,
		BasicAuthUsername: c.BasicAuthUsername,
		BasicAuthPassword: c.BasicAuthPassword,
		PreferWebsocket:   !send.HasWebsocketSendFailed,
	}
	if send.UDSendingAccess != nil && !send.HasUDAuthFailed {
		req.Auth = transport.AuthPreferUD
		req.UDAccessKey = &send.UDSendingAccess.AccessKey
	}

	resp, err := c.RequestMaker.Do(ctx, req)
	if err != nil {
		log.Err(err).Msg("transport error fetching prekey")
		return nil, errs.New(errs.KindTransport, err)
	}
	if req.Auth == transport.AuthPreferUD && !resp.UsedUDAuth {
		send.HasUDAuthFailed = true
	}

	switch resp.StatusCode {
	case http.StatusOK:
		// fall through to parse
	case http.StatusNotFound:
		// RecordMissingDevice itself is a no-op for non-primary devices
		// (negcache.IsPrimaryDevice), so no gate is needed here.
		c.MissingDevices.RecordMissingDevice(send.Recipient.Address, deviceID)
		return nil, errs.New(errs.KindMissingDevice, nil)
	case http.StatusRequestEntityTooLarge:
		se := errs.New(errs.KindPrekeyRateLimit, nil)
		se.RetryAfter = parseRetryAfter(resp.Headers.Get("Retry-After"), resp.Body)
		return nil, se
	default:
		return nil, errs.New(errs.KindTransport, fmt.Errorf("unexpected status %d fetching prekey", resp.StatusCode))
	}

	var wb wireBundle
	if err := json.Unmarshal(resp.Body, &wb); err != nil {
		return nil, fmt.Errorf("failed to decode prekey bundle payload: %w", err)
	}
	var device *model.PreKeyBundle
	for _, d := range wb.Devices {
		if d.DeviceID != deviceID {
			continue
		}
		bundle := model.PreKeyBundle{
			DeviceID:              d.DeviceID,
			RegistrationID:        d.RegistrationID,
			IdentityKey:           wb.IdentityKey,
			SignedPreKeyID:        d.SignedPreKey.KeyID,
			SignedPreKeyPublic:    d.SignedPreKey.PublicKey,
			SignedPreKeySignature: d.SignedPreKey.Signature,
		}
		if d.PreKey != nil {
			bundle.HasPreKey = true
			bundle.PreKeyID = d.PreKey.KeyID
			bundle.PreKeyPublic = d.PreKey.PublicKey
		}
		device = &bundle
		break
	}
	if device == nil {
		return nil, fmt.Errorf("prekey bundle response had no entry for device %d", deviceID)
	}
	return device, nil
}

// parseRetryAfter extracts a backoff hint from either the Retry-After
// header or a retry_after field in the response body.
func parseRetryAfter(header string, body []byte) time.Duration {
	if header != "" {
		if secs, err := strconv.ParseUint(header, 10, 64); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	if retryAfter := gjson.GetBytes(body, "retry_after"); retryAfter.Exists() {
		return time.Duration(retryAfter.Int()) * time.Second
	}
	return 0
}

// Package send submits encrypted per-device ciphertexts to the service,
// interprets structured failures, applies device-list and session
// corrections, and retries within the send's attempt budget.
package send

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"go.mau.fi/sendcore/address"
	"go.mau.fi/sendcore/errs"
	"go.mau.fi/sendcore/model"
	"go.mau.fi/sendcore/transport"
)

// DeviceMessage is one per-device ciphertext entry in the PUT /v1/messages
// body. Content is the base64 of an opaque blob produced by the Encryptor
// collaborator; this package never looks inside it.
type DeviceMessage struct {
	Type                      int    `json:"type"`
	DestinationDeviceID       uint32 `json:"destinationDeviceId"`
	DestinationRegistrationID uint32 `json:"destinationRegistrationId"`
	Content                   string `json:"content"`
}

// submitRequest is the PUT /v1/messages/{address} body.
type submitRequest struct {
	Timestamp uint64          `json:"timestamp"`
	Online    bool            `json:"online"`
	Messages  []DeviceMessage `json:"messages"`
}

// mismatchResponse is the 409/410 response body: the server's correction to
// our view of the recipient's device list.
type mismatchResponse struct {
	Code           int      `json:"code"`
	ExtraDevices   []uint32 `json:"extraDevices"`
	MissingDevices []uint32 `json:"missingDevices"`
	StaleDevices   []uint32 `json:"staleDevices"`
}

// Storage is the persistence surface for the executor's state effects;
// every mutation below happens inside one WriteTxn per logical event.
type Storage interface {
	WriteTxn(ctx context.Context, fn func(ctx context.Context) error) error
	AddDevices(ctx context.Context, accountID model.AccountID, deviceIDs []uint32) error
	RemoveDevices(ctx context.Context, accountID model.AccountID, deviceIDs []uint32) error
	DeleteSession(ctx context.Context, accountID model.AccountID, deviceID uint32) error
	DeleteAllSessions(ctx context.Context, accountID model.AccountID) error
	SetRegistered(ctx context.Context, accountID model.AccountID, registered bool) error
	SetMessageStatus(ctx context.Context, timestamp uint64, accountID model.AccountID, status model.RecipientStatus) error
}

// DeviceManager tracks whether the local account may have linked devices:
// cleared when an empty self-send probe comes back 200, set when a 409
// reports missing devices on the local address.
type DeviceManager interface {
	SetMayHaveLinkedDevices(mayHave bool)
}

// ProfileNotifier is told about successful interactions so the profile
// subsystem can refresh sharing state.
type ProfileNotifier interface {
	NotifyInteraction(addr address.Address)
}

// Encryptor produces the opaque per-device ciphertext for one
// (send, device) pair. The executor calls it to rebuild deviceMessages
// before a retry, after 409/410 reconciliation has changed the device or
// session picture.
type Encryptor interface {
	Encrypt(ctx context.Context, send *model.MessageSend, deviceID uint32) (*DeviceMessage, error)
}

// SessionEnsurer re-establishes sessions before a retry attempt; satisfied
// by session.Establisher.
type SessionEnsurer interface {
	EnsureSessions(ctx context.Context, sends []*model.MessageSend, ignoreErrors bool) error
}

// Executor drives PerformSend.
type Executor struct {
	RequestMaker transport.RequestMaker
	Storage      Storage
	Devices      DeviceManager
	Profiles     ProfileNotifier
	Encryptor    Encryptor
	Sessions     SessionEnsurer

	BasicAuthUsername string
	BasicAuthPassword string
}

// Result is a successful PerformSend outcome.
type Result struct {
	WasSentByUD bool
}

// PerformSend submits deviceMessages for send, and on a retryable failure
// re-drives EnsureSessions, encryption, and submission until success or the
// attempt budget runs out. All success/failure state effects for one send
// run on this goroutine in order, so a single send's state transitions are
// strictly serialized.
func (e *Executor) PerformSend(ctx context.Context, send *model.MessageSend, deviceMessages []DeviceMessage) (*Result, error) {
	log := zerolog.Ctx(ctx).With().
		Str("action", "perform send").
		Stringer("recipient", send.Recipient.Address).
		Uint64("timestamp", send.Message.Timestamp).
		Logger()
	ctx = log.WithContext(ctx)

	if len(deviceMessages) == 0 && !send.IsLocalAddress {
		return nil, fmt.Errorf("no device messages for non-local send to %s", send.Recipient.Address)
	}

	var lastErr error
	for {
		result, err := e.attempt(ctx, send, deviceMessages)
		if err == nil {
			if err := e.handleSuccess(ctx, send, len(deviceMessages), result.WasSentByUD); err != nil {
				return nil, err
			}
			return result, nil
		}
		lastErr = err

		var se *errs.SendError
		if !errors.As(err, &se) || !se.Retryable() {
			return nil, err
		}
		if !send.CanRetry() {
			log.Err(lastErr).Msg("send attempts exhausted")
			return nil, fmt.Errorf("send attempts exhausted: %w", lastErr)
		}
		send.ConsumeAttempt()

		if send.IsLocalAddress && (se.Kind == errs.KindMismatchedDevices || se.Kind == errs.KindStaleDevices) {
			// The websocket connection's cached device view may be what
			// produced the 409/410; stay on REST for the rest of this send.
			send.HasWebsocketSendFailed = true
		}

		if err := e.Sessions.EnsureSessions(ctx, []*model.MessageSend{send}, true); err != nil {
			return nil, fmt.Errorf("failed to re-establish sessions before retry: %w", err)
		}
		deviceMessages, err = e.EncryptDeviceMessages(ctx, send)
		if err != nil {
			return nil, fmt.Errorf("failed to re-encrypt before retry: %w", err)
		}
		log.Debug().Int("remaining_attempts", send.RemainingAttempts).Msg("retrying send")
	}
}

// EncryptDeviceMessages produces the ciphertext list for every device in
// send.DeviceIDs, skipping the sending device itself on a local-address
// send.
func (e *Executor) EncryptDeviceMessages(ctx context.Context, send *model.MessageSend) ([]DeviceMessage, error) {
	messages := make([]DeviceMessage, 0, len(send.DeviceIDs))
	for _, deviceID := range send.DeviceIDs {
		if send.IsLocalAddress && deviceID == send.LocalDeviceID {
			continue
		}
		dm, err := e.Encryptor.Encrypt(ctx, send, deviceID)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt for device %d: %w", deviceID, err)
		}
		messages = append(messages, *dm)
	}
	return messages, nil
}

// attempt performs one submit request and maps the response onto the error
// taxonomy, running 409/410 reconciliation before returning their retryable
// errors.
func (e *Executor) attempt(ctx context.Context, send *model.MessageSend, deviceMessages []DeviceMessage) (*Result, error) {
	log := zerolog.Ctx(ctx)

	body, err := json.Marshal(submitRequest{
		Timestamp: send.Message.Timestamp,
		Messages:  deviceMessages,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode send request: %w", err)
	}

	req := transport.Request{
		Method:            transport.MethodPut,
		Path:              fmt.Sprintf("/v1/messages/%s", send.Recipient.Address),
		Body:              body,
		Auth:              transport.AuthBasic,
		CanFailoverUDAuth: false,
		BasicAuthUsername: e.BasicAuthUsername,
		BasicAuthPassword: e.BasicAuthPassword,
		PreferWebsocket:   !send.HasWebsocketSendFailed,
	}
	if send.UDSendingAccess != nil && !send.HasUDAuthFailed {
		req.Auth = transport.AuthPreferUD
		req.UDAccessKey = &send.UDSendingAccess.AccessKey
	}

	resp, err := e.RequestMaker.Do(ctx, req)
	if err != nil {
		return nil, errs.New(errs.KindTransport, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &Result{WasSentByUD: resp.UsedUDAuth}, nil
	case resp.StatusCode == http.StatusUnauthorized:
		if resp.UsedUDAuth {
			// UD auth rejected before the request was evaluated; the retry
			// path re-runs with basic auth.
			send.HasUDAuthFailed = true
			log.Debug().Msg("UD auth rejected, will retry with basic auth")
			return nil, errs.New(errs.KindTransport, fmt.Errorf("UD auth rejected"))
		}
		return nil, errs.New(errs.KindUnauthorizedDevice, nil)
	case resp.StatusCode == http.StatusNotFound:
		return nil, e.failSendForUnregisteredRecipient(ctx, send)
	case resp.StatusCode == http.StatusConflict:
		var mismatch mismatchResponse
		if err := json.Unmarshal(resp.Body, &mismatch); err != nil {
			return nil, fmt.Errorf("failed to decode 409 response body: %w", err)
		}
		if err := e.handleMismatchedDevices(ctx, send, &mismatch); err != nil {
			return nil, err
		}
		return nil, errs.New(errs.KindMismatchedDevices, nil)
	case resp.StatusCode == http.StatusGone:
		var mismatch mismatchResponse
		if err := json.Unmarshal(resp.Body, &mismatch); err != nil {
			return nil, fmt.Errorf("failed to decode 410 response body: %w", err)
		}
		if err := e.handleStaleDevices(ctx, send, &mismatch); err != nil {
			return nil, err
		}
		return nil, errs.New(errs.KindStaleDevices, nil)
	default:
		return nil, errs.New(errs.KindTransport, fmt.Errorf("unexpected status code while sending: %d", resp.StatusCode))
	}
}

// handleSuccess commits the success effects in one write transaction, then
// notifies the profile subsystem.
func (e *Executor) handleSuccess(ctx context.Context, send *model.MessageSend, numDeviceMessages int, wasSentByUD bool) error {
	if send.IsLocalAddress && numDeviceMessages == 0 {
		// An empty self-sync probe came back clean: the server would have
		// 409'd if any linked device existed.
		e.Devices.SetMayHaveLinkedDevices(false)
	}
	err := e.Storage.WriteTxn(ctx, func(ctx context.Context) error {
		send.Message.SentTo(send.Recipient.Address, wasSentByUD)
		if err := e.Storage.SetMessageStatus(ctx, send.Message.Timestamp, send.Recipient.AccountID, model.RecipientStatusSentTo); err != nil {
			return err
		}
		send.Recipient.Registered = true
		return e.Storage.SetRegistered(ctx, send.Recipient.AccountID, true)
	})
	if err != nil {
		return fmt.Errorf("failed to commit send success effects: %w", err)
	}
	e.Profiles.NotifyInteraction(send.Recipient.Address)
	return nil
}

// handleMismatchedDevices applies the 409 correction: missingDevices are
// added to and extraDevices removed from the recipient's device set, and
// every extra device's session is deleted.
func (e *Executor) handleMismatchedDevices(ctx context.Context, send *model.MessageSend, mismatch *mismatchResponse) error {
	log := zerolog.Ctx(ctx)
	log.Debug().
		Interface("missing_devices", mismatch.MissingDevices).
		Interface("extra_devices", mismatch.ExtraDevices).
		Msg("mismatched devices in 409 response")

	if len(mismatch.MissingDevices) > 0 && send.IsLocalAddress {
		e.Devices.SetMayHaveLinkedDevices(true)
	}

	accountID := send.Recipient.AccountID
	err := e.Storage.WriteTxn(ctx, func(ctx context.Context) error {
		if len(mismatch.MissingDevices) > 0 {
			if err := e.Storage.AddDevices(ctx, accountID, mismatch.MissingDevices); err != nil {
				return err
			}
		}
		if len(mismatch.ExtraDevices) > 0 {
			if err := e.Storage.RemoveDevices(ctx, accountID, mismatch.ExtraDevices); err != nil {
				return err
			}
			for _, deviceID := range mismatch.ExtraDevices {
				if err := e.Storage.DeleteSession(ctx, accountID, deviceID); err != nil {
					return err
				}
			}
		}
		corrected := model.Recipient{DeviceIDs: send.Recipient.AddDevices(mismatch.MissingDevices)}
		send.Recipient.DeviceIDs = corrected.RemoveDevices(mismatch.ExtraDevices)
		send.DeviceIDs = append([]uint32(nil), send.Recipient.DeviceIDs...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to reconcile mismatched devices for %s: %w", accountID, err)
	}
	return nil
}

// handleStaleDevices applies the 410 correction: every stale device's
// session is deleted. Device-set membership is untouched, since the device
// still exists and only its session went bad.
func (e *Executor) handleStaleDevices(ctx context.Context, send *model.MessageSend, mismatch *mismatchResponse) error {
	log := zerolog.Ctx(ctx)
	log.Debug().Interface("stale_devices", mismatch.StaleDevices).Msg("stale devices in 410 response")

	accountID := send.Recipient.AccountID
	err := e.Storage.WriteTxn(ctx, func(ctx context.Context) error {
		for _, deviceID := range mismatch.StaleDevices {
			if err := e.Storage.DeleteSession(ctx, accountID, deviceID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete stale sessions for %s: %w", accountID, err)
	}
	return nil
}

// failSendForUnregisteredRecipient handles a 404 on submit: on group
// threads the recipient is skipped and marked unregistered, and in every
// case all sessions for the account are removed, since its service-side
// device list is gone.
func (e *Executor) failSendForUnregisteredRecipient(ctx context.Context, send *model.MessageSend) error {
	isGroup := send.Thread != nil && send.Thread.Kind == model.ThreadKindGroup
	accountID := send.Recipient.AccountID

	err := e.Storage.WriteTxn(ctx, func(ctx context.Context) error {
		if !send.Message.IsSyncMessage && isGroup {
			send.Message.SetStatus(send.Recipient.Address, model.RecipientStatusSkipped)
			if err := e.Storage.SetMessageStatus(ctx, send.Message.Timestamp, accountID, model.RecipientStatusSkipped); err != nil {
				return err
			}
			if send.Recipient.Registered {
				send.Recipient.Registered = false
				if err := e.Storage.SetRegistered(ctx, accountID, false); err != nil {
					return err
				}
			}
		}
		return e.Storage.DeleteAllSessions(ctx, accountID)
	})
	if err != nil {
		return fmt.Errorf("failed to commit unregistered-recipient effects for %s: %w", accountID, err)
	}

	se := errs.New(errs.KindNoSuchRecipient, nil)
	se.Ignorable = isGroup
	return se
}

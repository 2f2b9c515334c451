package signalclient

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"go.mau.fi/sendcore/transport"
)

// prekeyBatchSize is the target pool size the maintainer tops a key type
// up to.
const prekeyBatchSize = 100

// lowWaterMark is the server-reported count below which a batch is
// considered worth regenerating.
const lowWaterMark = prekeyBatchSize / 2

// PreKeyReplenisher generates and persists a fresh batch of one-time
// prekeys, then returns the wire payload to PUT to the service. Key
// generation is account-setup material the send path never touches, so
// it's a pluggable collaborator rather than inline code here.
type PreKeyReplenisher interface {
	// ReplenishPreKeys generates enough one-time prekeys to bring the local
	// store up to prekeyBatchSize given storeCount already on hand, and
	// returns the registration payload for PUT /v2/keys.
	ReplenishPreKeys(ctx context.Context, storeCount uint32) (json.RawMessage, error)
	// ReplenishSignedPreKey rotates the signed prekey if needed and returns
	// the registration payload, or nil if no rotation is due.
	ReplenishSignedPreKey(ctx context.Context) (json.RawMessage, error)
}

type preKeyCounts struct {
	Count   int `json:"count"`
	PqCount int `json:"pqCount"`
}

// PrekeyMaintainer periodically checks the local account's own prekey
// count on the service and tops it up. It shares RequestMaker with the
// send path but never participates in a send.
type PrekeyMaintainer struct {
	RequestMaker transport.RequestMaker
	Replenisher  PreKeyReplenisher

	BasicAuthUsername string
	BasicAuthPassword string
}

// CheckAndUpload reads the server's current count, asks the replenisher to
// top up if low, and uploads the result. Returns nil without uploading if
// the count is already healthy.
func (m *PrekeyMaintainer) CheckAndUpload(ctx context.Context) error {
	log := zerolog.Ctx(ctx).With().Str("action", "check and upload prekeys").Logger()

	counts, err := m.fetchCounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch prekey counts: %w", err)
	}

	var payload json.RawMessage
	if counts.Count < lowWaterMark {
		payload, err = m.Replenisher.ReplenishPreKeys(ctx, uint32(counts.Count))
		if err != nil {
			return fmt.Errorf("failed to replenish prekeys: %w", err)
		}
	}
	signedPayload, err := m.Replenisher.ReplenishSignedPreKey(ctx)
	if err != nil {
		return fmt.Errorf("failed to replenish signed prekey: %w", err)
	}
	if payload == nil && signedPayload == nil {
		log.Debug().Int("server_count", counts.Count).Msg("prekey count is healthy, nothing to upload")
		return nil
	}

	for _, body := range []json.RawMessage{payload, signedPayload} {
		if body == nil {
			continue
		}
		resp, err := m.RequestMaker.Do(ctx, transport.Request{
			Method:            transport.MethodPut,
			Path:              "/v2/keys",
			Body:              body,
			Auth:              transport.AuthBasic,
			BasicAuthUsername: m.BasicAuthUsername,
			BasicAuthPassword: m.BasicAuthPassword,
		})
		if err != nil {
			return fmt.Errorf("failed to upload prekey batch: %w", err)
		}
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
			return fmt.Errorf("prekey upload rejected with status %d", resp.StatusCode)
		}
	}
	return nil
}

func (m *PrekeyMaintainer) fetchCounts(ctx context.Context) (preKeyCounts, error) {
	resp, err := m.RequestMaker.Do(ctx, transport.Request{
		Method:            transport.MethodGet,
		Path:              "/v2/keys",
		Auth:              transport.AuthBasic,
		BasicAuthUsername: m.BasicAuthUsername,
		BasicAuthPassword: m.BasicAuthPassword,
	})
	if err != nil {
		return preKeyCounts{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return preKeyCounts{}, fmt.Errorf("unexpected status %d fetching prekey counts", resp.StatusCode)
	}
	var counts preKeyCounts
	if err := json.Unmarshal(resp.Body, &counts); err != nil {
		return preKeyCounts{}, fmt.Errorf("failed to decode prekey counts: %w", err)
	}
	return counts, nil
}

// RunLoop checks and uploads prekeys on a jittered interval: an immediate
// first check, then a random delay within a window that widens after a
// failed check so transient service errors don't turn into a tight retry
// loop.
func (m *PrekeyMaintainer) RunLoop(ctx context.Context) {
	log := zerolog.Ctx(ctx).With().Str("action", "prekey maintainer loop").Logger()

	windowStart := 0
	windowSize := 1
	firstRun := true
	for {
		wait := time.Duration(rand.IntN(windowSize)+windowStart) * time.Minute
		if firstRun {
			wait = 0
			firstRun = false
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			if err := m.CheckAndUpload(ctx); err != nil {
				log.Err(err).Msg("prekey check failed, backing off")
				windowStart, windowSize = 5, 25
				continue
			}
			windowStart, windowSize = 60, 120
		}
	}
}

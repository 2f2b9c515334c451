// Package transport issues the core's authenticated service requests, with
// sealed-sender (UD) auth preferred over basic auth, and REST preferred
// once a send's websocket connection has been marked failed for the
// duration of that send.
//
// RequestMaker is a pluggable interface: RESTRequestMaker below is the
// net/http-backed reference implementation, and a caller that owns a live
// authenticated websocket can supply a second implementation that
// multiplexes over it.
package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"
)

// Method is the small set of HTTP methods the core's endpoints use.
type Method string

const (
	MethodGet Method = http.MethodGet
	MethodPut Method = http.MethodPut
)

// Auth selects how a Request authenticates.
type Auth int

const (
	// AuthPreferUD attempts sealed-sender auth first when the request
	// carries a UD access key, falling back to basic auth only if
	// CanFailoverUDAuth is also set.
	AuthPreferUD Auth = iota
	// AuthBasic always uses the account's basic credentials.
	AuthBasic
)

// Request is one RequestMaker call. A RequestMaker is single-use per call;
// the sticky failover flags live on the caller's model.MessageSend, not
// here.
type Request struct {
	Method Method
	Path   string
	Body   []byte

	Auth Auth
	// UDAccessKey is the 16-byte sealed-sender access key to send when Auth
	// is AuthPreferUD. Required for AuthPreferUD.
	UDAccessKey *[16]byte
	// CanFailoverUDAuth reports whether a UD-auth rejection should be
	// retried with basic auth within this one RequestMaker.Do call. Prekey
	// fetches set it; message submits leave it false so a UD failure goes
	// through the caller's retry loop instead.
	CanFailoverUDAuth bool

	// BasicAuthUsername/Password authenticate the basic-auth fallback (or
	// AuthBasic requests outright).
	BasicAuthUsername string
	BasicAuthPassword string

	// PreferWebsocket is advisory: callers that own a live websocket may
	// attempt it first and fall back to REST; RESTRequestMaker ignores it
	// since it has no websocket leg.
	PreferWebsocket bool
}

// Response is a RequestMaker result.
type Response struct {
	StatusCode int
	Body       []byte
	// Headers carries response headers a caller may need to inspect, e.g.
	// Retry-After on a 413/428.
	Headers http.Header
	// UsedUDAuth reports whether this response came back from a UD-authed
	// attempt, so the caller can set send.HasUDAuthFailed precisely on a
	// UD-auth rejection rather than on any failure.
	UsedUDAuth bool
}

// RequestMaker issues one authenticated request: sealed-sender/UD auth
// first when available, falling back to basic auth on UD-auth rejection
// when the request allows it.
type RequestMaker interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// udAuthRejectedStatus is the HTTP status the service uses to reject a UD
// access key (wrong or revoked), distinct from application-level 401 on
// basic auth.
const udAuthRejectedStatus = http.StatusUnauthorized

// RESTRequestMaker is the net/http-backed reference RequestMaker. It always
// operates over REST; PreferWebsocket is a no-op.
type RESTRequestMaker struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewRESTRequestMaker builds a RESTRequestMaker against baseURL that sends
// through client, or through http.DefaultClient when client is nil.
func NewRESTRequestMaker(baseURL string, client *http.Client) *RESTRequestMaker {
	if client == nil {
		client = http.DefaultClient
	}
	return &RESTRequestMaker{BaseURL: baseURL, HTTPClient: client}
}

func (r *RESTRequestMaker) Do(ctx context.Context, req Request) (*Response, error) {
	log := zerolog.Ctx(ctx).With().Str("action", "request maker do").Str("path", req.Path).Logger()

	useUD := req.Auth == AuthPreferUD && req.UDAccessKey != nil
	resp, err := r.send(ctx, req, useUD)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", req.Path, err)
	}
	if useUD && resp.StatusCode == udAuthRejectedStatus && req.CanFailoverUDAuth {
		log.Debug().Msg("UD auth rejected, failing over to basic auth")
		resp, err = r.send(ctx, req, false)
		if err != nil {
			return nil, fmt.Errorf("basic-auth retry to %s failed: %w", req.Path, err)
		}
	}
	return resp, nil
}

func (r *RESTRequestMaker) send(ctx context.Context, req Request, useUD bool) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, string(req.Method), r.BaseURL+req.Path, bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	if len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if useUD {
		httpReq.Header.Set("Unidentified-Access-Key", base64.StdEncoding.EncodeToString(req.UDAccessKey[:]))
	} else {
		httpReq.SetBasicAuth(req.BasicAuthUsername, req.BasicAuthPassword)
	}

	httpResp, err := r.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()
	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return &Response{
		StatusCode: httpResp.StatusCode,
		Body:       body,
		Headers:    httpResp.Header,
		UsedUDAuth: useUD,
	}, nil
}

// Package transport provides the pluggable HTTP execution layer used by the
// broker client. One Adapter implementation exists per host environment;
// business logic never branches on the environment itself.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/keyleasehq/keylease/pkg/types"
)

// Adapter exposes uniform verbs with timeout and cancellation support.
type Adapter interface {
	Get(ctx context.Context, path string, query url.Values) (*Response, error)
	Post(ctx context.Context, path string, body any) (*Response, error)
	Put(ctx context.Context, path string, body any) (*Response, error)
	Delete(ctx context.Context, path string) (*Response, error)

	// SupportsProcessEnv reports whether the host environment has a
	// process/environment model (required for env-var injection).
	SupportsProcessEnv() bool
}

// Response is the transport-level result of a single call.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports whether the status is in the 2xx range.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// AsError maps a non-2xx response to a typed error. The server's structured
// error payload is preserved when the body decodes as one.
func (r *Response) AsError(op string) error {
	if r.OK() {
		return nil
	}
	var be types.BrokerError
	if err := json.Unmarshal(r.Body, &be); err == nil && be.Message != "" {
		if be.Code == "" {
			be.Code = codeForStatus(r.StatusCode)
		}
		be.HTTPCode = r.StatusCode
		be.Retryable = r.StatusCode >= 500
		return &be
	}
	if r.StatusCode >= 500 {
		return types.ErrServer(fmt.Sprintf("%s: status %d", op, r.StatusCode), r.StatusCode)
	}
	return types.ErrClient(fmt.Sprintf("%s: status %d", op, r.StatusCode), r.StatusCode)
}

func codeForStatus(status int) string {
	if status >= 500 {
		return types.CodeServerError
	}
	return types.CodeClientError
}

// DecodeJSON maps the response to a typed error (non-2xx) or decodes its body
// into out.
func DecodeJSON(resp *Response, op string, out any) error {
	if err := resp.AsError(op); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

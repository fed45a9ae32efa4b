package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/keyleasehq/keylease/pkg/types"
)

const defaultTimeout = 15 * time.Second

// HTTPAdapter executes broker calls over net/http with a bearer credential.
type HTTPAdapter struct {
	baseURL    string
	bearer     string
	httpClient *http.Client
}

// Option customizes an HTTPAdapter.
type Option func(*HTTPAdapter)

// WithTimeout overrides the default per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *HTTPAdapter) {
		if d > 0 {
			a.httpClient.Timeout = d
		}
	}
}

// WithHTTPClient swaps the underlying client (testing, custom transports).
func WithHTTPClient(c *http.Client) Option {
	return func(a *HTTPAdapter) {
		if c != nil {
			a.httpClient = c
		}
	}
}

// NewHTTP creates an adapter for the given endpoint and bearer credential.
func NewHTTP(baseURL, bearer string, opts ...Option) *HTTPAdapter {
	a := &HTTPAdapter{
		baseURL:    strings.TrimRight(baseURL, "/"),
		bearer:     bearer,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *HTTPAdapter) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	u := a.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return a.do(ctx, http.MethodGet, u, nil)
}

func (a *HTTPAdapter) Post(ctx context.Context, path string, body any) (*Response, error) {
	return a.do(ctx, http.MethodPost, a.baseURL+path, body)
}

func (a *HTTPAdapter) Put(ctx context.Context, path string, body any) (*Response, error) {
	return a.do(ctx, http.MethodPut, a.baseURL+path, body)
}

func (a *HTTPAdapter) Delete(ctx context.Context, path string) (*Response, error) {
	return a.do(ctx, http.MethodDelete, a.baseURL+path, nil)
}

// SupportsProcessEnv is always true for the server-side HTTP adapter.
func (a *HTTPAdapter) SupportsProcessEnv() bool { return true }

func (a *HTTPAdapter) do(ctx context.Context, method, rawURL string, body any) (*Response, error) {
	op := method + " " + pathOf(rawURL)

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: marshal body: %w", op, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("%s: new request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+a.bearer)
	}
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := a.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, newTimeoutError(op, err)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(err) {
			return nil, newTimeoutError(op, err)
		}
		return nil, fmt.Errorf("%s: read response: %w", op, err)
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: respBody}, nil
}

func newTimeoutError(op string, cause error) error {
	return fmt.Errorf("%w: %v", types.ErrTransportTimeout(op), cause)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func pathOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Path
}

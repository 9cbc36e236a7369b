// Package zonesync is the client for the remote zone service. The service
// owns zone geometry and membership; this client pushes positions to it
// and returns the transitions it detects.
package zonesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/banshee-data/safezone/internal/geo"
	"github.com/banshee-data/safezone/internal/httputil"
	"github.com/banshee-data/safezone/internal/monitoring"
)

const (
	// DefaultTimeout bounds every request made by the client.
	DefaultTimeout = 10 * time.Second

	updatePath     = "/location/update"
	initializePath = "/location/zone-status/initialize"
	resetPath      = "/location/zone-status/reset"

	maxResponseBody = 1 << 20
)

// ErrNetwork matches every error returned by Client methods via errors.Is.
var ErrNetwork = errors.New("zone service unreachable")

// NetworkError describes a failed call to the zone service.
type NetworkError struct {
	Op         string
	StatusCode int // zero when no response was received
	Timeout    bool
	Err        error
}

func (e *NetworkError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "zonesync %s", e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Timeout {
		b.WriteString(": timeout")
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// TokenSource supplies the bearer credential for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Options configures a Client. Zero values take defaults.
type Options struct {
	HTTPClient httputil.HTTPClient
	Timeout    time.Duration
}

// Client talks to the zone service over HTTPS with JSON bodies.
type Client struct {
	baseURL string
	http    httputil.HTTPClient
	tokens  TokenSource
	timeout time.Duration
}

// NewClient validates baseURL and returns a client for it.
func NewClient(baseURL string, tokens TokenSource, opts Options) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid zone service URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("invalid zone service URL %q: need http(s)://host", baseURL)
	}
	if tokens == nil {
		return nil, errors.New("zonesync: nil token source")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = httputil.NewStandardClient(nil, 0)
	}
	return &Client{
		baseURL: u.String(),
		http:    opts.HTTPClient,
		tokens:  tokens,
		timeout: opts.Timeout,
	}, nil
}

// SendUpdate posts p and returns the transitions the service detected, in
// the order it reported them.
func (c *Client) SendUpdate(ctx context.Context, p geo.Position) ([]Event, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("zonesync update: %w", err)
	}

	var resp updateResponse
	if err := c.do(ctx, "update", updatePath, newUpdateRequest(p), &resp); err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(resp.Events))
	for _, ev := range resp.Events {
		if !ev.Type.Valid() {
			monitoring.Logf("zonesync: ignoring event with unknown type %q for zone %q", ev.Type, ev.Zone)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// InitializeStatus seeds the service's membership state for this user so
// the first update does not report spurious entries.
func (c *Client) InitializeStatus(ctx context.Context, p geo.Position) error {
	return c.do(ctx, "initialize", initializePath, coordinates{Latitude: p.Latitude, Longitude: p.Longitude}, nil)
}

// ResetStatus clears the service's membership state for this user.
func (c *Client) ResetStatus(ctx context.Context) error {
	return c.do(ctx, "reset", resetPath, nil, nil)
}

func (c *Client) do(ctx context.Context, op, path string, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	fail := func(status int, err error) error {
		return &NetworkError{
			Op:         op,
			StatusCode: status,
			Timeout:    errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded),
			Err:        err,
		}
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fail(0, fmt.Errorf("credential: %w", err))
	}

	req, err := httputil.NewJSONRequest(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return fail(0, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fail(0, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fail(resp.StatusCode, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail(resp.StatusCode, errors.New(errorMessage(data)))
	}
	if out == nil || len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fail(resp.StatusCode, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// errorMessage extracts {"error": "..."} from a failure body, falling back
// to a truncated copy of the raw body.
func errorMessage(data []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		return e.Error
	}
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	if s == "" {
		return "empty response"
	}
	return s
}

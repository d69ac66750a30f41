package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/edvin/vaultsync/internal/backoff"
	"github.com/edvin/vaultsync/internal/resolver"
)

// Retry strategy for individual requests. The outer sync loop has its own,
// much slower backoff; this one only smooths over short blips.
const (
	requestMaxRetries   = 5
	requestRetryInitial = 2 * time.Second
)

// TokenSource is the credential-refresh contract. The mechanics of the OAuth
// exchange live elsewhere; this layer only asks for a usable access token.
type TokenSource interface {
	// Token returns a currently valid access token.
	Token(ctx context.Context) (string, error)
	// Refresh discards any cached token and obtains a fresh one.
	Refresh(ctx context.Context) (string, error)
}

// Client wraps one upstream's network API. It classifies failures into the
// typed taxonomy, retries transient ones with backoff, flips the resolver on
// DNS trouble and refreshes credentials exactly once per expiry. Callers
// never see raw transport errors.
type Client struct {
	logger     zerolog.Logger
	clock      clock.Clock
	httpClient *http.Client
	resolver   *resolver.Resolver
	tokens     TokenSource
	baseURL    string
	clientID   string
}

// Options configures a Client.
type Options struct {
	BaseURL string
	Tokens  TokenSource
	// Resolver, when set, routes the transport's dials through the
	// failover resolver and gets toggled on DNS-classified failures.
	Resolver *resolver.Resolver
	// Timeout is the per-request socket timeout.
	Timeout time.Duration
	// HTTPClient overrides the transport, used by tests.
	HTTPClient *http.Client
}

func NewClient(logger zerolog.Logger, clk clock.Clock, opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if opts.Resolver != nil {
			transport.DialContext = opts.Resolver.DialContext
		}
		httpClient = &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		}
	}
	return &Client{
		logger:     logger.With().Str("component", "remote-client").Logger(),
		clock:      clk,
		httpClient: httpClient,
		resolver:   opts.Resolver,
		tokens:     opts.Tokens,
		baseURL:    opts.BaseURL,
		clientID:   uuid.NewString(),
	}
}

// RequestOptions carries the optional parts of a request.
type RequestOptions struct {
	Headers map[string]string
	// Body must be seekable so failed attempts can rewind and retry.
	Body io.ReadSeeker
	// JSON, when set, is marshalled as the request body.
	JSON any
	// NoAuth skips the Authorization header.
	NoAuth bool
	// RawURL treats the request URL as absolute instead of joining it to
	// the client's base URL.
	RawURL bool
}

// Request performs one API call, retrying transient failures with backoff.
// On AuthExpired the token source is asked for a fresh token and the call is
// retried immediately; a second AuthExpired surfaces to the caller. The
// response body is the caller's to close.
func (c *Client) Request(ctx context.Context, method, url string, opts *RequestOptions) (*http.Response, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}
	if !opts.RawURL {
		url = c.baseURL + url
	}

	retry := backoff.New(backoff.Options{Base: requestRetryInitial, Attempts: requestMaxRetries})
	refreshed := false
	for {
		resp, err := c.attempt(ctx, method, url, opts)
		if err == nil {
			return resp, nil
		}
		if IsAPI(err, AuthExpired) && c.tokens != nil && !refreshed {
			refreshed = true
			c.logger.Debug().Msg("access token expired, refreshing")
			if _, refreshErr := c.tokens.Refresh(ctx); refreshErr != nil {
				return nil, refreshErr
			}
			continue
		}
		if !Retryable(err) || IsTransport(err, DNSFailure) {
			// DNS failures already toggled the resolver; let the next
			// attempt (scheduled by the caller) take the new path.
			return nil, err
		}
		delay, giveUp := retry.Backoff(err)
		if giveUp != nil {
			return nil, giveUp
		}
		c.logger.Warn().Err(err).Dur("retry_in", delay).Msg("transient remote failure")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.clock.After(delay):
		}
	}
}

// RequestJSON performs Request and decodes the response body into out.
func (c *Client) RequestJSON(ctx context.Context, method, url string, opts *RequestOptions, out any) error {
	resp, err := c.Request(ctx, method, url, opts)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, url, err)
	}
	return nil
}

func (c *Client) attempt(ctx context.Context, method, url string, opts *RequestOptions) (*http.Response, error) {
	var body io.Reader
	switch {
	case opts.JSON != nil:
		payload, err := json.Marshal(opts.JSON)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(payload)
	case opts.Body != nil:
		if _, err := opts.Body.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		body = opts.Body
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Client-Identifier", c.clientID)
	if opts.JSON != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	if !opts.NoAuth && c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.classifyTransport(err)
	}
	if resp.StatusCode < 400 {
		return resp, nil
	}
	defer resp.Body.Close()
	return nil, classifyStatus(resp)
}

// classifyTransport maps connector-level failures onto the transport
// taxonomy and flips the resolver when DNS is implicated.
func (c *Client) classifyTransport(err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if c.resolver != nil {
			c.logger.Debug().Msg("DNS trouble reaching upstream, toggling nameservers for the next attempt")
			c.resolver.Toggle()
		}
		return &TransportError{Kind: DNSFailure, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransportError{Kind: Timeout, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransportError{Kind: Timeout, Err: err}
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EHOSTUNREACH) {
		return &TransportError{Kind: CannotConnect, Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &TransportError{Kind: CannotConnect, Err: err}
	}
	return &TransportError{Kind: Unexpected, Err: err}
}

// classifyStatus maps an HTTP error response onto the API taxonomy. A
// structured error body takes precedence over the status bucket. Consumes
// the response body.
func classifyStatus(resp *http.Response) error {
	if err := classifyBody(resp); err != nil {
		return err
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return &APIError{Kind: AuthExpired, Status: resp.StatusCode}
	case http.StatusForbidden, http.StatusTooManyRequests:
		return &APIError{Kind: RateLimited, Status: resp.StatusCode}
	case http.StatusRequestTimeout:
		return &TransportError{Kind: Timeout}
	case http.StatusInternalServerError, http.StatusServiceUnavailable:
		return &APIError{Kind: TransientServer, Status: resp.StatusCode}
	default:
		return &APIError{Kind: ProtocolError, Status: resp.StatusCode, Reason: "unexpected status"}
	}
}

// classifyBody inspects a structured {"error": ...} payload of the kind the
// cloud API returns alongside 403s, distinguishing quota exhaustion and
// permission problems from garden-variety rate limiting.
func classifyBody(resp *http.Response) error {
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil
	}
	var body struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(payload, &body) != nil || len(body.Error) == 0 {
		return nil
	}

	var errStr string
	if json.Unmarshal(body.Error, &errStr) == nil {
		if errStr == "expired" {
			return &APIError{Kind: AuthExpired, Status: resp.StatusCode, Reason: errStr}
		}
		return &APIError{Kind: PermissionDenied, Status: resp.StatusCode, Reason: errStr}
	}

	var errObj struct {
		Errors []struct {
			Reason string `json:"reason"`
		} `json:"errors"`
	}
	if json.Unmarshal(body.Error, &errObj) != nil {
		return nil
	}
	for _, e := range errObj.Errors {
		switch e.Reason {
		case "storageQuotaExceeded":
			return &APIError{Kind: QuotaExceeded, Status: resp.StatusCode, Reason: e.Reason}
		case "forbidden", "insufficientFilePermissions":
			return &APIError{Kind: PermissionDenied, Status: resp.StatusCode, Reason: e.Reason}
		}
	}
	return nil
}

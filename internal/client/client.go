// Package client talks to session-service over REST and the push socket.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/baechuer/psychic-connect/services/session-service/internal/domain"
	"github.com/baechuer/psychic-connect/services/session-service/internal/pkg/logger"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	ErrTimeout     = errors.New("session_service_timeout")
	ErrUnavailable = errors.New("session_service_unavailable")
)

// APIError is a non-2xx answer decoded from the error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
	Meta       map[string]string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("session-service error [%d] %s: %s", e.StatusCode, e.Code, e.Message)
}

// IsLocked reports a concurrent start/stop of the same account; retry shortly.
func (e *APIError) IsLocked() bool {
	return e.StatusCode == http.StatusLocked || strings.Contains(strings.ToLower(e.Message), "locked")
}

func (e *APIError) IsFreeUsed() bool {
	return e.Code == "free_session.used" || e.Message == "Free minute already used"
}

func (e *APIError) IsInsufficientCredits() bool {
	return e.StatusCode == http.StatusPaymentRequired
}

func (e *APIError) retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusLocked || e.StatusCode == http.StatusTooManyRequests
}

type errorEnvelope struct {
	Error struct {
		Code      string            `json:"code"`
		Message   string            `json:"message"`
		Meta      map[string]string `json:"meta"`
		RequestID string            `json:"request_id"`
	} `json:"error"`
}

func decodeError(resp *http.Response) error {
	var env errorEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err == nil && env.Error.Code != "" {
		return &APIError{
			StatusCode: resp.StatusCode,
			Code:       env.Error.Code,
			Message:    env.Error.Message,
			RequestID:  env.Error.RequestID,
			Meta:       env.Error.Meta,
		}
	}
	return &APIError{
		StatusCode: resp.StatusCode,
		Code:       "unexpected_status",
		Message:    fmt.Sprintf("unexpected status: %d", resp.StatusCode),
	}
}

type dataEnvelope[T any] struct {
	Data T `json:"data"`
}

type Wallet struct {
	UserID          uuid.UUID `json:"userId"`
	Credits         int       `json:"credits"`
	FreeSessionUsed bool      `json:"freeSessionUsed"`
}

type Plan struct {
	domain.Plan
	PerMinuteCents int `json:"price_per_minute_cents"`
}

type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Dialer     *websocket.Dialer

	// status fetches retry a fixed number of times with a fixed delay
	StatusAttempts int
	RetryDelay     time.Duration
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.HTTPClient = hc }
}

func WithRetry(attempts int, delay time.Duration) Option {
	return func(c *Client) {
		c.StatusAttempts = attempts
		c.RetryDelay = delay
	}
}

func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		BaseURL:        strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		Token:          strings.TrimSpace(token),
		HTTPClient:     &http.Client{Timeout: 5 * time.Second},
		Dialer:         websocket.DefaultDialer,
		StatusAttempts: 3,
		RetryDelay:     time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	if c.StatusAttempts < 1 {
		c.StatusAttempts = 1
	}
	return c
}

// Status fetches the pair's snapshot. Transport errors, 5xx, 423 and 429 are
// retried; other API errors are returned at once.
func (c *Client) Status(ctx context.Context, psychicID uuid.UUID) (domain.Snapshot, error) {
	var lastErr error
	for attempt := 1; attempt <= c.StatusAttempts; attempt++ {
		var snap domain.Snapshot
		err := c.do(ctx, http.MethodGet, "/api/session-status/"+psychicID.String(), "", &snap)
		if err == nil {
			return snap, nil
		}
		lastErr = err

		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.retryable() {
			return domain.Snapshot{}, err
		}
		if attempt == c.StatusAttempts {
			break
		}
		logger.WithCtx(ctx).Debug().Err(err).Int("attempt", attempt).Msg("status fetch failed; retrying")
		select {
		case <-ctx.Done():
			return domain.Snapshot{}, ctx.Err()
		case <-time.After(c.RetryDelay):
		}
	}
	return domain.Snapshot{}, lastErr
}

func (c *Client) StartFree(ctx context.Context, psychicID uuid.UUID) (domain.Snapshot, error) {
	var snap domain.Snapshot
	err := c.do(ctx, http.MethodPost, "/api/start-free-session/"+psychicID.String(), "", &snap)
	return snap, err
}

// StartPaid and Stop send idempotencyKey when non-empty so a retried click
// replays the first outcome.
func (c *Client) StartPaid(ctx context.Context, psychicID uuid.UUID, idempotencyKey string) (domain.Snapshot, error) {
	var snap domain.Snapshot
	err := c.do(ctx, http.MethodPost, "/api/start-paid-session/"+psychicID.String(), idempotencyKey, &snap)
	return snap, err
}

func (c *Client) Stop(ctx context.Context, psychicID uuid.UUID, idempotencyKey string) (domain.Snapshot, error) {
	var snap domain.Snapshot
	err := c.do(ctx, http.MethodPost, "/api/stop-session/"+psychicID.String(), idempotencyKey, &snap)
	return snap, err
}

func (c *Client) Wallet(ctx context.Context) (Wallet, error) {
	var out dataEnvelope[Wallet]
	err := c.do(ctx, http.MethodGet, "/api/wallet", "", &out)
	return out.Data, err
}

func (c *Client) Plans(ctx context.Context) ([]Plan, error) {
	var out dataEnvelope[[]Plan]
	err := c.do(ctx, http.MethodGet, "/api/plans", "", &out)
	return out.Data, err
}

// DialPush opens the push socket. The token goes in the Authorization header;
// the server also accepts ?access_token= for browsers.
func (c *Client) DialPush(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.BaseURL + "/api/ws")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	h := http.Header{}
	if c.Token != "" {
		h.Set("Authorization", "Bearer "+c.Token)
	}
	conn, resp, err := c.Dialer.DialContext(ctx, u.String(), h)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, fmt.Errorf("dial push: %w", decodeError(resp))
		}
		return nil, fmt.Errorf("dial push: %w", err)
	}
	return conn, nil
}

func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if idempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", idempotencyKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrTimeout
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

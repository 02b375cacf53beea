package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	apperrors "deskwatch/internal/infrastructure/errors"
	"deskwatch/internal/infrastructure/logging"
	"deskwatch/internal/types"
)

// Relative API paths; delivery queue items store these so redelivery
// can route them without re-deriving the call site.
const (
	EndpointLogin     = "/api/v1/login"
	EndpointHandshake = "/api/v1/handshake"
	EndpointDays      = "/api/v1/days"
	EndpointEpisodes  = "/api/v1/episodes"
)

const defaultRequestTimeout = 15 * time.Second

// Client talks to the collection server. It holds the bearer token
// from the last successful login; a 401 or 403 response clears it so
// callers know to re-authenticate.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger

	mu    sync.Mutex
	token string
}

// NewClient creates a client for the given server base URL
func NewClient(baseURL string, timeout time.Duration, logger logging.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Token returns the current bearer token, empty when unauthenticated
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// ClearToken drops the stored bearer token
func (c *Client) ClearToken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
}

// Login exchanges device credentials for a bearer token and stores it
func (c *Client) Login(ctx context.Context, req types.LoginRequest) (types.LoginResponse, error) {
	var resp types.LoginResponse

	body, err := json.Marshal(req)
	if err != nil {
		return resp, apperrors.New("Login", err, apperrors.ErrCodeMalformed)
	}

	data, err := c.do(ctx, http.MethodPost, EndpointLogin, body, false)
	if err != nil {
		return resp, err
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return resp, apperrors.New("Login", err, apperrors.ErrCodeMalformed)
	}

	c.mu.Lock()
	c.token = resp.Token
	c.mu.Unlock()

	c.logger.Info("login succeeded", "userId", resp.UserID)
	return resp, nil
}

// Handshake checks in with the server and returns the resolved policy
func (c *Client) Handshake(ctx context.Context, req types.HandshakeRequest) (types.HandshakeResponse, error) {
	var resp types.HandshakeResponse

	body, err := json.Marshal(req)
	if err != nil {
		return resp, apperrors.New("Handshake", err, apperrors.ErrCodeMalformed)
	}

	data, err := c.do(ctx, http.MethodPost, EndpointHandshake, body, true)
	if err != nil {
		return resp, err
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return resp, apperrors.New("Handshake", err, apperrors.ErrCodeMalformed)
	}
	return resp, nil
}

// UpsertDaySummary sends one day's totals to the server
func (c *Client) UpsertDaySummary(ctx context.Context, summary types.DaySummary) error {
	body, err := json.Marshal(summary)
	if err != nil {
		return apperrors.New("UpsertDaySummary", err, apperrors.ErrCodeMalformed)
	}
	_, err = c.do(ctx, http.MethodPut, EndpointDays, body, true)
	return err
}

// InsertEpisode sends one closed episode to the server
func (c *Client) InsertEpisode(ctx context.Context, episode types.Episode) error {
	body, err := json.Marshal(episode)
	if err != nil {
		return apperrors.New("InsertEpisode", err, apperrors.ErrCodeMalformed)
	}
	_, err = c.do(ctx, http.MethodPost, EndpointEpisodes, body, true)
	return err
}

// Deliver redelivers a stored queue payload to its original endpoint.
// It satisfies the retrier's Sender contract: failures are returned,
// never re-enqueued here.
func (c *Client) Deliver(ctx context.Context, endpoint string, payload []byte) error {
	method := http.MethodPost
	if endpoint == EndpointDays {
		method = http.MethodPut
	}
	_, err := c.do(ctx, method, endpoint, payload, true)
	return err
}

// do issues one request and classifies the outcome. Transport-level
// failures map to the network code, 5xx to the server-failure code
// (both retryable), 401/403 clear the token and map to unauthorized,
// and any other 4xx maps to the non-retryable validation code.
func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, authed bool) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.New("do", err, apperrors.ErrCodeMalformed)
	}
	req.Header.Set("Content-Type", "application/json")
	if authed {
		if token := c.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.NewWithContext("do", err, apperrors.ErrCodeNetwork, map[string]string{
			"endpoint": endpoint,
		})
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperrors.New("do", err, apperrors.ErrCodeNetwork)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return data, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.ClearToken()
		return nil, apperrors.NewWithContext("do",
			fmt.Errorf("server returned %d", resp.StatusCode),
			apperrors.ErrCodeUnauthorized,
			map[string]string{"endpoint": endpoint})
	case resp.StatusCode >= 500:
		return nil, apperrors.NewWithContext("do",
			fmt.Errorf("server returned %d", resp.StatusCode),
			apperrors.ErrCodeServerFailure,
			map[string]string{"endpoint": endpoint})
	default:
		// Remaining 4xx: the request itself is bad and will never
		// succeed on retry
		return nil, apperrors.NewWithContext("do",
			fmt.Errorf("server rejected request with %d", resp.StatusCode),
			apperrors.ErrCodeValidation,
			map[string]string{"endpoint": endpoint, "body": truncate(string(data), 200)})
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

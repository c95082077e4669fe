// Package rest is the HTTP client for the session backend: token
// issuance, joining, status, and teardown.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/krakonos-tatransky/chatorbit-sub001/internal/domain"
)

// ValidityPeriod is how long an issued token remains claimable.
type ValidityPeriod string

const (
	ValidityOneDay   ValidityPeriod = "1_day"
	ValidityOneWeek  ValidityPeriod = "1_week"
	ValidityOneMonth ValidityPeriod = "1_month"
	ValidityOneYear  ValidityPeriod = "1_year"
)

type CreateTokenRequest struct {
	ValidityPeriod    ValidityPeriod `json:"validity_period"`
	SessionTTLMinutes int            `json:"session_ttl_minutes"`
	MessageCharLimit  int            `json:"message_char_limit,omitempty"`
	ClientIdentity    string         `json:"client_identity,omitempty"`
}

type TokenResponse struct {
	Token             string    `json:"token"`
	ValidityExpiresAt time.Time `json:"validity_expires_at"`
	SessionTTLSeconds int       `json:"session_ttl_seconds"`
	MessageCharLimit  int       `json:"message_char_limit"`
	CreatedAt         time.Time `json:"created_at"`
}

type JoinSessionRequest struct {
	Token string `json:"token"`
	// ParticipantID reclaims an existing slot after a reconnect.
	ParticipantID  string `json:"participant_id,omitempty"`
	ClientIdentity string `json:"client_identity,omitempty"`
}

type JoinSessionResponse struct {
	Token            string      `json:"token"`
	ParticipantID    string      `json:"participant_id"`
	Role             domain.Role `json:"role"`
	SessionActive    bool        `json:"session_active"`
	SessionStartedAt *time.Time  `json:"session_started_at,omitempty"`
	SessionExpiresAt *time.Time  `json:"session_expires_at,omitempty"`
	MessageCharLimit int         `json:"message_char_limit"`
}

type SessionStatusResponse struct {
	Token             string               `json:"token"`
	Status            string               `json:"status"`
	ValidityExpiresAt time.Time            `json:"validity_expires_at"`
	SessionStartedAt  *time.Time           `json:"session_started_at"`
	SessionExpiresAt  *time.Time           `json:"session_expires_at"`
	MessageCharLimit  int                  `json:"message_char_limit"`
	Participants      []domain.Participant `json:"participants"`
	RemainingSeconds  *int                 `json:"remaining_seconds"`
}

// APIError is a non-2xx backend response. A 410 unwraps to
// domain.ErrSessionTerminal so callers can detect dead tokens with
// errors.Is.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Detail)
}

func (e *APIError) Unwrap() error {
	if e.Status == http.StatusGone {
		return domain.ErrSessionTerminal
	}
	return nil
}

// Client talks to one backend instance.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) CreateToken(ctx context.Context, req CreateTokenRequest) (TokenResponse, error) {
	var resp TokenResponse
	err := c.do(ctx, http.MethodPost, "/api/tokens", req, &resp)
	return resp, err
}

func (c *Client) JoinSession(ctx context.Context, req JoinSessionRequest) (JoinSessionResponse, error) {
	var resp JoinSessionResponse
	err := c.do(ctx, http.MethodPost, "/api/sessions/join", req, &resp)
	return resp, err
}

func (c *Client) SessionStatus(ctx context.Context, token string) (SessionStatusResponse, error) {
	var resp SessionStatusResponse
	err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(token)+"/status", nil, &resp)
	return resp, err
}

// EndSession deletes the session; the backend notifies the peer over
// the WebSocket.
func (c *Client) EndSession(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodDelete, "/api/sessions/"+url.PathEscape(token), nil, nil)
}

// HealthDatabase probes the backend's sole accepted liveness endpoint.
func (c *Client) HealthDatabase(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/health/database", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", domain.ErrTransientNetwork, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Status: resp.StatusCode, Detail: readDetail(resp.Body)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func readDetail(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return "(no body)"
	}
	var body struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Detail != "" {
			return body.Detail
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return string(raw)
}

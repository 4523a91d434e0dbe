// Package marketchat provides a Go client for the GJMarket marketplace chat.
//
// It covers the room management REST API, cursor-paginated message history,
// and a real-time WebSocket connection per chat room with optimistic local
// echo of outgoing messages.
//
// Example:
//
//	client := marketchat.NewClient(token)
//
//	rooms, _ := client.Rooms().List(ctx, client.UserID())
//
//	conn := client.Room(rooms[0].ID, nil)
//	if err := conn.Open(ctx); err != nil { ... }
//	defer conn.Close()
//
//	tl := marketchat.NewTimeline(rooms[0].ID)
//	sender := marketchat.NewSender(conn, tl, client.UserID())
//	sender.Send(ctx, "Is this still available?")
package marketchat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the entry point for all GJMarket chat APIs. It holds the session
// credential and hands out the rooms, history, and realtime sub-clients.
type Client struct {
	token      string
	userID     int
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger

	rooms   *RoomsClient
	history *HistoryLoader

	connMu     sync.Mutex
	activeConn *RoomConn
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// WithUserID overrides the user ID derived from the token claims.
func WithUserID(id int) ClientOption {
	return func(c *Client) { c.userID = id }
}

// NewClient creates a client for an existing session. token may be empty for
// a client that will only call SignIn.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   strings.TrimPrefix(token, "Bearer "),
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zerolog.New(os.Stderr).Level(zerolog.WarnLevel).With().Timestamp().Logger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.userID == 0 && c.token != "" {
		if id, err := TokenUserID(c.token); err == nil {
			c.userID = id
		}
	}

	c.rooms = &RoomsClient{client: c}
	c.history = newHistoryLoader(c)
	return c
}

// SetToken replaces the session credential, e.g. after SignIn.
func (c *Client) SetToken(token string) {
	c.token = strings.TrimPrefix(token, "Bearer ")
	if id, err := TokenUserID(c.token); err == nil {
		c.userID = id
	}
}

// UserID returns the authenticated user's ID, or 0 when unknown.
func (c *Client) UserID() int { return c.userID }

// Rooms returns the room directory sub-client.
func (c *Client) Rooms() *RoomsClient { return c.rooms }

// History returns the message history loader.
func (c *Client) History() *HistoryLoader { return c.history }

// ============================================================================
// Sign-in
// ============================================================================

// SignIn authenticates against the backend and stores the returned session
// credential on the client. The token arrives in the Authorization response
// header, the numeric user ID in the id header.
func (c *Client) SignIn(ctx context.Context, email, password string) (*Session, error) {
	form := url.Values{}
	form.Set("email", email)
	form.Set("password", password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/signin", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sign-in request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &APIError{Status: resp.StatusCode, Message: errorMessage(body, "sign-in failed")}
	}

	token := strings.TrimPrefix(resp.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		return nil, fmt.Errorf("sign-in response carried no token")
	}

	session := &Session{Token: token}
	if id, err := TokenUserID(token); err == nil {
		session.UserID = id
	} else if hdr := resp.Header.Get("id"); hdr != "" {
		fmt.Sscanf(hdr, "%d", &session.UserID)
	}

	c.token = token
	c.userID = session.UserID
	return session, nil
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Status: resp.StatusCode, Message: errorMessage(data, method+" "+path)}
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// errorMessage extracts a human-readable message from an error body,
// falling back to the given context string.
func errorMessage(body []byte, fallback string) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	if s := strings.TrimSpace(string(body)); s != "" && len(s) < 200 && !strings.HasPrefix(s, "<") {
		return s
	}
	return fallback
}

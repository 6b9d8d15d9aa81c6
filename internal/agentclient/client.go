// Package agentclient is a typed HTTP client for a single drift agent,
// the remote service that hosts browser sessions and their recordings.
//
// Every call reduces to a plain success flag: a call succeeded only when
// the transport worked, the agent answered 200 and the body decoded into
// the expected shape. Network errors, non-200 statuses and malformed
// bodies are all the same failure to callers.
package agentclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultRequestTimeout = 5 * time.Second
	defaultDestroyTimeout = 60 * time.Second

	maxBodyBytes = 512 << 20
)

type Health struct {
	Sessions int `json:"sessions"`
}

type CreatedSession struct {
	SessionID string `json:"session_id"`
	AuthToken string `json:"auth_token"`
	Endpoint  string `json:"endpoint"`
	CreatedOn int64  `json:"created_on"`
}

func (s CreatedSession) CreatedAt() time.Time {
	return time.Unix(s.CreatedOn, 0).UTC()
}

type RemoteSession struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

type Client interface {
	Health(ctx context.Context) (Health, bool)
	ListSessions(ctx context.Context) ([]RemoteSession, bool)
	CreateSession(ctx context.Context) (CreatedSession, bool)
	SessionStatus(ctx context.Context, sessionID string) (string, bool)
	IsSessionActive(ctx context.Context, sessionID string) bool
	DestroySession(ctx context.Context, sessionID string) bool
	ListVideos(ctx context.Context, sessionID string) ([]string, bool)
	DeleteVideos(ctx context.Context, sessionID string) bool
	FetchVideo(ctx context.Context, sessionID, videoID string) ([]byte, bool)
}

// Factory builds a client for one agent endpoint. The pool, the session
// manager and the video pipeline all construct clients per server record.
type Factory func(scheme, host, token string) Client

func NewHTTPClient(scheme, host, token string) *HTTPClient {
	scheme = strings.TrimSpace(strings.ToLower(scheme))
	if scheme != "https" {
		scheme = "http"
	}
	return &HTTPClient{
		httpClient:     &http.Client{},
		baseURL:        scheme + "://" + strings.TrimSuffix(strings.TrimSpace(host), "/"),
		token:          token,
		requestTimeout: defaultRequestTimeout,
		destroyTimeout: defaultDestroyTimeout,
	}
}

func DefaultFactory(scheme, host, token string) Client {
	return NewHTTPClient(scheme, host, token)
}

// NewFactory returns a Factory whose clients use the given timeouts
// instead of the package defaults.
func NewFactory(requestTimeout, destroyTimeout time.Duration) Factory {
	return func(scheme, host, token string) Client {
		client := NewHTTPClient(scheme, host, token)
		if requestTimeout > 0 {
			client.requestTimeout = requestTimeout
		}
		if destroyTimeout > 0 {
			client.destroyTimeout = destroyTimeout
		}
		return client
	}
}

type HTTPClient struct {
	httpClient     *http.Client
	baseURL        string
	token          string
	requestTimeout time.Duration
	destroyTimeout time.Duration
}

func (c *HTTPClient) Health(ctx context.Context) (Health, bool) {
	var health Health
	ok := c.getJSON(ctx, "/health", c.requestTimeout, &health)
	return health, ok
}

func (c *HTTPClient) ListSessions(ctx context.Context) ([]RemoteSession, bool) {
	var sessions []RemoteSession
	if !c.getJSON(ctx, "/sessions", c.requestTimeout, &sessions) {
		return nil, false
	}
	return sessions, true
}

func (c *HTTPClient) CreateSession(ctx context.Context) (CreatedSession, bool) {
	var created CreatedSession
	body, ok := c.do(ctx, http.MethodPost, "/sessions", c.requestTimeout)
	if !ok {
		return CreatedSession{}, false
	}
	if err := json.Unmarshal(body, &created); err != nil {
		return CreatedSession{}, false
	}
	if created.SessionID == "" {
		return CreatedSession{}, false
	}
	return created, true
}

func (c *HTTPClient) SessionStatus(ctx context.Context, sessionID string) (string, bool) {
	var payload struct {
		Status string `json:"status"`
	}
	if !c.getJSON(ctx, "/sessions/"+sessionID, c.requestTimeout, &payload) {
		return "", false
	}
	return payload.Status, true
}

func (c *HTTPClient) IsSessionActive(ctx context.Context, sessionID string) bool {
	status, ok := c.SessionStatus(ctx, sessionID)
	return ok && status == "Active"
}

func (c *HTTPClient) DestroySession(ctx context.Context, sessionID string) bool {
	_, ok := c.do(ctx, http.MethodDelete, "/sessions/"+sessionID, c.destroyTimeout)
	return ok
}

func (c *HTTPClient) ListVideos(ctx context.Context, sessionID string) ([]string, bool) {
	var videos []string
	if !c.getJSON(ctx, "/sessions/"+sessionID+"/videos", c.requestTimeout, &videos) {
		return nil, false
	}
	return videos, true
}

func (c *HTTPClient) DeleteVideos(ctx context.Context, sessionID string) bool {
	_, ok := c.do(ctx, http.MethodDelete, "/sessions/"+sessionID+"/videos", c.requestTimeout)
	return ok
}

func (c *HTTPClient) FetchVideo(ctx context.Context, sessionID, videoID string) ([]byte, bool) {
	return c.do(ctx, http.MethodGet, "/sessions/"+sessionID+"/videos/"+videoID, c.requestTimeout)
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, timeout time.Duration, out any) bool {
	body, ok := c.do(ctx, http.MethodGet, path, timeout)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		return false
	}
	return true
}

func (c *HTTPClient) do(ctx context.Context, method, path string, timeout time.Duration) ([]byte, bool) {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, false
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, false
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, false
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false
	}
	return body, true
}

// Package browser drives a remote headless browser over the Chrome
// DevTools Protocol. The websocket endpoint and bearer token come from
// the session record; the remote browser outlives this connection and is
// only torn down by destroying the session on its agent.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const (
	defaultActionTimeout = 30 * time.Second
	pollInterval         = 150 * time.Millisecond
)

type Client struct {
	conn      *websocket.Conn
	idCounter int64
	mu        sync.Mutex
}

type envelope struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *responseError  `json:"error,omitempty"`
}

type responseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func Dial(ctx context.Context, endpoint, token string) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("browser endpoint is required")
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("dial browser endpoint: %w", err)
	}
	conn.SetReadLimit(16 << 20)

	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "closing")
}

func (c *Client) Goto(ctx context.Context, targetURL string) error {
	if err := c.Call(ctx, "Page.enable", nil, nil); err != nil {
		return err
	}
	if err := c.Call(ctx, "Page.navigate", map[string]any{"url": targetURL}, nil); err != nil {
		return err
	}
	return c.waitDOMContentLoaded(ctx)
}

func (c *Client) Reload(ctx context.Context) error {
	if err := c.Call(ctx, "Page.enable", nil, nil); err != nil {
		return err
	}
	if err := c.Call(ctx, "Page.reload", nil, nil); err != nil {
		return err
	}
	return c.waitDOMContentLoaded(ctx)
}

func (c *Client) GoForward(ctx context.Context) error {
	return c.navigateHistory(ctx, +1)
}

func (c *Client) GoBack(ctx context.Context) error {
	return c.navigateHistory(ctx, -1)
}

func (c *Client) navigateHistory(ctx context.Context, delta int) error {
	if err := c.Call(ctx, "Page.enable", nil, nil); err != nil {
		return err
	}
	var history struct {
		CurrentIndex int `json:"currentIndex"`
		Entries      []struct {
			ID int `json:"id"`
		} `json:"entries"`
	}
	if err := c.Call(ctx, "Page.getNavigationHistory", nil, &history); err != nil {
		return err
	}
	target := history.CurrentIndex + delta
	if target < 0 || target >= len(history.Entries) {
		// Nothing to navigate to; matches a no-op history move.
		return nil
	}
	if err := c.Call(ctx, "Page.navigateToHistoryEntry", map[string]any{
		"entryId": history.Entries[target].ID,
	}, nil); err != nil {
		return err
	}
	return c.waitDOMContentLoaded(ctx)
}

func (c *Client) waitDOMContentLoaded(ctx context.Context) error {
	reached, err := c.WaitForLoadState(ctx, "domcontentloaded", defaultActionTimeout)
	if err != nil {
		return err
	}
	if !reached {
		return fmt.Errorf("timed out waiting for DOM content loaded")
	}
	return nil
}

// WaitForLoadState polls the document ready state. The bool result
// reports whether the state was reached before the timeout; a timeout is
// not an error.
func (c *Client) WaitForLoadState(ctx context.Context, state string, timeout time.Duration) (bool, error) {
	state = strings.TrimSpace(strings.ToLower(state))
	expression := `document.readyState === "complete"`
	if state == "domcontentloaded" {
		expression = `document.readyState === "interactive" || document.readyState === "complete"`
	}
	return c.pollUntilTrue(ctx, expression, timeout)
}

// WaitForURL polls the page URL against a pattern. A pattern with "*"
// wildcards matches the whole URL; otherwise a substring match is used.
// The bool result reports whether the URL matched before the timeout.
func (c *Client) WaitForURL(ctx context.Context, pattern string, timeout time.Duration) (bool, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return false, fmt.Errorf("url pattern is required")
	}

	var expression string
	if strings.Contains(pattern, "*") {
		regex := wildcardToRegexp(pattern)
		expression = fmt.Sprintf(`new RegExp(%q).test(String(window.location.href || ""))`, regex)
	} else {
		expression = fmt.Sprintf(`String(window.location.href || "").includes(%q)`, pattern)
	}
	return c.pollUntilTrue(ctx, expression, timeout)
}

func (c *Client) CurrentURL(ctx context.Context) (string, error) {
	value, err := c.evaluate(ctx, `String(window.location.href || "")`)
	if err != nil {
		return "", err
	}
	url, _ := value.(string)
	return url, nil
}

func (c *Client) Sleep(ctx context.Context, duration time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(duration):
		return nil
	}
}

func (c *Client) pollUntilTrue(ctx context.Context, expression string, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = defaultActionTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		value, err := c.evaluate(waitCtx, expression)
		if err != nil {
			if waitCtx.Err() != nil && ctx.Err() == nil {
				return false, nil
			}
			return false, err
		}
		if matched, ok := value.(bool); ok && matched {
			return true, nil
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, nil
		case <-time.After(pollInterval):
		}
	}
}

func (c *Client) evaluate(ctx context.Context, expression string) (any, error) {
	if err := c.Call(ctx, "Runtime.enable", nil, nil); err != nil {
		return nil, err
	}
	var response struct {
		Result struct {
			Value any `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text string `json:"text"`
		} `json:"exceptionDetails"`
	}
	if err := c.Call(ctx, "Runtime.evaluate", map[string]any{
		"expression":    expression,
		"returnByValue": true,
	}, &response); err != nil {
		return nil, err
	}
	if response.ExceptionDetails != nil {
		return nil, fmt.Errorf("script threw: %s", response.ExceptionDetails.Text)
	}
	return response.Result.Value, nil
}

func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.idCounter++
	requestID := c.idCounter

	payload := map[string]any{
		"id":     requestID,
		"method": method,
	}
	if params != nil {
		payload["params"] = params
	}

	deadline := time.Now().Add(20 * time.Second)
	if explicit, ok := ctx.Deadline(); ok {
		deadline = explicit
	}
	writeCtx, cancelWrite := context.WithDeadline(ctx, deadline)
	defer cancelWrite()
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode cdp request: %w", err)
	}
	if err := c.conn.Write(writeCtx, websocket.MessageText, raw); err != nil {
		return fmt.Errorf("write cdp request: %w", err)
	}

	for {
		readCtx, cancelRead := context.WithDeadline(ctx, deadline)
		_, message, err := c.conn.Read(readCtx)
		cancelRead()
		if err != nil {
			return fmt.Errorf("read cdp response: %w", err)
		}

		var env envelope
		if err := json.Unmarshal(message, &env); err != nil {
			continue
		}
		if env.ID != requestID {
			continue
		}
		if env.Error != nil {
			return fmt.Errorf("cdp %s failed (%d): %s", method, env.Error.Code, env.Error.Message)
		}
		if out != nil && len(env.Result) > 0 {
			if err := json.Unmarshal(env.Result, out); err != nil {
				return fmt.Errorf("decode %s response: %w", method, err)
			}
		}
		return nil
	}
}

func wildcardToRegexp(pattern string) string {
	var builder strings.Builder
	builder.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			builder.WriteString(".*")
		case '.', '+', '?', '(', ')', '[', ']', '{', '}', '^', '$', '\\', '|':
			builder.WriteRune('\\')
			builder.WriteRune(r)
		default:
			builder.WriteRune(r)
		}
	}
	builder.WriteString("$")
	return builder.String()
}

package script

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

const defaultBridgeTimeout = 30 * time.Second

// HTTPBridge delegates script execution to the application backend's
// sandbox over HTTP. It implements every script collaborator.
type HTTPBridge struct {
	httpClient *http.Client
	baseURL    string
	token      string
	timeout    time.Duration
}

func NewHTTPBridge(baseURL, token string, timeout time.Duration) *HTTPBridge {
	if timeout <= 0 {
		timeout = defaultBridgeTimeout
	}
	return &HTTPBridge{
		httpClient: &http.Client{},
		baseURL:    strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		token:      token,
		timeout:    timeout,
	}
}

func (b *HTTPBridge) Run(ctx context.Context, code string, vars map[string]any) (Result, error) {
	var result Result
	err := b.post(ctx, "/scripts/run", map[string]any{
		"script":    code,
		"variables": vars,
	}, &result)
	if err != nil {
		return Result{}, err
	}
	if result.Outcome == "" {
		result.Outcome = OutcomeSuccess
	}
	return result, nil
}

func (b *HTTPBridge) ProvisionUser(ctx context.Context, code string, vars map[string]any) (string, error) {
	var resp struct {
		User string `json:"user"`
	}
	err := b.post(ctx, "/scripts/provision-user", map[string]any{
		"script":    code,
		"variables": vars,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.User == "" {
		return "", errors.New("user script returned no user")
	}
	return resp.User, nil
}

func (b *HTTPBridge) IssueSession(ctx context.Context, user string) (string, error) {
	var resp struct {
		SID string `json:"sid"`
	}
	err := b.post(ctx, "/scripts/issue-session", map[string]any{"user": user}, &resp)
	if err != nil {
		return "", err
	}
	if resp.SID == "" {
		return "", fmt.Errorf("backend issued no session for user %s", user)
	}
	return resp.SID, nil
}

func (b *HTTPBridge) Discover(ctx context.Context, code string, vars map[string]any) ([]ResourceRef, error) {
	var resp struct {
		Documents []ResourceRef `json:"documents"`
	}
	err := b.post(ctx, "/scripts/discover", map[string]any{
		"script":    code,
		"variables": vars,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Documents, nil
}

func (b *HTTPBridge) Delete(ctx context.Context, ref ResourceRef) error {
	return b.post(ctx, "/scripts/delete-document", ref, nil)
}

func (b *HTTPBridge) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal script request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("script bridge %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("script bridge %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Disabled is the collaborator used when no script bridge is
// configured: every call fails with a clear error, keeping script
// steps unusable without breaking the rest of the control plane.
type Disabled struct {
	logger *log.Logger
}

func NewDisabled(logger *log.Logger) *Disabled {
	if logger == nil {
		logger = log.Default()
	}
	return &Disabled{logger: logger}
}

var errNoBridge = errors.New("no script bridge configured")

func (d *Disabled) Run(ctx context.Context, code string, vars map[string]any) (Result, error) {
	return Result{}, errNoBridge
}

func (d *Disabled) ProvisionUser(ctx context.Context, code string, vars map[string]any) (string, error) {
	return "", errNoBridge
}

func (d *Disabled) IssueSession(ctx context.Context, user string) (string, error) {
	return "", errNoBridge
}

func (d *Disabled) Discover(ctx context.Context, code string, vars map[string]any) ([]ResourceRef, error) {
	d.logger.Printf("script: discovery skipped, %v", errNoBridge)
	return nil, nil
}

func (d *Disabled) Delete(ctx context.Context, ref ResourceRef) error {
	return errNoBridge
}

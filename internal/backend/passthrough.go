package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"operator-broker/internal/action"
	"operator-broker/internal/config"
)

// Native forwards actions to an external browser automation service
// over HTTP. The service owns the browser; the broker only brokers
// steps to it.
type Native struct {
	baseURL string
	client  *http.Client
}

// NewNative builds the passthrough backend. When no base URL is
// configured, the service port is discovered from the environment and
// port files.
func NewNative(cfg config.NativeConfig) *Native {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		port := DiscoverPort(cfg.Service, cfg.DefaultPort)
		baseURL = fmt.Sprintf("http://127.0.0.1:%d", port)
	}
	return &Native{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: cfg.RequestTimeoutDuration()},
	}
}

func (n *Native) Name() string { return config.BackendNative }
func (n *Native) Kind() Kind   { return KindNative }

// BaseURL returns the resolved service address.
func (n *Native) BaseURL() string { return n.baseURL }

// Healthy probes the service's health endpoint.
func (n *Native) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	return body.Status == "ok" || body.Status == "active"
}

func (n *Native) post(ctx context.Context, path string, payload, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// CreateSession registers a session with the service. The service keeps
// its own browser state keyed by the session id we hand it.
func (n *Native) CreateSession(ctx context.Context, opts CreateOptions) (Handle, error) {
	if !n.Healthy(ctx) {
		return Handle{}, fmt.Errorf("%w: service at %s not responding", ErrUnavailable, n.baseURL)
	}

	id := uuid.NewString()
	payload := map[string]any{
		"sessionId": id,
	}
	if opts.StartURL != "" {
		payload["url"] = opts.StartURL
	}
	if err := n.post(ctx, "/api/create_session", payload, nil); err != nil {
		return Handle{}, err
	}
	return Handle{ID: id, URL: n.baseURL}, nil
}

// Execute forwards one step to the service and maps its reply.
func (n *Native) Execute(ctx context.Context, h Handle, a action.Action) (Result, error) {
	payload := map[string]any{
		"sessionId": h.ID,
		"task":      a.Instruction,
		"step": map[string]any{
			"tool": string(a.Tool),
			"args": a.Args,
			"text": a.Text,
		},
	}

	var reply struct {
		Success  bool   `json:"success"`
		Result   string `json:"result"`
		Output   string `json:"output"`
		Thinking string `json:"thinking"`
		URL      string `json:"url"`
		Done     bool   `json:"done"`
		Error    string `json:"error"`
	}
	if err := n.post(ctx, "/api/execute_step", payload, &reply); err != nil {
		return Result{}, err
	}
	if !reply.Success {
		msg := reply.Error
		if msg == "" {
			msg = "service reported step failure"
		}
		return Result{}, errors.New(msg)
	}

	text := reply.Result
	if text == "" {
		text = reply.Output
	}
	return Result{
		Text:       text,
		Extraction: reply.Output,
		URL:        reply.URL,
		Done:       reply.Done || a.Tool == action.Close,
	}, nil
}

// Screenshot fetches the current page image from the service.
func (n *Native) Screenshot(ctx context.Context, h Handle) ([]byte, error) {
	url := fmt.Sprintf("%s/api/screenshot?sessionId=%s", n.baseURL, h.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("service returned %d", resp.StatusCode)
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "image/") {
		return io.ReadAll(resp.Body)
	}

	var body struct {
		Screenshot string `json:"screenshot"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(body.Screenshot)
}

// Close tells the service to drop the session's browser. Failures from
// an already-gone session are swallowed.
func (n *Native) Close(ctx context.Context, h Handle) error {
	err := n.post(ctx, "/api/close_browser", map[string]any{"sessionId": h.ID}, nil)
	if errors.Is(err, ErrUnavailable) {
		return nil
	}
	return err
}

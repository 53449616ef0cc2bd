// Package upstream opens NDJSON generation streams on the AI service.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/core/domain"
	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/core/ports"
)

const (
	defaultStreamPath = "/chat/stream"

	// maxErrorBody caps how much of a failed response is read for its detail.
	maxErrorBody = 64 << 10

	contentTypeNDJSON = "application/x-ndjson"
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithStreamPath sets the path of the streaming endpoint.
func WithStreamPath(path string) ClientOption {
	return func(c *Client) {
		if path != "" {
			c.streamPath = "/" + strings.TrimPrefix(path, "/")
		}
	}
}

// WithAPIKey sets the service key sent as a bearer token.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTransportConfig builds the default traced transport from cfg.
func WithTransportConfig(cfg TransportConfig) ClientOption {
	return func(c *Client) {
		c.httpClient = &http.Client{Transport: otelhttp.NewTransport(NewTransport(cfg))}
	}
}

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client implements ports.UpstreamClient over HTTP.
type Client struct {
	baseURL    string
	streamPath string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ ports.UpstreamClient = (*Client)(nil)

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		streamPath: defaultStreamPath,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Transport: otelhttp.NewTransport(NewTransport(TransportConfig{}))}
	}
	return c
}

type streamRequest struct {
	AgentID        string             `json:"agent_id"`
	Message        string             `json:"message"`
	ConversationID string             `json:"conversation_id,omitempty"`
	Attachments    []streamAttachment `json:"attachments,omitempty"`
}

type streamAttachment struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

func newStreamRequest(req *domain.ChatRequest) *streamRequest {
	out := &streamRequest{
		AgentID:        req.AgentID,
		Message:        req.Message,
		ConversationID: req.ConversationID,
	}
	for _, att := range req.Attachments {
		out.Attachments = append(out.Attachments, streamAttachment{
			MimeType: att.MimeType,
			Data:     att.DataBase64,
		})
	}
	return out
}

// OpenStream posts the turn and returns the streaming body once the service
// answered 2xx. Failures before that point are *domain.APIError values, or
// domain.ErrClientGone when ctx was cancelled.
func (c *Client) OpenStream(ctx context.Context, req *domain.ChatRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(newStreamRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.streamPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", contentTypeNDJSON)
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.classifyTransportError(ctx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		detail := errorDetail(respBody, resp.StatusCode)
		c.logger.Warn("generation service rejected stream",
			slog.Int("status", resp.StatusCode),
			slog.String("detail", detail))
		return nil, domain.ErrUpstreamUnavailable(
			fmt.Sprintf("generation service returned %d: %s", resp.StatusCode, detail))
	}

	return resp.Body, nil
}

func (c *Client) classifyTransportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", domain.ErrClientGone, err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		c.logger.Error("generation service unreachable", slog.String("error", err.Error()))
		return domain.ErrUpstreamUnavailable("generation service unreachable").WithCause(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		c.logger.Error("generation service timed out", slog.String("error", err.Error()))
		return domain.ErrUpstreamTimeout("generation service did not respond in time").WithCause(err)
	}

	c.logger.Error("generation service request failed", slog.String("error", err.Error()))
	return domain.ErrUpstreamUnavailable("generation service unreachable").WithCause(err)
}

// errorDetail extracts a readable reason from a failed response body.
func errorDetail(body []byte, status int) string {
	body = bytes.TrimSpace(body)

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err == nil {
		for _, key := range []string{"detail", "error", "message"} {
			raw, ok := fields[key]
			if !ok {
				continue
			}
			if s := rawText(raw); s != "" {
				return s
			}
		}
	}

	if len(body) > 0 {
		return string(body)
	}
	return http.StatusText(status)
}

// rawText renders a JSON value as text: strings unquoted, objects by their
// own message or detail, anything else compacted.
func rawText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}

	var nested map[string]json.RawMessage
	if err := json.Unmarshal(raw, &nested); err == nil {
		for _, key := range []string{"message", "detail"} {
			if v, ok := nested[key]; ok {
				if s := rawText(v); s != "" {
					return s
				}
			}
		}
	}

	if string(raw) == "null" {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err == nil {
		return buf.String()
	}
	return string(raw)
}

// Package chat serves the authenticated chat-stream endpoint.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/api/middleware"
	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/core/domain"
	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/core/ports"
	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/relay"
)

// StreamPath is where the handler is mounted.
const StreamPath = "/api/chat/stream"

// DefaultMaxBodyBytes bounds the raw request body. Attachments are inline
// base64 so this sits well above the per-attachment limit.
const DefaultMaxBodyBytes = 64 << 20

// Streamer relays one validated turn. *relay.Relay implements it.
type Streamer interface {
	Run(ctx context.Context, w http.ResponseWriter, principal *domain.Principal, req *domain.ChatRequest) (relay.Result, error)
}

// Handler handles POST /api/chat/stream.
type Handler struct {
	streamer           Streamer
	admission          ports.AdmissionPolicy
	maxBodyBytes       int64
	maxAttachmentBytes int
	logger             *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithAdmission bounds concurrent streams.
func WithAdmission(p ports.AdmissionPolicy) Option {
	return func(h *Handler) { h.admission = p }
}

// WithLimits sets the body and per-attachment size limits. Non-positive
// values keep the defaults.
func WithLimits(maxBodyBytes int64, maxAttachmentBytes int) Option {
	return func(h *Handler) {
		if maxBodyBytes > 0 {
			h.maxBodyBytes = maxBodyBytes
		}
		if maxAttachmentBytes > 0 {
			h.maxAttachmentBytes = maxAttachmentBytes
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// NewHandler creates a chat-stream handler.
func NewHandler(streamer Streamer, opts ...Option) *Handler {
	h := &Handler{
		streamer:           streamer,
		maxBodyBytes:       DefaultMaxBodyBytes,
		maxAttachmentBytes: domain.DefaultMaxAttachmentBytes,
		logger:             slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleStream validates the turn, reserves a stream slot and relays the
// generation stream. Everything before the relay commits uses ordinary JSON
// error responses.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	principal := middleware.PrincipalFrom(ctx)
	if principal == nil {
		middleware.WriteError(w, domain.ErrAuthenticationRequired())
		return
	}

	req, err := h.decode(w, r)
	if err != nil {
		middleware.AddError(ctx, err)
		middleware.WriteError(w, err)
		return
	}
	middleware.AddLogField(ctx, "agent_id", req.AgentID)

	if h.admission != nil {
		release, err := h.admission.Admit(ctx)
		if err != nil {
			middleware.AddError(ctx, err)
			middleware.WriteError(w, err)
			return
		}
		defer release()
	}

	res, err := h.streamer.Run(ctx, w, principal, req)
	if err != nil {
		if errors.Is(err, domain.ErrClientGone) {
			middleware.AddLogField(ctx, "outcome", "client_gone")
			h.logger.Debug("client left before stream opened", slog.String("agent_id", req.AgentID))
			return
		}
		middleware.AddError(ctx, err)
		middleware.WriteError(w, err)
		return
	}

	middleware.AddLogField(ctx, "query_id", res.QueryID)
	middleware.AddLogField(ctx, "outcome", string(res.Status))
	middleware.AddLogField(ctx, "events", strconv.Itoa(res.Events))
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (*domain.ChatRequest, error) {
	body := http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	defer body.Close()

	var req domain.ChatRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, domain.ErrInvalidRequest("request body too large").WithCause(err)
		}
		return nil, domain.ErrInvalidRequest("request body must be a JSON object").WithCause(err)
	}
	if err := req.Validate(h.maxAttachmentBytes); err != nil {
		return nil, err
	}
	return &req, nil
}

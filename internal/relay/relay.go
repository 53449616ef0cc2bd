// Package relay pipes one chat turn from the generation service to the
// caller, applying persistence side effects as events go by.
package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/core/domain"
	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/core/ports"
	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/stream/ndjson"
	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/usage"
)

const (
	DefaultIdleTimeout    = 60 * time.Second
	DefaultPersistTimeout = 5 * time.Second

	contentTypeNDJSON = "application/x-ndjson"

	// QueryIDHeader carries the ModelQuery id on a committed stream.
	QueryIDHeader = "X-Model-Query-ID"
)

// Relay owns the lifecycle of upstream streams. One Relay serves all
// requests; per-turn state lives in a Dispatcher.
type Relay struct {
	upstream       ports.UpstreamClient
	store          Store
	publisher      ports.EventPublisher
	accountant     *usage.Accountant
	logger         *slog.Logger
	tracer         trace.Tracer
	idleTimeout    atomic.Int64
	persistTimeout time.Duration
	maxLineBytes   int
	now            func() time.Time
}

// Option configures a Relay.
type Option func(*Relay)

// WithPublisher sets where human task notifications go.
func WithPublisher(p ports.EventPublisher) Option {
	return func(r *Relay) { r.publisher = p }
}

// WithAccountant enables token and cost accounting on completed turns.
func WithAccountant(a *usage.Accountant) Option {
	return func(r *Relay) { r.accountant = a }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) { r.logger = logger }
}

func WithIdleTimeout(d time.Duration) Option {
	return func(r *Relay) { r.SetIdleTimeout(d) }
}

func WithPersistTimeout(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.persistTimeout = d
		}
	}
}

func WithMaxLineBytes(n int) Option {
	return func(r *Relay) { r.maxLineBytes = n }
}

// WithClock overrides time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

// New creates a relay.
func New(upstream ports.UpstreamClient, store Store, opts ...Option) *Relay {
	r := &Relay{
		upstream:       upstream,
		store:          store,
		logger:         slog.Default(),
		tracer:         otel.Tracer("apex/relay"),
		persistTimeout: DefaultPersistTimeout,
		maxLineBytes:   ndjson.DefaultMaxLineBytes,
		now:            time.Now,
	}
	r.idleTimeout.Store(int64(DefaultIdleTimeout))
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetIdleTimeout changes the idle timeout for streams started afterwards.
func (r *Relay) SetIdleTimeout(d time.Duration) {
	if d > 0 {
		r.idleTimeout.Store(int64(d))
	}
}

// IdleTimeout returns the current idle timeout.
func (r *Relay) IdleTimeout() time.Duration {
	return time.Duration(r.idleTimeout.Load())
}

// Result summarizes a relayed turn.
type Result struct {
	QueryID string
	Status  domain.QueryStatus
	Events  int
}

// Run opens the upstream stream for req and relays it to w. An error is
// returned only when nothing was written to w; once the 200 status is
// committed every failure is reported in-band and recorded on the query.
func (r *Relay) Run(ctx context.Context, w http.ResponseWriter, principal *domain.Principal, req *domain.ChatRequest) (Result, error) {
	ctx, span := r.tracer.Start(ctx, "relay.stream",
		trace.WithAttributes(attribute.String("agent.id", req.AgentID)))
	defer span.End()

	scope, cancel := context.WithCancel(ctx)
	defer cancel()

	body, err := r.upstream.OpenStream(scope, req)
	if err != nil {
		if !errors.Is(err, domain.ErrClientGone) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "upstream open failed")
		}
		return Result{}, err
	}
	closeBody := sync.OnceFunc(func() { body.Close() })
	defer closeBody()

	queryID := uuid.NewString()
	span.SetAttributes(attribute.String("query.id", queryID))
	r.createQuery(ctx, principal, req, queryID)

	h := w.Header()
	h.Set("Content-Type", contentTypeNDJSON)
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	h.Set(QueryIDHeader, queryID)
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	if err := flush(rc); err != nil {
		r.logger.Debug("client gone before first event", slog.String("query_id", queryID))
	}

	d := r.newDispatcher(ctx, principal, req, queryID)
	p := &pipe{
		relay:     r,
		w:         w,
		rc:        rc,
		body:      body,
		closeBody: closeBody,
		cancel:    cancel,
		dispatch:  d,
	}
	res := p.run(ctx, scope)
	res.QueryID = queryID

	span.SetAttributes(
		attribute.Int("relay.events", res.Events),
		attribute.String("relay.outcome", string(res.Status)))
	if res.Status == domain.QueryStatusFailed || res.Status == domain.QueryStatusIncomplete {
		span.SetStatus(codes.Error, string(res.Status))
	}
	return res, nil
}

func (r *Relay) createQuery(ctx context.Context, principal *domain.Principal, req *domain.ChatRequest, id string) {
	now := r.now().UTC()
	q := &domain.ModelQuery{
		ID:             id,
		AgentID:        req.AgentID,
		ConversationID: req.ConversationID,
		Message:        req.Message,
		Status:         domain.QueryStatusStreaming,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if principal != nil {
		q.UserID = principal.UserID
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.persistTimeout)
	defer cancel()
	if err := r.store.CreateModelQuery(pctx, q); err != nil {
		r.logger.Warn("failed to create model query",
			slog.String("query_id", id),
			slog.String("error", err.Error()))
	}
}

// pipe is the running state of one relayed stream.
type pipe struct {
	relay     *Relay
	w         io.Writer
	rc        *http.ResponseController
	body      io.Reader
	closeBody func()
	cancel    context.CancelFunc
	dispatch  *Dispatcher
}

func (p *pipe) run(ctx, scope context.Context) Result {
	logger := p.relay.logger

	// Closing the body unblocks a Read that ignores context cancellation.
	stop := context.AfterFunc(scope, p.closeBody)
	defer stop()

	idle := newIdleReader(p.body, p.relay.IdleTimeout(), p.cancel)

	// A single reader goroutine hands lines over an unbuffered channel, so
	// nothing is read from upstream until the previous line was written.
	lines := make(chan []byte)
	g, gctx := errgroup.WithContext(scope)
	g.Go(func() error {
		defer close(lines)
		reader := ndjson.NewReader(idle, p.relay.maxLineBytes)
		for {
			line, err := reader.Next()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
			select {
			case lines <- line:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	var (
		events   int
		step     = StepContinue
		writeErr error
	)
	for line := range lines {
		ev, ok := domain.ParseEvent(line)
		if !ok {
			logger.Debug("dropping undecodable upstream line", slog.Int("bytes", len(line)))
			continue
		}
		events++

		step = p.dispatch.Dispatch(ev)
		if writeErr = p.writeLine(ev.Raw); writeErr != nil {
			break
		}
		if step != StepContinue {
			p.dispatch.Commit()
			break
		}
	}

	// Stop the reader and release the upstream connection.
	p.cancel()
	p.closeBody()
	readErr := g.Wait()

	res := Result{Events: events}
	d := p.dispatch

	switch {
	case writeErr == nil && step != StepContinue:
		// Committed after the terminal line was written.

	case writeErr != nil || ctx.Err() != nil:
		d.End(domain.QueryStatusCancelled, "", "client disconnected")
		logger.Debug("client disconnected during stream",
			slog.String("query_id", d.queryID),
			slog.Int("events", events))

	case idle.Fired():
		detail := "no data from generation service for " + idle.timeout.String()
		p.writeError(domain.ErrorCodeUpstreamTimeout, detail)
		d.End(domain.QueryStatusFailed, domain.ErrorCodeUpstreamTimeout, detail)
		logger.Error("upstream stream idle timeout", slog.String("query_id", d.queryID))

	case readErr != nil:
		detail := "generation service stream failed"
		if errors.Is(readErr, ndjson.ErrLineTooLong) {
			detail = "generation service sent an oversized line"
		}
		p.writeError(domain.ErrorCodeUpstreamStreamError, detail)
		d.End(domain.QueryStatusFailed, domain.ErrorCodeUpstreamStreamError, readErr.Error())
		logger.Error("upstream stream read failed",
			slog.String("query_id", d.queryID),
			slog.String("error", readErr.Error()))

	case d.AwaitingHuman():
		d.End(domain.QueryStatusAwaitingHuman, "", "")

	default:
		detail := "generation service closed the stream before a final event"
		p.writeError(domain.ErrorCodeUpstreamIncomplete, detail)
		d.End(domain.QueryStatusIncomplete, domain.ErrorCodeUpstreamIncomplete, detail)
		logger.Warn("upstream stream ended without final event", slog.String("query_id", d.queryID))
	}

	res.Status = d.Status()
	return res
}

func (p *pipe) writeLine(raw []byte) error {
	buf := make([]byte, 0, len(raw)+1)
	buf = append(buf, raw...)
	buf = append(buf, '\n')
	if _, err := p.w.Write(buf); err != nil {
		return err
	}
	return flush(p.rc)
}

func (p *pipe) writeError(code domain.ErrorCode, detail string) {
	if err := p.writeLine(domain.MarshalErrorLine(code, detail)); err != nil {
		p.relay.logger.Debug("could not deliver in-band error",
			slog.String("code", string(code)),
			slog.String("error", err.Error()))
	}
}

func flush(rc *http.ResponseController) error {
	if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

// idleReader fails a stream that stays silent for too long. The timer only
// runs while a Read is blocked; time spent writing to a slow client does not
// count.
type idleReader struct {
	r       io.Reader
	timeout time.Duration
	onIdle  func()
	fired   atomic.Bool
}

func newIdleReader(r io.Reader, timeout time.Duration, onIdle func()) *idleReader {
	return &idleReader{r: r, timeout: timeout, onIdle: onIdle}
}

func (ir *idleReader) Read(p []byte) (int, error) {
	t := time.AfterFunc(ir.timeout, func() {
		ir.fired.Store(true)
		ir.onIdle()
	})
	n, err := ir.r.Read(p)
	t.Stop()
	return n, err
}

// Fired reports whether the idle timeout ended the stream.
func (ir *idleReader) Fired() bool {
	return ir.fired.Load()
}

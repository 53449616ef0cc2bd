package relay

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/adapters/events/direct"
	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/core/domain"
	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/core/ports"
	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/usage"
)

// Store is the persistence a relay writes to.
type Store interface {
	ports.QueryStore
	ports.HumanTaskStore
}

// Step tells the relay what to do after an event was dispatched.
type Step int

const (
	// StepContinue keeps reading.
	StepContinue Step = iota
	// StepCompleted ends the stream. Commit once the Final line is written.
	StepCompleted
	// StepFailed ends the stream. Commit once the error line is written.
	StepFailed
)

// Dispatcher applies the side effects of one turn's events. It is owned by a
// single relay goroutine and is not safe for concurrent use.
type Dispatcher struct {
	store          Store
	publisher      ports.EventPublisher
	accountant     *usage.Accountant
	logger         *slog.Logger
	persistTimeout time.Duration
	now            func() time.Time

	// parent supplies values for persistence contexts; its cancellation is
	// ignored so a departed client cannot abort a write.
	parent    context.Context
	principal *domain.Principal
	req       *domain.ChatRequest
	queryID   string

	response     strings.Builder
	accumulating bool
	method       string
	model        string
	taskOpened   bool
	pending      *domain.QueryOutcome
	finalized    bool
	status       domain.QueryStatus
}

func (r *Relay) newDispatcher(ctx context.Context, principal *domain.Principal, req *domain.ChatRequest, queryID string) *Dispatcher {
	return &Dispatcher{
		store:          r.store,
		publisher:      r.publisher,
		accountant:     r.accountant,
		logger:         r.logger.With(slog.String("query_id", queryID)),
		persistTimeout: r.persistTimeout,
		now:            r.now,
		parent:         ctx,
		principal:      principal,
		req:            req,
		queryID:        queryID,
		accumulating:   true,
		status:         domain.QueryStatusStreaming,
	}
}

// Dispatch applies ev's side effects. Callers forward ev.Raw afterwards. A
// terminal event only stages its outcome; see Commit.
func (d *Dispatcher) Dispatch(ev domain.Event) Step {
	switch ev.Kind {
	case domain.KindRouterDecision:
		if m := ev.RouterDecision.Method(); m != "" {
			d.method = m
		}
		if ev.RouterDecision.Model != "" {
			d.model = ev.RouterDecision.Model
		}
		return StepContinue

	case domain.KindTextDelta:
		if d.accumulating {
			d.response.WriteString(ev.Text)
		}
		return StepContinue

	case domain.KindHumanTask:
		d.openHumanTask(ev.HumanTask)
		return StepContinue

	case domain.KindFinal:
		d.complete(ev.Final)
		return StepCompleted

	case domain.KindError:
		d.stage(domain.QueryOutcome{
			Status:       domain.QueryStatusFailed,
			ErrorCode:    ev.Error.Code,
			ErrorMessage: ev.Error.Detail,
		})
		return StepFailed

	default:
		// Side actions and unknown shapes are forwarded untouched.
		return StepContinue
	}
}

// Commit persists the outcome staged by a Final or error event. The relay
// calls it after the terminal line reached the client, so a failed write
// leaves the turn to End instead.
func (d *Dispatcher) Commit() {
	if d.pending == nil {
		return
	}
	outcome := *d.pending
	d.pending = nil
	d.finalize(outcome)
}

// AwaitingHuman reports whether this turn opened a human task.
func (d *Dispatcher) AwaitingHuman() bool {
	return d.taskOpened
}

// Status is the last status applied to the turn.
func (d *Dispatcher) Status() domain.QueryStatus {
	return d.status
}

// Response is the text accumulated so far.
func (d *Dispatcher) Response() string {
	return d.response.String()
}

// End finalizes a turn that stopped without a Final or error event. Partial
// text is only kept for a turn paused on a human task.
func (d *Dispatcher) End(status domain.QueryStatus, code domain.ErrorCode, detail string) {
	outcome := domain.QueryOutcome{
		Status:       status,
		Method:       d.method,
		Model:        d.model,
		ErrorCode:    string(code),
		ErrorMessage: detail,
	}
	if status == domain.QueryStatusAwaitingHuman {
		outcome.Response = d.response.String()
	}
	d.pending = nil
	d.finalize(outcome)
}

func (d *Dispatcher) complete(final *domain.Final) {
	if final.Text != "" {
		d.response.WriteString(final.Text)
	}
	d.accumulating = false

	method, model := d.method, d.model
	if final.Method != "" {
		method = final.Method
	}
	if final.Model != "" {
		model = final.Model
	}

	outcome := domain.QueryOutcome{
		Status:   domain.QueryStatusCompleted,
		Response: d.response.String(),
		Method:   method,
		Model:    model,
	}
	if final.Metrics != nil {
		outcome.Metrics = final.Metrics.Raw
	}
	if d.accountant != nil {
		tally := d.accountant.Account(d.req.Message, outcome.Response, final.Metrics)
		outcome.TotalTokens = tally.TotalTokens
		outcome.TokensEstimated = tally.Estimated
		outcome.Cost = tally.Cost
	}
	d.stage(outcome)
}

func (d *Dispatcher) stage(outcome domain.QueryOutcome) {
	if d.finalized || d.pending != nil {
		return
	}
	d.pending = &outcome
}

// openHumanTask records at most one task per turn, always against the
// gateway's query id. An upstream model_query_id is only logged.
func (d *Dispatcher) openHumanTask(ht *domain.HumanTaskInterrupt) {
	if d.taskOpened {
		d.logger.Debug("duplicate human task ignored", slog.String("upstream_query_id", ht.ModelQueryID))
		return
	}
	d.taskOpened = true

	id := ht.ID
	if id == "" {
		id = uuid.NewString()
	}
	task := &domain.HumanTask{
		ID:           id,
		ModelQueryID: d.queryID,
		Reason:       ht.Reason,
		Message:      ht.Message,
		Status:       domain.HumanTaskPending,
		CreatedAt:    d.now().UTC(),
	}

	ctx, cancel := d.persistContext()
	defer cancel()

	created, err := d.store.CreateHumanTaskIfAbsent(ctx, task)
	if err != nil {
		d.logger.Warn("failed to create human task",
			slog.String("human_task_id", task.ID),
			slog.String("error", err.Error()))
		return
	}
	if !created {
		return
	}
	d.logger.Info("human task opened",
		slog.String("human_task_id", task.ID),
		slog.String("upstream_query_id", ht.ModelQueryID))

	if d.publisher == nil || d.principal == nil {
		return
	}
	if err := d.publisher.Publish(ctx, direct.HumanTaskNotification(d.principal.UserID, task)); err != nil {
		d.logger.Warn("failed to publish human task notification",
			slog.String("human_task_id", task.ID),
			slog.String("error", err.Error()))
	}
}

// finalize applies the terminal outcome once. Later calls are ignored.
func (d *Dispatcher) finalize(outcome domain.QueryOutcome) {
	if d.finalized {
		return
	}
	d.finalized = true
	d.status = outcome.Status

	ctx, cancel := d.persistContext()
	defer cancel()

	applied, err := d.store.FinalizeModelQuery(ctx, d.queryID, outcome)
	if err != nil {
		d.logger.Warn("failed to finalize model query",
			slog.String("status", string(outcome.Status)),
			slog.String("error", err.Error()))
		return
	}
	if !applied {
		d.logger.Warn("model query already terminal", slog.String("status", string(outcome.Status)))
	}
}

func (d *Dispatcher) persistContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(d.parent), d.persistTimeout)
}

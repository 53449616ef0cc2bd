// Package storetest holds behaviour tests shared by every StorageProvider.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/core/domain"
	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/core/ports"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) ports.StorageProvider

// Run exercises the full StorageProvider contract against newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Sessions", func(t *testing.T) { testSessions(t, newStore(t)) })
	t.Run("APITokens", func(t *testing.T) { testAPITokens(t, newStore(t)) })
	t.Run("ModelQueryLifecycle", func(t *testing.T) { testModelQueryLifecycle(t, newStore(t)) })
	t.Run("HumanTaskIdempotence", func(t *testing.T) { testHumanTaskIdempotence(t, newStore(t)) })
	t.Run("Notifications", func(t *testing.T) { testNotifications(t, newStore(t)) })
}

func testSessions(t *testing.T, s ports.StorageProvider) {
	ctx := context.Background()
	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	if err := s.CreateSession(ctx, &domain.Session{Token: "sess-1", UserID: "user-1", ExpiresAt: expires}); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	got, err := s.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.UserID != "user-1" {
		t.Errorf("UserID = %q, want user-1", got.UserID)
	}
	if !got.ExpiresAt.Equal(expires) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, expires)
	}

	if _, err := s.GetSession(ctx, "missing"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("GetSession(missing) error = %v, want ErrNotFound", err)
	}
}

func testAPITokens(t *testing.T, s ports.StorageProvider) {
	ctx := context.Background()
	token := &domain.APIToken{
		ID:        uuid.NewString(),
		UserID:    "user-1",
		Name:      "ci",
		TokenHash: "abc123",
	}
	if err := s.CreateAPIToken(ctx, token); err != nil {
		t.Fatalf("CreateAPIToken() error = %v", err)
	}

	got, err := s.GetAPITokenByHash(ctx, "abc123")
	if err != nil {
		t.Fatalf("GetAPITokenByHash() error = %v", err)
	}
	if got.ID != token.ID || got.UserID != "user-1" || got.Name != "ci" {
		t.Errorf("token = %+v", got)
	}
	if got.ExpiresAt != nil || got.LastUsedAt != nil || got.DeletedAt != nil {
		t.Errorf("expected nil optional timestamps, got %+v", got)
	}

	used := time.Now().UTC().Truncate(time.Second)
	if err := s.TouchAPIToken(ctx, token.ID, used); err != nil {
		t.Fatalf("TouchAPIToken() error = %v", err)
	}
	got, _ = s.GetAPITokenByHash(ctx, "abc123")
	if got.LastUsedAt == nil || !got.LastUsedAt.Equal(used) {
		t.Errorf("LastUsedAt = %v, want %v", got.LastUsedAt, used)
	}

	if err := s.RevokeAPIToken(ctx, token.ID, time.Now()); err != nil {
		t.Fatalf("RevokeAPIToken() error = %v", err)
	}
	got, err = s.GetAPITokenByHash(ctx, "abc123")
	if err != nil {
		t.Fatalf("GetAPITokenByHash() after revoke error = %v", err)
	}
	if got.DeletedAt == nil || got.Valid(time.Now()) {
		t.Errorf("revoked token still valid: %+v", got)
	}
	if err := s.RevokeAPIToken(ctx, token.ID, time.Now()); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("second RevokeAPIToken() error = %v, want ErrNotFound", err)
	}

	if _, err := s.GetAPITokenByHash(ctx, "nope"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("GetAPITokenByHash(missing) error = %v, want ErrNotFound", err)
	}
}

func testModelQueryLifecycle(t *testing.T, s ports.StorageProvider) {
	ctx := context.Background()
	q := &domain.ModelQuery{
		ID:      uuid.NewString(),
		UserID:  "user-1",
		AgentID: uuid.NewString(),
		Message: "hello?",
		Status:  domain.QueryStatusStreaming,
	}
	if err := s.CreateModelQuery(ctx, q); err != nil {
		t.Fatalf("CreateModelQuery() error = %v", err)
	}

	got, err := s.GetModelQuery(ctx, q.ID)
	if err != nil {
		t.Fatalf("GetModelQuery() error = %v", err)
	}
	if got.Status != domain.QueryStatusStreaming || got.Message != "hello?" {
		t.Errorf("query = %+v", got)
	}

	outcome := domain.QueryOutcome{
		Status:      domain.QueryStatusCompleted,
		Response:    "Hello",
		Method:      "rag",
		Model:       "flash",
		Metrics:     json.RawMessage(`{"total_tokens":42}`),
		TotalTokens: 42,
		Cost:        decimal.RequireFromString("0.084"),
	}
	updated, err := s.FinalizeModelQuery(ctx, q.ID, outcome)
	if err != nil || !updated {
		t.Fatalf("FinalizeModelQuery() = %v, %v; want true, nil", updated, err)
	}

	got, _ = s.GetModelQuery(ctx, q.ID)
	if got.Status != domain.QueryStatusCompleted || got.Response != "Hello" || got.TotalTokens != 42 {
		t.Errorf("finalized query = %+v", got)
	}
	if got.Method != "rag" || got.Model != "flash" {
		t.Errorf("method/model = %q/%q", got.Method, got.Model)
	}
	if !got.Cost.Equal(outcome.Cost) {
		t.Errorf("Cost = %s, want %s", got.Cost, outcome.Cost)
	}
	var metrics map[string]int
	if err := json.Unmarshal(got.Metrics, &metrics); err != nil || metrics["total_tokens"] != 42 {
		t.Errorf("Metrics = %s", got.Metrics)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	updated, err = s.FinalizeModelQuery(ctx, q.ID, domain.QueryOutcome{Status: domain.QueryStatusFailed, ErrorCode: "late"})
	if err != nil {
		t.Fatalf("second FinalizeModelQuery() error = %v", err)
	}
	if updated {
		t.Error("terminal query was updated again")
	}
	got, _ = s.GetModelQuery(ctx, q.ID)
	if got.Status != domain.QueryStatusCompleted || got.ErrorCode != "" {
		t.Errorf("terminal query changed: %+v", got)
	}

	if _, err := s.GetModelQuery(ctx, "missing"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("GetModelQuery(missing) error = %v, want ErrNotFound", err)
	}
}

func testHumanTaskIdempotence(t *testing.T, s ports.StorageProvider) {
	ctx := context.Background()
	task := &domain.HumanTask{ID: "t1", ModelQueryID: "q1", Reason: "needs approval", Status: domain.HumanTaskResolved}

	created, err := s.CreateHumanTaskIfAbsent(ctx, task)
	if err != nil || !created {
		t.Fatalf("CreateHumanTaskIfAbsent() = %v, %v; want true, nil", created, err)
	}

	dup := &domain.HumanTask{ID: "t1-dup", ModelQueryID: "q1", Reason: "again"}
	created, err = s.CreateHumanTaskIfAbsent(ctx, dup)
	if err != nil || created {
		t.Fatalf("duplicate CreateHumanTaskIfAbsent() = %v, %v; want false, nil", created, err)
	}

	reused := &domain.HumanTask{ID: "t1", ModelQueryID: "q2", Reason: "reused id"}
	created, err = s.CreateHumanTaskIfAbsent(ctx, reused)
	if err != nil || created {
		t.Fatalf("reused id CreateHumanTaskIfAbsent() = %v, %v; want false, nil", created, err)
	}
	if _, err := s.GetHumanTaskByQuery(ctx, "q2"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("GetHumanTaskByQuery(q2) error = %v, want ErrNotFound", err)
	}

	got, err := s.GetHumanTaskByQuery(ctx, "q1")
	if err != nil {
		t.Fatalf("GetHumanTaskByQuery() error = %v", err)
	}
	if got.ID != "t1" || got.Reason != "needs approval" {
		t.Errorf("task = %+v", got)
	}
	if got.Status != domain.HumanTaskPending {
		t.Errorf("Status = %q, want PENDING", got.Status)
	}

	if err := s.ResolveHumanTask(ctx, "t1", time.Now()); err != nil {
		t.Fatalf("ResolveHumanTask() error = %v", err)
	}
	if err := s.ResolveHumanTask(ctx, "t1", time.Now()); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("second ResolveHumanTask() error = %v, want ErrNotFound", err)
	}
	got, _ = s.GetHumanTaskByQuery(ctx, "q1")
	if got.Status != domain.HumanTaskResolved || got.ResolvedAt == nil {
		t.Errorf("resolved task = %+v", got)
	}
}

func testNotifications(t *testing.T, s ports.StorageProvider) {
	ctx := context.Background()
	for _, uid := range []string{"user-1", "user-2", "user-1"} {
		n := &domain.Notification{
			ID:     uuid.NewString(),
			UserID: uid,
			Kind:   domain.NotificationHumanTask,
			Title:  "Approval needed",
			RefID:  "t1",
		}
		if err := s.CreateNotification(ctx, n); err != nil {
			t.Fatalf("CreateNotification() error = %v", err)
		}
	}

	list, err := s.ListNotifications(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListNotifications() error = %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	if list[0].Kind != domain.NotificationHumanTask || list[0].RefID != "t1" {
		t.Errorf("notification = %+v", list[0])
	}
}

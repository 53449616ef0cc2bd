// Package memory provides an in-process StorageProvider for tests and
// single-node development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/core/domain"
	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/core/ports"
)

// Store is an in-memory implementation of ports.StorageProvider.
type Store struct {
	mu            sync.RWMutex
	sessions      map[string]*domain.Session
	tokens        map[string]*domain.APIToken // id -> token
	tokensByHash  map[string]string           // hash -> id
	queries       map[string]*domain.ModelQuery
	tasks         map[string]*domain.HumanTask // id -> task
	tasksByQuery  map[string]string            // model query id -> task id
	notifications []*domain.Notification
}

var _ ports.StorageProvider = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		sessions:     make(map[string]*domain.Session),
		tokens:       make(map[string]*domain.APIToken),
		tokensByHash: make(map[string]string),
		queries:      make(map[string]*domain.ModelQuery),
		tasks:        make(map[string]*domain.HumanTask),
		tasksByQuery: make(map[string]string),
	}
}

func (s *Store) CreateSession(ctx context.Context, session *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.Token]; exists {
		return fmt.Errorf("session already exists")
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	cp := *session
	s.sessions[session.Token] = &cp
	return nil
}

func (s *Store) GetSession(ctx context.Context, token string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[token]
	if !ok {
		return nil, ports.ErrNotFound
	}
	cp := *session
	return &cp, nil
}

func (s *Store) CreateAPIToken(ctx context.Context, token *domain.APIToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokens[token.ID]; exists {
		return fmt.Errorf("api token %s already exists", token.ID)
	}
	if _, exists := s.tokensByHash[token.TokenHash]; exists {
		return fmt.Errorf("api token hash already exists")
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now()
	}
	cp := *token
	s.tokens[token.ID] = &cp
	s.tokensByHash[token.TokenHash] = token.ID
	return nil
}

func (s *Store) GetAPITokenByHash(ctx context.Context, hash string) (*domain.APIToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.tokensByHash[hash]
	if !ok {
		return nil, ports.ErrNotFound
	}
	cp := *s.tokens[id]
	return &cp, nil
}

func (s *Store) TouchAPIToken(ctx context.Context, id string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[id]
	if !ok {
		return ports.ErrNotFound
	}
	t := usedAt
	token.LastUsedAt = &t
	return nil
}

func (s *Store) RevokeAPIToken(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[id]
	if !ok || token.DeletedAt != nil {
		return ports.ErrNotFound
	}
	t := at
	token.DeletedAt = &t
	return nil
}

func (s *Store) CreateModelQuery(ctx context.Context, q *domain.ModelQuery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.queries[q.ID]; exists {
		return fmt.Errorf("model query %s already exists", q.ID)
	}
	now := time.Now()
	if q.CreatedAt.IsZero() {
		q.CreatedAt = now
	}
	q.UpdatedAt = q.CreatedAt
	if q.Status == "" {
		q.Status = domain.QueryStatusStreaming
	}
	cp := *q
	s.queries[q.ID] = &cp
	return nil
}

func (s *Store) FinalizeModelQuery(ctx context.Context, id string, outcome domain.QueryOutcome) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queries[id]
	if !ok {
		return false, ports.ErrNotFound
	}
	if q.Status.Terminal() {
		return false, nil
	}

	now := time.Now()
	q.Status = outcome.Status
	q.Response = outcome.Response
	q.Method = outcome.Method
	q.Model = outcome.Model
	q.Metrics = outcome.Metrics
	q.TotalTokens = outcome.TotalTokens
	q.TokensEstimated = outcome.TokensEstimated
	q.Cost = outcome.Cost
	q.ErrorCode = outcome.ErrorCode
	q.ErrorMessage = outcome.ErrorMessage
	q.UpdatedAt = now
	q.CompletedAt = &now
	return true, nil
}

func (s *Store) GetModelQuery(ctx context.Context, id string) (*domain.ModelQuery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.queries[id]
	if !ok {
		return nil, ports.ErrNotFound
	}
	cp := *q
	return &cp, nil
}

// ListModelQueries returns every stored query, oldest first.
func (s *Store) ListModelQueries() []*domain.ModelQuery {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.ModelQuery, 0, len(s.queries))
	for _, q := range s.queries {
		cp := *q
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) CreateHumanTaskIfAbsent(ctx context.Context, task *domain.HumanTask) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasksByQuery[task.ModelQueryID]; exists {
		return false, nil
	}
	if _, exists := s.tasks[task.ID]; exists {
		return false, nil
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	task.Status = domain.HumanTaskPending
	cp := *task
	s.tasks[task.ID] = &cp
	s.tasksByQuery[task.ModelQueryID] = task.ID
	return true, nil
}

func (s *Store) GetHumanTaskByQuery(ctx context.Context, modelQueryID string) (*domain.HumanTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.tasksByQuery[modelQueryID]
	if !ok {
		return nil, ports.ErrNotFound
	}
	cp := *s.tasks[id]
	return &cp, nil
}

// HumanTaskCount returns the number of stored tasks.
func (s *Store) HumanTaskCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

func (s *Store) ResolveHumanTask(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok || task.Status != domain.HumanTaskPending {
		return ports.ErrNotFound
	}
	t := at
	task.Status = domain.HumanTaskResolved
	task.ResolvedAt = &t
	return nil
}

func (s *Store) CreateNotification(ctx context.Context, n *domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	cp := *n
	s.notifications = append(s.notifications, &cp)
	return nil
}

func (s *Store) ListNotifications(ctx context.Context, userID string) ([]*domain.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Notification
	for _, n := range s.notifications {
		if n.UserID == userID {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) Close() error {
	return nil
}

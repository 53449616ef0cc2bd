// Package direct provides a direct notification publisher that writes to storage.
package direct

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/core/domain"
	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/core/ports"
)

// Publisher implements ports.EventPublisher by writing directly to storage.
// This is the default implementation for single-instance deployments.
type Publisher struct {
	store ports.NotificationStore
}

var _ ports.EventPublisher = (*Publisher)(nil)

// NewPublisher creates a new direct event publisher.
func NewPublisher(store ports.NotificationStore) (*Publisher, error) {
	if store == nil {
		return nil, fmt.Errorf("notification store required")
	}

	return &Publisher{
		store: store,
	}, nil
}

// Publish stores the notification, assigning an id and timestamp when unset.
func (p *Publisher) Publish(ctx context.Context, n *domain.Notification) error {
	if n.UserID == "" {
		return fmt.Errorf("notification has no recipient")
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	if err := p.store.CreateNotification(ctx, n); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// HumanTaskNotification builds the notification sent when a turn is paused
// for approval.
func HumanTaskNotification(userID string, task *domain.HumanTask) *domain.Notification {
	body := task.Reason
	if task.Message != "" {
		body = task.Message
	}
	return &domain.Notification{
		UserID: userID,
		Kind:   domain.NotificationHumanTask,
		Title:  "Approval required",
		Body:   body,
		RefID:  task.ID,
	}
}

// Close is a no-op for direct publisher.
func (p *Publisher) Close() error {
	return nil
}

package admission

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/core/domain"
)

func TestPolicy_Unlimited(t *testing.T) {
	p := NewPolicy(0)
	for i := 0; i < 100; i++ {
		if _, err := p.Admit(context.Background()); err != nil {
			t.Fatalf("Admit() #%d error = %v", i, err)
		}
	}
}

func TestPolicy_Limit(t *testing.T) {
	p := NewPolicy(2)
	ctx := context.Background()

	r1, err := p.Admit(ctx)
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	r2, err := p.Admit(ctx)
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}

	_, err = p.Admit(ctx)
	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Admit() over limit error = %v, want *APIError", err)
	}
	if apiErr.HTTPStatusCode() != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", apiErr.HTTPStatusCode())
	}

	r1()
	r1() // double release must not free a second slot
	r3, err := p.Admit(ctx)
	if err != nil {
		t.Fatalf("Admit() after release error = %v", err)
	}
	if _, err := p.Admit(ctx); err == nil {
		t.Error("double release freed an extra slot")
	}
	r2()
	r3()
}

func TestPolicy_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewPolicy(1).Admit(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Admit() error = %v, want context.Canceled", err)
	}
}

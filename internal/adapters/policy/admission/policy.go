// Package admission bounds the number of chat streams relayed at once.
package admission

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/core/domain"
	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/core/ports"
)

// Policy implements ports.AdmissionPolicy with a weighted semaphore.
// A zero limit admits everything.
type Policy struct {
	sem *semaphore.Weighted
}

var _ ports.AdmissionPolicy = (*Policy)(nil)

// NewPolicy creates a policy allowing at most limit concurrent streams.
func NewPolicy(limit int) *Policy {
	p := &Policy{}
	if limit > 0 {
		p.sem = semaphore.NewWeighted(int64(limit))
	}
	return p
}

// Admit reserves a slot or fails with an overloaded error. It never waits.
func (p *Policy) Admit(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.sem == nil {
		return func() {}, nil
	}
	if !p.sem.TryAcquire(1) {
		return nil, domain.ErrOverloaded("too many concurrent streams")
	}

	var once sync.Once
	return func() {
		once.Do(func() { p.sem.Release(1) })
	}, nil
}

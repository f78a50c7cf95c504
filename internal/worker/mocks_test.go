package worker_test

import (
	"context"

	"majordomo.app/conductor/internal/idempotency"
	"majordomo.app/conductor/internal/model"
	"majordomo.app/conductor/internal/run"
)

// mockStore wraps a real in-memory store and lets individual specs inject
// failures per method. A nil fn delegates to the wrapped store.
type mockStore struct {
	inner run.Store

	createIfAbsentFn    func(ctx context.Context, r *model.Run) (bool, error)
	transitionFn        func(ctx context.Context, req run.TransitionRequest) (*model.Run, bool, error)
	incrementAttemptsFn func(ctx context.Context, runID string) error
}

func (m *mockStore) CreateIfAbsent(ctx context.Context, r *model.Run) (bool, error) {
	if m.createIfAbsentFn != nil {
		return m.createIfAbsentFn(ctx, r)
	}
	return m.inner.CreateIfAbsent(ctx, r)
}

func (m *mockStore) Get(ctx context.Context, runID string) (*model.Run, error) {
	return m.inner.Get(ctx, runID)
}

func (m *mockStore) Transition(ctx context.Context, req run.TransitionRequest) (*model.Run, bool, error) {
	if m.transitionFn != nil {
		return m.transitionFn(ctx, req)
	}
	return m.inner.Transition(ctx, req)
}

func (m *mockStore) IncrementAttempts(ctx context.Context, runID string) error {
	if m.incrementAttemptsFn != nil {
		return m.incrementAttemptsFn(ctx, runID)
	}
	return m.inner.IncrementAttempts(ctx, runID)
}

func (m *mockStore) List(ctx context.Context, filter run.ListFilter) ([]model.Run, error) {
	return m.inner.List(ctx, filter)
}

func (m *mockStore) Transitions(ctx context.Context, runID string) ([]model.RunTransition, error) {
	return m.inner.Transitions(ctx, runID)
}

// mockGuard lets specs simulate an unavailable idempotency guard.
type mockGuard struct {
	inner idempotency.Guard

	checkAndMarkFn func(ctx context.Context, key string) (bool, error)
	forgetFn       func(ctx context.Context, key string) error
}

func (m *mockGuard) CheckAndMark(ctx context.Context, key string) (bool, error) {
	if m.checkAndMarkFn != nil {
		return m.checkAndMarkFn(ctx, key)
	}
	return m.inner.CheckAndMark(ctx, key)
}

func (m *mockGuard) Forget(ctx context.Context, key string) error {
	if m.forgetFn != nil {
		return m.forgetFn(ctx, key)
	}
	return m.inner.Forget(ctx, key)
}

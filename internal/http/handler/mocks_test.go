package handler_test

import (
	"context"

	"majordomo.app/conductor/internal/model"
	"majordomo.app/conductor/internal/run"
)

type mockRunStore struct {
	createIfAbsentFn    func(ctx context.Context, r *model.Run) (bool, error)
	getFn               func(ctx context.Context, runID string) (*model.Run, error)
	transitionFn        func(ctx context.Context, req run.TransitionRequest) (*model.Run, bool, error)
	incrementAttemptsFn func(ctx context.Context, runID string) error
	listFn              func(ctx context.Context, filter run.ListFilter) ([]model.Run, error)
	transitionsFn       func(ctx context.Context, runID string) ([]model.RunTransition, error)
}

func (m *mockRunStore) CreateIfAbsent(ctx context.Context, r *model.Run) (bool, error) {
	if m.createIfAbsentFn != nil {
		return m.createIfAbsentFn(ctx, r)
	}
	return false, nil
}

func (m *mockRunStore) Get(ctx context.Context, runID string) (*model.Run, error) {
	if m.getFn != nil {
		return m.getFn(ctx, runID)
	}
	return nil, run.ErrNotFound
}

func (m *mockRunStore) Transition(ctx context.Context, req run.TransitionRequest) (*model.Run, bool, error) {
	if m.transitionFn != nil {
		return m.transitionFn(ctx, req)
	}
	return nil, false, nil
}

func (m *mockRunStore) IncrementAttempts(ctx context.Context, runID string) error {
	if m.incrementAttemptsFn != nil {
		return m.incrementAttemptsFn(ctx, runID)
	}
	return nil
}

func (m *mockRunStore) List(ctx context.Context, filter run.ListFilter) ([]model.Run, error) {
	if m.listFn != nil {
		return m.listFn(ctx, filter)
	}
	return nil, nil
}

func (m *mockRunStore) Transitions(ctx context.Context, runID string) ([]model.RunTransition, error) {
	if m.transitionsFn != nil {
		return m.transitionsFn(ctx, runID)
	}
	return nil, nil
}

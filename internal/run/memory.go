package run

import (
	"context"
	"sort"
	"sync"
	"time"

	"majordomo.app/conductor/common/id"
	"majordomo.app/conductor/internal/model"
)

// MemoryStore is an in-process Store for tests and local development. It
// applies the same conditional-write semantics as the database-backed store.
type MemoryStore struct {
	mu          sync.Mutex
	runs        map[string]*model.Run
	byIdemKey   map[string]string
	transitions []model.RunTransition
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:      make(map[string]*model.Run),
		byIdemKey: make(map[string]string),
	}
}

func (s *MemoryStore) CreateIfAbsent(ctx context.Context, r *model.Run) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[r.RunID]; exists {
		return false, nil
	}
	if _, exists := s.byIdemKey[r.IdempotencyKey]; exists {
		return false, nil
	}

	copied := *r
	s.runs[r.RunID] = &copied
	s.byIdemKey[r.IdempotencyKey] = r.RunID
	return true, nil
}

func (s *MemoryStore) Get(ctx context.Context, runID string) (*model.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *r
	return &copied, nil
}

func (s *MemoryStore) Transition(ctx context.Context, req TransitionRequest) (*model.Run, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[req.RunID]
	if !ok {
		return nil, false, ErrNotFound
	}

	if !CanTransition(r.Status, req.To) {
		copied := *r
		return &copied, false, nil
	}

	from := r.Status
	now := time.Now().UTC()

	r.Status = req.To
	if req.To.IsTerminal() {
		finished := now
		r.FinishedAt = &finished
	}
	if req.Reason != nil {
		r.FailureReason = req.Reason
	}
	if req.Department != "" {
		r.Department = req.Department
	}

	s.transitions = append(s.transitions, model.RunTransition{
		ID:         id.New(),
		RunID:      req.RunID,
		FromStatus: from,
		ToStatus:   req.To,
		Reason:     req.Reason,
		RecordedAt: now,
	})

	copied := *r
	return &copied, true, nil
}

func (s *MemoryStore) IncrementAttempts(ctx context.Context, runID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return ErrNotFound
	}
	r.AttemptCount++
	return nil
}

func (s *MemoryStore) List(ctx context.Context, filter ListFilter) ([]model.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	var runs []model.Run
	for _, r := range s.runs {
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		runs = append(runs, *r)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if int32(len(runs)) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (s *MemoryStore) Transitions(ctx context.Context, runID string) ([]model.RunTransition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.RunTransition
	for _, t := range s.transitions {
		if t.RunID == runID {
			out = append(out, t)
		}
	}
	return out, nil
}

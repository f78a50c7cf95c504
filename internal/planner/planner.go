// Package planner maps a run request's intent to the department that will
// execute it. Planning is pure: the same intent always yields the same
// plan, so replanning a redelivered event is safe and observable nowhere.
package planner

import (
	"fmt"
	"strings"

	"majordomo.app/conductor/internal/model"
)

type ErrorKind string

const (
	ErrUnknownIntent   ErrorKind = "unknown_intent"
	ErrMalformedIntent ErrorKind = "malformed_intent"
	ErrMissingAction   ErrorKind = "missing_action"
)

// Error is a deterministic planning rejection. The same intent fails the
// same way forever, so callers mark the run failed immediately instead of
// spending retry budget on it.
type Error struct {
	Kind   ErrorKind
	Intent string
}

func (e *Error) Error() string {
	return fmt.Sprintf("planning intent %q: %s", e.Intent, e.Kind)
}

// Result is a successful plan: the department owning the intent and the
// ordered steps its handler is expected to perform.
type Result struct {
	Department model.Department
	Action     string
	Steps      []string
}

// Planner resolves intents against a prefix routing table.
type Planner struct {
	table map[string]model.Department
}

// New builds a planner with the default routing: each department owns its
// own intent prefix.
func New() *Planner {
	return NewWithTable(DefaultTable())
}

// NewWithTable builds a planner with an explicit prefix table, usually
// loaded from the routing config file.
func NewWithTable(table map[string]model.Department) *Planner {
	copied := make(map[string]model.Department, len(table))
	for prefix, dept := range table {
		copied[prefix] = dept
	}
	return &Planner{table: copied}
}

// DefaultTable maps each department's canonical prefix to itself.
func DefaultTable() map[string]model.Department {
	return map[string]model.Department{
		"research": model.DepartmentResearch,
		"life":     model.DepartmentLife,
		"finance":  model.DepartmentFinance,
	}
}

// Plan resolves an intent of the form "department.action[.subaction...]".
// The first segment selects the department; the remaining segments become
// the handler's step list in order.
func (p *Planner) Plan(intent string) (Result, error) {
	if intent == "" {
		return Result{}, &Error{Kind: ErrMalformedIntent, Intent: intent}
	}

	segments := strings.Split(intent, ".")

	prefix := segments[0]
	if prefix == "" {
		return Result{}, &Error{Kind: ErrMalformedIntent, Intent: intent}
	}

	department, ok := p.table[prefix]
	if !ok {
		return Result{}, &Error{Kind: ErrUnknownIntent, Intent: intent}
	}

	steps := segments[1:]
	if len(steps) == 0 {
		return Result{}, &Error{Kind: ErrMissingAction, Intent: intent}
	}
	for _, step := range steps {
		if step == "" {
			return Result{}, &Error{Kind: ErrMalformedIntent, Intent: intent}
		}
	}

	return Result{
		Department: department,
		Action:     strings.Join(steps, "."),
		Steps:      steps,
	}, nil
}

package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs within
// a context. Fields flow through context enrichment so every log statement in
// the processing path carries the run's identity without repeating arguments.
type LogFields struct {
	RunID         *string // Run being orchestrated
	MessageID     *string // Event log message ID (stream entry)
	CorrelationID *string // End-to-end trace token from the producer
	Intent        *string // Dot-namespaced intent string
	Department    *string // Department the planner routed to
	EventKind     *string // Envelope kind (run_requested, execution_begun, ...)
	Component     string  // Component name (e.g. "conductor.worker")
}

// WithLogFields enriches context with structured log fields. Multiple calls
// merge fields, with newer non-nil/non-empty values taking precedence.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	existing := GetLogFields(ctx)
	merged := mergeFields(existing, fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields retrieves log fields from context, empty if none are set.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, next LogFields) LogFields {
	result := existing

	if next.RunID != nil {
		result.RunID = next.RunID
	}
	if next.MessageID != nil {
		result.MessageID = next.MessageID
	}
	if next.CorrelationID != nil {
		result.CorrelationID = next.CorrelationID
	}
	if next.Intent != nil {
		result.Intent = next.Intent
	}
	if next.Department != nil {
		result.Department = next.Department
	}
	if next.EventKind != nil {
		result.EventKind = next.EventKind
	}
	if next.Component != "" {
		result.Component = next.Component
	}

	return result
}

// Ptr is a helper to create a pointer from a value, for setting LogFields
// inline: logger.WithLogFields(ctx, logger.LogFields{RunID: logger.Ptr(id)})
func Ptr[T any](v T) *T {
	return &v
}

// Truncate truncates a string to maxLen characters, appending "..." if
// truncated. Useful for logging potentially long error messages.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

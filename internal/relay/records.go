package relay

import (
	"context"
	"time"
)

// CallOutcome is how a recorded call concluded.
type CallOutcome string

const (
	OutcomeRinging  CallOutcome = "ringing"
	OutcomeAnswered CallOutcome = "answered"
	OutcomeEnded    CallOutcome = "ended"
	OutcomeMissed   CallOutcome = "missed"
)

// CallRecord is one row of call history, derived from the signaling traffic
// relayd observes. It never stores payloads, only envelope metadata.
type CallRecord struct {
	ID         string
	Caller     string
	Callee     string
	Kind       string
	Outcome    CallOutcome
	StartedAt  time.Time
	AnsweredAt *time.Time
	EndedAt    *time.Time
}

// CallRecordRepository is the typed persistence contract for call history.
// Fields are compile-time checked; no dynamic table access.
type CallRecordRepository interface {
	Create(ctx context.Context, record *CallRecord) error
	MarkAnswered(ctx context.Context, id string, at time.Time) error
	MarkEnded(ctx context.Context, id string, outcome CallOutcome, at time.Time) error
	GetByID(ctx context.Context, id string) (*CallRecord, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]CallRecord, error)
}

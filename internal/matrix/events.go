package matrix

import (
	"context"
	"time"

	"stagematrix/internal/stage"
)

type EventType string

const (
	EventStagePromoted    EventType = "stage.promoted"
	EventEarningsReleased EventType = "earnings.released"
)

// Event is the payload handed to the notification subsystem once the ledger
// transaction that produced it has committed.
type Event struct {
	ID             string      `json:"id"`
	Type           EventType   `json:"type"`
	UserID         string      `json:"user_id"`
	FromStage      stage.Stage `json:"from_stage"`
	ToStage        stage.Stage `json:"to_stage"`
	Incentives     []string    `json:"incentives,omitempty"`
	QualifiedCount int         `json:"qualified_count,omitempty"`
	AmountMicros   int64       `json:"amount_micros,omitempty"`
	EarningsCount  int         `json:"earnings_count,omitempty"`
	OccurredAt     time.Time   `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

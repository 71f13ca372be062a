package notify

import (
	"context"
	"log/slog"

	"stagematrix/internal/matrix"
	"stagematrix/internal/stage"
)

// LogPublisher writes events to the structured log. Used when no broker is
// configured and by the offline simulator.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(ctx context.Context, ev matrix.Event) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "matrix event",
		"event_id", ev.ID,
		"type", string(ev.Type),
		"user_id", ev.UserID,
		"from", ev.FromStage.String(),
		"to", ev.ToStage.String(),
		"incentives", ev.Incentives,
		"amount", stage.MicrosToUnits(ev.AmountMicros),
	)
	return nil
}

// Fanout hands every event to each publisher in turn and returns the first
// error after trying them all.
type Fanout []matrix.Publisher

func (f Fanout) Publish(ctx context.Context, ev matrix.Event) error {
	var first error
	for _, p := range f {
		if err := p.Publish(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

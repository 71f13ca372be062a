package matrix

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"stagematrix/internal/stage"
)

// releaseHeld completes every held earning of userID, credits the wallet
// once with the total and writes one transaction per earning.
func (r *run) releaseHeld(ctx context.Context, userID string) (int64, error) {
	held, err := r.l.HeldEarnings(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("load held earnings: %w", err)
	}

	var total int64
	released := 0
	for _, earning := range held {
		ok, err := r.l.CompleteEarning(ctx, earning.ID, r.now)
		if err != nil {
			return 0, fmt.Errorf("complete earning %d: %w", earning.ID, err)
		}
		if !ok {
			continue
		}
		if err := r.l.AppendTransaction(ctx, WalletTransaction{
			ID:              uuid.NewString(),
			UserID:          userID,
			Kind:            TxHeldRelease,
			AmountMicros:    earning.AmountMicros,
			Stage:           earning.Stage,
			ReferenceUserID: earning.MemberID,
			CreatedAt:       r.now,
		}); err != nil {
			return 0, fmt.Errorf("append transaction: %w", err)
		}
		total += earning.AmountMicros
		released++
	}
	if released == 0 {
		return 0, nil
	}
	if err := r.l.CreditWallet(ctx, userID, total); err != nil {
		return 0, fmt.Errorf("credit wallet: %w", err)
	}

	r.event(Event{
		Type:          EventEarningsReleased,
		UserID:        userID,
		FromStage:     stage.NoStage,
		ToStage:       stage.Feeder,
		AmountMicros:  total,
		EarningsCount: released,
	})
	r.e.log.Info("held earnings released", "user_id", userID, "count", released, "amount", stage.MicrosToUnits(total))
	return total, nil
}

package matrix

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"stagematrix/internal/stage"
)

// Credit is one owner's share of a placement.
type Credit struct {
	OwnerID     string        `json:"owner_id"`
	OwnerStage  stage.Stage   `json:"owner_stage"`
	Level       int           `json:"level"`
	Qualified   bool          `json:"qualified"`
	Duplicate   bool          `json:"duplicate,omitempty"`
	BonusMicros int64         `json:"bonus_micros"`
	Status      EarningStatus `json:"earning_status,omitempty"`
}

// qualifies applies the prerequisite rule for a matrix owned at ownerStage:
// ungated stages accept every member, gated ones require the member to have
// completed the prerequisite stage's counter.
func (r *run) qualifies(ctx context.Context, ownerStage stage.Stage, memberID string) (bool, error) {
	prereq, gated := r.e.catalog.Prerequisite(ownerStage)
	if !gated {
		return true, nil
	}
	c, ok, err := r.l.Counter(ctx, memberID, prereq)
	if err != nil {
		return false, err
	}
	return ok && c.IsComplete, nil
}

// creditUpline credits the slot owner and every ancestor whose matrix window
// still reaches the new position. Level 1 is the slot owner.
//
// Crediting ancestors is what lets six direct referrals fill a six-slot
// no_stage matrix: the first two land as children, the next four spill to
// grandchildren and still count for the referrer (see
// TestSixReferralsPromoteAndReleaseHeldEarnings).
func (r *run) creditUpline(ctx context.Context, parent Node, member User) ([]Credit, error) {
	var credits []Credit
	ownerID := parent.OwnerID
	next := parent.ParentID
	for level := 1; level <= r.e.catalog.MaxLevels(); level++ {
		owner, err := r.l.UserByID(ctx, ownerID)
		if err != nil {
			return nil, fmt.Errorf("load matrix owner %s: %w", ownerID, err)
		}
		if level <= r.e.catalog.Levels(owner.Stage) {
			c, err := r.credit(ctx, owner, member)
			if err != nil {
				return nil, err
			}
			c.Level = level
			credits = append(credits, c)
		}
		if next == "" {
			break
		}
		n, ok, err := r.l.Node(ctx, next, parent.Stage)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		ownerID, next = n.OwnerID, n.ParentID
	}
	return credits, nil
}

// credit records a fresh placement of member in owner's matrix at the
// owner's current stage. A repeat of the same (owner, stage, member) is a
// silent no-op.
func (r *run) credit(ctx context.Context, owner, member User) (Credit, error) {
	ownerStage := owner.Stage
	out := Credit{OwnerID: owner.ID, OwnerStage: ownerStage}
	qualified, err := r.qualifies(ctx, ownerStage, member.ID)
	if err != nil {
		return out, err
	}

	m := Membership{
		OwnerID:                owner.ID,
		Stage:                  ownerStage,
		MemberID:               member.ID,
		MemberStageAtPlacement: member.Stage,
		IsQualified:            qualified,
	}
	if qualified {
		at := r.now
		m.QualifiedAt = &at
	}
	inserted, err := r.l.InsertMembership(ctx, m)
	if err != nil {
		return out, fmt.Errorf("insert membership: %w", err)
	}
	if !inserted {
		r.e.log.Debug("membership already recorded", "owner_id", owner.ID, "member_id", member.ID, "stage", ownerStage.String())
		out.Duplicate = true
		return out, nil
	}

	bonus := r.e.catalog.Bonus(ownerStage)
	status := EarningCompleted
	if ownerStage == stage.NoStage {
		status = EarningHeld
	}
	if _, err := r.l.InsertEarning(ctx, Earning{
		OwnerID:      owner.ID,
		MemberID:     member.ID,
		Stage:        ownerStage,
		AmountMicros: bonus,
		Status:       status,
		CreatedAt:    r.now,
	}); err != nil {
		return out, fmt.Errorf("insert earning: %w", err)
	}

	if status == EarningCompleted {
		if err := r.l.CreditWallet(ctx, owner.ID, bonus); err != nil {
			return out, fmt.Errorf("credit wallet: %w", err)
		}
		if err := r.l.AppendTransaction(ctx, WalletTransaction{
			ID:              uuid.NewString(),
			UserID:          owner.ID,
			Kind:            TxMatrixBonus,
			AmountMicros:    bonus,
			Stage:           ownerStage,
			ReferenceUserID: member.ID,
			CreatedAt:       r.now,
		}); err != nil {
			return out, fmt.Errorf("append transaction: %w", err)
		}
	}

	qualifiedDelta := 0
	if qualified {
		qualifiedDelta = 1
	}
	if err := r.increment(ctx, owner.ID, ownerStage, 1, qualifiedDelta); err != nil {
		return out, err
	}
	out.Qualified = qualified
	out.BonusMicros = bonus
	out.Status = status
	return out, nil
}

// increment is the only path that moves slot counters. It creates the
// counter on first use and queues the owner for a progression check.
func (r *run) increment(ctx context.Context, ownerID string, s stage.Stage, slots, qualified int) error {
	if _, err := r.l.EnsureCounter(ctx, ownerID, s, r.e.catalog.Required(s)); err != nil {
		return fmt.Errorf("ensure counter: %w", err)
	}
	if _, err := r.l.IncrementCounter(ctx, ownerID, s, slots, qualified); err != nil {
		return fmt.Errorf("increment counter: %w", err)
	}
	r.enqueue(ownerID)
	return nil
}

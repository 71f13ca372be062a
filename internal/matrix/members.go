package matrix

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"stagematrix/internal/stage"
)

const maxCodeAttempts = 5

type RegisterInput struct {
	Email          string `json:"email"`
	Username       string `json:"username"`
	ReferredByCode string `json:"referred_by_code"`
}

// RegisterMember creates an unpaid NoStage member with an empty wallet.
func (e *Engine) RegisterMember(ctx context.Context, in RegisterInput) (User, error) {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if err := validateEmail(in.Email); err != nil {
		return User{}, err
	}
	username := strings.TrimSpace(in.Username)
	if username == "" {
		username = usernameFromEmail(in.Email)
	}
	if !usernameRE.MatchString(username) {
		return User{}, fmt.Errorf("%w: username must be 3-24 letters, digits or underscores", ErrInvalidInput)
	}

	u := User{
		ID:        uuid.NewString(),
		Email:     in.Email,
		Username:  username,
		Stage:     stage.NoStage,
		CreatedAt: e.now().UTC(),
	}
	var err error
	for attempt := 1; ; attempt++ {
		if u.ReferralCode, err = e.codes(); err != nil {
			return User{}, err
		}
		err = e.store.InTx(ctx, func(ctx context.Context, l Ledger) error {
			if ref := normalizeReferralCode(in.ReferredByCode); ref != "" {
				if _, err := l.UserByReferralCode(ctx, ref); err != nil {
					return err
				}
				u.ReferredByCode = ref
			}
			return l.CreateUser(ctx, u)
		})
		if !errors.Is(err, ErrReferralCodeTaken) || attempt == maxCodeAttempts {
			break
		}
		e.log.Warn("referral code collision, regenerating", "code", u.ReferralCode, "attempt", attempt)
	}
	if err != nil {
		return User{}, err
	}
	e.log.Info("member registered", "user_id", u.ID, "username", u.Username, "referred_by", u.ReferredByCode)
	return u, nil
}

// ConfirmPayment marks the joining fee as paid.
func (e *Engine) ConfirmPayment(ctx context.Context, userID string) (User, error) {
	var out User
	err := e.store.InTx(ctx, func(ctx context.Context, l Ledger) error {
		if err := l.SetJoiningFeePaid(ctx, userID); err != nil {
			return err
		}
		u, err := l.UserByID(ctx, userID)
		if err != nil {
			return err
		}
		out = u
		return nil
	})
	if err != nil {
		return User{}, err
	}
	e.log.Info("joining fee confirmed", "user_id", userID)
	return out, nil
}

// RecordDeposit files a pending deposit. An approved deposit counts as a
// confirmed payment for placement.
func (e *Engine) RecordDeposit(ctx context.Context, userID string, amountMicros int64) (Deposit, error) {
	if amountMicros <= 0 {
		return Deposit{}, fmt.Errorf("%w: deposit amount must be > 0", ErrInvalidInput)
	}
	var out Deposit
	err := e.store.InTx(ctx, func(ctx context.Context, l Ledger) error {
		if _, err := l.UserByID(ctx, userID); err != nil {
			return err
		}
		d, err := l.CreateDeposit(ctx, userID, amountMicros)
		if err != nil {
			return err
		}
		out = d
		return nil
	})
	return out, err
}

func (e *Engine) ApproveDeposit(ctx context.Context, depositID int64) (Deposit, error) {
	var out Deposit
	err := e.store.InTx(ctx, func(ctx context.Context, l Ledger) error {
		d, err := l.ApproveDeposit(ctx, depositID)
		if err != nil {
			return err
		}
		out = d
		return nil
	})
	if err != nil {
		return Deposit{}, err
	}
	e.log.Info("deposit approved", "deposit_id", depositID, "user_id", out.UserID)
	return out, nil
}

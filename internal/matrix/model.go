package matrix

import (
	"crypto/rand"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"stagematrix/internal/stage"
)

var (
	ErrUserNotFound        = errors.New("user not found")
	ErrReferrerNotFound    = errors.New("referrer not found")
	ErrDepositNotFound     = errors.New("deposit not found")
	ErrReferralCodeUnknown = errors.New("referral code not found")
	ErrUserExists          = errors.New("email or username already registered")
	ErrInvalidInput        = errors.New("invalid input")
	ErrNoOpenSlot          = errors.New("matrix has no open slot")
	ErrReferralCodeTaken   = errors.New("referral code already issued")
	ErrTxConflict          = errors.New("transaction conflict, retry")
	// ErrSlotTaken means a concurrent placement claimed the slot between the
	// search and the write. Stores treat it as retryable.
	ErrSlotTaken = errors.New("matrix slot already taken")
)

var usernameRE = regexp.MustCompile(`^[a-zA-Z0-9_]{3,24}$`)

type Side string

const (
	SideLeft  Side = "left"
	SideRight Side = "right"
)

type EarningStatus string

const (
	EarningHeld      EarningStatus = "held"
	EarningCompleted EarningStatus = "completed"
)

type TransactionKind string

const (
	TxMatrixBonus TransactionKind = "matrix_bonus"
	TxHeldRelease TransactionKind = "held_release"
)

type DepositStatus string

const (
	DepositPending  DepositStatus = "pending"
	DepositApproved DepositStatus = "approved"
	DepositRejected DepositStatus = "rejected"
)

type User struct {
	ID             string      `json:"id"`
	Email          string      `json:"email"`
	Username       string      `json:"username"`
	Stage          stage.Stage `json:"current_stage"`
	ReferralCode   string      `json:"referral_code"`
	ReferredByCode string      `json:"referred_by_code,omitempty"`
	JoiningFeePaid bool        `json:"joining_fee_paid"`
	CreatedAt      time.Time   `json:"created_at"`
}

type Wallet struct {
	UserID               string `json:"user_id"`
	BalanceMicros        int64  `json:"balance_micros"`
	TotalEarnedMicros    int64  `json:"total_earned_micros"`
	TotalWithdrawnMicros int64  `json:"total_withdrawn_micros"`
}

type Deposit struct {
	ID           int64         `json:"id"`
	UserID       string        `json:"user_id"`
	AmountMicros int64         `json:"amount_micros"`
	Status       DepositStatus `json:"status"`
}

// Node is a user's position in one stage tree. Child and parent references
// are user ids; an empty string means no link.
type Node struct {
	OwnerID      string      `json:"owner_id"`
	Stage        stage.Stage `json:"stage"`
	ParentID     string      `json:"parent_id,omitempty"`
	LeftChildID  string      `json:"left_child_id,omitempty"`
	RightChildID string      `json:"right_child_id,omitempty"`
}

func (n Node) Child(side Side) string {
	if side == SideLeft {
		return n.LeftChildID
	}
	return n.RightChildID
}

type Counter struct {
	UserID               string      `json:"user_id"`
	Stage                stage.Stage `json:"stage"`
	SlotsFilled          int         `json:"slots_filled"`
	QualifiedSlotsFilled int         `json:"qualified_slots_filled"`
	SlotsRequired        int         `json:"slots_required"`
	IsComplete           bool        `json:"is_complete"`
}

// Ready reports whether the counter has met its threshold and not yet been
// consumed by a promotion.
func (c Counter) Ready() bool {
	return !c.IsComplete && c.QualifiedSlotsFilled >= c.SlotsRequired
}

type Membership struct {
	OwnerID                string      `json:"matrix_owner_id"`
	Stage                  stage.Stage `json:"matrix_stage"`
	MemberID               string      `json:"member_id"`
	MemberStageAtPlacement stage.Stage `json:"member_stage_at_placement"`
	IsQualified            bool        `json:"is_qualified"`
	QualifiedAt            *time.Time  `json:"qualified_at,omitempty"`
}

type Earning struct {
	ID           int64         `json:"id"`
	OwnerID      string        `json:"owner_id"`
	MemberID     string        `json:"referred_member_id"`
	Stage        stage.Stage   `json:"stage"`
	AmountMicros int64         `json:"amount_micros"`
	Status       EarningStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	ReleasedAt   *time.Time    `json:"released_at,omitempty"`
}

type WalletTransaction struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	Kind            TransactionKind `json:"kind"`
	AmountMicros    int64           `json:"amount_micros"`
	Stage           stage.Stage     `json:"stage"`
	ReferenceUserID string          `json:"reference_user_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

type Progression struct {
	UserID         string      `json:"user_id"`
	FromStage      stage.Stage `json:"from_stage"`
	ToStage        stage.Stage `json:"to_stage"`
	QualifiedCount int         `json:"qualified_count_at_promotion"`
	CreatedAt      time.Time   `json:"created_at"`
}

func generateReferralCode() (string, error) {
	const letters = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i := range buf {
		buf[i] = letters[int(buf[i])%len(letters)]
	}
	return string(buf), nil
}

func normalizeReferralCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func validateEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	at := strings.Index(email, "@")
	if at <= 0 || at == len(email)-1 {
		return fmt.Errorf("%w: email is invalid", ErrInvalidInput)
	}
	return nil
}

func usernameFromEmail(email string) string {
	email = strings.TrimSpace(strings.ToLower(email))
	parts := strings.Split(email, "@")
	if len(parts) == 0 || parts[0] == "" {
		return "member"
	}
	return sanitizeUsername(parts[0])
}

func sanitizeUsername(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "member"
	}
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	res := strings.Trim(string(out), "_")
	if len(res) < 3 {
		res = "member_" + res
	}
	if len(res) > 24 {
		res = res[:24]
	}
	return res
}

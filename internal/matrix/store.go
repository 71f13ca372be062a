package matrix

import (
	"context"
	"time"

	"stagematrix/internal/stage"
)

// Store runs fn inside one atomic unit of work. Implementations retry fn as a
// whole on serialization conflicts and ErrSlotTaken, so fn must not keep
// state across invocations beyond what it rebuilds itself.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, l Ledger) error) error
}

// Ledger is the transaction-scoped view of the ledger store the engine works
// against. Insert-style methods that report a bool follow conflict-ignore
// semantics: false means the row already existed and nothing was written.
type Ledger interface {
	CreateUser(ctx context.Context, u User) error
	UserByID(ctx context.Context, id string) (User, error)
	UserByReferralCode(ctx context.Context, code string) (User, error)
	SetUserStage(ctx context.Context, id string, s stage.Stage) error
	SetJoiningFeePaid(ctx context.Context, id string) error
	HasConfirmedPayment(ctx context.Context, id string) (bool, error)

	CreateDeposit(ctx context.Context, userID string, amountMicros int64) (Deposit, error)
	ApproveDeposit(ctx context.Context, id int64) (Deposit, error)

	// EnsureRoot returns the owner's node for s, creating a parentless one
	// when absent, and holds it locked until the transaction ends.
	EnsureRoot(ctx context.Context, ownerID string, s stage.Stage) (Node, error)
	Node(ctx context.Context, ownerID string, s stage.Stage) (Node, bool, error)
	CreateNode(ctx context.Context, n Node) (bool, error)
	// AdoptNode sets the parent of a parentless node; false when the node is
	// missing or already has a parent.
	AdoptNode(ctx context.Context, ownerID string, s stage.Stage, parentID string) (bool, error)
	// AttachChild fills the given side only if it is still empty.
	AttachChild(ctx context.Context, parentID string, s stage.Stage, side Side, childID string) (bool, error)

	EnsureCounter(ctx context.Context, userID string, s stage.Stage, required int) (Counter, error)
	Counter(ctx context.Context, userID string, s stage.Stage) (Counter, bool, error)
	Counters(ctx context.Context, userID string) ([]Counter, error)
	IncrementCounter(ctx context.Context, userID string, s stage.Stage, slots, qualified int) (Counter, error)
	// MarkCounterComplete flips is_complete; false when it was already set.
	MarkCounterComplete(ctx context.Context, userID string, s stage.Stage) (bool, error)
	// ReadyCounters lists current-stage counters below terminal that met
	// their threshold without being completed, ordered by user id.
	ReadyCounters(ctx context.Context, terminal stage.Stage, limit int) ([]Counter, error)

	InsertMembership(ctx context.Context, m Membership) (bool, error)
	UnqualifiedMemberships(ctx context.Context, memberID string, matrixStage stage.Stage) ([]Membership, error)
	QualifyMembership(ctx context.Context, ownerID string, s stage.Stage, memberID string, at time.Time) (bool, error)

	InsertEarning(ctx context.Context, e Earning) (int64, error)
	HeldEarnings(ctx context.Context, ownerID string) ([]Earning, error)
	CompleteEarning(ctx context.Context, id int64, at time.Time) (bool, error)

	Wallet(ctx context.Context, userID string) (Wallet, error)
	CreditWallet(ctx context.Context, userID string, amountMicros int64) error
	AppendTransaction(ctx context.Context, t WalletTransaction) error
	AppendProgression(ctx context.Context, p Progression) error
}

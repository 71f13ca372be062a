package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"stagematrix/internal/matrix"
	"stagematrix/internal/stage"
)

type ledger struct {
	st *state
}

func (l *ledger) CreateUser(_ context.Context, u matrix.User) error {
	if _, ok := l.st.users[u.ID]; ok {
		return matrix.ErrUserExists
	}
	if _, ok := l.st.byEmail[u.Email]; ok {
		return matrix.ErrUserExists
	}
	if _, ok := l.st.byUsername[u.Username]; ok {
		return matrix.ErrUserExists
	}
	if _, ok := l.st.byCode[u.ReferralCode]; ok {
		return fmt.Errorf("%w: %s", matrix.ErrReferralCodeTaken, u.ReferralCode)
	}
	l.st.users[u.ID] = u
	l.st.byEmail[u.Email] = u.ID
	l.st.byUsername[u.Username] = u.ID
	l.st.byCode[u.ReferralCode] = u.ID
	l.st.wallets[u.ID] = matrix.Wallet{UserID: u.ID}
	return nil
}

func (l *ledger) UserByID(_ context.Context, id string) (matrix.User, error) {
	u, ok := l.st.users[id]
	if !ok {
		return matrix.User{}, fmt.Errorf("%w: %s", matrix.ErrUserNotFound, id)
	}
	return u, nil
}

func (l *ledger) UserByReferralCode(_ context.Context, code string) (matrix.User, error) {
	id, ok := l.st.byCode[code]
	if !ok {
		return matrix.User{}, fmt.Errorf("%w: %s", matrix.ErrReferralCodeUnknown, code)
	}
	return l.st.users[id], nil
}

func (l *ledger) SetUserStage(ctx context.Context, id string, s stage.Stage) error {
	u, err := l.UserByID(ctx, id)
	if err != nil {
		return err
	}
	u.Stage = s
	l.st.users[id] = u
	return nil
}

func (l *ledger) SetJoiningFeePaid(ctx context.Context, id string) error {
	u, err := l.UserByID(ctx, id)
	if err != nil {
		return err
	}
	u.JoiningFeePaid = true
	l.st.users[id] = u
	return nil
}

func (l *ledger) HasConfirmedPayment(ctx context.Context, id string) (bool, error) {
	u, err := l.UserByID(ctx, id)
	if err != nil {
		return false, err
	}
	if u.JoiningFeePaid {
		return true, nil
	}
	for _, d := range l.st.deposits {
		if d.UserID == id && d.Status == matrix.DepositApproved {
			return true, nil
		}
	}
	return false, nil
}

func (l *ledger) CreateDeposit(_ context.Context, userID string, amountMicros int64) (matrix.Deposit, error) {
	d := matrix.Deposit{
		ID:           int64(len(l.st.deposits) + 1),
		UserID:       userID,
		AmountMicros: amountMicros,
		Status:       matrix.DepositPending,
	}
	l.st.deposits = append(l.st.deposits, d)
	return d, nil
}

func (l *ledger) ApproveDeposit(_ context.Context, id int64) (matrix.Deposit, error) {
	if id <= 0 || int(id) > len(l.st.deposits) {
		return matrix.Deposit{}, fmt.Errorf("%w: %d", matrix.ErrDepositNotFound, id)
	}
	d := &l.st.deposits[id-1]
	d.Status = matrix.DepositApproved
	return *d, nil
}

func (l *ledger) EnsureRoot(_ context.Context, ownerID string, s stage.Stage) (matrix.Node, error) {
	k := nodeKey{ownerID, s}
	if n, ok := l.st.nodes[k]; ok {
		return n, nil
	}
	n := matrix.Node{OwnerID: ownerID, Stage: s}
	l.st.nodes[k] = n
	return n, nil
}

func (l *ledger) Node(_ context.Context, ownerID string, s stage.Stage) (matrix.Node, bool, error) {
	n, ok := l.st.nodes[nodeKey{ownerID, s}]
	return n, ok, nil
}

func (l *ledger) CreateNode(_ context.Context, n matrix.Node) (bool, error) {
	k := nodeKey{n.OwnerID, n.Stage}
	if _, ok := l.st.nodes[k]; ok {
		return false, nil
	}
	l.st.nodes[k] = n
	return true, nil
}

func (l *ledger) AdoptNode(_ context.Context, ownerID string, s stage.Stage, parentID string) (bool, error) {
	k := nodeKey{ownerID, s}
	n, ok := l.st.nodes[k]
	if !ok || n.ParentID != "" {
		return false, nil
	}
	n.ParentID = parentID
	l.st.nodes[k] = n
	return true, nil
}

func (l *ledger) AttachChild(_ context.Context, parentID string, s stage.Stage, side matrix.Side, childID string) (bool, error) {
	k := nodeKey{parentID, s}
	n, ok := l.st.nodes[k]
	if !ok {
		return false, nil
	}
	switch side {
	case matrix.SideLeft:
		if n.LeftChildID != "" {
			return false, nil
		}
		n.LeftChildID = childID
	case matrix.SideRight:
		if n.RightChildID != "" {
			return false, nil
		}
		n.RightChildID = childID
	default:
		return false, fmt.Errorf("unknown side %q", side)
	}
	l.st.nodes[k] = n
	return true, nil
}

func (l *ledger) EnsureCounter(_ context.Context, userID string, s stage.Stage, required int) (matrix.Counter, error) {
	k := nodeKey{userID, s}
	if c, ok := l.st.counters[k]; ok {
		return c, nil
	}
	c := matrix.Counter{UserID: userID, Stage: s, SlotsRequired: required}
	l.st.counters[k] = c
	return c, nil
}

func (l *ledger) Counter(_ context.Context, userID string, s stage.Stage) (matrix.Counter, bool, error) {
	c, ok := l.st.counters[nodeKey{userID, s}]
	return c, ok, nil
}

func (l *ledger) Counters(_ context.Context, userID string) ([]matrix.Counter, error) {
	var out []matrix.Counter
	for _, s := range stage.All() {
		if c, ok := l.st.counters[nodeKey{userID, s}]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (l *ledger) IncrementCounter(_ context.Context, userID string, s stage.Stage, slots, qualified int) (matrix.Counter, error) {
	k := nodeKey{userID, s}
	c, ok := l.st.counters[k]
	if !ok {
		return matrix.Counter{}, fmt.Errorf("counter %s/%s missing", userID, s)
	}
	c.SlotsFilled += slots
	c.QualifiedSlotsFilled += qualified
	l.st.counters[k] = c
	return c, nil
}

func (l *ledger) MarkCounterComplete(_ context.Context, userID string, s stage.Stage) (bool, error) {
	k := nodeKey{userID, s}
	c, ok := l.st.counters[k]
	if !ok || c.IsComplete {
		return false, nil
	}
	c.IsComplete = true
	l.st.counters[k] = c
	return true, nil
}

func (l *ledger) ReadyCounters(_ context.Context, terminal stage.Stage, limit int) ([]matrix.Counter, error) {
	var out []matrix.Counter
	for _, u := range l.st.users {
		if u.Stage >= terminal {
			continue
		}
		c, ok := l.st.counters[nodeKey{u.ID, u.Stage}]
		if ok && c.Ready() {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *ledger) InsertMembership(_ context.Context, m matrix.Membership) (bool, error) {
	k := membershipKey{m.OwnerID, m.Stage, m.MemberID}
	if _, ok := l.st.memberships[k]; ok {
		return false, nil
	}
	l.st.memberships[k] = m
	l.st.memberOrder = append(l.st.memberOrder, k)
	return true, nil
}

func (l *ledger) UnqualifiedMemberships(_ context.Context, memberID string, matrixStage stage.Stage) ([]matrix.Membership, error) {
	var out []matrix.Membership
	for _, k := range l.st.memberOrder {
		if k.member != memberID || k.stage != matrixStage {
			continue
		}
		if m := l.st.memberships[k]; !m.IsQualified {
			out = append(out, m)
		}
	}
	return out, nil
}

func (l *ledger) QualifyMembership(_ context.Context, ownerID string, s stage.Stage, memberID string, at time.Time) (bool, error) {
	k := membershipKey{ownerID, s, memberID}
	m, ok := l.st.memberships[k]
	if !ok || m.IsQualified {
		return false, nil
	}
	m.IsQualified = true
	m.QualifiedAt = &at
	l.st.memberships[k] = m
	return true, nil
}

func (l *ledger) InsertEarning(_ context.Context, e matrix.Earning) (int64, error) {
	e.ID = int64(len(l.st.earnings) + 1)
	l.st.earnings = append(l.st.earnings, e)
	return e.ID, nil
}

func (l *ledger) HeldEarnings(_ context.Context, ownerID string) ([]matrix.Earning, error) {
	var out []matrix.Earning
	for _, e := range l.st.earnings {
		if e.OwnerID == ownerID && e.Status == matrix.EarningHeld {
			out = append(out, e)
		}
	}
	return out, nil
}

func (l *ledger) CompleteEarning(_ context.Context, id int64, at time.Time) (bool, error) {
	if id <= 0 || int(id) > len(l.st.earnings) {
		return false, nil
	}
	e := &l.st.earnings[id-1]
	if e.Status != matrix.EarningHeld {
		return false, nil
	}
	e.Status = matrix.EarningCompleted
	e.ReleasedAt = &at
	return true, nil
}

func (l *ledger) Wallet(_ context.Context, userID string) (matrix.Wallet, error) {
	w, ok := l.st.wallets[userID]
	if !ok {
		return matrix.Wallet{}, fmt.Errorf("%w: wallet %s", matrix.ErrUserNotFound, userID)
	}
	return w, nil
}

func (l *ledger) CreditWallet(ctx context.Context, userID string, amountMicros int64) error {
	w, err := l.Wallet(ctx, userID)
	if err != nil {
		return err
	}
	w.BalanceMicros += amountMicros
	w.TotalEarnedMicros += amountMicros
	l.st.wallets[userID] = w
	return nil
}

func (l *ledger) AppendTransaction(_ context.Context, t matrix.WalletTransaction) error {
	l.st.transactions = append(l.st.transactions, t)
	return nil
}

func (l *ledger) AppendProgression(_ context.Context, p matrix.Progression) error {
	l.st.progressions = append(l.st.progressions, p)
	return nil
}

package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"stagematrix/internal/matrix"
	"stagematrix/internal/stage"
)

type ledger struct {
	tx pgx.Tx
}

const userColumns = `id, email, username, current_stage, referral_code, referred_by_code, joining_fee_paid, created_at`

func scanUser(row pgx.Row) (matrix.User, error) {
	var (
		u        matrix.User
		st       int16
		referred *string
	)
	if err := row.Scan(&u.ID, &u.Email, &u.Username, &st, &u.ReferralCode, &referred, &u.JoiningFeePaid, &u.CreatedAt); err != nil {
		return matrix.User{}, err
	}
	u.Stage = stage.Stage(st)
	if referred != nil {
		u.ReferredByCode = *referred
	}
	return u, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (l *ledger) CreateUser(ctx context.Context, u matrix.User) error {
	_, err := l.tx.Exec(ctx, `
		INSERT INTO matrix.users (id, email, username, current_stage, referral_code, referred_by_code, joining_fee_paid, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, u.ID, u.Email, u.Username, int16(u.Stage), u.ReferralCode, nullable(u.ReferredByCode), u.JoiningFeePaid, u.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == codeUniqueViol {
			if pgErr.ConstraintName == "users_referral_code_key" {
				return fmt.Errorf("%w: %s", matrix.ErrReferralCodeTaken, u.ReferralCode)
			}
			return matrix.ErrUserExists
		}
		return err
	}
	_, err = l.tx.Exec(ctx, `
		INSERT INTO matrix.wallets (user_id)
		VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, u.ID)
	return err
}

func (l *ledger) UserByID(ctx context.Context, id string) (matrix.User, error) {
	u, err := scanUser(l.tx.QueryRow(ctx, `SELECT `+userColumns+` FROM matrix.users WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return matrix.User{}, fmt.Errorf("%w: %s", matrix.ErrUserNotFound, id)
	}
	return u, err
}

func (l *ledger) UserByReferralCode(ctx context.Context, code string) (matrix.User, error) {
	u, err := scanUser(l.tx.QueryRow(ctx, `SELECT `+userColumns+` FROM matrix.users WHERE referral_code = $1`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return matrix.User{}, fmt.Errorf("%w: %s", matrix.ErrReferralCodeUnknown, code)
	}
	return u, err
}

func (l *ledger) SetUserStage(ctx context.Context, id string, s stage.Stage) error {
	cmd, err := l.tx.Exec(ctx, `UPDATE matrix.users SET current_stage = $2 WHERE id = $1`, id, int16(s))
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", matrix.ErrUserNotFound, id)
	}
	return nil
}

func (l *ledger) SetJoiningFeePaid(ctx context.Context, id string) error {
	cmd, err := l.tx.Exec(ctx, `UPDATE matrix.users SET joining_fee_paid = true WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", matrix.ErrUserNotFound, id)
	}
	return nil
}

func (l *ledger) HasConfirmedPayment(ctx context.Context, id string) (bool, error) {
	var paid bool
	err := l.tx.QueryRow(ctx, `
		SELECT u.joining_fee_paid OR EXISTS (
			SELECT 1 FROM matrix.deposits d WHERE d.user_id = u.id AND d.status = 'approved'
		)
		FROM matrix.users u
		WHERE u.id = $1
	`, id).Scan(&paid)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("%w: %s", matrix.ErrUserNotFound, id)
	}
	return paid, err
}

func (l *ledger) CreateDeposit(ctx context.Context, userID string, amountMicros int64) (matrix.Deposit, error) {
	d := matrix.Deposit{UserID: userID, AmountMicros: amountMicros, Status: matrix.DepositPending}
	err := l.tx.QueryRow(ctx, `
		INSERT INTO matrix.deposits (user_id, amount_micros)
		VALUES ($1, $2)
		RETURNING id
	`, userID, amountMicros).Scan(&d.ID)
	return d, err
}

func (l *ledger) ApproveDeposit(ctx context.Context, id int64) (matrix.Deposit, error) {
	var (
		d      matrix.Deposit
		status string
	)
	err := l.tx.QueryRow(ctx, `
		UPDATE matrix.deposits
		SET status = 'approved', approved_at = COALESCE(approved_at, now())
		WHERE id = $1
		RETURNING id, user_id, amount_micros, status
	`, id).Scan(&d.ID, &d.UserID, &d.AmountMicros, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return matrix.Deposit{}, fmt.Errorf("%w: %d", matrix.ErrDepositNotFound, id)
	}
	d.Status = matrix.DepositStatus(status)
	return d, err
}

const nodeColumns = `owner_id, stage, parent_id, left_child_id, right_child_id`

func scanNode(row pgx.Row) (matrix.Node, error) {
	var (
		n                   matrix.Node
		st                  int16
		parent, left, right *string
	)
	if err := row.Scan(&n.OwnerID, &st, &parent, &left, &right); err != nil {
		return matrix.Node{}, err
	}
	n.Stage = stage.Stage(st)
	n.ParentID = deref(parent)
	n.LeftChildID = deref(left)
	n.RightChildID = deref(right)
	return n, nil
}

func (l *ledger) EnsureRoot(ctx context.Context, ownerID string, s stage.Stage) (matrix.Node, error) {
	if _, err := l.tx.Exec(ctx, `
		INSERT INTO matrix.matrix_nodes (owner_id, stage)
		VALUES ($1, $2)
		ON CONFLICT (owner_id, stage) DO NOTHING
	`, ownerID, int16(s)); err != nil {
		return matrix.Node{}, err
	}
	return scanNode(l.tx.QueryRow(ctx, `
		SELECT `+nodeColumns+`
		FROM matrix.matrix_nodes
		WHERE owner_id = $1 AND stage = $2
		FOR UPDATE
	`, ownerID, int16(s)))
}

func (l *ledger) Node(ctx context.Context, ownerID string, s stage.Stage) (matrix.Node, bool, error) {
	n, err := scanNode(l.tx.QueryRow(ctx, `
		SELECT `+nodeColumns+`
		FROM matrix.matrix_nodes
		WHERE owner_id = $1 AND stage = $2
	`, ownerID, int16(s)))
	if errors.Is(err, pgx.ErrNoRows) {
		return matrix.Node{}, false, nil
	}
	if err != nil {
		return matrix.Node{}, false, err
	}
	return n, true, nil
}

func (l *ledger) CreateNode(ctx context.Context, n matrix.Node) (bool, error) {
	cmd, err := l.tx.Exec(ctx, `
		INSERT INTO matrix.matrix_nodes (owner_id, stage, parent_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner_id, stage) DO NOTHING
	`, n.OwnerID, int16(n.Stage), nullable(n.ParentID))
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (l *ledger) AdoptNode(ctx context.Context, ownerID string, s stage.Stage, parentID string) (bool, error) {
	cmd, err := l.tx.Exec(ctx, `
		UPDATE matrix.matrix_nodes
		SET parent_id = $3
		WHERE owner_id = $1 AND stage = $2 AND parent_id IS NULL
	`, ownerID, int16(s), parentID)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (l *ledger) AttachChild(ctx context.Context, parentID string, s stage.Stage, side matrix.Side, childID string) (bool, error) {
	var query string
	switch side {
	case matrix.SideLeft:
		query = `UPDATE matrix.matrix_nodes SET left_child_id = $3 WHERE owner_id = $1 AND stage = $2 AND left_child_id IS NULL`
	case matrix.SideRight:
		query = `UPDATE matrix.matrix_nodes SET right_child_id = $3 WHERE owner_id = $1 AND stage = $2 AND right_child_id IS NULL`
	default:
		return false, fmt.Errorf("unknown side %q", side)
	}
	cmd, err := l.tx.Exec(ctx, query, parentID, int16(s), childID)
	if err != nil {
		if isUniqueViolation(err) {
			return false, matrix.ErrSlotTaken
		}
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

const counterColumns = `user_id, stage, slots_filled, qualified_slots_filled, slots_required, is_complete`

func scanCounter(row pgx.Row) (matrix.Counter, error) {
	var (
		c  matrix.Counter
		st int16
	)
	if err := row.Scan(&c.UserID, &st, &c.SlotsFilled, &c.QualifiedSlotsFilled, &c.SlotsRequired, &c.IsComplete); err != nil {
		return matrix.Counter{}, err
	}
	c.Stage = stage.Stage(st)
	return c, nil
}

func collectCounters(rows pgx.Rows) ([]matrix.Counter, error) {
	defer rows.Close()
	var out []matrix.Counter
	for rows.Next() {
		c, err := scanCounter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (l *ledger) EnsureCounter(ctx context.Context, userID string, s stage.Stage, required int) (matrix.Counter, error) {
	if _, err := l.tx.Exec(ctx, `
		INSERT INTO matrix.stage_counters (user_id, stage, slots_required)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, stage) DO NOTHING
	`, userID, int16(s), required); err != nil {
		return matrix.Counter{}, err
	}
	return scanCounter(l.tx.QueryRow(ctx, `
		SELECT `+counterColumns+`
		FROM matrix.stage_counters
		WHERE user_id = $1 AND stage = $2
		FOR UPDATE
	`, userID, int16(s)))
}

func (l *ledger) Counter(ctx context.Context, userID string, s stage.Stage) (matrix.Counter, bool, error) {
	c, err := scanCounter(l.tx.QueryRow(ctx, `
		SELECT `+counterColumns+`
		FROM matrix.stage_counters
		WHERE user_id = $1 AND stage = $2
	`, userID, int16(s)))
	if errors.Is(err, pgx.ErrNoRows) {
		return matrix.Counter{}, false, nil
	}
	if err != nil {
		return matrix.Counter{}, false, err
	}
	return c, true, nil
}

func (l *ledger) Counters(ctx context.Context, userID string) ([]matrix.Counter, error) {
	rows, err := l.tx.Query(ctx, `
		SELECT `+counterColumns+`
		FROM matrix.stage_counters
		WHERE user_id = $1
		ORDER BY stage
	`, userID)
	if err != nil {
		return nil, err
	}
	return collectCounters(rows)
}

func (l *ledger) IncrementCounter(ctx context.Context, userID string, s stage.Stage, slots, qualified int) (matrix.Counter, error) {
	c, err := scanCounter(l.tx.QueryRow(ctx, `
		UPDATE matrix.stage_counters
		SET slots_filled = slots_filled + $3,
			qualified_slots_filled = qualified_slots_filled + $4
		WHERE user_id = $1 AND stage = $2
		RETURNING `+counterColumns,
		userID, int16(s), slots, qualified))
	if errors.Is(err, pgx.ErrNoRows) {
		return matrix.Counter{}, fmt.Errorf("counter %s/%s missing", userID, s)
	}
	return c, err
}

func (l *ledger) MarkCounterComplete(ctx context.Context, userID string, s stage.Stage) (bool, error) {
	cmd, err := l.tx.Exec(ctx, `
		UPDATE matrix.stage_counters
		SET is_complete = true, completed_at = now()
		WHERE user_id = $1 AND stage = $2 AND NOT is_complete
	`, userID, int16(s))
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (l *ledger) ReadyCounters(ctx context.Context, terminal stage.Stage, limit int) ([]matrix.Counter, error) {
	rows, err := l.tx.Query(ctx, `
		SELECT c.user_id, c.stage, c.slots_filled, c.qualified_slots_filled, c.slots_required, c.is_complete
		FROM matrix.stage_counters c
		JOIN matrix.users u ON u.id = c.user_id AND u.current_stage = c.stage
		WHERE NOT c.is_complete
		  AND c.qualified_slots_filled >= c.slots_required
		  AND c.stage < $1
		ORDER BY c.user_id
		LIMIT $2
	`, int16(terminal), limit)
	if err != nil {
		return nil, err
	}
	return collectCounters(rows)
}

func (l *ledger) InsertMembership(ctx context.Context, m matrix.Membership) (bool, error) {
	cmd, err := l.tx.Exec(ctx, `
		INSERT INTO matrix.stage_memberships (matrix_owner_id, matrix_stage, member_id, member_stage_at_placement, is_qualified, qualified_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (matrix_owner_id, matrix_stage, member_id) DO NOTHING
	`, m.OwnerID, int16(m.Stage), m.MemberID, int16(m.MemberStageAtPlacement), m.IsQualified, m.QualifiedAt)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (l *ledger) UnqualifiedMemberships(ctx context.Context, memberID string, matrixStage stage.Stage) ([]matrix.Membership, error) {
	rows, err := l.tx.Query(ctx, `
		SELECT matrix_owner_id, matrix_stage, member_id, member_stage_at_placement
		FROM matrix.stage_memberships
		WHERE member_id = $1 AND matrix_stage = $2 AND NOT is_qualified
		ORDER BY created_at, matrix_owner_id
		FOR UPDATE
	`, memberID, int16(matrixStage))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []matrix.Membership
	for rows.Next() {
		var (
			m            matrix.Membership
			st, memberSt int16
		)
		if err := rows.Scan(&m.OwnerID, &st, &m.MemberID, &memberSt); err != nil {
			return nil, err
		}
		m.Stage = stage.Stage(st)
		m.MemberStageAtPlacement = stage.Stage(memberSt)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (l *ledger) QualifyMembership(ctx context.Context, ownerID string, s stage.Stage, memberID string, at time.Time) (bool, error) {
	cmd, err := l.tx.Exec(ctx, `
		UPDATE matrix.stage_memberships
		SET is_qualified = true, qualified_at = $4
		WHERE matrix_owner_id = $1 AND matrix_stage = $2 AND member_id = $3 AND NOT is_qualified
	`, ownerID, int16(s), memberID, at)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (l *ledger) InsertEarning(ctx context.Context, e matrix.Earning) (int64, error) {
	var id int64
	err := l.tx.QueryRow(ctx, `
		INSERT INTO matrix.referral_earnings (owner_id, referred_member_id, stage, amount_micros, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, e.OwnerID, e.MemberID, int16(e.Stage), e.AmountMicros, string(e.Status), e.CreatedAt).Scan(&id)
	return id, err
}

func (l *ledger) HeldEarnings(ctx context.Context, ownerID string) ([]matrix.Earning, error) {
	rows, err := l.tx.Query(ctx, `
		SELECT id, owner_id, referred_member_id, stage, amount_micros, status, created_at
		FROM matrix.referral_earnings
		WHERE owner_id = $1 AND status = 'held'
		ORDER BY id
		FOR UPDATE
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []matrix.Earning
	for rows.Next() {
		var (
			e      matrix.Earning
			st     int16
			status string
		)
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.MemberID, &st, &e.AmountMicros, &status, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Stage = stage.Stage(st)
		e.Status = matrix.EarningStatus(status)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (l *ledger) CompleteEarning(ctx context.Context, id int64, at time.Time) (bool, error) {
	cmd, err := l.tx.Exec(ctx, `
		UPDATE matrix.referral_earnings
		SET status = 'completed', released_at = $2
		WHERE id = $1 AND status = 'held'
	`, id, at)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (l *ledger) Wallet(ctx context.Context, userID string) (matrix.Wallet, error) {
	w := matrix.Wallet{UserID: userID}
	err := l.tx.QueryRow(ctx, `
		SELECT balance_micros, total_earned_micros, total_withdrawn_micros
		FROM matrix.wallets
		WHERE user_id = $1
	`, userID).Scan(&w.BalanceMicros, &w.TotalEarnedMicros, &w.TotalWithdrawnMicros)
	if errors.Is(err, pgx.ErrNoRows) {
		return matrix.Wallet{}, fmt.Errorf("%w: wallet %s", matrix.ErrUserNotFound, userID)
	}
	return w, err
}

func (l *ledger) CreditWallet(ctx context.Context, userID string, amountMicros int64) error {
	cmd, err := l.tx.Exec(ctx, `
		UPDATE matrix.wallets
		SET balance_micros = balance_micros + $2,
			total_earned_micros = total_earned_micros + $2,
			updated_at = now()
		WHERE user_id = $1
	`, userID, amountMicros)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("%w: wallet %s", matrix.ErrUserNotFound, userID)
	}
	return nil
}

func (l *ledger) AppendTransaction(ctx context.Context, t matrix.WalletTransaction) error {
	_, err := l.tx.Exec(ctx, `
		INSERT INTO matrix.wallet_transactions (id, user_id, kind, amount_micros, stage, reference_user_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, t.ID, t.UserID, string(t.Kind), t.AmountMicros, int16(t.Stage), nullable(t.ReferenceUserID), t.CreatedAt)
	return err
}

func (l *ledger) AppendProgression(ctx context.Context, p matrix.Progression) error {
	_, err := l.tx.Exec(ctx, `
		INSERT INTO matrix.stage_progressions (user_id, from_stage, to_stage, qualified_count_at_promotion, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, p.UserID, int16(p.FromStage), int16(p.ToStage), p.QualifiedCount, p.CreatedAt)
	return err
}

package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"stagematrix/internal/metrics"
	"stagematrix/internal/stage"
)

type Options struct {
	Catalog   *stage.Catalog
	Publisher Publisher
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

// Engine places paid members into stage matrices, credits matrix owners and
// drives stage progression. Every public operation is one Store transaction.
type Engine struct {
	store   Store
	catalog *stage.Catalog
	pub     Publisher
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	codes   func() (string, error)
}

func NewEngine(store Store, opts Options) *Engine {
	if opts.Catalog == nil {
		opts.Catalog = stage.Default()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store:   store,
		catalog: opts.Catalog,
		pub:     opts.Publisher,
		log:     opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Now,
		codes:   generateReferralCode,
	}
}

func (e *Engine) Catalog() *stage.Catalog {
	return e.catalog
}

type ReferralResult struct {
	Success   bool       `json:"success"`
	Message   string     `json:"message"`
	Placement *Placement `json:"placement,omitempty"`
}

type Placement struct {
	ReferrerID string      `json:"referrer_id"`
	MemberID   string      `json:"member_id"`
	ParentID   string      `json:"parent_id"`
	Stage      stage.Stage `json:"stage"`
	Side       Side        `json:"side"`
	Depth      int         `json:"depth"`
	Qualified  bool        `json:"qualified"`
	Credits    []Credit    `json:"credits"`
	Promotions []Promotion `json:"promotions,omitempty"`
}

type Promotion struct {
	UserID         string      `json:"user_id"`
	FromStage      stage.Stage `json:"from_stage"`
	ToStage        stage.Stage `json:"to_stage"`
	QualifiedCount int         `json:"qualified_count"`
	ReleasedMicros int64       `json:"released_micros,omitempty"`
}

type ProgressionResult struct {
	UserID     string      `json:"user_id"`
	Stage      stage.Stage `json:"stage"`
	Promotions []Promotion `json:"promotions"`
}

// ProcessReferral places a paid member under the referrer's current-stage
// matrix and runs crediting and progression for the chain it triggers.
// Precondition failures come back as an unsuccessful result; only faults
// are returned as errors.
func (e *Engine) ProcessReferral(ctx context.Context, referrerID, memberID string) (ReferralResult, error) {
	referrerID = strings.TrimSpace(referrerID)
	memberID = strings.TrimSpace(memberID)
	if referrerID == "" || memberID == "" {
		return e.rejected("missing_ids", "referrer and member are required"), nil
	}

	var (
		out ReferralResult
		r   *run
	)
	err := e.store.InTx(ctx, func(ctx context.Context, l Ledger) error {
		r = e.newRun(l)
		res, err := r.processReferral(ctx, referrerID, memberID)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		return ReferralResult{}, err
	}
	if !out.Success {
		e.metrics.ReferralRejected(r.rejectReason)
		return out, nil
	}

	p := out.Placement
	e.metrics.Placement(p.Stage.String())
	e.finish(ctx, r)
	e.log.Info("referral placed",
		"referrer_id", referrerID,
		"member_id", memberID,
		"parent_id", p.ParentID,
		"stage", p.Stage.String(),
		"side", string(p.Side),
		"depth", p.Depth,
		"qualified", p.Qualified,
		"credits", len(p.Credits),
		"promotions", len(p.Promotions),
	)
	return out, nil
}

// CheckLevelProgression re-evaluates a user's current stage counter and
// promotes when it has met its threshold. Safe to call repeatedly.
func (e *Engine) CheckLevelProgression(ctx context.Context, userID string) (ProgressionResult, error) {
	userID = strings.TrimSpace(userID)
	var (
		out ProgressionResult
		r   *run
	)
	err := e.store.InTx(ctx, func(ctx context.Context, l Ledger) error {
		r = e.newRun(l)
		if _, err := l.UserByID(ctx, userID); err != nil {
			return err
		}
		r.enqueue(userID)
		if err := r.drain(ctx); err != nil {
			return err
		}
		u, err := l.UserByID(ctx, userID)
		if err != nil {
			return err
		}
		out = ProgressionResult{UserID: userID, Stage: u.Stage, Promotions: r.promotions}
		return nil
	})
	if err != nil {
		return ProgressionResult{}, err
	}
	e.finish(ctx, r)
	return out, nil
}

func (e *Engine) rejected(reason, message string) ReferralResult {
	e.metrics.ReferralRejected(reason)
	return ReferralResult{Success: false, Message: message}
}

// finish runs after commit: metrics and best-effort event publication.
func (e *Engine) finish(ctx context.Context, r *run) {
	e.metrics.ProgressionChecks(r.checks)
	for _, p := range r.promotions {
		e.metrics.Promotion(p.ToStage.String())
	}
	for _, ev := range r.events {
		if ev.Type == EventEarningsReleased {
			e.metrics.Released(ev.EarningsCount, stage.MicrosToUnits(ev.AmountMicros))
		}
	}
	e.emit(ctx, r.events)
}

func (e *Engine) emit(ctx context.Context, events []Event) {
	if e.pub == nil {
		return
	}
	for _, ev := range events {
		if err := e.pub.Publish(ctx, ev); err != nil {
			e.metrics.PublishFailed(string(ev.Type))
			e.log.Warn("publish event failed",
				"err", err,
				"event_id", ev.ID,
				"type", string(ev.Type),
				"user_id", ev.UserID,
			)
		}
	}
}

// run carries the state of one transaction attempt: the progression work
// queue, the promotions performed and the events waiting for commit.
type run struct {
	e            *Engine
	l            Ledger
	now          time.Time
	pending      []string
	checks       int
	promotions   []Promotion
	events       []Event
	rejectReason string
}

func (e *Engine) newRun(l Ledger) *run {
	return &run{e: e, l: l, now: e.now().UTC()}
}

func (r *run) reject(reason, message string) ReferralResult {
	r.rejectReason = reason
	return ReferralResult{Success: false, Message: message}
}

func (r *run) processReferral(ctx context.Context, referrerID, memberID string) (ReferralResult, error) {
	referrer, err := r.l.UserByID(ctx, referrerID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return ReferralResult{}, fmt.Errorf("%w: %s", ErrReferrerNotFound, referrerID)
		}
		return ReferralResult{}, err
	}
	member, err := r.l.UserByID(ctx, memberID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return r.reject("member_not_found", "member not found"), nil
		}
		return ReferralResult{}, err
	}
	if member.ID == referrer.ID {
		return r.reject("self_referral", "cannot refer yourself"), nil
	}
	paid, err := r.l.HasConfirmedPayment(ctx, member.ID)
	if err != nil {
		return ReferralResult{}, err
	}
	if !paid {
		return r.reject("unpaid", "member must pay first"), nil
	}

	placement, refusal, err := r.place(ctx, referrer, member)
	if err != nil {
		return ReferralResult{}, err
	}
	switch refusal {
	case refusalPlaced:
		return r.reject(refusal, fmt.Sprintf("member already placed in the %s matrix", referrer.Stage)), nil
	case refusalCycle:
		return r.reject(refusal, "referrer sits in the member's own downline"), nil
	}
	if err := r.drain(ctx); err != nil {
		return ReferralResult{}, err
	}
	placement.Promotions = r.promotions
	return ReferralResult{
		Success:   true,
		Message:   "referral processed",
		Placement: &placement,
	}, nil
}

func (r *run) enqueue(userID string) {
	r.pending = append(r.pending, userID)
}

// drain works the progression queue until no queued owner can advance.
// Termination: every promotion consumes a stage and every cascade step
// consumes an unqualified membership row.
func (r *run) drain(ctx context.Context) error {
	for len(r.pending) > 0 {
		userID := r.pending[0]
		r.pending = r.pending[1:]
		r.checks++
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := r.promote(ctx, userID); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) event(ev Event) {
	ev.ID = uuid.NewString()
	ev.OccurredAt = r.now
	r.events = append(r.events, ev)
}

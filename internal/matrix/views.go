package matrix

import (
	"context"
	"errors"

	"stagematrix/internal/stage"
)

const (
	DefaultTreeDepth = 4
	MaxTreeDepth     = 10
)

type TreeNode struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	ParentID string `json:"parent_id,omitempty"`
	Side     Side   `json:"side,omitempty"`
	Depth    int    `json:"depth"`
}

type MatrixTree struct {
	OwnerID string      `json:"owner_id"`
	Stage   stage.Stage `json:"stage"`
	Depth   int         `json:"depth"`
	Nodes   []TreeNode  `json:"nodes"`
}

// MatrixTree lists ownerID's tree for s in breadth-first order down to depth
// levels below the root. An owner without a tree gets just the root entry.
func (e *Engine) MatrixTree(ctx context.Context, ownerID string, s stage.Stage, depth int) (MatrixTree, error) {
	if depth <= 0 {
		depth = DefaultTreeDepth
	}
	if depth > MaxTreeDepth {
		depth = MaxTreeDepth
	}
	out := MatrixTree{OwnerID: ownerID, Stage: s, Depth: depth}
	err := e.store.InTx(ctx, func(ctx context.Context, l Ledger) error {
		owner, err := l.UserByID(ctx, ownerID)
		if err != nil {
			return err
		}
		out.Nodes = []TreeNode{{UserID: owner.ID, Username: owner.Username}}

		type item struct {
			node  Node
			depth int
		}
		root, ok, err := l.Node(ctx, ownerID, s)
		if err != nil || !ok {
			return err
		}
		queue := []item{{node: root}}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			if cur.depth >= depth {
				continue
			}
			for _, side := range []Side{SideLeft, SideRight} {
				childID := cur.node.Child(side)
				if childID == "" {
					continue
				}
				child, ok, err := l.Node(ctx, childID, s)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				u, err := l.UserByID(ctx, childID)
				if err != nil {
					return err
				}
				out.Nodes = append(out.Nodes, TreeNode{
					UserID:   childID,
					Username: u.Username,
					ParentID: cur.node.OwnerID,
					Side:     side,
					Depth:    cur.depth + 1,
				})
				queue = append(queue, item{node: child, depth: cur.depth + 1})
			}
		}
		return nil
	})
	if err != nil {
		return MatrixTree{}, err
	}
	return out, nil
}

type Summary struct {
	User       User        `json:"user"`
	Wallet     Wallet      `json:"wallet"`
	Counters   []Counter   `json:"counters"`
	HeldMicros int64       `json:"held_micros"`
	HeldCount  int         `json:"held_count"`
	NextStage  stage.Stage `json:"next_stage,omitempty"`
	Incentives []string    `json:"incentives,omitempty"`
}

func (e *Engine) Summary(ctx context.Context, userID string) (Summary, error) {
	var out Summary
	err := e.store.InTx(ctx, func(ctx context.Context, l Ledger) error {
		u, err := l.UserByID(ctx, userID)
		if err != nil {
			return err
		}
		w, err := l.Wallet(ctx, userID)
		if err != nil {
			return err
		}
		counters, err := l.Counters(ctx, userID)
		if err != nil {
			return err
		}
		held, err := l.HeldEarnings(ctx, userID)
		if err != nil {
			return err
		}
		out = Summary{User: u, Wallet: w, Counters: counters, HeldCount: len(held)}
		for _, h := range held {
			out.HeldMicros += h.AmountMicros
		}
		if next, ok := e.catalog.Next(u.Stage); ok {
			out.NextStage = next
		}
		out.Incentives = e.catalog.Incentives(u.Stage)
		return nil
	})
	if err != nil {
		return Summary{}, err
	}
	return out, nil
}

type SweepResult struct {
	Checked    int         `json:"checked"`
	Failed     int         `json:"failed"`
	Promotions []Promotion `json:"promotions"`
}

// SweepProgression re-runs progression for members whose current-stage
// counter met its threshold without a promotion being recorded. Each member
// gets its own transaction; a failure is logged and the sweep moves on.
func (e *Engine) SweepProgression(ctx context.Context, limit int) (SweepResult, error) {
	if limit <= 0 {
		limit = 100
	}
	var ready []Counter
	err := e.store.InTx(ctx, func(ctx context.Context, l Ledger) error {
		var err error
		ready, err = l.ReadyCounters(ctx, e.catalog.Terminal(), limit)
		return err
	})
	if err != nil {
		return SweepResult{}, err
	}

	out := SweepResult{Promotions: []Promotion{}}
	for _, c := range ready {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		out.Checked++
		res, err := e.CheckLevelProgression(ctx, c.UserID)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return out, err
			}
			out.Failed++
			e.log.Error("sweep progression failed", "err", err, "user_id", c.UserID, "stage", c.Stage.String())
			continue
		}
		out.Promotions = append(out.Promotions, res.Promotions...)
	}
	if out.Checked > 0 {
		e.log.Info("progression sweep finished", "checked", out.Checked, "promoted", len(out.Promotions), "failed", out.Failed)
	}
	return out, nil
}

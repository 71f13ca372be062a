package matrix

import (
	"context"
	"fmt"

	"stagematrix/internal/stage"
)

// ensureInitialized creates the owner's counter and root node for s when
// they are missing and returns the locked root.
func (r *run) ensureInitialized(ctx context.Context, ownerID string, s stage.Stage) (Node, error) {
	if _, err := r.l.EnsureCounter(ctx, ownerID, s, r.e.catalog.Required(s)); err != nil {
		return Node{}, fmt.Errorf("ensure counter: %w", err)
	}
	root, err := r.l.EnsureRoot(ctx, ownerID, s)
	if err != nil {
		return Node{}, fmt.Errorf("ensure root: %w", err)
	}
	return root, nil
}

// place attaches member under the first open slot of the referrer's
// current-stage tree and credits the slot owner and its matrix upline. A
// non-empty refusal names why nothing was written.
//
// A member who already owns a parentless tree at this stage (their own
// downline was placed before they were) is adopted: the existing node moves
// under the slot with its subtree.
func (r *run) place(ctx context.Context, referrer, member User) (Placement, string, error) {
	s := referrer.Stage
	root, err := r.ensureInitialized(ctx, referrer.ID, s)
	if err != nil {
		return Placement{}, "", err
	}
	existing, exists, err := r.l.Node(ctx, member.ID, s)
	if err != nil {
		return Placement{}, "", err
	}
	if exists && existing.ParentID != "" {
		return Placement{}, refusalPlaced, nil
	}

	parent, side, depth, err := r.findOpenSlot(ctx, root)
	if err != nil {
		return Placement{}, "", err
	}
	if exists {
		cycle, err := r.isAncestor(ctx, member.ID, parent)
		if err != nil {
			return Placement{}, "", err
		}
		if cycle {
			return Placement{}, refusalCycle, nil
		}
	}
	attached, err := r.l.AttachChild(ctx, parent.OwnerID, s, side, member.ID)
	if err != nil {
		return Placement{}, "", err
	}
	if !attached {
		return Placement{}, "", ErrSlotTaken
	}
	var linked bool
	if exists {
		linked, err = r.l.AdoptNode(ctx, member.ID, s, parent.OwnerID)
	} else {
		linked, err = r.l.CreateNode(ctx, Node{OwnerID: member.ID, Stage: s, ParentID: parent.OwnerID})
	}
	if err != nil {
		return Placement{}, "", err
	}
	if !linked {
		return Placement{}, "", ErrSlotTaken
	}

	credits, err := r.creditUpline(ctx, parent, member)
	if err != nil {
		return Placement{}, "", err
	}

	out := Placement{
		ReferrerID: referrer.ID,
		MemberID:   member.ID,
		ParentID:   parent.OwnerID,
		Stage:      s,
		Side:       side,
		Depth:      depth,
		Credits:    credits,
	}
	if len(credits) > 0 {
		out.Qualified = credits[0].Qualified
	}
	return out, "", nil
}

const (
	refusalPlaced = "already_placed"
	refusalCycle  = "placement_cycle"
)

// isAncestor reports whether ownerID sits on the parent chain of n,
// n included.
func (r *run) isAncestor(ctx context.Context, ownerID string, n Node) (bool, error) {
	seen := map[string]bool{}
	for {
		if n.OwnerID == ownerID {
			return true, nil
		}
		if n.ParentID == "" || seen[n.OwnerID] {
			return false, nil
		}
		seen[n.OwnerID] = true
		next, ok, err := r.l.Node(ctx, n.ParentID, n.Stage)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		n = next
	}
}

type slotCursor struct {
	ownerID string
	depth   int
}

// findOpenSlot walks the tree breadth-first from root. The first node with
// an empty side wins, left before right, in strict FIFO order. depth is the
// depth the new member lands at (1 for a direct child of root).
func (r *run) findOpenSlot(ctx context.Context, root Node) (Node, Side, int, error) {
	s := root.Stage
	queue := []slotCursor{{ownerID: root.OwnerID}}
	seen := map[string]bool{}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur.ownerID] {
			continue
		}
		seen[cur.ownerID] = true

		node := root
		if cur.ownerID != root.OwnerID {
			var ok bool
			var err error
			node, ok, err = r.l.Node(ctx, cur.ownerID, s)
			if err != nil {
				return Node{}, "", 0, err
			}
			if !ok {
				continue
			}
		}
		if node.LeftChildID == "" {
			return node, SideLeft, cur.depth + 1, nil
		}
		if node.RightChildID == "" {
			return node, SideRight, cur.depth + 1, nil
		}
		queue = append(queue,
			slotCursor{ownerID: node.LeftChildID, depth: cur.depth + 1},
			slotCursor{ownerID: node.RightChildID, depth: cur.depth + 1},
		)
	}
	return Node{}, "", 0, fmt.Errorf("%w: owner %s stage %s", ErrNoOpenSlot, root.OwnerID, s)
}

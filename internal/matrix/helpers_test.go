package matrix_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stagematrix/internal/matrix"
	"stagematrix/internal/memstore"
	"stagematrix/internal/stage"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []matrix.Event
	err    error
}

func (r *recorder) Publish(_ context.Context, ev matrix.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recorder) ofType(t matrix.EventType) []matrix.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []matrix.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	engine *matrix.Engine
	store  *memstore.Store
	pub    *recorder
	seq    int
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithCatalog(t, stage.Default())
}

func newHarnessWithCatalog(t *testing.T, catalog *stage.Catalog) *harness {
	t.Helper()
	store := memstore.New()
	pub := &recorder{}
	e := matrix.NewEngine(store, matrix.Options{
		Catalog:   catalog,
		Publisher: pub,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:       func() time.Time { return fixedNow },
	})
	return &harness{t: t, ctx: context.Background(), engine: e, store: store, pub: pub}
}

func wideCatalog(t *testing.T) *stage.Catalog {
	t.Helper()
	c, err := stage.ParseYAML([]byte("stages:\n  - name: no_stage\n    required_qualified_slots: 1000\n"))
	require.NoError(t, err)
	return c
}

// member registers and pays for a fresh NoStage member.
func (h *harness) member(name string) matrix.User {
	h.t.Helper()
	u, err := h.engine.RegisterMember(h.ctx, matrix.RegisterInput{Email: name + "@example.com", Username: name})
	require.NoError(h.t, err)
	u, err = h.engine.ConfirmPayment(h.ctx, u.ID)
	require.NoError(h.t, err)
	return u
}

func (h *harness) fresh() matrix.User {
	h.seq++
	return h.member(fmt.Sprintf("member%03d", h.seq))
}

func (h *harness) refer(referrer, member matrix.User) *matrix.Placement {
	h.t.Helper()
	res, err := h.engine.ProcessReferral(h.ctx, referrer.ID, member.ID)
	require.NoError(h.t, err)
	require.True(h.t, res.Success, res.Message)
	require.NotNil(h.t, res.Placement)
	return res.Placement
}

func (h *harness) user(id string) matrix.User {
	h.t.Helper()
	u, ok := h.store.User(id)
	require.True(h.t, ok, "user %s", id)
	return u
}

func (h *harness) counter(id string, s stage.Stage) matrix.Counter {
	h.t.Helper()
	c, ok := h.store.Counter(id, s)
	require.True(h.t, ok, "counter %s/%s", id, s)
	return c
}

// assertConservation checks every counter against the membership rows it
// summarises.
func (h *harness) assertConservation() {
	h.t.Helper()
	type key struct {
		owner string
		stage stage.Stage
	}
	slots := map[key]int{}
	qualified := map[key]int{}
	for _, m := range h.store.Memberships() {
		k := key{m.OwnerID, m.Stage}
		slots[k]++
		if m.IsQualified {
			qualified[k]++
		}
	}
	for _, c := range h.store.AllCounters() {
		k := key{c.UserID, c.Stage}
		require.Equal(h.t, slots[k], c.SlotsFilled, "slots for %s/%s", c.UserID, c.Stage)
		require.Equal(h.t, qualified[k], c.QualifiedSlotsFilled, "qualified for %s/%s", c.UserID, c.Stage)
	}
}

// assertSlotUniqueness checks that no node is the child of two parents and
// that child links and parent links agree.
func (h *harness) assertSlotUniqueness(s stage.Stage) {
	h.t.Helper()
	nodes := h.store.Nodes(s)
	byOwner := map[string]matrix.Node{}
	for _, n := range nodes {
		byOwner[n.OwnerID] = n
	}
	parentOf := map[string]string{}
	for _, n := range nodes {
		for _, child := range []string{n.LeftChildID, n.RightChildID} {
			if child == "" {
				continue
			}
			prev, dup := parentOf[child]
			require.False(h.t, dup, "%s is a child of %s and %s", child, prev, n.OwnerID)
			parentOf[child] = n.OwnerID
			require.Equal(h.t, n.OwnerID, byOwner[child].ParentID)
		}
	}
	for _, n := range nodes {
		if n.ParentID != "" {
			require.Equal(h.t, n.ParentID, parentOf[n.OwnerID], "orphan link for %s", n.OwnerID)
		}
	}
}

package pgstore_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stagematrix/internal/db"
	"stagematrix/internal/matrix"
	"stagematrix/internal/pgstore"
	"stagematrix/internal/stage"
)

// The tests below need a scratch PostgreSQL database. They write rows with
// fresh ids on every run and never truncate.
func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	url := strings.TrimSpace(os.Getenv("MATRIX_TEST_DATABASE_URL"))
	if url == "" {
		t.Skip("MATRIX_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pool, err := db.Connect(ctx, url, db.PoolOptions{MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, db.Migrate(ctx, pool))
	return pgstore.New(pool, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
}

func uniqueName(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func seedUser(t *testing.T, ctx context.Context, l matrix.Ledger) matrix.User {
	t.Helper()
	name := uniqueName("pg")
	u := matrix.User{
		ID:           uuid.NewString(),
		Email:        name + "@example.com",
		Username:     name,
		Stage:        stage.NoStage,
		ReferralCode: strings.ToUpper(name),
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, l.CreateUser(ctx, u))
	return u
}

func TestLedgerConflictIgnoreSQL(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	err := store.InTx(ctx, func(ctx context.Context, l matrix.Ledger) error {
		alice, bob, carol := seedUser(t, ctx, l), seedUser(t, ctx, l), seedUser(t, ctx, l)

		_, err := l.EnsureRoot(ctx, alice.ID, stage.NoStage)
		require.NoError(t, err)
		ok, err := l.AttachChild(ctx, alice.ID, stage.NoStage, matrix.SideLeft, bob.ID)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = l.AttachChild(ctx, alice.ID, stage.NoStage, matrix.SideLeft, carol.ID)
		require.NoError(t, err)
		assert.False(t, ok, "left slot already filled")

		ok, err = l.CreateNode(ctx, matrix.Node{OwnerID: bob.ID, Stage: stage.NoStage, ParentID: alice.ID})
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = l.CreateNode(ctx, matrix.Node{OwnerID: bob.ID, Stage: stage.NoStage, ParentID: alice.ID})
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = l.EnsureRoot(ctx, carol.ID, stage.NoStage)
		require.NoError(t, err)
		ok, err = l.AdoptNode(ctx, carol.ID, stage.NoStage, alice.ID)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = l.AdoptNode(ctx, carol.ID, stage.NoStage, bob.ID)
		require.NoError(t, err)
		assert.False(t, ok)

		m := matrix.Membership{OwnerID: alice.ID, Stage: stage.NoStage, MemberID: bob.ID, IsQualified: true}
		ok, err = l.InsertMembership(ctx, m)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = l.InsertMembership(ctx, m)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = l.EnsureCounter(ctx, alice.ID, stage.NoStage, 1)
		require.NoError(t, err)
		_, err = l.IncrementCounter(ctx, alice.ID, stage.NoStage, 1, 1)
		require.NoError(t, err)
		ready, err := l.ReadyCounters(ctx, stage.Infinity, 10_000)
		require.NoError(t, err)
		assert.True(t, containsCounter(ready, alice.ID), "alice met her threshold")

		ok, err = l.MarkCounterComplete(ctx, alice.ID, stage.NoStage)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = l.MarkCounterComplete(ctx, alice.ID, stage.NoStage)
		require.NoError(t, err)
		assert.False(t, ok)
		ready, err = l.ReadyCounters(ctx, stage.Infinity, 10_000)
		require.NoError(t, err)
		assert.False(t, containsCounter(ready, alice.ID))
		return nil
	})
	require.NoError(t, err)
}

func containsCounter(cs []matrix.Counter, userID string) bool {
	for _, c := range cs {
		if c.UserID == userID {
			return true
		}
	}
	return false
}

func TestCreateUserReportsReferralCodeCollision(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	var first matrix.User
	require.NoError(t, store.InTx(ctx, func(ctx context.Context, l matrix.Ledger) error {
		first = seedUser(t, ctx, l)
		return nil
	}))

	err := store.InTx(ctx, func(ctx context.Context, l matrix.Ledger) error {
		name := uniqueName("pg")
		return l.CreateUser(ctx, matrix.User{
			ID:           uuid.NewString(),
			Email:        name + "@example.com",
			Username:     name,
			ReferralCode: first.ReferralCode,
			CreatedAt:    time.Now().UTC(),
		})
	})
	require.ErrorIs(t, err, matrix.ErrReferralCodeTaken)

	err = store.InTx(ctx, func(ctx context.Context, l matrix.Ledger) error {
		return l.CreateUser(ctx, matrix.User{
			ID:           uuid.NewString(),
			Email:        first.Email,
			Username:     uniqueName("pg"),
			ReferralCode: strings.ToUpper(uniqueName("pg")),
			CreatedAt:    time.Now().UTC(),
		})
	})
	require.ErrorIs(t, err, matrix.ErrUserExists)
}

func TestEngineOnPostgres(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	engine := matrix.NewEngine(store, matrix.Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	member := func() matrix.User {
		name := uniqueName("m")
		u, err := engine.RegisterMember(ctx, matrix.RegisterInput{Email: name + "@example.com", Username: name})
		require.NoError(t, err)
		u, err = engine.ConfirmPayment(ctx, u.ID)
		require.NoError(t, err)
		return u
	}

	sponsor := member()
	var last matrix.ReferralResult
	for i := 0; i < 6; i++ {
		res, err := engine.ProcessReferral(ctx, sponsor.ID, member().ID)
		require.NoError(t, err)
		require.True(t, res.Success, res.Message)
		last = res
	}
	require.Len(t, last.Placement.Promotions, 1)
	assert.Equal(t, stage.Feeder, last.Placement.Promotions[0].ToStage)

	sum, err := engine.Summary(ctx, sponsor.ID)
	require.NoError(t, err)
	assert.Equal(t, stage.Feeder, sum.User.Stage)
	assert.Equal(t, int64(9_000_000), sum.Wallet.BalanceMicros)
	assert.Zero(t, sum.HeldCount)

	// Late referral of a member whose downline is already placed.
	anchor, delayed, early := member(), member(), member()
	res, err := engine.ProcessReferral(ctx, delayed.ID, early.ID)
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	res, err = engine.ProcessReferral(ctx, anchor.ID, delayed.ID)
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, anchor.ID, res.Placement.ParentID)

	tree, err := engine.MatrixTree(ctx, anchor.ID, stage.NoStage, 2)
	require.NoError(t, err)
	assert.Len(t, tree.Nodes, 3, "anchor, delayed and early")
}

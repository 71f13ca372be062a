package syncq

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushLoad(t *testing.T) {
	t.Setenv("MATRIXCTL_HOME", t.TempDir())

	empty, err := Load()
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, Push(Command{Method: "POST", Path: "/v1/referrals", IdempotencyKey: "a"}))
	require.NoError(t, Push(Command{Method: "POST", Path: "/v1/members/x/payment", IdempotencyKey: "b"}))

	got, err := Load()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].IdempotencyKey)
	assert.False(t, got[0].QueuedAt.IsZero())
}

func TestReplayStopsAtFirstKeep(t *testing.T) {
	t.Setenv("MATRIXCTL_HOME", t.TempDir())
	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, Push(Command{Method: "POST", Path: "/v1/referrals", IdempotencyKey: k}))
	}

	var seen []string
	done, discarded, kept, err := Replay(func(c Command) (Outcome, error) {
		seen = append(seen, c.IdempotencyKey)
		switch c.IdempotencyKey {
		case "a":
			return Done, nil
		case "b":
			return Discard, errors.New("422")
		default:
			return Keep, errors.New("connection refused")
		}
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, seen)
	assert.Equal(t, 1, done)
	assert.Equal(t, 1, discarded)
	assert.Equal(t, 2, kept)

	left, err := Load()
	require.NoError(t, err)
	require.Len(t, left, 2)
	assert.Equal(t, "c", left[0].IdempotencyKey)
	assert.Equal(t, 1, left[0].Attempts)
	assert.Equal(t, "connection refused", left[0].LastError)
	assert.Equal(t, "d", left[1].IdempotencyKey)
}

func TestReplayDrainsQueue(t *testing.T) {
	t.Setenv("MATRIXCTL_HOME", t.TempDir())
	require.NoError(t, Push(Command{Method: "POST", Path: "/v1/referrals", IdempotencyKey: "a"}))

	done, _, kept, err := Replay(func(Command) (Outcome, error) { return Done, nil })
	require.NoError(t, err)
	assert.Equal(t, 1, done)
	assert.Zero(t, kept)

	left, err := Load()
	require.NoError(t, err)
	assert.Empty(t, left)
}

package pgstore

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"stagematrix/internal/matrix"
)

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"serialization", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"wrapped serialization", fmt.Errorf("commit: %w", &pgconn.PgError{Code: "40001"}), true},
		{"slot taken", fmt.Errorf("attach: %w", matrix.ErrSlotTaken), true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"plain", errors.New("boom"), false},
		{"not found", matrix.ErrUserNotFound, false},
	}
	for _, tc := range cases {
		if got := isRetryable(tc.err); got != tc.want {
			t.Fatalf("%s: isRetryable = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestRetryBackoffCaps(t *testing.T) {
	d := firstRetry
	var seen []time.Duration
	for i := 0; i < maxAttempts; i++ {
		seen = append(seen, d)
		d = nextDelay(d)
	}
	assert.Equal(t, []time.Duration{
		75 * time.Millisecond,
		150 * time.Millisecond,
		300 * time.Millisecond,
		600 * time.Millisecond,
		1200 * time.Millisecond,
		1200 * time.Millisecond,
		1200 * time.Millisecond,
		1200 * time.Millisecond,
	}, seen)
}

func TestNullableRoundTrip(t *testing.T) {
	assert.Nil(t, nullable(""))
	assert.Equal(t, "", deref(nil))
	assert.Equal(t, "abc", deref(nullable("abc")))
}

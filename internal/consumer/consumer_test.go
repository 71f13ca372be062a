package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stagematrix/internal/cache"
	"stagematrix/internal/matrix"
	"stagematrix/internal/memstore"
	"stagematrix/internal/stage"
)

type fakeProcessor struct {
	mu    sync.Mutex
	calls int
	res   matrix.ReferralResult
	err   error
}

func (f *fakeProcessor) ProcessReferral(context.Context, string, string) (matrix.ReferralResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.res, f.err
}

func newDeduper(t *testing.T) (*cache.Deduper, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return cache.NewDeduper(rdb, "test:referral:", time.Hour), mr
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func body(t *testing.T, eventID, referrer, member string) []byte {
	t.Helper()
	b, err := json.Marshal(ReferralMessage{EventID: eventID, ReferrerID: referrer, MemberID: member, OccurredAt: time.Now()})
	require.NoError(t, err)
	return b
}

func TestHandleOutcomes(t *testing.T) {
	tests := []struct {
		name string
		body []byte
		res  matrix.ReferralResult
		err  error
		want outcome
	}{
		{"processed", nil, matrix.ReferralResult{Success: true}, nil, outcomeProcessed},
		{"precondition failure acked", nil, matrix.ReferralResult{Success: false, Message: "payment not confirmed"}, nil, outcomeRejected},
		{"unknown referrer dropped", nil, matrix.ReferralResult{}, fmt.Errorf("wrap: %w", matrix.ErrReferrerNotFound), outcomeFatal},
		{"conflict requeued", nil, matrix.ReferralResult{}, matrix.ErrTxConflict, outcomeRetry},
		{"infra error requeued", nil, matrix.ReferralResult{}, errors.New("connection reset"), outcomeRetry},
		{"not json", []byte("{nope"), matrix.ReferralResult{}, nil, outcomeMalformed},
		{"missing ids", []byte(`{"event_id":"e1","referrer_id":""}`), matrix.ReferralResult{}, nil, outcomeMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc := &fakeProcessor{res: tt.res, err: tt.err}
			c := New(Config{}, proc, nil, quiet(), nil)
			b := tt.body
			if b == nil {
				b = body(t, "evt-1", "ref", "mem")
			}
			assert.Equal(t, tt.want, c.handle(context.Background(), b))
		})
	}
}

func TestHandleDeduplicates(t *testing.T) {
	dedupe, _ := newDeduper(t)
	proc := &fakeProcessor{res: matrix.ReferralResult{Success: true}}
	c := New(Config{}, proc, dedupe, quiet(), nil)

	b := body(t, "evt-dup", "ref", "mem")
	assert.Equal(t, outcomeProcessed, c.handle(context.Background(), b))
	assert.Equal(t, outcomeDuplicate, c.handle(context.Background(), b))
	assert.Equal(t, 1, proc.calls)
}

func TestHandleMarksOnlyFinalOutcomes(t *testing.T) {
	dedupe, mr := newDeduper(t)
	proc := &fakeProcessor{err: matrix.ErrTxConflict}
	c := New(Config{}, proc, dedupe, quiet(), nil)

	b := body(t, "evt-retry", "ref", "mem")
	assert.Equal(t, outcomeRetry, c.handle(context.Background(), b))
	assert.False(t, mr.Exists("test:referral:evt-retry"))

	proc.err = nil
	proc.res = matrix.ReferralResult{Success: false, Message: "payment not confirmed"}
	assert.Equal(t, outcomeRejected, c.handle(context.Background(), b))
	assert.True(t, mr.Exists("test:referral:evt-retry"))
	assert.Equal(t, outcomeDuplicate, c.handle(context.Background(), b))
	assert.Equal(t, 2, proc.calls)
}

// brokenDeduper never remembers anything and fails every write.
type brokenDeduper struct {
	markErr error
}

func (d *brokenDeduper) Seen(context.Context, string) (bool, error) {
	return false, nil
}

func (d *brokenDeduper) Mark(context.Context, string) error {
	return d.markErr
}

func TestRedeliveryAfterFailedRetryIsProcessed(t *testing.T) {
	dedupe := &brokenDeduper{markErr: errors.New("i/o timeout")}
	proc := &fakeProcessor{err: matrix.ErrTxConflict}
	c := New(Config{}, proc, dedupe, quiet(), nil)

	b := body(t, "evt-flaky", "ref", "mem")
	assert.Equal(t, outcomeRetry, c.handle(context.Background(), b))

	proc.err = nil
	proc.res = matrix.ReferralResult{Success: true}
	assert.Equal(t, outcomeProcessed, c.handle(context.Background(), b))
	assert.Equal(t, 2, proc.calls)
}

func TestHandleProcessesWhenRedisIsDown(t *testing.T) {
	dedupe, mr := newDeduper(t)
	mr.Close()
	proc := &fakeProcessor{res: matrix.ReferralResult{Success: true}}
	c := New(Config{}, proc, dedupe, quiet(), nil)

	assert.Equal(t, outcomeProcessed, c.handle(context.Background(), body(t, "evt-x", "ref", "mem")))
	assert.Equal(t, 1, proc.calls)
}

func TestSuperviseReturnsWhenDeliveriesStop(t *testing.T) {
	c := New(Config{Workers: 3}, &fakeProcessor{}, nil, quiet(), nil)
	msgs := make(chan amqp.Delivery)
	close(msgs)

	done := make(chan error, 1)
	go func() { done <- c.supervise(context.Background(), msgs, nil, nil) }()
	select {
	case err := <-done:
		assert.EqualError(t, err, "delivery stream closed")
	case <-time.After(2 * time.Second):
		t.Fatal("supervise did not return after the delivery stream closed")
	}
}

func TestSuperviseReturnsOnChannelClose(t *testing.T) {
	c := New(Config{Workers: 2}, &fakeProcessor{}, nil, quiet(), nil)
	msgs := make(chan amqp.Delivery)
	chanClosed := make(chan *amqp.Error, 1)
	chanClosed <- &amqp.Error{Code: 404, Reason: "NOT_FOUND - no queue"}

	done := make(chan error, 1)
	go func() { done <- c.supervise(context.Background(), msgs, nil, chanClosed) }()
	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "channel closed")
	case <-time.After(2 * time.Second):
		t.Fatal("supervise did not return after the channel closed")
	}
}

func TestSuperviseStopsOnCancel(t *testing.T) {
	c := New(Config{Workers: 2}, &fakeProcessor{}, nil, quiet(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, c.supervise(ctx, make(chan amqp.Delivery), nil, nil))
}

func TestHandleDrivesEngine(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	engine := matrix.NewEngine(store, matrix.Options{Logger: quiet()})

	register := func(email string) matrix.User {
		u, err := engine.RegisterMember(ctx, matrix.RegisterInput{Email: email})
		require.NoError(t, err)
		_, err = engine.ConfirmPayment(ctx, u.ID)
		require.NoError(t, err)
		return u
	}
	referrer := register("lead@example.com")
	member := register("newbie@example.com")

	dedupe, _ := newDeduper(t)
	c := New(Config{}, engine, dedupe, quiet(), nil)

	assert.Equal(t, outcomeProcessed, c.handle(ctx, body(t, "evt-a", referrer.ID, member.ID)))
	// A fresh event id for the same pair is refused by the engine itself.
	assert.Equal(t, outcomeRejected, c.handle(ctx, body(t, "evt-b", referrer.ID, member.ID)))
	assert.Equal(t, outcomeFatal, c.handle(ctx, body(t, "evt-c", "ghost", member.ID)))

	node, ok := store.Node(member.ID, stage.NoStage)
	require.True(t, ok)
	assert.Equal(t, referrer.ID, node.ParentID)
}

func TestNewDefaults(t *testing.T) {
	c := New(Config{}, &fakeProcessor{}, nil, nil, nil)
	assert.Equal(t, 4, c.cfg.Workers)
	assert.Equal(t, 8, c.cfg.Prefetch)
	assert.NotNil(t, c.log)
}

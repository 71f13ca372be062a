// Package consumer feeds "referral paid" messages from RabbitMQ into the
// matrix engine.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"stagematrix/internal/matrix"
	"stagematrix/internal/metrics"
)

const (
	reconnectDelay       = 5 * time.Second
	maxReconnectAttempts = 10
	handleTimeout        = 30 * time.Second
)

type Config struct {
	URL      string
	Queue    string
	Prefetch int
	Workers  int
}

// ReferralMessage is the payload published when a referred member's joining
// fee clears.
type ReferralMessage struct {
	EventID    string    `json:"event_id"`
	ReferrerID string    `json:"referrer_id"`
	MemberID   string    `json:"member_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

type Processor interface {
	ProcessReferral(ctx context.Context, referrerID, memberID string) (matrix.ReferralResult, error)
}

// Deduper remembers message ids that reached a final outcome. A nil Deduper
// disables de-duplication and relies on the engine refusing repeat
// placements.
type Deduper interface {
	Seen(ctx context.Context, id string) (bool, error)
	Mark(ctx context.Context, id string) error
}

type outcome string

const (
	outcomeProcessed outcome = "processed"
	outcomeRejected  outcome = "rejected"
	outcomeDuplicate outcome = "duplicate"
	outcomeMalformed outcome = "malformed"
	outcomeFatal     outcome = "fatal"
	outcomeRetry     outcome = "retry"
)

type Consumer struct {
	cfg     Config
	proc    Processor
	dedupe  Deduper
	log     *slog.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel

	wg sync.WaitGroup
}

func New(cfg Config, proc Processor, dedupe Deduper, logger *slog.Logger, m *metrics.Metrics) *Consumer {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = cfg.Workers * 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{cfg: cfg, proc: proc, dedupe: dedupe, log: logger, metrics: m}
}

func (c *Consumer) connect() error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(
		c.cfg.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("set qos: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.channel = ch
	c.mu.Unlock()
	c.log.Info("connected to rabbitmq", "queue", c.cfg.Queue, "prefetch", c.cfg.Prefetch)
	return nil
}

func (c *Consumer) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Run consumes until ctx is cancelled, reconnecting with a growing delay
// when the broker connection drops.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.closeConn()
	failures := 0
	for {
		if err := c.connect(); err != nil {
			failures++
			if failures >= maxReconnectAttempts {
				return fmt.Errorf("rabbitmq unavailable after %d attempts: %w", failures, err)
			}
			delay := reconnectDelay * time.Duration(failures)
			c.log.Warn("rabbitmq connect failed, retrying", "attempt", failures, "delay", delay, "err", err)
			if err := sleep(ctx, delay); err != nil {
				return nil
			}
			continue
		}
		failures = 0

		err := c.consume(ctx)
		c.closeConn()
		if ctx.Err() != nil {
			return nil
		}
		c.log.Error("rabbitmq consumer interrupted", "err", err)
	}
}

func (c *Consumer) consume(ctx context.Context) error {
	c.mu.RLock()
	conn, channel := c.conn, c.channel
	c.mu.RUnlock()
	if channel == nil {
		return errors.New("channel is not initialized")
	}

	msgs, err := channel.Consume(
		c.cfg.Queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chanClosed := channel.NotifyClose(make(chan *amqp.Error, 1))
	return c.supervise(ctx, msgs, connClosed, chanClosed)
}

// supervise runs the workers until ctx ends, the connection or channel
// closes, or the delivery stream dries up. It returns only after every
// worker has exited.
func (c *Consumer) supervise(ctx context.Context, msgs <-chan amqp.Delivery, connClosed, chanClosed <-chan *amqp.Error) error {
	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.log.Info("starting consumer workers", "workers", c.cfg.Workers)
	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker(workCtx, msgs, i)
	}
	drained := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(drained)
	}()

	var cause error
	select {
	case <-ctx.Done():
	case amqpErr := <-connClosed:
		cause = fmt.Errorf("connection closed: %v", amqpErr)
	case amqpErr := <-chanClosed:
		cause = fmt.Errorf("channel closed: %v", amqpErr)
	case <-drained:
		if ctx.Err() == nil {
			cause = errors.New("delivery stream closed")
		}
	}
	cancel()
	<-drained
	return cause
}

func (c *Consumer) worker(ctx context.Context, msgs <-chan amqp.Delivery, workerID int) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				c.log.Warn("message channel closed", "worker_id", workerID)
				return
			}
			c.deliver(ctx, msg, workerID)
		}
	}
}

func (c *Consumer) deliver(ctx context.Context, msg amqp.Delivery, workerID int) {
	result := c.handle(ctx, msg.Body)
	c.metrics.Consumed(string(result))

	var err error
	switch result {
	case outcomeMalformed, outcomeFatal:
		err = msg.Nack(false, false)
	case outcomeRetry:
		err = msg.Nack(false, true)
	default:
		err = msg.Ack(false)
	}
	if err != nil {
		c.log.Error("acknowledge delivery failed", "worker_id", workerID, "outcome", string(result), "err", err)
	}
}

// handle runs one message body through the engine and decides its fate.
func (c *Consumer) handle(ctx context.Context, body []byte) outcome {
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	var msg ReferralMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		c.log.Error("malformed referral message", "err", err, "body", string(body))
		return outcomeMalformed
	}
	msg.EventID = strings.TrimSpace(msg.EventID)
	if msg.EventID == "" || strings.TrimSpace(msg.ReferrerID) == "" || strings.TrimSpace(msg.MemberID) == "" {
		c.log.Error("referral message missing ids", "event_id", msg.EventID)
		return outcomeMalformed
	}

	if c.dedupe != nil {
		seen, err := c.dedupe.Seen(ctx, msg.EventID)
		switch {
		case err != nil:
			c.log.Warn("dedupe check failed, processing anyway", "event_id", msg.EventID, "err", err)
		case seen:
			c.log.Debug("duplicate referral message", "event_id", msg.EventID)
			return outcomeDuplicate
		}
	}

	res, err := c.proc.ProcessReferral(ctx, msg.ReferrerID, msg.MemberID)
	if err != nil {
		if errors.Is(err, matrix.ErrReferrerNotFound) {
			c.log.Error("referral for unknown referrer dropped", "event_id", msg.EventID, "referrer_id", msg.ReferrerID)
			return outcomeFatal
		}
		c.log.Warn("referral processing failed, requeueing", "event_id", msg.EventID, "err", err)
		return outcomeRetry
	}
	c.mark(msg.EventID)
	if !res.Success {
		c.log.Warn("referral not processed",
			"event_id", msg.EventID,
			"referrer_id", msg.ReferrerID,
			"member_id", msg.MemberID,
			"reason", res.Message,
		)
		return outcomeRejected
	}
	return outcomeProcessed
}

// mark records a final outcome. A lost mark only costs one more engine
// call on redelivery.
func (c *Consumer) mark(id string) {
	if c.dedupe == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.dedupe.Mark(ctx, id); err != nil {
		c.log.Warn("dedupe mark failed", "event_id", id, "err", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

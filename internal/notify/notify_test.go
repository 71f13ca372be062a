package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stagematrix/internal/matrix"
	"stagematrix/internal/stage"
)

func sampleEvent() matrix.Event {
	return matrix.Event{
		ID:             "ev-1",
		Type:           matrix.EventStagePromoted,
		UserID:         "u-1",
		FromStage:      stage.NoStage,
		ToStage:        stage.Feeder,
		Incentives:     []string{"welcome pack"},
		QualifiedCount: 6,
		OccurredAt:     time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestEncodeEvent(t *testing.T) {
	msg, err := encodeEvent(sampleEvent())
	require.NoError(t, err)
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, "ev-1", msg.MessageId)
	assert.Equal(t, "stage.promoted", msg.Type)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, "feeder", decoded["to_stage"])
	assert.Equal(t, "no_stage", decoded["from_stage"])
}

func TestLogPublisher(t *testing.T) {
	var buf bytes.Buffer
	p := LogPublisher{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	require.NoError(t, p.Publish(context.Background(), sampleEvent()))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "matrix event", line["msg"])
	assert.Equal(t, "stage.promoted", line["type"])
	assert.Equal(t, "feeder", line["to"])
}

type failing struct{ calls int }

func (f *failing) Publish(context.Context, matrix.Event) error {
	f.calls++
	return errors.New("down")
}

func TestFanoutTriesEveryPublisher(t *testing.T) {
	a, b := &failing{}, &failing{}
	err := Fanout{a, LogPublisher{Logger: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))}, b}.Publish(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
}

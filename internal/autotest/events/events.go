// Package events publishes run and submission outcomes to a message queue.
package events

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"autotest/internal/common/mq"
	"autotest/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	TypeResultFinished = "result_finished"
	TypeRunFinished    = "run_finished"

	headerEventType = "x-event-type"
)

// Event is one outcome notification. ResultID is zero for run events.
type Event struct {
	Type       string    `json:"type"`
	RunID      int64     `json:"run_id"`
	AutoTestID int64     `json:"auto_test_id"`
	ResultID   int64     `json:"result_id,omitempty"`
	State      string    `json:"state"`
	Points     float64   `json:"points,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Publisher delivers events. Publish never fails the caller.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// OrNop returns p, or Nop when p is nil.
func OrNop(p Publisher) Publisher {
	if p == nil {
		return Nop{}
	}
	return p
}

// QueuePublisher publishes events as JSON to one topic, keyed by run id.
type QueuePublisher struct {
	producer mq.Producer
	topic    string
	timeout  time.Duration
}

// NewQueuePublisher creates a publisher. A non-positive timeout means 5s.
func NewQueuePublisher(producer mq.Producer, topic string, timeout time.Duration) *QueuePublisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &QueuePublisher{producer: producer, topic: topic, timeout: timeout}
}

// Publish sends event and logs failures.
func (p *QueuePublisher) Publish(ctx context.Context, event Event) {
	if event.FinishedAt.IsZero() {
		event.FinishedAt = time.Now()
	}
	body, err := json.Marshal(event)
	if err != nil {
		logger.Warn(ctx, "encode event failed", zap.String("type", event.Type), zap.Error(err))
		return
	}
	msg := mq.NewMessage(strconv.FormatInt(event.RunID, 10), body)
	msg.SetHeader(headerEventType, event.Type)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	if err := p.producer.Publish(ctx, p.topic, msg); err != nil {
		logger.Warn(ctx, "publish event failed",
			zap.String("type", event.Type),
			zap.String("topic", p.topic),
			zap.Error(err),
		)
	}
}

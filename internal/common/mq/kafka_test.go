package mq

import (
	"testing"
	"time"
)

func TestToKafkaMessage(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	msg := &Message{ID: "run-5", Body: []byte(`{"state":"done"}`), Timestamp: ts}
	msg.SetHeader("event", "run_finished")

	got := toKafkaMessage("autotest.events", msg)
	if got.Topic != "autotest.events" || string(got.Key) != "run-5" {
		t.Fatalf("unexpected topic or key: %s %s", got.Topic, got.Key)
	}
	if string(got.Value) != `{"state":"done"}` || !got.Time.Equal(ts) {
		t.Fatalf("unexpected value or time: %s %v", got.Value, got.Time)
	}
	headers := make(map[string]string, len(got.Headers))
	for _, h := range got.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["event"] != "run_finished" || headers[headerID] != "run-5" {
		t.Fatalf("unexpected headers %v", headers)
	}
	if headers[headerTimestamp] != ts.Format(time.RFC3339Nano) {
		t.Fatalf("unexpected timestamp header %q", headers[headerTimestamp])
	}
}

func TestToKafkaMessageFillsTimestamp(t *testing.T) {
	got := toKafkaMessage("t", &Message{Body: []byte("x")})
	if got.Time.IsZero() {
		t.Fatalf("expected timestamp to be filled")
	}
	if len(got.Key) != 0 {
		t.Fatalf("expected empty key, got %q", got.Key)
	}
}

func TestNewKafkaProducerRequiresBrokers(t *testing.T) {
	if _, err := NewKafkaProducer(KafkaConfig{}); err == nil {
		t.Fatalf("expected error without brokers")
	}
	p, err := NewKafkaProducer(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}})
	if err != nil {
		t.Fatalf("NewKafkaProducer failed: %v", err)
	}
	if p.config.BatchSize != 100 || p.config.WriteTimeout != 10*time.Second {
		t.Fatalf("defaults not applied: %+v", p.config)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

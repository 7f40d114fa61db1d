// Package trace mirrors agent run traces to a Kafka topic.
package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Span types.
const (
	SpanProvider  = "provider"
	SpanTool      = "tool"
	SpanTerminate = "terminate"
)

// EnvelopeTrace is the envelope type of every record this package writes.
const EnvelopeTrace = "trace"

// Record is one trace span of a run.
type Record struct {
	TraceID    string    `json:"trace_id"`
	SpanID     string    `json:"span_id"`
	SpanType   string    `json:"span_type"`
	Step       int       `json:"step"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	DurationMs int64     `json:"duration_ms"`
}

// Envelope wraps a record on the wire.
type Envelope struct {
	Type          string    `json:"type"`
	CorrelationID string    `json:"correlation_id"`
	SenderID      string    `json:"sender_id"`
	Timestamp     time.Time `json:"timestamp"`
	Payload       Record    `json:"payload"`
}

// Publisher receives trace records. Implementations must not block the run
// for long and failures are never fatal to it.
type Publisher interface {
	PublishTrace(ctx context.Context, rec Record) error
}

// Nop discards every record.
type Nop struct{}

func (Nop) PublishTrace(context.Context, Record) error { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes records keyed by trace id so one run stays on one
// partition.
type KafkaPublisher struct {
	w        messageWriter
	senderID string
}

// NewKafkaPublisher creates an asynchronous kafka-go writer for topic.
// Delivery errors are logged.
func NewKafkaPublisher(brokers []string, topic, senderID string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				slog.Warn("Trace delivery failed", "topic", topic, "count", len(msgs), "error", err)
			}
		},
	}
	return newKafkaPublisher(w, senderID)
}

func newKafkaPublisher(w messageWriter, senderID string) *KafkaPublisher {
	if senderID == "" {
		senderID = "goalrun"
	}
	return &KafkaPublisher{w: w, senderID: senderID}
}

// PublishTrace fills in missing ids and times and hands the record to the writer.
func (p *KafkaPublisher) PublishTrace(ctx context.Context, rec Record) error {
	if rec.SpanID == "" {
		rec.SpanID = uuid.NewString()
	}
	if rec.EndedAt.IsZero() {
		rec.EndedAt = time.Now()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = rec.EndedAt
	}
	rec.DurationMs = rec.EndedAt.Sub(rec.StartedAt).Milliseconds()

	env := Envelope{
		Type:          EnvelopeTrace,
		CorrelationID: rec.TraceID,
		SenderID:      p.senderID,
		Timestamp:     time.Now(),
		Payload:       rec,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}
	msg := kafka.Message{
		Key:     []byte(rec.TraceID),
		Value:   data,
		Headers: []kafka.Header{{Key: "span_type", Value: []byte(rec.SpanType)}},
		Time:    env.Timestamp,
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write trace: %w", err)
	}
	return nil
}

// Close flushes pending writes.
func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

package notify

import (
	"context"
	"encoding/json"

	"hiketrack/internal/stream"

	"github.com/segmentio/kafka-go"
)

// HubSink pushes anomaly frames to live viewers of the session.
type HubSink struct {
	hub *stream.Hub
}

func NewHubSink(hub *stream.Hub) *HubSink { return &HubSink{hub: hub} }

func (s *HubSink) Name() string { return "hub" }

func (s *HubSink) Deliver(_ context.Context, n Notice) error {
	return s.hub.Publish(n.Event.SessionID, stream.TypeAnomaly, n.Event.DetectedAt, n)
}

// MessageWriter is the part of *kafka.Writer the sink needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaSink publishes one message per notice, keyed by session id so a
// session's alerts stay ordered on one partition.
type KafkaSink struct {
	writer MessageWriter
}

func NewKafkaSink(w MessageWriter) *KafkaSink { return &KafkaSink{writer: w} }

// NewKafkaWriter builds a synchronous writer that waits for all replicas.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
		Async:        false,
	}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Deliver(ctx context.Context, n Notice) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.Event.SessionID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "detector", Value: []byte(n.Event.Detector)},
			{Key: "severity", Value: []byte(n.Event.Severity)},
		},
		Time: n.Event.DetectedAt,
	})
}

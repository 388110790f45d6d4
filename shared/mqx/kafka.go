// Package mqx wraps kafka-go for the outbox publisher and the task event
// consumers. Trace context travels in message headers.
package mqx

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"field-service-dispatch-system/shared/config"
	"field-service-dispatch-system/shared/observability"
)

// Publisher is the subset of Producer used by the outbox dispatcher.
type Publisher interface {
	Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

// Producer writes synchronously with acks from all replicas. Messages are
// hashed by key, so one task's events stay on one partition in order.
type Producer struct {
	writer *kafka.Writer
}

func NewProducer(cfg config.Config) (*Producer, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	return &Producer{writer: &kafka.Writer{
		Addr:         kafka.TCP(cfg.KafkaBrokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  max(cfg.KafkaRetryMax, 1),
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: time.Duration(cfg.KafkaWriteMS) * time.Millisecond,
		Transport:    &kafka.Transport{ClientID: cfg.KafkaClientID},
	}}, nil
}

func (p *Producer) Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error {
	if p == nil || p.writer == nil {
		return errors.New("producer not initialized")
	}
	ctx, span := observability.Tracer("mqx").Start(ctx, topic+" publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination.name", topic),
		attribute.String("messaging.kafka.message.key", string(key)),
	)

	carrier := propagation.MapCarrier{}
	for k, v := range headers {
		carrier[k] = v
	}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	msg := kafka.Message{Topic: topic, Key: key, Value: value, Headers: toHeaders(carrier)}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return err
	}
	return nil
}

func (p *Producer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// NewConsumer returns a group reader for topic. An empty groupID falls back
// to KAFKA_CONSUMER_GROUP.
func NewConsumer(cfg config.Config, topic string, groupID string) (*kafka.Reader, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	if groupID == "" {
		groupID = cfg.KafkaGroupID
	}
	if groupID == "" {
		return nil, errors.New("KAFKA_CONSUMER_GROUP is required")
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  time.Second,
	}), nil
}

// StartConsume continues the producer's trace for msg and returns the
// consumer span.
func StartConsume(ctx context.Context, msg kafka.Message) (context.Context, trace.Span) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, headerCarrier(msg.Headers))
	ctx, span := observability.Tracer("mqx").Start(ctx, msg.Topic+" process", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination.name", msg.Topic),
		attribute.Int("messaging.kafka.destination.partition", msg.Partition),
		attribute.Int64("messaging.kafka.message.offset", msg.Offset),
	)
	return ctx, span
}

// headerCarrier flattens message headers; a repeated key keeps its last value.
func headerCarrier(headers []kafka.Header) propagation.MapCarrier {
	out := make(propagation.MapCarrier, len(headers))
	for _, h := range headers {
		out[h.Key] = string(h.Value)
	}
	return out
}

func toHeaders(m map[string]string) []kafka.Header {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]kafka.Header, 0, len(keys))
	for _, k := range keys {
		out = append(out, kafka.Header{Key: k, Value: []byte(m[k])})
	}
	return out
}

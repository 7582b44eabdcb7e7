package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap/zaptest"

	"github.com/arklim/storefront-auth/internal/core/domain"
	"github.com/arklim/storefront-auth/internal/infra/config"
)

type fakeAsyncProducer struct {
	input  chan *sarama.ProducerMessage
	errors chan *sarama.ProducerError
}

func newFakeAsyncProducer() *fakeAsyncProducer {
	return &fakeAsyncProducer{
		input:  make(chan *sarama.ProducerMessage, 1),
		errors: make(chan *sarama.ProducerError, 1),
	}
}

func (f *fakeAsyncProducer) AsyncClose() {}

func (f *fakeAsyncProducer) Close() error { return nil }

func (f *fakeAsyncProducer) Input() chan<- *sarama.ProducerMessage { return f.input }

func (f *fakeAsyncProducer) Successes() <-chan *sarama.ProducerMessage { return nil }

func (f *fakeAsyncProducer) Errors() <-chan *sarama.ProducerError { return f.errors }

func (f *fakeAsyncProducer) IsTransactional() bool { return false }

func (f *fakeAsyncProducer) BeginTxn() error { return nil }

func (f *fakeAsyncProducer) CommitTxn() error { return nil }

func (f *fakeAsyncProducer) AbortTxn() error { return nil }

func (f *fakeAsyncProducer) AddOffsetsToTxn(offsets map[string][]*sarama.PartitionOffsetMetadata, groupID string) error {
	return nil
}

func (f *fakeAsyncProducer) AddMessageToTxn(msg *sarama.ConsumerMessage, groupID string, metadata *string) error {
	return nil
}

func (f *fakeAsyncProducer) TxnStatus() sarama.ProducerTxnStatusFlag {
	return sarama.ProducerTxnStatusFlag(0)
}

func newTestPublisher(t *testing.T) (*EventPublisher, *fakeAsyncProducer) {
	t.Helper()

	asyncProducer := newFakeAsyncProducer()
	producer := newProducer(asyncProducer, "storefront", zaptest.NewLogger(t))

	publisher := NewEventPublisher(producer, config.AppSettings{
		Name: "storefront-auth",
		Env:  "test",
	}, zaptest.NewLogger(t))
	return publisher, asyncProducer
}

func receiveEnvelope(t *testing.T, producer *fakeAsyncProducer) (*sarama.ProducerMessage, map[string]any) {
	t.Helper()

	select {
	case msg := <-producer.input:
		bytes, err := msg.Value.Encode()
		if err != nil {
			t.Fatalf("Value.Encode returned error: %v", err)
		}
		var envelope map[string]any
		if err := json.Unmarshal(bytes, &envelope); err != nil {
			t.Fatalf("failed to unmarshal envelope: %v", err)
		}
		return msg, envelope
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message on async producer input channel")
	}
	return nil, nil
}

func TestSendNotification(t *testing.T) {
	publisher, asyncProducer := newTestPublisher(t)

	fixed := time.Date(2025, 10, 31, 12, 0, 0, 0, time.UTC)
	publisher.now = func() time.Time { return fixed }

	err := publisher.Send(context.Background(), domain.Notification{
		Kind:       domain.NotificationEmailVerification,
		Recipient:  "shopper@example.com",
		IdentityID: "identity-1",
		Context:    map[string]any{"code": "123456"},
	})
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}

	msg, envelope := receiveEnvelope(t, asyncProducer)
	if msg.Topic != "storefront.notification.requested" {
		t.Fatalf("unexpected topic: %s", msg.Topic)
	}
	key, _ := msg.Key.Encode()
	if string(key) != "identity-1" {
		t.Fatalf("expected message keyed by identity, got %q", key)
	}
	if got := envelope["event_type"]; got != "email_verification" {
		t.Fatalf("unexpected event_type: %v", got)
	}
	if got := envelope["timestamp"]; got != fixed.Format(time.RFC3339Nano) {
		t.Fatalf("unexpected timestamp: %v", got)
	}
	if id, _ := envelope["event_id"].(string); id == "" {
		t.Fatalf("expected generated event_id")
	}

	payload, ok := envelope["payload"].(map[string]any)
	if !ok {
		t.Fatalf("payload not a map: %T", envelope["payload"])
	}
	if payload["recipient"] != "shopper@example.com" {
		t.Fatalf("unexpected recipient: %v", payload["recipient"])
	}
	ctxValues, ok := payload["context"].(map[string]any)
	if !ok || ctxValues["code"] != "123456" {
		t.Fatalf("context did not round-trip: %v", payload["context"])
	}

	metadata, ok := envelope["metadata"].(map[string]any)
	if !ok {
		t.Fatalf("envelope metadata not a map: %T", envelope["metadata"])
	}
	if metadata["service"] != "storefront-auth" || metadata["environment"] != "test" {
		t.Fatalf("unexpected metadata: %v", metadata)
	}
	if _, ok := metadata["trace_id"]; ok {
		t.Fatalf("trace_id must be absent without a span")
	}
}

func TestRecordSecurityEventCarriesTraceID(t *testing.T) {
	publisher, asyncProducer := newTestPublisher(t)

	traceID := trace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     trace.SpanID{1, 2, 3, 4, 5, 6, 7, 8},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	occurred := time.Date(2025, 11, 1, 8, 30, 0, 0, time.UTC)
	err := publisher.Record(ctx, domain.SecurityEvent{
		ID:         "event-123",
		Kind:       domain.SecurityEventRefreshTokenReplay,
		IdentityID: "identity-9",
		IP:         "10.0.*.*",
		OccurredAt: occurred,
		Details:    map[string]any{"token_id": "abc"},
	})
	if err != nil {
		t.Fatalf("Record returned error: %v", err)
	}

	msg, envelope := receiveEnvelope(t, asyncProducer)
	if msg.Topic != "storefront.security.audit" {
		t.Fatalf("unexpected topic: %s", msg.Topic)
	}
	if envelope["event_id"] != "event-123" {
		t.Fatalf("unexpected event_id: %v", envelope["event_id"])
	}
	if envelope["identity_id"] != "identity-9" {
		t.Fatalf("unexpected identity_id: %v", envelope["identity_id"])
	}
	if envelope["timestamp"] != occurred.Format(time.RFC3339Nano) {
		t.Fatalf("unexpected timestamp: %v", envelope["timestamp"])
	}

	payload := envelope["payload"].(map[string]any)
	if payload["kind"] != "refresh_token_replay" {
		t.Fatalf("unexpected kind: %v", payload["kind"])
	}

	metadata := envelope["metadata"].(map[string]any)
	if metadata["trace_id"] != traceID.String() {
		t.Fatalf("unexpected trace_id: %v", metadata["trace_id"])
	}
}

func TestPublishHonoursCancelledContext(t *testing.T) {
	publisher, asyncProducer := newTestPublisher(t)
	asyncProducer.input <- &sarama.ProducerMessage{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := publisher.Send(ctx, domain.Notification{Kind: domain.NotificationPasswordChanged, Recipient: "a@b.io"})
	if err == nil {
		t.Fatalf("expected context error when the input channel is full")
	}
}

func TestTopicName(t *testing.T) {
	p := &Producer{topicPrefix: "storefront"}
	if got := p.TopicName("security.audit"); got != "storefront.security.audit" {
		t.Fatalf("unexpected topic: %s", got)
	}
	if got := p.TopicName("storefront.security.audit"); got != "storefront.security.audit" {
		t.Fatalf("prefix applied twice: %s", got)
	}

	p = &Producer{}
	if got := p.TopicName("security.audit"); got != "security.audit" {
		t.Fatalf("unexpected unprefixed topic: %s", got)
	}
}

func TestProducerCountsDeliveryFailures(t *testing.T) {
	asyncProducer := newFakeAsyncProducer()
	producer := newProducer(asyncProducer, "storefront", zaptest.NewLogger(t))

	asyncProducer.errors <- &sarama.ProducerError{
		Msg: &sarama.ProducerMessage{Topic: "storefront.security.audit"},
		Err: errors.New("kafka: broker not available"),
	}

	deadline := time.Now().Add(time.Second)
	for producer.DeliveryFailures() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected one delivery failure, got %d", producer.DeliveryFailures())
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := producer.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
}

package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/arklim/storefront-auth/internal/core/domain"
	"github.com/arklim/storefront-auth/internal/core/port"
	"github.com/arklim/storefront-auth/internal/infra/config"
)

const (
	schemaVersion = "1.0"

	topicNotificationRequested = "notification.requested"
	topicSecurityAudit         = "security.audit"
)

// EventPublisher delivers notification requests and security audit events through Kafka.
type EventPublisher struct {
	producer *Producer
	logger   *zap.Logger
	appCfg   config.AppSettings
	now      func() time.Time
}

// NewEventPublisher constructs a Kafka-backed publisher.
func NewEventPublisher(producer *Producer, appCfg config.AppSettings, logger *zap.Logger) *EventPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventPublisher{producer: producer, appCfg: appCfg, logger: logger, now: time.Now}
}

type envelopeMetadata map[string]string

type eventEnvelope struct {
	EventID    string           `json:"event_id"`
	EventType  string           `json:"event_type"`
	IdentityID string           `json:"identity_id,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
	Version    string           `json:"version"`
	Payload    any              `json:"payload"`
	Metadata   envelopeMetadata `json:"metadata,omitempty"`
}

type notificationPayload struct {
	Kind      domain.NotificationKind `json:"kind"`
	Recipient string                  `json:"recipient"`
	Context   map[string]any          `json:"context,omitempty"`
}

type auditPayload struct {
	Kind       domain.SecurityEventKind `json:"kind"`
	Email      string                   `json:"email,omitempty"`
	IP         string                   `json:"ip,omitempty"`
	OccurredAt time.Time                `json:"occurred_at"`
	Details    map[string]any           `json:"details,omitempty"`
}

// Send enqueues a notification request for the mailer.
func (p *EventPublisher) Send(ctx context.Context, n domain.Notification) error {
	payload := notificationPayload{
		Kind:      n.Kind,
		Recipient: n.Recipient,
		Context:   n.Context,
	}
	return p.publish(ctx, topicNotificationRequested, "", string(n.Kind), n.IdentityID, time.Time{}, payload)
}

// Record enqueues a security audit event.
func (p *EventPublisher) Record(ctx context.Context, event domain.SecurityEvent) error {
	payload := auditPayload{
		Kind:       event.Kind,
		Email:      event.Email,
		IP:         event.IP,
		OccurredAt: event.OccurredAt.UTC(),
		Details:    event.Details,
	}
	return p.publish(ctx, topicSecurityAudit, event.ID, string(event.Kind), event.IdentityID, event.OccurredAt, payload)
}

func (p *EventPublisher) publish(ctx context.Context, topic, eventID, eventType, identityID string, ts time.Time, payload any) error {
	if ts.IsZero() {
		ts = p.now()
	}
	if eventID == "" {
		eventID = uuid.NewString()
	}

	metadata := envelopeMetadata{
		"service":     p.appCfg.Name,
		"environment": p.appCfg.Env,
	}
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		metadata["trace_id"] = sc.TraceID().String()
	}

	bytes, err := json.Marshal(eventEnvelope{
		EventID:    eventID,
		EventType:  eventType,
		IdentityID: identityID,
		Timestamp:  ts.UTC(),
		Version:    schemaVersion,
		Payload:    payload,
		Metadata:   metadata,
	})
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}

	message := &sarama.ProducerMessage{
		Topic: p.producer.TopicName(topic),
		Value: sarama.ByteEncoder(bytes),
	}
	if identityID != "" {
		message.Key = sarama.StringEncoder(identityID)
	}

	return p.producer.enqueue(ctx, message)
}

var (
	_ port.NotificationDispatcher = (*EventPublisher)(nil)
	_ port.AuditSink              = (*EventPublisher)(nil)
)

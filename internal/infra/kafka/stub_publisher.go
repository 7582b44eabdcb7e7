package kafka

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/arklim/storefront-auth/internal/core/domain"
	"github.com/arklim/storefront-auth/internal/core/port"
	"github.com/arklim/storefront-auth/internal/infra/logger"
)

// StubPublisher logs notifications and audit events instead of sending them to Kafka.
// Notification context values carry codes and links, so only their keys are logged.
type StubPublisher struct {
	logger *zap.Logger
}

// NewStubPublisher constructs a development-friendly publisher.
func NewStubPublisher(log *zap.Logger) *StubPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &StubPublisher{logger: log}
}

// Send logs the notification kind and masked recipient.
func (p *StubPublisher) Send(_ context.Context, n domain.Notification) error {
	keys := make([]string, 0, len(n.Context))
	for k := range n.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	p.logger.Info("Stub notification published",
		zap.String("kind", string(n.Kind)),
		zap.String("identity_id", n.IdentityID),
		logger.Email(n.Recipient),
		zap.Strings("context_keys", keys),
	)
	return nil
}

// Record logs the audit event.
func (p *StubPublisher) Record(_ context.Context, event domain.SecurityEvent) error {
	p.logger.Info("Stub security event published",
		zap.String("kind", string(event.Kind)),
		zap.String("event_id", event.ID),
		zap.String("identity_id", event.IdentityID),
		zap.String("email", event.Email),
		zap.String("ip", event.IP),
		zap.Time("occurred_at", event.OccurredAt.UTC()),
		zap.Any("details", event.Details),
	)
	return nil
}

var (
	_ port.NotificationDispatcher = (*StubPublisher)(nil)
	_ port.AuditSink              = (*StubPublisher)(nil)
)

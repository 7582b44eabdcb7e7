package port

import (
	"context"

	"github.com/arklim/storefront-auth/internal/core/domain"
)

// NotificationDispatcher hands outbound messages to the notification system.
type NotificationDispatcher interface {
	Send(ctx context.Context, notification domain.Notification) error
}

// AuditSink records security-relevant events.
type AuditSink interface {
	Record(ctx context.Context, event domain.SecurityEvent) error
}

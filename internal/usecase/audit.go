package usecase

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arklim/storefront-auth/internal/core/domain"
	"github.com/arklim/storefront-auth/internal/core/port"
	"github.com/arklim/storefront-auth/internal/infra/logger"
	"github.com/arklim/storefront-auth/internal/infra/telemetry"
)

// securityAuditor forwards security events to the audit sink and the metrics counters.
// Sink failures are logged and never fail the flow that produced the event.
type securityAuditor struct {
	sink    port.AuditSink
	metrics port.AuthMetrics
	logger  *zap.Logger
}

func newSecurityAuditor(sink port.AuditSink, metrics port.AuthMetrics, log *zap.Logger) *securityAuditor {
	if metrics == nil {
		metrics = telemetry.NopMetrics{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &securityAuditor{sink: sink, metrics: metrics, logger: log}
}

func (a *securityAuditor) record(ctx context.Context, event domain.SecurityEvent) {
	if a == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	event.Email = logger.MaskEmail(event.Email)
	event.IP = logger.MaskIP(event.IP)

	a.metrics.SecurityEvent(string(event.Kind))
	a.logger.Warn("security event",
		zap.String("kind", string(event.Kind)),
		zap.String("identity_id", event.IdentityID),
		zap.String("email", event.Email),
		zap.String("ip", event.IP),
	)

	if a.sink == nil {
		return
	}
	if err := a.sink.Record(context.WithoutCancel(ctx), event); err != nil {
		a.logger.Error("record security event", zap.String("kind", string(event.Kind)), zap.Error(err))
	}
}

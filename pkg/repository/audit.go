package repository

import (
	"context"
	"time"

	"github.com/example/grabandgo/pkg/breaker"
	"github.com/example/grabandgo/pkg/order"
	"go.uber.org/zap"
)

type AuditWriter interface {
	CreateAuditLog(ctx context.Context, log *AuditLog) error
}

// BreakerAudit writes audit entries through a circuit breaker so a slow or
// absent audit store fails fast instead of stalling order transitions.
type BreakerAudit struct {
	writer  AuditWriter
	breaker *breaker.Breaker
	service string
	timeout time.Duration
}

func NewBreakerAudit(writer AuditWriter, service string, logger *zap.Logger) *BreakerAudit {
	return &BreakerAudit{
		writer:  writer,
		breaker: breaker.New("audit-log", service, logger),
		service: service,
		timeout: 2 * time.Second,
	}
}

// Record implements order.AuditSink.
func (a *BreakerAudit) Record(ctx context.Context, e order.AuditEntry) error {
	log := NewAuditLog(a.service, e)
	return a.breaker.Run(func() error {
		wctx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		return a.writer.CreateAuditLog(wctx, log)
	}, nil)
}

func (a *BreakerAudit) State() string {
	return a.breaker.StateName()
}

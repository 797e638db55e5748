package order

import (
	"context"
	"errors"
	"time"

	"github.com/example/grabandgo/pkg/metrics"
	"github.com/example/grabandgo/pkg/models"
	"github.com/example/grabandgo/pkg/notify"
	"go.uber.org/zap"
)

// Notifier receives one call per status change. *notify.Dispatcher satisfies it.
type Notifier interface {
	Notify(userID, title, message string, severity notify.Severity) notify.Notification
}

type Config struct {
	PickupCodeLength int
	// AcceptMarksPaid couples acceptance with payment confirmation.
	AcceptMarksPaid bool
}

// Service is the sole writer of orders: it places them and moves them along
// the lifecycle.
type Service struct {
	store           Store
	notifier        Notifier
	codes           *CodeGenerator
	feed            ChangePublisher
	audit           AuditSink
	testMode        TestModeSource
	logger          *zap.Logger
	now             func() time.Time
	acceptMarksPaid bool
}

type Option func(*Service)

// WithFeed announces every created or changed order.
func WithFeed(p ChangePublisher) Option {
	return func(s *Service) { s.feed = p }
}

func WithAudit(a AuditSink) Option {
	return func(s *Service) { s.audit = a }
}

func WithTestMode(src TestModeSource) Option {
	return func(s *Service) { s.testMode = src }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store Store, notifier Notifier, cfg Config, logger *zap.Logger, opts ...Option) (*Service, error) {
	if cfg.PickupCodeLength == 0 {
		cfg.PickupCodeLength = MinPickupCodeLength
	}
	codes, err := NewCodeGenerator(cfg.PickupCodeLength)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:           store,
		notifier:        notifier,
		codes:           codes,
		logger:          logger.Named("order"),
		now:             time.Now,
		acceptMarksPaid: cfg.AcceptMarksPaid,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Get returns an order the actor is allowed to see. Orders of other
// customers or restaurants are reported as missing.
func (s *Service) Get(ctx context.Context, actor models.Identity, orderID string) (*models.Order, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, storeError(err)
	}
	if !canView(actor, o) {
		return nil, NewNotFoundError("order", orderID)
	}
	return o, nil
}

// List scopes f to what the actor may see: customers their own orders,
// owners their restaurant's orders. Results are newest first.
func (s *Service) List(ctx context.Context, actor models.Identity, f Filter) ([]*models.Order, error) {
	switch actor.Role {
	case models.RoleCustomer:
		f.CustomerID = actor.ID
	case models.RoleRestaurantOwner:
		if actor.RestaurantID == "" {
			return nil, NewForbiddenError("", "no restaurant is linked to this account")
		}
		f.RestaurantID = actor.RestaurantID
	case models.RoleAdmin, models.RoleSystem:
	default:
		return nil, NewForbiddenError("", "unknown role")
	}
	orders, err := s.store.ListOrders(ctx, f)
	if err != nil {
		return nil, storeError(err)
	}
	return orders, nil
}

// reject counts a refused operation and passes err through.
func (s *Service) reject(op string, err error) error {
	code := CodeOf(err)
	metrics.OrderRejections.WithLabelValues(op, string(code)).Inc()
	if code == CodeStoreUnavailable {
		s.logger.Error("Order store failure", zap.String("operation", op), zap.Error(err))
	} else {
		s.logger.Debug("Order operation rejected", zap.String("operation", op), zap.Error(err))
	}
	return err
}

func (s *Service) record(ctx context.Context, e AuditEntry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, e); err != nil {
		s.logger.Warn("Failed to record audit entry",
			zap.String("order_id", e.OrderID),
			zap.String("action", e.Action),
			zap.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, o *models.Order) {
	if s.feed == nil {
		return
	}
	if err := s.feed.Publish(ctx, o.Table(), o.ID); err != nil {
		s.logger.Warn("Failed to publish order change",
			zap.String("order_id", o.ID),
			zap.String("table", o.Table()),
			zap.Error(err))
	}
}

// storeError makes sure everything leaving the service is an *Error.
func storeError(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return StoreUnavailable(err)
}

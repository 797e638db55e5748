package watchdog

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/example/grabandgo/pkg/config"
	"github.com/example/grabandgo/pkg/metrics"
	"github.com/example/grabandgo/pkg/models"
	"github.com/example/grabandgo/pkg/notify"
	"github.com/example/grabandgo/pkg/order"
	"go.uber.org/zap"
)

// Policy decides what happens once an order passes ExpireAfter.
type Policy string

const (
	// PolicyAlert sends an urgent notification and leaves the order ready.
	PolicyAlert Policy = "alert"
	// PolicyCancel cancels the order; the cancellation is the urgent notice.
	PolicyCancel Policy = "cancel"
)

func (p Policy) Valid() bool {
	return p == PolicyAlert || p == PolicyCancel
}

type Config struct {
	Interval    time.Duration
	WarnAfter   time.Duration
	ExpireAfter time.Duration
	Policy      Policy
}

func DefaultConfig() Config {
	return Config{
		Interval:    time.Minute,
		WarnAfter:   25 * time.Minute,
		ExpireAfter: 30 * time.Minute,
		Policy:      PolicyAlert,
	}
}

// FromConfig converts the loaded watchdog section.
func FromConfig(c config.WatchdogConfig) Config {
	return Config{
		Interval:    c.Interval,
		WarnAfter:   c.WarnAfter,
		ExpireAfter: c.ExpireAfter,
		Policy:      Policy(c.Policy),
	}
}

func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("watchdog interval must be positive, got %s", c.Interval)
	}
	if c.WarnAfter <= 0 || c.ExpireAfter <= c.WarnAfter {
		return fmt.Errorf("watchdog thresholds must satisfy 0 < warn_after (%s) < expire_after (%s)",
			c.WarnAfter, c.ExpireAfter)
	}
	if !c.Policy.Valid() {
		return fmt.Errorf("unknown watchdog policy %q", c.Policy)
	}
	return nil
}

// Store is the part of the order repository the sweep needs.
type Store interface {
	ListOrders(ctx context.Context, f order.Filter) ([]*models.Order, error)
	// ClaimAlert records alert on a still-ready order and reports whether
	// this call recorded it.
	ClaimAlert(ctx context.Context, o *models.Order, alert models.Alert, at time.Time) (bool, error)
}

// Expirer cancels an order on behalf of the system. *order.Service
// implements it with the same conditional update as manual transitions.
type Expirer interface {
	Expire(ctx context.Context, o *models.Order, reason string) (*models.Order, error)
}

// Report summarizes one sweep.
type Report struct {
	Checked   int `json:"checked"`
	Warned    int `json:"warned"`
	Urgent    int `json:"urgent"`
	Cancelled int `json:"cancelled"`
	Failed    int `json:"failed"`
}

// Watchdog watches orders left in ready and escalates once per threshold.
type Watchdog struct {
	store    Store
	expirer  Expirer
	notifier order.Notifier
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*Watchdog)

func WithClock(now func() time.Time) Option {
	return func(w *Watchdog) { w.now = now }
}

func New(store Store, expirer Expirer, notifier order.Notifier, cfg Config, logger *zap.Logger, opts ...Option) (*Watchdog, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Watchdog{
		store:    store,
		expirer:  expirer,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.Named("watchdog"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run sweeps once immediately, then on every tick and whenever changes
// signals. It returns when ctx is done.
func (w *Watchdog) Run(ctx context.Context, changes <-chan struct{}) error {
	w.logger.Info("Watchdog started",
		zap.Duration("interval", w.cfg.Interval),
		zap.Duration("warn_after", w.cfg.WarnAfter),
		zap.Duration("expire_after", w.cfg.ExpireAfter),
		zap.String("policy", string(w.cfg.Policy)))

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.sweepAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Watchdog stopped")
			return ctx.Err()
		case <-ticker.C:
			w.sweepAndLog(ctx)
		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			w.sweepAndLog(ctx)
		}
	}
}

func (w *Watchdog) sweepAndLog(ctx context.Context) {
	report, err := w.Sweep(ctx)
	if err != nil {
		w.logger.Error("Watchdog sweep failed", zap.Error(err))
		return
	}
	if report.Warned+report.Urgent+report.Cancelled+report.Failed > 0 {
		w.logger.Info("Watchdog sweep finished",
			zap.Int("checked", report.Checked),
			zap.Int("warned", report.Warned),
			zap.Int("urgent", report.Urgent),
			zap.Int("cancelled", report.Cancelled),
			zap.Int("failed", report.Failed))
	}
}

// Sweep re-reads every ready order and raises the alerts that are due.
// Running it repeatedly never repeats an alert for the same order.
func (w *Watchdog) Sweep(ctx context.Context) (Report, error) {
	start := time.Now()
	defer func() {
		metrics.WatchdogSweepDuration.Observe(time.Since(start).Seconds())
	}()

	var report Report
	ready, err := w.store.ListOrders(ctx, order.Filter{
		Statuses: []models.OrderStatus{models.StatusReady},
		Test:     order.AllOrders,
	})
	if err != nil {
		return report, fmt.Errorf("list ready orders: %w", err)
	}

	now := w.now()
	for _, o := range ready {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if o.ReadyAt == nil {
			continue
		}
		report.Checked++
		elapsed := now.Sub(*o.ReadyAt)

		if elapsed >= w.cfg.WarnAfter {
			w.warn(ctx, o, now, elapsed, &report)
		}
		if elapsed >= w.cfg.ExpireAfter {
			w.escalate(ctx, o, now, elapsed, &report)
		}
	}
	return report, nil
}

func (w *Watchdog) warn(ctx context.Context, o *models.Order, now time.Time, elapsed time.Duration, report *Report) {
	claimed, err := w.store.ClaimAlert(ctx, o, models.AlertWarning, now)
	if err != nil {
		report.Failed++
		w.logger.Warn("Failed to record warning", zap.String("order_id", o.ID), zap.Error(err))
		return
	}
	if !claimed {
		return
	}
	report.Warned++
	metrics.WatchdogAlerts.WithLabelValues("warning").Inc()

	left := w.cfg.ExpireAfter - elapsed
	msg := fmt.Sprintf("Order #%s has been waiting for %d minutes. Please pick it up within %d minutes.",
		o.PickupCode, minutes(elapsed), max(minutes(left), 1))
	if w.cfg.Policy == PolicyAlert {
		msg = fmt.Sprintf("Order #%s has been waiting for %d minutes. Please pick it up soon.",
			o.PickupCode, minutes(elapsed))
	}
	w.notifier.Notify(o.CustomerID, "Final warning: pick up your order", msg, notify.SeverityWarning)
	w.logger.Info("Stale order warning sent",
		zap.String("order_id", o.ID),
		zap.Duration("elapsed", elapsed))
}

func (w *Watchdog) escalate(ctx context.Context, o *models.Order, now time.Time, elapsed time.Duration, report *Report) {
	if w.cfg.Policy == PolicyCancel {
		reason := fmt.Sprintf("Order #%s was not picked up within %d minutes and has been cancelled.",
			o.PickupCode, minutes(w.cfg.ExpireAfter))
		_, err := w.expirer.Expire(ctx, o, reason)
		switch {
		case err == nil:
			report.Cancelled++
			metrics.WatchdogAlerts.WithLabelValues("cancelled").Inc()
			w.logger.Info("Stale order cancelled", zap.String("order_id", o.ID), zap.Duration("elapsed", elapsed))
		case errors.Is(err, order.ErrConflict), errors.Is(err, order.ErrInvalidTransition):
			w.logger.Info("Stale order changed before cancellation", zap.String("order_id", o.ID), zap.Error(err))
		default:
			report.Failed++
			w.logger.Warn("Failed to cancel stale order", zap.String("order_id", o.ID), zap.Error(err))
		}
		return
	}

	claimed, err := w.store.ClaimAlert(ctx, o, models.AlertUrgent, now)
	if err != nil {
		report.Failed++
		w.logger.Warn("Failed to record urgent alert", zap.String("order_id", o.ID), zap.Error(err))
		return
	}
	if !claimed {
		return
	}
	report.Urgent++
	metrics.WatchdogAlerts.WithLabelValues("urgent").Inc()
	w.notifier.Notify(o.CustomerID, "Urgent: your order is waiting",
		fmt.Sprintf("Order #%s has been ready for %d minutes. Pick it up now.", o.PickupCode, minutes(elapsed)),
		notify.SeverityError)
	w.logger.Info("Stale order urgent alert sent", zap.String("order_id", o.ID), zap.Duration("elapsed", elapsed))
}

func minutes(d time.Duration) int {
	return int(math.Floor(d.Minutes()))
}

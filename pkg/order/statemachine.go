package order

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/example/grabandgo/pkg/metrics"
	"github.com/example/grabandgo/pkg/models"
	"github.com/example/grabandgo/pkg/notify"
	"go.uber.org/zap"
)

// Event is a request to move an order along its lifecycle.
type Event string

const (
	EventAccept    Event = "accept"
	EventDecline   Event = "decline"
	EventMarkReady Event = "mark ready"
	EventComplete  Event = "complete"
	EventCancel    Event = "cancel"
	EventExpire    Event = "expire"
)

// Transition is one row of the lifecycle table.
type Transition struct {
	Event  Event
	From   []models.OrderStatus
	To     models.OrderStatus
	Actors []models.Role
}

var transitions = []Transition{
	{Event: EventAccept, From: []models.OrderStatus{models.StatusPending}, To: models.StatusAccepted,
		Actors: []models.Role{models.RoleRestaurantOwner}},
	{Event: EventDecline, From: []models.OrderStatus{models.StatusPending}, To: models.StatusDeclined,
		Actors: []models.Role{models.RoleRestaurantOwner}},
	{Event: EventMarkReady, From: []models.OrderStatus{models.StatusAccepted}, To: models.StatusReady,
		Actors: []models.Role{models.RoleRestaurantOwner}},
	// Completion is only reachable through pickup verification.
	{Event: EventComplete, From: []models.OrderStatus{models.StatusReady}, To: models.StatusCompleted,
		Actors: []models.Role{models.RoleRestaurantOwner}},
	{Event: EventCancel, From: models.ActiveStatuses, To: models.StatusCancelled,
		Actors: []models.Role{models.RoleRestaurantOwner, models.RoleAdmin}},
	{Event: EventExpire, From: models.ActiveStatuses, To: models.StatusCancelled,
		Actors: []models.Role{models.RoleSystem}},
}

var transitionByEvent = func() map[Event]Transition {
	m := make(map[Event]Transition, len(transitions))
	for _, t := range transitions {
		m[t.Event] = t
	}
	return m
}()

// paidActors may flip the payment flag.
var paidActors = []models.Role{models.RoleRestaurantOwner, models.RoleCustomer, models.RoleAdmin}

// Transitions returns the lifecycle table.
func Transitions() []Transition {
	out := make([]Transition, len(transitions))
	copy(out, transitions)
	return out
}

func (t Transition) allows(from models.OrderStatus) bool {
	for _, s := range t.From {
		if s == from {
			return true
		}
	}
	return false
}

// NextStatuses lists the statuses reachable from s in one step.
func NextStatuses(s models.OrderStatus) []models.OrderStatus {
	var out []models.OrderStatus
	seen := map[models.OrderStatus]bool{}
	for _, t := range transitions {
		if t.allows(s) && !seen[t.To] {
			out = append(out, t.To)
			seen[t.To] = true
		}
	}
	return out
}

// CanTransition reports whether a direct move from -> to exists.
func CanTransition(from, to models.OrderStatus) bool {
	for _, next := range NextStatuses(from) {
		if next == to {
			return true
		}
	}
	return false
}

// authorize is the single place deciding who may act on an order.
func authorize(actor models.Identity, o *models.Order, allowed []models.Role) error {
	permitted := false
	for _, r := range allowed {
		if actor.Role == r {
			permitted = true
			break
		}
	}
	if !permitted {
		return NewForbiddenError(o.ID, fmt.Sprintf("role %q may not do this", actor.Role))
	}

	switch actor.Role {
	case models.RoleRestaurantOwner:
		if actor.RestaurantID == "" || actor.RestaurantID != o.RestaurantID {
			return NewForbiddenError(o.ID, "only the owning restaurant may change its orders")
		}
	case models.RoleCustomer:
		if actor.ID != o.CustomerID {
			return NewForbiddenError(o.ID, "customers may only act on their own orders")
		}
	}
	return nil
}

// canView reports whether actor may read o.
func canView(actor models.Identity, o *models.Order) bool {
	switch actor.Role {
	case models.RoleAdmin, models.RoleSystem:
		return true
	case models.RoleRestaurantOwner:
		return actor.RestaurantID != "" && actor.RestaurantID == o.RestaurantID
	case models.RoleCustomer:
		return actor.ID == o.CustomerID
	}
	return false
}

func (s *Service) Accept(ctx context.Context, actor models.Identity, orderID string) (*models.Order, error) {
	return s.apply(ctx, actor, orderID, EventAccept)
}

func (s *Service) Decline(ctx context.Context, actor models.Identity, orderID string) (*models.Order, error) {
	return s.apply(ctx, actor, orderID, EventDecline)
}

func (s *Service) MarkReady(ctx context.Context, actor models.Identity, orderID string) (*models.Order, error) {
	return s.apply(ctx, actor, orderID, EventMarkReady)
}

// Cancel is the explicit removal of an outstanding order by its restaurant
// or an administrator.
func (s *Service) Cancel(ctx context.Context, actor models.Identity, orderID string) (*models.Order, error) {
	return s.apply(ctx, actor, orderID, EventCancel)
}

// Apply dispatches a named event. Completion is refused here; it needs a
// pickup code and goes through VerifyAndComplete.
func (s *Service) Apply(ctx context.Context, actor models.Identity, orderID string, ev Event) (*models.Order, error) {
	switch ev {
	case EventAccept, EventDecline, EventMarkReady, EventCancel:
		return s.apply(ctx, actor, orderID, ev)
	case EventComplete:
		return nil, s.reject("transition", NewValidationError("completion requires pickup code verification"))
	}
	return nil, s.reject("transition", NewValidationError("unknown event %q", ev))
}

// Expire cancels an order on behalf of the system. o is the caller's last
// read; a concurrent change makes this fail with ErrConflict.
func (s *Service) Expire(ctx context.Context, o *models.Order, reason string) (*models.Order, error) {
	return s.transition(ctx, models.SystemIdentity, o, EventExpire, reason)
}

// ParseEvent maps the short names used by transports to events.
func ParseEvent(name string) (Event, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "accept":
		return EventAccept, nil
	case "decline":
		return EventDecline, nil
	case "ready", "mark_ready", "mark ready":
		return EventMarkReady, nil
	case "cancel":
		return EventCancel, nil
	case "complete":
		return EventComplete, nil
	}
	return "", NewValidationError("unknown event %q", name)
}

func (s *Service) apply(ctx context.Context, actor models.Identity, orderID string, ev Event) (*models.Order, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, s.reject(string(ev), storeError(err))
	}
	return s.transition(ctx, actor, o, ev, "")
}

// transition checks and applies ev to o with a conditional update keyed on
// o's current status. Exactly one of two racing transitions can succeed.
func (s *Service) transition(ctx context.Context, actor models.Identity, o *models.Order, ev Event, note string) (*models.Order, error) {
	t, ok := transitionByEvent[ev]
	if !ok {
		return nil, s.reject(string(ev), NewValidationError("unknown event %q", ev))
	}
	if err := authorize(actor, o, t.Actors); err != nil {
		return nil, s.reject(string(ev), err)
	}
	if !t.allows(o.Status) {
		return nil, s.reject(string(ev), NewTransitionError(o.ID, o.Status, ev))
	}

	from := o.Status
	now := s.now()
	changes := map[string]interface{}{
		"status":     t.To,
		"updated_by": actor.ID,
		"updated_at": now,
	}
	updated := o.Clone()
	updated.Status = t.To
	updated.UpdatedBy = actor.ID
	updated.UpdatedAt = now

	if t.To == models.StatusReady {
		changes["ready_at"] = now
		updated.ReadyAt = &now
	}
	if ev == EventAccept && s.acceptMarksPaid && !o.Paid {
		changes["paid"] = true
		updated.Paid = true
	}

	if err := s.store.UpdateOrder(ctx, o, from, changes); err != nil {
		return nil, s.reject(string(ev), s.explainConflict(ctx, o.ID, ev, storeError(err)))
	}

	metrics.OrderTransitions.WithLabelValues(string(from), string(t.To)).Inc()
	s.logger.Info("Order transitioned",
		zap.String("order_id", o.ID),
		zap.String("from", string(from)),
		zap.String("to", string(t.To)),
		zap.String("actor", actor.ID),
		zap.String("role", string(actor.Role)))

	s.record(ctx, AuditEntry{OrderID: o.ID, Action: string(ev), Actor: actor, From: from, To: t.To, At: now})
	s.publish(ctx, updated)
	s.notifyTransition(updated, note)

	return updated, nil
}

// explainConflict attaches the reason a lost race can no longer apply ev, so
// the loser of accept vs decline also matches ErrInvalidTransition.
func (s *Service) explainConflict(ctx context.Context, orderID string, ev Event, err error) error {
	var e *Error
	if !errors.As(err, &e) || e.Code != CodeConflict || e.Err != nil {
		return err
	}
	current, gerr := s.store.GetOrder(ctx, orderID)
	if gerr != nil {
		return err
	}
	if t, ok := transitionByEvent[ev]; ok && !t.allows(current.Status) {
		return &Error{
			Code:    CodeConflict,
			Message: e.Message,
			OrderID: e.OrderID,
			Err:     NewTransitionError(orderID, current.Status, ev),
		}
	}
	return err
}

// notifyTransition sends the customer exactly one notification per status change.
func (s *Service) notifyTransition(o *models.Order, note string) {
	var (
		title    string
		message  string
		severity notify.Severity
	)
	switch o.Status {
	case models.StatusAccepted:
		title, severity = "Order accepted", notify.SeveritySuccess
		message = fmt.Sprintf("Your order #%s was accepted and is being prepared.", o.PickupCode)
	case models.StatusDeclined:
		title, severity = "Order declined", notify.SeverityError
		message = fmt.Sprintf("The restaurant declined your order #%s.", o.PickupCode)
	case models.StatusReady:
		title, severity = "Order ready for pickup", notify.SeveritySuccess
		message = fmt.Sprintf("Show pickup code %s at the counter.", o.PickupCode)
	case models.StatusCompleted:
		title, severity = "Order picked up", notify.SeverityInfo
		message = fmt.Sprintf("Order #%s is complete. Enjoy your meal!", o.PickupCode)
	case models.StatusCancelled:
		title, severity = "Order cancelled", notify.SeverityError
		message = fmt.Sprintf("Your order #%s was cancelled.", o.PickupCode)
	default:
		return
	}
	if note != "" {
		message = note
	}
	s.notifier.Notify(o.CustomerID, title, message, severity)
}

// MarkPaid sets the payment flag. It is independent of the workflow status
// and sends no notification.
func (s *Service) MarkPaid(ctx context.Context, actor models.Identity, orderID string) (*models.Order, error) {
	const op = "mark_paid"

	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, s.reject(op, storeError(err))
	}
	if err := authorize(actor, o, paidActors); err != nil {
		return nil, s.reject(op, err)
	}
	if !o.Status.IsActive() {
		return nil, s.reject(op, &Error{
			Code:    CodeInvalidTransition,
			Message: fmt.Sprintf("cannot mark an order paid once it is %s; the order is no longer actionable", o.Status),
			OrderID: o.ID,
		})
	}
	if o.Paid {
		return o, nil
	}

	now := s.now()
	changes := map[string]interface{}{
		"paid":       true,
		"updated_by": actor.ID,
		"updated_at": now,
	}
	if err := s.store.UpdateOrder(ctx, o, o.Status, changes); err != nil {
		return nil, s.reject(op, storeError(err))
	}

	updated := o.Clone()
	updated.Paid = true
	updated.UpdatedBy = actor.ID
	updated.UpdatedAt = now

	s.logger.Info("Order marked paid", zap.String("order_id", o.ID), zap.String("actor", actor.ID))
	s.record(ctx, AuditEntry{OrderID: o.ID, Action: op, Actor: actor, From: o.Status, To: o.Status, At: now})
	s.publish(ctx, updated)

	return updated, nil
}

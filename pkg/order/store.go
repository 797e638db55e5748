package order

import (
	"context"
	"time"

	"github.com/example/grabandgo/pkg/models"
)

// Store is the persistence contract the order engine relies on.
//
// Implementations report a missing order or restaurant with an error
// matching ErrNotFound, a conditional update that did not apply with
// ErrConflict, and transport failures with ErrStoreUnavailable.
type Store interface {
	// CreateOrder inserts o into the table chosen by o.IsTest. Either the
	// whole order is stored or nothing is.
	CreateOrder(ctx context.Context, o *models.Order) error

	// GetOrder looks in production orders first, then test orders.
	GetOrder(ctx context.Context, id string) (*models.Order, error)

	ListOrders(ctx context.Context, f Filter) ([]*models.Order, error)

	// UpdateOrder applies changes only while the stored status still equals
	// expected. This is the single serialization point for transitions.
	UpdateOrder(ctx context.Context, o *models.Order, expected models.OrderStatus, changes map[string]interface{}) error

	// ActivePickupCodes returns the codes of non-terminal orders of a
	// restaurant, across production and test orders.
	ActivePickupCodes(ctx context.Context, restaurantID string) ([]string, error)

	GetRestaurant(ctx context.Context, id string) (*models.Restaurant, error)
}

// Filter narrows ListOrders. Zero values mean "any".
type Filter struct {
	RestaurantID string
	CustomerID   string
	Statuses     []models.OrderStatus
	// Test selects which tables are read.
	Test  TestScope
	Limit int
}

type TestScope int

const (
	ProductionOnly TestScope = iota
	TestOnly
	AllOrders
)

// Stats are production-only aggregates; test orders never count.
type Stats struct {
	Orders  int64  `json:"orders"`
	Revenue string `json:"revenue"`
}

// ChangePublisher announces that a row changed. Subscribers re-query
// instead of trusting any payload.
type ChangePublisher interface {
	Publish(ctx context.Context, table, id string) error
}

// TestModeSource reports whether new orders are test orders.
type TestModeSource interface {
	TestMode(ctx context.Context) (bool, error)
}

// AuditEntry records one mutation of an order.
type AuditEntry struct {
	OrderID string
	Action  string
	Actor   models.Identity
	From    models.OrderStatus
	To      models.OrderStatus
	At      time.Time
}

type AuditSink interface {
	Record(ctx context.Context, entry AuditEntry) error
}

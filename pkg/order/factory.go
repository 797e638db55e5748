package order

import (
	"context"
	"fmt"
	"strings"

	"github.com/example/grabandgo/pkg/cart"
	"github.com/example/grabandgo/pkg/metrics"
	"github.com/example/grabandgo/pkg/models"
	"github.com/example/grabandgo/pkg/notify"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PlaceRequest is a finalized basket handed to PlaceOrder.
type PlaceRequest struct {
	RestaurantID string
	Items        models.LineItems
	Total        decimal.Decimal
}

// Checkout places the cart's contents and clears the cart only when the
// order was stored.
func (s *Service) Checkout(ctx context.Context, actor models.Identity, c *cart.Cart) (*models.Order, error) {
	var o *models.Order
	err := c.Checkout(func(restaurantID string, items models.LineItems, total decimal.Decimal) error {
		var err error
		o, err = s.PlaceOrder(ctx, actor, PlaceRequest{
			RestaurantID: restaurantID,
			Items:        items,
			Total:        total,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// PlaceOrder validates req, draws a pickup code and persists a pending order.
// Nothing is stored when any step fails.
func (s *Service) PlaceOrder(ctx context.Context, actor models.Identity, req PlaceRequest) (*models.Order, error) {
	const op = "place_order"

	if actor.Role != models.RoleCustomer && actor.Role != models.RoleAdmin {
		return nil, s.reject(op, NewForbiddenError("", "only customers may place orders"))
	}
	if err := validatePlaceRequest(req); err != nil {
		return nil, s.reject(op, err)
	}

	restaurant, err := s.store.GetRestaurant(ctx, req.RestaurantID)
	if err != nil {
		return nil, s.reject(op, storeError(err))
	}
	if !restaurant.AcceptsOrders() {
		return nil, s.reject(op, NewValidationError("restaurant %s is not accepting orders", restaurant.Name))
	}

	isTest := false
	if s.testMode != nil {
		isTest, err = s.testMode.TestMode(ctx)
		if err != nil {
			return nil, s.reject(op, StoreUnavailable(fmt.Errorf("read test mode: %w", err)))
		}
	}

	active, err := s.store.ActivePickupCodes(ctx, req.RestaurantID)
	if err != nil {
		return nil, s.reject(op, storeError(err))
	}
	taken := make(map[string]struct{}, len(active))
	for _, c := range active {
		taken[c] = struct{}{}
	}
	code, unique, err := s.codes.Generate(taken)
	if err != nil {
		return nil, s.reject(op, &Error{Code: CodeStoreUnavailable, Message: "could not draw pickup code", Err: err})
	}
	if !unique {
		s.logger.Warn("Pickup code collides with an active order",
			zap.String("restaurant_id", req.RestaurantID),
			zap.Int("active_orders", len(active)))
	}

	now := s.now()
	o := &models.Order{
		ID:           uuid.NewString(),
		RestaurantID: req.RestaurantID,
		CustomerID:   actor.ID,
		CustomerName: actor.Name,
		Items:        append(models.LineItems(nil), req.Items...),
		Total:        req.Total,
		Status:       models.StatusPending,
		PickupCode:   code,
		Paid:         isTest,
		IsTest:       isTest,
		UpdatedBy:    actor.ID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateOrder(ctx, o); err != nil {
		return nil, s.reject(op, storeError(err))
	}

	mode := "production"
	if isTest {
		mode = "test"
	}
	metrics.OrdersPlaced.WithLabelValues(mode).Inc()
	s.logger.Info("Order placed",
		zap.String("order_id", o.ID),
		zap.String("restaurant_id", o.RestaurantID),
		zap.String("customer_id", o.CustomerID),
		zap.String("total", o.Total.StringFixed(2)),
		zap.Bool("test", isTest))

	s.record(ctx, AuditEntry{OrderID: o.ID, Action: "place", Actor: actor, To: models.StatusPending, At: now})
	s.publish(ctx, o)
	if restaurant.OwnerID != "" {
		s.notifier.Notify(restaurant.OwnerID, "New order",
			fmt.Sprintf("Order #%s from %s: %d item(s), %s", o.PickupCode, displayName(actor), itemCount(o.Items), o.Total.StringFixed(2)),
			notify.SeverityInfo)
	}

	return o.Clone(), nil
}

// validatePlaceRequest re-checks the cart rules at the trust boundary.
func validatePlaceRequest(req PlaceRequest) error {
	if strings.TrimSpace(req.RestaurantID) == "" {
		return NewValidationError("restaurant is required")
	}
	if len(req.Items) == 0 {
		return NewValidationError("cart is empty")
	}
	for i, li := range req.Items {
		if li.MenuItemID == "" {
			return NewValidationError("item %d has no menu item id", i)
		}
		if li.RestaurantID != req.RestaurantID {
			return NewValidationError("item %q belongs to another restaurant", li.Name)
		}
		if li.Quantity < 1 {
			return NewValidationError("item %q has quantity %d", li.Name, li.Quantity)
		}
		if li.UnitPrice.IsNegative() {
			return NewValidationError("item %q has a negative price", li.Name)
		}
	}
	if sum := req.Items.Sum(); !sum.Equal(req.Total) {
		return NewValidationError("total %s does not match items %s", req.Total.StringFixed(2), sum.StringFixed(2))
	}
	return nil
}

func displayName(id models.Identity) string {
	if id.Name != "" {
		return id.Name
	}
	return id.ID
}

func itemCount(items models.LineItems) int {
	n := 0
	for _, li := range items {
		n += li.Quantity
	}
	return n
}

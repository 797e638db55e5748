package grpc

import (
	"github.com/example/grabandgo/pkg/models"
	"github.com/example/grabandgo/pkg/notify"
	"github.com/example/grabandgo/pkg/order"
	"github.com/shopspring/decimal"
)

type Empty struct{}

type PlaceOrderRequest struct {
	RestaurantID string           `json:"restaurant_id"`
	Items        models.LineItems `json:"items"`
	Total        decimal.Decimal  `json:"total"`
}

type OrderRequest struct {
	OrderID string `json:"order_id"`
}

type OrderResponse struct {
	Order *models.Order `json:"order"`
}

type ListOrdersRequest struct {
	RestaurantID string               `json:"restaurant_id,omitempty"`
	CustomerID   string               `json:"customer_id,omitempty"`
	Statuses     []models.OrderStatus `json:"statuses,omitempty"`
	Test         order.TestScope      `json:"test"`
	Limit        int                  `json:"limit,omitempty"`
}

func (r *ListOrdersRequest) filter() order.Filter {
	return order.Filter{
		RestaurantID: r.RestaurantID,
		CustomerID:   r.CustomerID,
		Statuses:     r.Statuses,
		Test:         r.Test,
		Limit:        r.Limit,
	}
}

type ListOrdersResponse struct {
	Orders []*models.Order `json:"orders"`
}

// TransitionRequest names the event by its wire name, e.g. "accept" or
// "mark_ready".
type TransitionRequest struct {
	OrderID string `json:"order_id"`
	Event   string `json:"event"`
}

type VerifyPickupRequest struct {
	OrderID string `json:"order_id"`
	Code    string `json:"code"`
}

type ListNotificationsResponse struct {
	Notifications []notify.Notification `json:"notifications"`
	Unread        int                   `json:"unread"`
}

type NotificationRequest struct {
	ID string `json:"id"`
}

type RestaurantRequest struct {
	RestaurantID string `json:"restaurant_id"`
}

type RestaurantResponse struct {
	Restaurant *models.Restaurant `json:"restaurant"`
}

type TestModeRequest struct {
	Enabled bool `json:"enabled"`
}

type TestModeResponse struct {
	Enabled bool `json:"enabled"`
}

type ListRestaurantsRequest struct {
	OnlyVerified bool `json:"only_verified"`
}

type ListRestaurantsResponse struct {
	Restaurants []*models.Restaurant `json:"restaurants"`
}

type MenuResponse struct {
	Items []*models.MenuItem `json:"items"`
}

type MenuItemRequest struct {
	ID string `json:"id"`
}

// DeleteMenuItemRequest names the item; RestaurantID, when set, must match it.
type DeleteMenuItemRequest struct {
	ID           string `json:"id"`
	RestaurantID string `json:"restaurant_id,omitempty"`
}

type MenuItemResponse struct {
	Item *models.MenuItem `json:"item"`
}

type ProfileResponse struct {
	Profile *models.Profile `json:"profile"`
}

package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusAccepted  OrderStatus = "accepted"
	StatusDeclined  OrderStatus = "declined"
	StatusReady     OrderStatus = "ready"
	StatusCompleted OrderStatus = "completed"
	StatusCancelled OrderStatus = "cancelled"
)

// IsTerminal reports whether no further transition may leave s.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusDeclined, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether an order in s is still outstanding, which is
// when its pickup code is meaningful.
func (s OrderStatus) IsActive() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusReady:
		return true
	}
	return false
}

func (s OrderStatus) Valid() bool {
	return s.IsActive() || s.IsTerminal()
}

// ActiveStatuses lists the non-terminal statuses.
var ActiveStatuses = []OrderStatus{StatusPending, StatusAccepted, StatusReady}

const (
	OrdersTable     = "orders"
	TestOrdersTable = "test_orders"
)

type Order struct {
	ID           string          `gorm:"primaryKey;type:varchar(36)" json:"id"`
	RestaurantID string          `gorm:"type:varchar(36);not null;index" json:"restaurant_id"`
	CustomerID   string          `gorm:"type:varchar(36);not null;index" json:"customer_id"`
	CustomerName string          `gorm:"type:varchar(100)" json:"customer_name"`
	Items        LineItems       `gorm:"type:text" json:"items"`
	Total        decimal.Decimal `gorm:"type:decimal(10,2)" json:"total"`
	Status       OrderStatus     `gorm:"type:varchar(20);default:'pending';index" json:"status"`
	PickupCode   string          `gorm:"type:varchar(8);not null" json:"pickup_code"`
	Paid         bool            `json:"paid"`
	IsTest       bool            `json:"is_test"`
	UpdatedBy    string          `gorm:"type:varchar(36)" json:"updated_by,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	ReadyAt      *time.Time      `json:"ready_at,omitempty"`
	WarnedAt     *time.Time      `json:"warned_at,omitempty"`
	UrgentAt     *time.Time      `json:"urgent_at,omitempty"`
}

func (Order) TableName() string {
	return OrdersTable
}

// TestOrder maps Order onto test_orders so migrations get their own index names.
type TestOrder struct {
	Order
}

func (TestOrder) TableName() string {
	return TestOrdersTable
}

// Table returns the table the order lives in. Test orders are kept apart
// from production orders so they never reach revenue figures.
func (o *Order) Table() string {
	if o.IsTest {
		return TestOrdersTable
	}
	return OrdersTable
}

// Clone returns a deep copy so callers can hand orders out without sharing
// the line item slice or timestamp pointers.
func (o *Order) Clone() *Order {
	c := *o
	c.Items = append(LineItems(nil), o.Items...)
	c.ReadyAt = cloneTime(o.ReadyAt)
	c.WarnedAt = cloneTime(o.WarnedAt)
	c.UrgentAt = cloneTime(o.UrgentAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// LineItem is a value copy of a menu item taken when the order was placed.
type LineItem struct {
	MenuItemID   string          `json:"menu_item_id"`
	RestaurantID string          `json:"restaurant_id"`
	Name         string          `json:"name"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	Quantity     int             `json:"quantity"`
}

func (li LineItem) Subtotal() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// LineItems is stored as a JSON text column.
type LineItems []LineItem

// Sum adds up unit price times quantity over all items.
func (items LineItems) Sum() decimal.Decimal {
	total := decimal.Zero
	for _, li := range items {
		total = total.Add(li.Subtotal())
	}
	return total
}

func (items LineItems) Value() (driver.Value, error) {
	if items == nil {
		return "[]", nil
	}
	data, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (items *LineItems) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*items = nil
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("line items: unsupported column type %T", src)
	}
	return json.Unmarshal(data, items)
}

// Alert names a watchdog escalation step; each is recorded at most once per order.
type Alert string

const (
	AlertWarning Alert = "warned_at"
	AlertUrgent  Alert = "urgent_at"
)

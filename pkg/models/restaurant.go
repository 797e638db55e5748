package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentMethod string

const (
	PaymentUPI      PaymentMethod = "upi"
	PaymentRazorpay PaymentMethod = "razorpay"
)

type Restaurant struct {
	ID            string        `gorm:"primaryKey;type:varchar(36)" json:"id"`
	OwnerID       string        `gorm:"type:varchar(36);not null;index" json:"owner_id"`
	Name          string        `gorm:"type:varchar(100);not null" json:"name"`
	Email         string        `gorm:"type:varchar(100)" json:"email,omitempty"`
	Verified      bool          `json:"verified"`
	Banned        bool          `json:"banned"`
	PaymentMethod PaymentMethod `gorm:"type:varchar(20);default:'upi'" json:"payment_method"`
	UPIID         string        `gorm:"column:upi_id;type:varchar(100)" json:"upi_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

func (Restaurant) TableName() string {
	return "restaurants"
}

// AcceptsOrders reports whether customers may order from r.
func (r *Restaurant) AcceptsOrders() bool {
	return r.Verified && !r.Banned
}

type MenuItem struct {
	ID           string          `gorm:"primaryKey;type:varchar(36)" json:"id"`
	RestaurantID string          `gorm:"type:varchar(36);not null;index" json:"restaurant_id"`
	Name         string          `gorm:"type:varchar(100);not null" json:"name"`
	Description  string          `gorm:"type:text" json:"description"`
	Price        decimal.Decimal `gorm:"type:decimal(10,2)" json:"price"`
	Category     string          `gorm:"type:varchar(50)" json:"category,omitempty"`
	PhotoURL     string          `gorm:"type:varchar(255)" json:"photo_url,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

func (MenuItem) TableName() string {
	return "menu_items"
}

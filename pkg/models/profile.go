package models

import (
	"time"

	"gorm.io/gorm"
)

type Role string

const (
	RoleCustomer        Role = "customer"
	RoleRestaurantOwner Role = "restaurant_owner"
	RoleAdmin           Role = "admin"

	// RoleSystem is never issued to a user; background jobs act under it.
	RoleSystem Role = "system"
)

// Valid reports whether r is one of the roles a user session can carry.
func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleRestaurantOwner, RoleAdmin:
		return true
	}
	return false
}

type Profile struct {
	ID        string         `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Name      string         `gorm:"type:varchar(100);not null" json:"name"`
	Phone     string         `gorm:"type:varchar(20)" json:"phone,omitempty"`
	Role      Role           `gorm:"type:varchar(20);not null" json:"role"`
	Banned    bool           `json:"banned"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Profile) TableName() string {
	return "profiles"
}

// Identity is the acting session as reported by the auth provider.
type Identity struct {
	ID           string `json:"id"`
	Name         string `json:"name,omitempty"`
	Role         Role   `json:"role"`
	RestaurantID string `json:"restaurant_id,omitempty"`
}

// SystemIdentity attributes automatic actions such as watchdog expiry.
var SystemIdentity = Identity{ID: "system", Name: "watchdog", Role: RoleSystem}

// Package ordertest provides an in-memory order.Store for tests. It honours
// the same conditional-update contract as the SQL repository.
package ordertest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/grabandgo/pkg/models"
	"github.com/example/grabandgo/pkg/order"
)

type Store struct {
	mu          sync.Mutex
	orders      map[string]*models.Order
	restaurants map[string]*models.Restaurant

	// Err, when set, is returned by every call.
	Err error
	// CreateErr is returned by CreateOrder only.
	CreateErr error
}

func NewStore() *Store {
	return &Store{
		orders:      make(map[string]*models.Order),
		restaurants: make(map[string]*models.Restaurant),
	}
}

// AddRestaurant stores a verified restaurant unless r says otherwise.
func (s *Store) AddRestaurant(r *models.Restaurant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *r
	s.restaurants[r.ID] = &c
}

// Put stores o as is, bypassing validation.
func (s *Store) Put(o *models.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o.Clone()
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

func (s *Store) CreateOrder(ctx context.Context, o *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	if s.CreateErr != nil {
		return order.StoreUnavailable(s.CreateErr)
	}
	if _, ok := s.orders[o.ID]; ok {
		return order.NewValidationError("order %s already exists", o.ID)
	}
	s.orders[o.ID] = o.Clone()
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	o, ok := s.orders[id]
	if !ok {
		return nil, order.NewNotFoundError("order", id)
	}
	return o.Clone(), nil
}

func (s *Store) ListOrders(ctx context.Context, f order.Filter) ([]*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}

	var out []*models.Order
	for _, o := range s.orders {
		if f.RestaurantID != "" && o.RestaurantID != f.RestaurantID {
			continue
		}
		if f.CustomerID != "" && o.CustomerID != f.CustomerID {
			continue
		}
		if len(f.Statuses) > 0 && !hasStatus(f.Statuses, o.Status) {
			continue
		}
		switch f.Test {
		case order.ProductionOnly:
			if o.IsTest {
				continue
			}
		case order.TestOnly:
			if !o.IsTest {
				continue
			}
		}
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) UpdateOrder(ctx context.Context, o *models.Order, expected models.OrderStatus, changes map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	cur, ok := s.orders[o.ID]
	if !ok {
		return order.NewNotFoundError("order", o.ID)
	}
	if cur.Status != expected {
		return order.NewConflictError(o.ID, expected)
	}
	for k, v := range changes {
		switch k {
		case "status":
			cur.Status = v.(models.OrderStatus)
		case "paid":
			cur.Paid = v.(bool)
		case "updated_by":
			cur.UpdatedBy = v.(string)
		case "updated_at":
			cur.UpdatedAt = v.(time.Time)
		case "ready_at":
			t := v.(time.Time)
			cur.ReadyAt = &t
		}
	}
	return nil
}

// ClaimAlert records alert on a still-ready order once. It reports whether
// this call was the one that recorded it.
func (s *Store) ClaimAlert(ctx context.Context, o *models.Order, alert models.Alert, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return false, err
	}
	cur, ok := s.orders[o.ID]
	if !ok || cur.Status != models.StatusReady {
		return false, nil
	}
	switch alert {
	case models.AlertWarning:
		if cur.WarnedAt != nil {
			return false, nil
		}
		cur.WarnedAt = &at
	case models.AlertUrgent:
		if cur.UrgentAt != nil {
			return false, nil
		}
		cur.UrgentAt = &at
	default:
		return false, order.NewValidationError("unknown alert %q", alert)
	}
	return true, nil
}

func (s *Store) ActivePickupCodes(ctx context.Context, restaurantID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	var codes []string
	for _, o := range s.orders {
		if o.RestaurantID == restaurantID && o.Status.IsActive() {
			codes = append(codes, o.PickupCode)
		}
	}
	return codes, nil
}

func (s *Store) GetRestaurant(ctx context.Context, id string) (*models.Restaurant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	r, ok := s.restaurants[id]
	if !ok {
		return nil, order.NewNotFoundError("restaurant", id)
	}
	c := *r
	return &c, nil
}

func (s *Store) fail() error {
	if s.Err != nil {
		return order.StoreUnavailable(s.Err)
	}
	return nil
}

func hasStatus(list []models.OrderStatus, s models.OrderStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Static check.
var _ order.Store = (*Store)(nil)

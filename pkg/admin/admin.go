package admin

import (
	"context"
	"fmt"

	"github.com/example/grabandgo/pkg/models"
	"github.com/example/grabandgo/pkg/order"
	"go.uber.org/zap"
)

// Store is the part of the repository the admin operations touch.
type Store interface {
	SetRestaurantVerified(ctx context.Context, id string, verified bool) error
	GetRestaurant(ctx context.Context, id string) (*models.Restaurant, error)
	Stats(ctx context.Context) (order.Stats, error)
}

// TestModeSwitch flips the global test-order mode.
type TestModeSwitch interface {
	TestMode(ctx context.Context) (bool, error)
	SetTestMode(ctx context.Context, on bool) error
}

// Service holds administrator-only operations.
type Service struct {
	store    Store
	testMode TestModeSwitch
	feed     order.ChangePublisher
	logger   *zap.Logger
}

func NewService(store Store, testMode TestModeSwitch, feed order.ChangePublisher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, testMode: testMode, feed: feed, logger: logger.Named("admin")}
}

func requireAdmin(actor models.Identity) error {
	if actor.Role != models.RoleAdmin {
		return order.NewForbiddenError("", "administrator role required")
	}
	return nil
}

// ApproveRestaurant marks a restaurant verified so customers can order from it.
func (s *Service) ApproveRestaurant(ctx context.Context, actor models.Identity, restaurantID string) (*models.Restaurant, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if err := s.store.SetRestaurantVerified(ctx, restaurantID, true); err != nil {
		return nil, err
	}
	r, err := s.store.GetRestaurant(ctx, restaurantID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Restaurant approved", zap.String("restaurant_id", restaurantID), zap.String("admin", actor.ID))
	if s.feed != nil {
		if err := s.feed.Publish(ctx, r.TableName(), r.ID); err != nil {
			s.logger.Warn("Failed to publish restaurant change", zap.String("restaurant_id", r.ID), zap.Error(err))
		}
	}
	return r, nil
}

// SetTestMode switches whether new orders are placed as test orders.
func (s *Service) SetTestMode(ctx context.Context, actor models.Identity, on bool) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	if err := s.testMode.SetTestMode(ctx, on); err != nil {
		return order.StoreUnavailable(fmt.Errorf("set test mode: %w", err))
	}
	s.logger.Info("Test mode changed", zap.Bool("enabled", on), zap.String("admin", actor.ID))
	return nil
}

func (s *Service) TestMode(ctx context.Context, actor models.Identity) (bool, error) {
	if err := requireAdmin(actor); err != nil {
		return false, err
	}
	on, err := s.testMode.TestMode(ctx)
	if err != nil {
		return false, order.StoreUnavailable(fmt.Errorf("read test mode: %w", err))
	}
	return on, nil
}

// Stats reports production order count and revenue. Test orders never count.
func (s *Service) Stats(ctx context.Context, actor models.Identity) (order.Stats, error) {
	if err := requireAdmin(actor); err != nil {
		return order.Stats{}, err
	}
	return s.store.Stats(ctx)
}

package grpc

import (
	"context"
	"errors"
	"strings"

	"github.com/example/grabandgo/pkg/models"
	"github.com/example/grabandgo/pkg/order"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const catalogServiceName = "grabandgo.CatalogService"

type SaveProfileRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

type RegisterRestaurantRequest struct {
	Name          string               `json:"name"`
	Email         string               `json:"email,omitempty"`
	PaymentMethod models.PaymentMethod `json:"payment_method,omitempty"`
	UPIID         string               `json:"upi_id,omitempty"`
}

// CatalogServiceServer serves profiles, restaurants and menus.
type CatalogServiceServer interface {
	SaveProfile(context.Context, *SaveProfileRequest) (*ProfileResponse, error)
	GetProfile(context.Context, *Empty) (*ProfileResponse, error)
	RegisterRestaurant(context.Context, *RegisterRestaurantRequest) (*RestaurantResponse, error)
	GetRestaurant(context.Context, *RestaurantRequest) (*RestaurantResponse, error)
	ListRestaurants(context.Context, *ListRestaurantsRequest) (*ListRestaurantsResponse, error)
	ListMenu(context.Context, *RestaurantRequest) (*MenuResponse, error)
	GetMenuItem(context.Context, *MenuItemRequest) (*MenuItemResponse, error)
	SaveMenuItem(context.Context, *models.MenuItem) (*MenuItemResponse, error)
	DeleteMenuItem(context.Context, *DeleteMenuItemRequest) (*Empty, error)
}

var CatalogServiceDesc = grpc.ServiceDesc{
	ServiceName: catalogServiceName,
	HandlerType: (*CatalogServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(catalogServiceName, "SaveProfile", CatalogServiceServer.SaveProfile),
		unary(catalogServiceName, "GetProfile", CatalogServiceServer.GetProfile),
		unary(catalogServiceName, "RegisterRestaurant", CatalogServiceServer.RegisterRestaurant),
		unary(catalogServiceName, "GetRestaurant", CatalogServiceServer.GetRestaurant),
		unary(catalogServiceName, "ListRestaurants", CatalogServiceServer.ListRestaurants),
		unary(catalogServiceName, "ListMenu", CatalogServiceServer.ListMenu),
		unary(catalogServiceName, "GetMenuItem", CatalogServiceServer.GetMenuItem),
		unary(catalogServiceName, "SaveMenuItem", CatalogServiceServer.SaveMenuItem),
		unary(catalogServiceName, "DeleteMenuItem", CatalogServiceServer.DeleteMenuItem),
	},
	Metadata: "grabandgo/catalog.json",
}

// CatalogStore is implemented by repository.OrderRepository.
type CatalogStore interface {
	SaveProfile(ctx context.Context, p *models.Profile) error
	GetProfile(ctx context.Context, id string) (*models.Profile, error)
	SaveRestaurant(ctx context.Context, r *models.Restaurant) error
	GetRestaurant(ctx context.Context, id string) (*models.Restaurant, error)
	ListRestaurants(ctx context.Context, onlyVerified bool) ([]*models.Restaurant, error)
	ListMenu(ctx context.Context, restaurantID string) ([]*models.MenuItem, error)
	GetMenuItem(ctx context.Context, id string) (*models.MenuItem, error)
	SaveMenuItem(ctx context.Context, item *models.MenuItem) error
	DeleteMenuItem(ctx context.Context, id string) error
}

type CatalogServer struct {
	store  CatalogStore
	feed   order.ChangePublisher
	logger *zap.Logger
}

func NewCatalogServer(store CatalogStore, feed order.ChangePublisher, logger *zap.Logger) *CatalogServer {
	return &CatalogServer{store: store, feed: feed, logger: logger.Named("catalog-server")}
}

func (s *CatalogServer) Register(srv *grpc.Server) {
	srv.RegisterService(&CatalogServiceDesc, s)
}

func (s *CatalogServer) publish(ctx context.Context, table, id string) {
	if s.feed == nil {
		return
	}
	if err := s.feed.Publish(ctx, table, id); err != nil {
		s.logger.Warn("Failed to publish change", zap.String("table", table), zap.String("id", id), zap.Error(err))
	}
}

// SaveProfile creates or updates the caller's own profile. The role always
// comes from the session.
func (s *CatalogServer) SaveProfile(ctx context.Context, req *SaveProfileRequest) (*ProfileResponse, error) {
	actor, err := identityFromContext(ctx)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, order.NewValidationError("name is required")
	}
	p := &models.Profile{ID: actor.ID, Name: name, Phone: strings.TrimSpace(req.Phone), Role: actor.Role}
	if existing, err := s.store.GetProfile(ctx, actor.ID); err == nil {
		p.Banned = existing.Banned
		p.CreatedAt = existing.CreatedAt
	} else if !errors.Is(err, order.ErrNotFound) {
		return nil, err
	}
	if err := s.store.SaveProfile(ctx, p); err != nil {
		return nil, err
	}
	return &ProfileResponse{Profile: p}, nil
}

func (s *CatalogServer) GetProfile(ctx context.Context, _ *Empty) (*ProfileResponse, error) {
	actor, err := identityFromContext(ctx)
	if err != nil {
		return nil, err
	}
	p, err := s.store.GetProfile(ctx, actor.ID)
	if err != nil {
		return nil, err
	}
	return &ProfileResponse{Profile: p}, nil
}

// RegisterRestaurant creates the caller's restaurant unverified. It stays
// closed to customers until an administrator approves it.
func (s *CatalogServer) RegisterRestaurant(ctx context.Context, req *RegisterRestaurantRequest) (*RestaurantResponse, error) {
	actor, err := identityFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if actor.Role != models.RoleRestaurantOwner {
		return nil, order.NewForbiddenError("", "only restaurant owners can register a restaurant")
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, order.NewValidationError("restaurant name is required")
	}
	method := req.PaymentMethod
	if method == "" {
		method = models.PaymentUPI
	}
	if method != models.PaymentUPI && method != models.PaymentRazorpay {
		return nil, order.NewValidationError("unknown payment method %q", method)
	}
	if method == models.PaymentUPI && strings.TrimSpace(req.UPIID) == "" {
		return nil, order.NewValidationError("a UPI id is required for UPI payments")
	}

	id := actor.RestaurantID
	if id == "" {
		id = uuid.New().String()
	}
	r := &models.Restaurant{
		ID:            id,
		OwnerID:       actor.ID,
		Name:          name,
		Email:         strings.TrimSpace(req.Email),
		PaymentMethod: method,
		UPIID:         strings.TrimSpace(req.UPIID),
	}
	if existing, err := s.store.GetRestaurant(ctx, id); err == nil {
		if existing.OwnerID != actor.ID {
			return nil, order.NewForbiddenError("", "restaurant belongs to another owner")
		}
		r.Verified = existing.Verified
		r.Banned = existing.Banned
		r.CreatedAt = existing.CreatedAt
	} else if !errors.Is(err, order.ErrNotFound) {
		return nil, err
	}
	if err := s.store.SaveRestaurant(ctx, r); err != nil {
		return nil, err
	}

	s.logger.Info("Restaurant registered", zap.String("restaurant_id", r.ID), zap.String("owner_id", actor.ID))
	s.publish(ctx, "restaurants", r.ID)
	return &RestaurantResponse{Restaurant: r}, nil
}

func (s *CatalogServer) GetRestaurant(ctx context.Context, req *RestaurantRequest) (*RestaurantResponse, error) {
	if _, err := identityFromContext(ctx); err != nil {
		return nil, err
	}
	r, err := s.store.GetRestaurant(ctx, req.RestaurantID)
	if err != nil {
		return nil, err
	}
	return &RestaurantResponse{Restaurant: r}, nil
}

// ListRestaurants shows customers only restaurants that take orders.
func (s *CatalogServer) ListRestaurants(ctx context.Context, req *ListRestaurantsRequest) (*ListRestaurantsResponse, error) {
	actor, err := identityFromContext(ctx)
	if err != nil {
		return nil, err
	}
	onlyVerified := req.OnlyVerified || actor.Role != models.RoleAdmin
	list, err := s.store.ListRestaurants(ctx, onlyVerified)
	if err != nil {
		return nil, err
	}
	return &ListRestaurantsResponse{Restaurants: list}, nil
}

func (s *CatalogServer) ListMenu(ctx context.Context, req *RestaurantRequest) (*MenuResponse, error) {
	if _, err := identityFromContext(ctx); err != nil {
		return nil, err
	}
	items, err := s.store.ListMenu(ctx, req.RestaurantID)
	if err != nil {
		return nil, err
	}
	return &MenuResponse{Items: items}, nil
}

func (s *CatalogServer) GetMenuItem(ctx context.Context, req *MenuItemRequest) (*MenuItemResponse, error) {
	if _, err := identityFromContext(ctx); err != nil {
		return nil, err
	}
	item, err := s.store.GetMenuItem(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	return &MenuItemResponse{Item: item}, nil
}

// SaveMenuItem lets an owner edit their own menu.
func (s *CatalogServer) SaveMenuItem(ctx context.Context, item *models.MenuItem) (*MenuItemResponse, error) {
	actor, err := identityFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if actor.Role != models.RoleAdmin &&
		(actor.Role != models.RoleRestaurantOwner || actor.RestaurantID == "" || actor.RestaurantID != item.RestaurantID) {
		return nil, order.NewForbiddenError("", "menu belongs to another restaurant")
	}
	item.Name = strings.TrimSpace(item.Name)
	if item.Name == "" {
		return nil, order.NewValidationError("menu item name is required")
	}
	if item.Price.IsNegative() {
		return nil, order.NewValidationError("menu item price must not be negative")
	}
	if item.ID == "" {
		item.ID = uuid.New().String()
	} else if existing, err := s.store.GetMenuItem(ctx, item.ID); err == nil {
		if existing.RestaurantID != item.RestaurantID {
			return nil, order.NewForbiddenError("", "menu item belongs to another restaurant")
		}
		item.CreatedAt = existing.CreatedAt
	} else if !errors.Is(err, order.ErrNotFound) {
		return nil, err
	}
	if err := s.store.SaveMenuItem(ctx, item); err != nil {
		return nil, err
	}
	s.publish(ctx, "menu_items", item.ID)
	return &MenuItemResponse{Item: item}, nil
}

// DeleteMenuItem removes an item from its restaurant's menu. Placed orders
// keep their own copy of the line and are not touched.
func (s *CatalogServer) DeleteMenuItem(ctx context.Context, req *DeleteMenuItemRequest) (*Empty, error) {
	actor, err := identityFromContext(ctx)
	if err != nil {
		return nil, err
	}
	item, err := s.store.GetMenuItem(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if req.RestaurantID != "" && req.RestaurantID != item.RestaurantID {
		return nil, order.NewNotFoundError("menu item", req.ID)
	}
	if actor.Role != models.RoleAdmin &&
		(actor.Role != models.RoleRestaurantOwner || actor.RestaurantID == "" || actor.RestaurantID != item.RestaurantID) {
		return nil, order.NewForbiddenError("", "menu belongs to another restaurant")
	}
	if err := s.store.DeleteMenuItem(ctx, item.ID); err != nil {
		return nil, err
	}
	s.logger.Info("Menu item deleted",
		zap.String("item_id", item.ID),
		zap.String("restaurant_id", item.RestaurantID),
		zap.String("actor", actor.ID))
	s.publish(ctx, "menu_items", item.ID)
	return &Empty{}, nil
}

// CatalogClient calls the catalog service on behalf of an identity.
type CatalogClient struct {
	cc      grpc.ClientConnInterface
	breaker runner
}

func NewCatalogClient(cc grpc.ClientConnInterface, b runner) *CatalogClient {
	return &CatalogClient{cc: cc, breaker: b}
}

func (c *CatalogClient) call(ctx context.Context, actor models.Identity, method string, in, out interface{}) error {
	ctx = WithIdentity(ctx, actor)
	fn := func() error { return invoke(ctx, c.cc, catalogServiceName, method, in, out) }
	if c.breaker == nil {
		return fromStatus(fn())
	}
	return fromStatus(c.breaker.Run(fn, isDomainError))
}

func (c *CatalogClient) SaveProfile(ctx context.Context, actor models.Identity, req *SaveProfileRequest) (*models.Profile, error) {
	var resp ProfileResponse
	if err := c.call(ctx, actor, "SaveProfile", req, &resp); err != nil {
		return nil, err
	}
	return resp.Profile, nil
}

func (c *CatalogClient) GetProfile(ctx context.Context, actor models.Identity) (*models.Profile, error) {
	var resp ProfileResponse
	if err := c.call(ctx, actor, "GetProfile", &Empty{}, &resp); err != nil {
		return nil, err
	}
	return resp.Profile, nil
}

func (c *CatalogClient) RegisterRestaurant(ctx context.Context, actor models.Identity, req *RegisterRestaurantRequest) (*models.Restaurant, error) {
	var resp RestaurantResponse
	if err := c.call(ctx, actor, "RegisterRestaurant", req, &resp); err != nil {
		return nil, err
	}
	return resp.Restaurant, nil
}

func (c *CatalogClient) GetRestaurant(ctx context.Context, actor models.Identity, id string) (*models.Restaurant, error) {
	var resp RestaurantResponse
	if err := c.call(ctx, actor, "GetRestaurant", &RestaurantRequest{RestaurantID: id}, &resp); err != nil {
		return nil, err
	}
	return resp.Restaurant, nil
}

func (c *CatalogClient) ListRestaurants(ctx context.Context, actor models.Identity, onlyVerified bool) ([]*models.Restaurant, error) {
	var resp ListRestaurantsResponse
	if err := c.call(ctx, actor, "ListRestaurants", &ListRestaurantsRequest{OnlyVerified: onlyVerified}, &resp); err != nil {
		return nil, err
	}
	return resp.Restaurants, nil
}

func (c *CatalogClient) ListMenu(ctx context.Context, actor models.Identity, restaurantID string) ([]*models.MenuItem, error) {
	var resp MenuResponse
	if err := c.call(ctx, actor, "ListMenu", &RestaurantRequest{RestaurantID: restaurantID}, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (c *CatalogClient) GetMenuItem(ctx context.Context, actor models.Identity, id string) (*models.MenuItem, error) {
	var resp MenuItemResponse
	if err := c.call(ctx, actor, "GetMenuItem", &MenuItemRequest{ID: id}, &resp); err != nil {
		return nil, err
	}
	return resp.Item, nil
}

func (c *CatalogClient) SaveMenuItem(ctx context.Context, actor models.Identity, item *models.MenuItem) (*models.MenuItem, error) {
	var resp MenuItemResponse
	if err := c.call(ctx, actor, "SaveMenuItem", item, &resp); err != nil {
		return nil, err
	}
	return resp.Item, nil
}

func (c *CatalogClient) DeleteMenuItem(ctx context.Context, actor models.Identity, restaurantID, id string) error {
	return c.call(ctx, actor, "DeleteMenuItem", &DeleteMenuItemRequest{ID: id, RestaurantID: restaurantID}, &Empty{})
}

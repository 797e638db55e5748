package grpc

import (
	"context"
	"time"

	"github.com/example/grabandgo/pkg/admin"
	"github.com/example/grabandgo/pkg/models"
	"github.com/example/grabandgo/pkg/notify"
	"github.com/example/grabandgo/pkg/order"
	"github.com/example/grabandgo/pkg/watchdog"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const orderServiceName = "grabandgo.OrderService"

// OrderServiceServer is the order engine as exposed to the gateway.
type OrderServiceServer interface {
	PlaceOrder(context.Context, *PlaceOrderRequest) (*OrderResponse, error)
	GetOrder(context.Context, *OrderRequest) (*OrderResponse, error)
	ListOrders(context.Context, *ListOrdersRequest) (*ListOrdersResponse, error)
	Transition(context.Context, *TransitionRequest) (*OrderResponse, error)
	MarkPaid(context.Context, *OrderRequest) (*OrderResponse, error)
	VerifyPickup(context.Context, *VerifyPickupRequest) (*OrderResponse, error)
	ListNotifications(context.Context, *Empty) (*ListNotificationsResponse, error)
	MarkNotificationRead(context.Context, *NotificationRequest) (*Empty, error)
	ApproveRestaurant(context.Context, *RestaurantRequest) (*RestaurantResponse, error)
	SetTestMode(context.Context, *TestModeRequest) (*TestModeResponse, error)
	GetTestMode(context.Context, *Empty) (*TestModeResponse, error)
	Stats(context.Context, *Empty) (*order.Stats, error)
	Sweep(context.Context, *Empty) (*watchdog.Report, error)
}

var OrderServiceDesc = grpc.ServiceDesc{
	ServiceName: orderServiceName,
	HandlerType: (*OrderServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(orderServiceName, "PlaceOrder", OrderServiceServer.PlaceOrder),
		unary(orderServiceName, "GetOrder", OrderServiceServer.GetOrder),
		unary(orderServiceName, "ListOrders", OrderServiceServer.ListOrders),
		unary(orderServiceName, "Transition", OrderServiceServer.Transition),
		unary(orderServiceName, "MarkPaid", OrderServiceServer.MarkPaid),
		unary(orderServiceName, "VerifyPickup", OrderServiceServer.VerifyPickup),
		unary(orderServiceName, "ListNotifications", OrderServiceServer.ListNotifications),
		unary(orderServiceName, "MarkNotificationRead", OrderServiceServer.MarkNotificationRead),
		unary(orderServiceName, "ApproveRestaurant", OrderServiceServer.ApproveRestaurant),
		unary(orderServiceName, "SetTestMode", OrderServiceServer.SetTestMode),
		unary(orderServiceName, "GetTestMode", OrderServiceServer.GetTestMode),
		unary(orderServiceName, "Stats", OrderServiceServer.Stats),
		unary(orderServiceName, "Sweep", OrderServiceServer.Sweep),
	},
	Metadata: "grabandgo/order.json",
}

// NotificationStore is the read side of the notification dispatcher.
type NotificationStore interface {
	List(userID string) []notify.Notification
	Unread(userID string) int
	MarkRead(id string) error
	Owner(id string) (string, bool)
}

// Sweeper runs one stale-order sweep. *watchdog.Watchdog implements it.
type Sweeper interface {
	Sweep(ctx context.Context) (watchdog.Report, error)
}

type OrderServer struct {
	orders        *order.Service
	admin         *admin.Service
	notifications NotificationStore
	sweeper       Sweeper
	logger        *zap.Logger
}

func NewOrderServer(orders *order.Service, adminSvc *admin.Service, notifications NotificationStore, logger *zap.Logger) *OrderServer {
	return &OrderServer{
		orders:        orders,
		admin:         adminSvc,
		notifications: notifications,
		logger:        logger.Named("order-server"),
	}
}

// WithSweeper lets administrators trigger the watchdog of this instance, so
// its alerts land in the same dispatcher that serves ListNotifications.
func (s *OrderServer) WithSweeper(w Sweeper) *OrderServer {
	s.sweeper = w
	return s
}

// Register adds the order service to srv.
func (s *OrderServer) Register(srv *grpc.Server) {
	srv.RegisterService(&OrderServiceDesc, s)
}

// NewServer creates a gRPC server that logs every call and converts order
// errors into statuses.
func NewServer(logger *zap.Logger, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(errorInterceptor, loggingInterceptor(logger)))
	return grpc.NewServer(opts...)
}

func errorInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.Duration("duration", time.Since(start)),
		}
		if err != nil {
			fields = append(fields, zap.String("code", string(order.CodeOf(err))), zap.Error(err))
			if c := order.CodeOf(err); c == "" || c == order.CodeStoreUnavailable {
				logger.Error("gRPC call failed", fields...)
				return resp, err
			}
			logger.Info("gRPC call rejected", fields...)
			return resp, err
		}
		logger.Debug("gRPC call", fields...)
		return resp, err
	}
}

func (s *OrderServer) PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*OrderResponse, error) {
	actor, err := identityFromContext(ctx)
	if err != nil {
		return nil, err
	}
	o, err := s.orders.PlaceOrder(ctx, actor, order.PlaceRequest{
		RestaurantID: req.RestaurantID,
		Items:        req.Items,
		Total:        req.Total,
	})
	if err != nil {
		return nil, err
	}
	return &OrderResponse{Order: o}, nil
}

func (s *OrderServer) GetOrder(ctx context.Context, req *OrderRequest) (*OrderResponse, error) {
	actor, err := identityFromContext(ctx)
	if err != nil {
		return nil, err
	}
	o, err := s.orders.Get(ctx, actor, req.OrderID)
	if err != nil {
		return nil, err
	}
	return &OrderResponse{Order: o}, nil
}

func (s *OrderServer) ListOrders(ctx context.Context, req *ListOrdersRequest) (*ListOrdersResponse, error) {
	actor, err := identityFromContext(ctx)
	if err != nil {
		return nil, err
	}
	orders, err := s.orders.List(ctx, actor, req.filter())
	if err != nil {
		return nil, err
	}
	return &ListOrdersResponse{Orders: orders}, nil
}

func (s *OrderServer) Transition(ctx context.Context, req *TransitionRequest) (*OrderResponse, error) {
	actor, err := identityFromContext(ctx)
	if err != nil {
		return nil, err
	}
	ev, err := order.ParseEvent(req.Event)
	if err != nil {
		return nil, err
	}
	o, err := s.orders.Apply(ctx, actor, req.OrderID, ev)
	if err != nil {
		return nil, err
	}
	return &OrderResponse{Order: o}, nil
}

func (s *OrderServer) MarkPaid(ctx context.Context, req *OrderRequest) (*OrderResponse, error) {
	actor, err := identityFromContext(ctx)
	if err != nil {
		return nil, err
	}
	o, err := s.orders.MarkPaid(ctx, actor, req.OrderID)
	if err != nil {
		return nil, err
	}
	return &OrderResponse{Order: o}, nil
}

func (s *OrderServer) VerifyPickup(ctx context.Context, req *VerifyPickupRequest) (*OrderResponse, error) {
	actor, err := identityFromContext(ctx)
	if err != nil {
		return nil, err
	}
	o, err := s.orders.VerifyAndComplete(ctx, actor, req.OrderID, req.Code)
	if err != nil {
		return nil, err
	}
	return &OrderResponse{Order: o}, nil
}

func (s *OrderServer) ListNotifications(ctx context.Context, _ *Empty) (*ListNotificationsResponse, error) {
	actor, err := identityFromContext(ctx)
	if err != nil {
		return nil, err
	}
	list := s.notifications.List(actor.ID)
	if list == nil {
		list = []notify.Notification{}
	}
	return &ListNotificationsResponse{
		Notifications: list,
		Unread:        s.notifications.Unread(actor.ID),
	}, nil
}

// MarkNotificationRead only touches the caller's own notifications; any other
// id reads as unknown.
func (s *OrderServer) MarkNotificationRead(ctx context.Context, req *NotificationRequest) (*Empty, error) {
	actor, err := identityFromContext(ctx)
	if err != nil {
		return nil, err
	}
	owner, ok := s.notifications.Owner(req.ID)
	if !ok || owner != actor.ID {
		return nil, order.NewNotFoundError("notification", req.ID)
	}
	if err := s.notifications.MarkRead(req.ID); err != nil {
		return nil, order.NewNotFoundError("notification", req.ID)
	}
	return &Empty{}, nil
}

func (s *OrderServer) ApproveRestaurant(ctx context.Context, req *RestaurantRequest) (*RestaurantResponse, error) {
	actor, err := identityFromContext(ctx)
	if err != nil {
		return nil, err
	}
	r, err := s.admin.ApproveRestaurant(ctx, actor, req.RestaurantID)
	if err != nil {
		return nil, err
	}
	return &RestaurantResponse{Restaurant: r}, nil
}

func (s *OrderServer) SetTestMode(ctx context.Context, req *TestModeRequest) (*TestModeResponse, error) {
	actor, err := identityFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.admin.SetTestMode(ctx, actor, req.Enabled); err != nil {
		return nil, err
	}
	return &TestModeResponse{Enabled: req.Enabled}, nil
}

func (s *OrderServer) GetTestMode(ctx context.Context, _ *Empty) (*TestModeResponse, error) {
	actor, err := identityFromContext(ctx)
	if err != nil {
		return nil, err
	}
	on, err := s.admin.TestMode(ctx, actor)
	if err != nil {
		return nil, err
	}
	return &TestModeResponse{Enabled: on}, nil
}

func (s *OrderServer) Stats(ctx context.Context, _ *Empty) (*order.Stats, error) {
	actor, err := identityFromContext(ctx)
	if err != nil {
		return nil, err
	}
	stats, err := s.admin.Stats(ctx, actor)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

func (s *OrderServer) Sweep(ctx context.Context, _ *Empty) (*watchdog.Report, error) {
	actor, err := identityFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if actor.Role != models.RoleAdmin {
		return nil, order.NewForbiddenError("", "administrator role required")
	}
	if s.sweeper == nil {
		return nil, order.NewValidationError("the stale-order watchdog is disabled on this instance")
	}
	report, err := s.sweeper.Sweep(ctx)
	if err != nil {
		return nil, order.StoreUnavailable(err)
	}
	s.logger.Info("Manual watchdog sweep",
		zap.String("admin", actor.ID),
		zap.Int("warned", report.Warned),
		zap.Int("urgent", report.Urgent),
		zap.Int("cancelled", report.Cancelled))
	return &report, nil
}

// OrderClient calls the order service on behalf of an authenticated identity.
type OrderClient struct {
	cc      grpc.ClientConnInterface
	breaker runner
}

// runner is satisfied by *breaker.Breaker.
type runner interface {
	Run(fn func() error, ignore func(error) bool) error
}

func NewOrderClient(cc grpc.ClientConnInterface, b runner) *OrderClient {
	return &OrderClient{cc: cc, breaker: b}
}

func (c *OrderClient) call(ctx context.Context, actor models.Identity, method string, in, out interface{}) error {
	ctx = WithIdentity(ctx, actor)
	fn := func() error { return invoke(ctx, c.cc, orderServiceName, method, in, out) }
	if c.breaker == nil {
		return fromStatus(fn())
	}
	return fromStatus(c.breaker.Run(fn, isDomainError))
}

func (c *OrderClient) PlaceOrder(ctx context.Context, actor models.Identity, req *PlaceOrderRequest) (*models.Order, error) {
	var resp OrderResponse
	if err := c.call(ctx, actor, "PlaceOrder", req, &resp); err != nil {
		return nil, err
	}
	return resp.Order, nil
}

func (c *OrderClient) GetOrder(ctx context.Context, actor models.Identity, orderID string) (*models.Order, error) {
	var resp OrderResponse
	if err := c.call(ctx, actor, "GetOrder", &OrderRequest{OrderID: orderID}, &resp); err != nil {
		return nil, err
	}
	return resp.Order, nil
}

func (c *OrderClient) ListOrders(ctx context.Context, actor models.Identity, req *ListOrdersRequest) ([]*models.Order, error) {
	var resp ListOrdersResponse
	if err := c.call(ctx, actor, "ListOrders", req, &resp); err != nil {
		return nil, err
	}
	return resp.Orders, nil
}

func (c *OrderClient) Transition(ctx context.Context, actor models.Identity, orderID, event string) (*models.Order, error) {
	var resp OrderResponse
	if err := c.call(ctx, actor, "Transition", &TransitionRequest{OrderID: orderID, Event: event}, &resp); err != nil {
		return nil, err
	}
	return resp.Order, nil
}

func (c *OrderClient) MarkPaid(ctx context.Context, actor models.Identity, orderID string) (*models.Order, error) {
	var resp OrderResponse
	if err := c.call(ctx, actor, "MarkPaid", &OrderRequest{OrderID: orderID}, &resp); err != nil {
		return nil, err
	}
	return resp.Order, nil
}

func (c *OrderClient) VerifyPickup(ctx context.Context, actor models.Identity, orderID, code string) (*models.Order, error) {
	var resp OrderResponse
	if err := c.call(ctx, actor, "VerifyPickup", &VerifyPickupRequest{OrderID: orderID, Code: code}, &resp); err != nil {
		return nil, err
	}
	return resp.Order, nil
}

func (c *OrderClient) ListNotifications(ctx context.Context, actor models.Identity) (*ListNotificationsResponse, error) {
	var resp ListNotificationsResponse
	if err := c.call(ctx, actor, "ListNotifications", &Empty{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *OrderClient) MarkNotificationRead(ctx context.Context, actor models.Identity, id string) error {
	return c.call(ctx, actor, "MarkNotificationRead", &NotificationRequest{ID: id}, &Empty{})
}

func (c *OrderClient) ApproveRestaurant(ctx context.Context, actor models.Identity, restaurantID string) (*models.Restaurant, error) {
	var resp RestaurantResponse
	if err := c.call(ctx, actor, "ApproveRestaurant", &RestaurantRequest{RestaurantID: restaurantID}, &resp); err != nil {
		return nil, err
	}
	return resp.Restaurant, nil
}

func (c *OrderClient) SetTestMode(ctx context.Context, actor models.Identity, on bool) error {
	return c.call(ctx, actor, "SetTestMode", &TestModeRequest{Enabled: on}, &TestModeResponse{})
}

func (c *OrderClient) TestMode(ctx context.Context, actor models.Identity) (bool, error) {
	var resp TestModeResponse
	if err := c.call(ctx, actor, "GetTestMode", &Empty{}, &resp); err != nil {
		return false, err
	}
	return resp.Enabled, nil
}

func (c *OrderClient) Stats(ctx context.Context, actor models.Identity) (order.Stats, error) {
	var resp order.Stats
	if err := c.call(ctx, actor, "Stats", &Empty{}, &resp); err != nil {
		return order.Stats{}, err
	}
	return resp, nil
}

func (c *OrderClient) Sweep(ctx context.Context, actor models.Identity) (watchdog.Report, error) {
	var resp watchdog.Report
	if err := c.call(ctx, actor, "Sweep", &Empty{}, &resp); err != nil {
		return watchdog.Report{}, err
	}
	return resp, nil
}

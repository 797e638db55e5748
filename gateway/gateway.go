package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/example/grabandgo/pkg/config"
	grpcapi "github.com/example/grabandgo/pkg/grpc"
	"github.com/example/grabandgo/pkg/metrics"
	"github.com/example/grabandgo/pkg/models"
	"github.com/example/grabandgo/pkg/notify"
	"github.com/example/grabandgo/pkg/order"
	"github.com/example/grabandgo/pkg/repository"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// OrderBackend is implemented by grpc.OrderClient.
type OrderBackend interface {
	PlaceOrder(ctx context.Context, actor models.Identity, req *grpcapi.PlaceOrderRequest) (*models.Order, error)
	GetOrder(ctx context.Context, actor models.Identity, orderID string) (*models.Order, error)
	ListOrders(ctx context.Context, actor models.Identity, req *grpcapi.ListOrdersRequest) ([]*models.Order, error)
	Transition(ctx context.Context, actor models.Identity, orderID, event string) (*models.Order, error)
	MarkPaid(ctx context.Context, actor models.Identity, orderID string) (*models.Order, error)
	VerifyPickup(ctx context.Context, actor models.Identity, orderID, code string) (*models.Order, error)
	ListNotifications(ctx context.Context, actor models.Identity) (*grpcapi.ListNotificationsResponse, error)
	MarkNotificationRead(ctx context.Context, actor models.Identity, id string) error
	ApproveRestaurant(ctx context.Context, actor models.Identity, restaurantID string) (*models.Restaurant, error)
	SetTestMode(ctx context.Context, actor models.Identity, on bool) error
	TestMode(ctx context.Context, actor models.Identity) (bool, error)
	Stats(ctx context.Context, actor models.Identity) (order.Stats, error)
}

// CatalogBackend is implemented by grpc.CatalogClient.
type CatalogBackend interface {
	SaveProfile(ctx context.Context, actor models.Identity, req *grpcapi.SaveProfileRequest) (*models.Profile, error)
	GetProfile(ctx context.Context, actor models.Identity) (*models.Profile, error)
	RegisterRestaurant(ctx context.Context, actor models.Identity, req *grpcapi.RegisterRestaurantRequest) (*models.Restaurant, error)
	GetRestaurant(ctx context.Context, actor models.Identity, id string) (*models.Restaurant, error)
	ListRestaurants(ctx context.Context, actor models.Identity, onlyVerified bool) ([]*models.Restaurant, error)
	ListMenu(ctx context.Context, actor models.Identity, restaurantID string) ([]*models.MenuItem, error)
	GetMenuItem(ctx context.Context, actor models.Identity, id string) (*models.MenuItem, error)
	SaveMenuItem(ctx context.Context, actor models.Identity, item *models.MenuItem) (*models.MenuItem, error)
	DeleteMenuItem(ctx context.Context, actor models.Identity, restaurantID, id string) error
}

// Subscriber is implemented by repository.RedisRepository.
type Subscriber interface {
	Subscribe(ctx context.Context, tables ...string) (<-chan repository.Change, error)
	SubscribeNotifications(ctx context.Context, userID string) (<-chan notify.Notification, error)
}

type Gateway struct {
	config  *config.Config
	logger  *zap.Logger
	router  *gin.Engine
	auth    *Authenticator
	orders  OrderBackend
	catalog CatalogBackend
	feed    Subscriber
	carts   *cartStore
	verify  *keyedLimiter
	server  *http.Server
}

// NewGateway builds the HTTP front end. feed may be nil, which disables the
// websocket endpoints.
func NewGateway(cfg *config.Config, logger *zap.Logger, orders OrderBackend, catalog CatalogBackend, feed Subscriber) *Gateway {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggerMiddleware(logger))
	router.Use(metrics.PrometheusMiddleware("gateway"))

	g := &Gateway{
		config:  cfg,
		logger:  logger.Named("gateway"),
		router:  router,
		auth:    NewAuthenticator(cfg.Auth),
		orders:  orders,
		catalog: catalog,
		feed:    feed,
		carts:   newCartStore(),
		verify:  newKeyedLimiter(cfg.RateLimit.VerifyPerMinute, cfg.RateLimit.Burst),
	}
	g.server = &http.Server{
		Addr:              cfg.Gateway.Address(),
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g
}

func (g *Gateway) SetupRoutes() {
	g.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	g.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := g.router.Group("/api/v1", g.auth.Middleware())
	{
		v1.POST("/logout", g.logout)
		v1.GET("/profile", g.getProfile)
		v1.PUT("/profile", g.saveProfile)

		restaurants := v1.Group("/restaurants")
		{
			restaurants.GET("", g.listRestaurants)
			restaurants.POST("", g.registerRestaurant)
			restaurants.GET("/:id/menu", g.listMenu)
			restaurants.POST("/:id/menu", g.saveMenuItem)
			restaurants.DELETE("/:id/menu/:item", g.deleteMenuItem)
		}

		carts := v1.Group("/cart")
		{
			carts.GET("", g.getCart)
			carts.POST("/items", g.addCartItem)
			carts.PATCH("/items/:id", g.updateCartItem)
			carts.DELETE("/items/:id", g.removeCartItem)
			carts.DELETE("", g.clearCart)
			carts.POST("/checkout", g.checkout)
		}

		orders := v1.Group("/orders")
		{
			orders.GET("", g.listOrders)
			orders.GET("/:id", g.getOrder)
			orders.POST("/:id/transitions", g.transitionOrder)
			orders.POST("/:id/paid", g.markPaid)
			orders.POST("/:id/verify", g.verifyPickup)
			orders.GET("/:id/payment", g.paymentLink)
			orders.GET("/:id/payment/qr", g.paymentQR)
		}

		notifications := v1.Group("/notifications")
		{
			notifications.GET("", g.listNotifications)
			notifications.POST("/:id/read", g.markNotificationRead)
		}

		adminRoutes := v1.Group("/admin")
		{
			adminRoutes.POST("/restaurants/:id/approve", g.approveRestaurant)
			adminRoutes.GET("/test-mode", g.getTestMode)
			adminRoutes.PUT("/test-mode", g.setTestMode)
			adminRoutes.GET("/stats", g.stats)
		}
	}

	ws := g.router.Group("/ws", g.auth.Middleware())
	{
		ws.GET("/feed", g.orderFeed)
		ws.GET("/notifications", g.notificationFeed)
	}
}

// Handler returns the router wrapped with CORS handling.
func (g *Gateway) Handler() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   g.config.Gateway.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           600,
	}).Handler(g.router)
}

func (g *Gateway) Start() error {
	g.logger.Info("Gateway starting", zap.String("address", g.server.Addr))
	if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (g *Gateway) Shutdown(ctx context.Context) error {
	return g.server.Shutdown(ctx)
}

func loggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", redactToken(query)),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

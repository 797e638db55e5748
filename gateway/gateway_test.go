package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/grabandgo/pkg/admin"
	"github.com/example/grabandgo/pkg/config"
	grpcapi "github.com/example/grabandgo/pkg/grpc"
	"github.com/example/grabandgo/pkg/models"
	"github.com/example/grabandgo/pkg/notify"
	"github.com/example/grabandgo/pkg/order"
	"github.com/example/grabandgo/pkg/repository"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

var (
	customer = models.Identity{ID: "cust-1", Name: "Asha", Role: models.RoleCustomer}
	owner    = models.Identity{ID: "owner-1", Name: "Meera", Role: models.RoleRestaurantOwner, RestaurantID: "r1"}
	rival    = models.Identity{ID: "owner-2", Role: models.RoleRestaurantOwner, RestaurantID: "r2"}
	adminID  = models.Identity{ID: "admin-1", Role: models.RoleAdmin}
)

type memoryTestMode struct{ on bool }

func (m *memoryTestMode) TestMode(ctx context.Context) (bool, error) { return m.on, nil }

func (m *memoryTestMode) SetTestMode(ctx context.Context, on bool) error {
	m.on = on
	return nil
}

type fakeFeed struct {
	mu      sync.Mutex
	changes []chan repository.Change
	notes   map[chan notify.Notification]string
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{notes: make(map[chan notify.Notification]string)}
}

func (f *fakeFeed) Subscribe(ctx context.Context, tables ...string) (<-chan repository.Change, error) {
	ch := make(chan repository.Change, 8)
	f.mu.Lock()
	f.changes = append(f.changes, ch)
	f.mu.Unlock()
	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, c := range f.changes {
			if c == ch {
				f.changes = append(f.changes[:i], f.changes[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

func (f *fakeFeed) SubscribeNotifications(ctx context.Context, userID string) (<-chan notify.Notification, error) {
	ch := make(chan notify.Notification, 8)
	f.mu.Lock()
	f.notes[ch] = userID
	f.mu.Unlock()
	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.notes, ch)
		close(ch)
	}()
	return ch, nil
}

func (f *fakeFeed) publish(c repository.Change) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.changes {
		ch <- c
	}
}

func (f *fakeFeed) notify(n notify.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch, user := range f.notes {
		if user == n.UserID {
			ch <- n
		}
	}
}

type fixture struct {
	gw   *Gateway
	feed *fakeFeed
	repo *repository.OrderRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	repo, err := repository.OpenSQLite(filepath.Join(t.TempDir(), "gateway.db"), logger)
	require.NoError(t, err)
	require.NoError(t, repo.Migrate())
	t.Cleanup(func() { _ = repo.Close() })

	require.NoError(t, repo.SaveRestaurant(ctx, &models.Restaurant{ID: "r1", OwnerID: owner.ID, Name: "Campus Grill", Verified: true, PaymentMethod: models.PaymentUPI, UPIID: "grill@okbank"}))
	require.NoError(t, repo.SaveRestaurant(ctx, &models.Restaurant{ID: "r2", OwnerID: rival.ID, Name: "Noodle Bar", Verified: true}))
	require.NoError(t, repo.SaveRestaurant(ctx, &models.Restaurant{ID: "r3", OwnerID: "owner-3", Name: "Chai Point"}))
	require.NoError(t, repo.SaveMenuItem(ctx, &models.MenuItem{ID: "m1", RestaurantID: "r1", Name: "Masala Dosa", Price: decimal.RequireFromString("8.50")}))
	require.NoError(t, repo.SaveMenuItem(ctx, &models.MenuItem{ID: "m2", RestaurantID: "r2", Name: "Hakka Noodles", Price: decimal.RequireFromString("6.00")}))
	require.NoError(t, repo.SaveMenuItem(ctx, &models.MenuItem{ID: "m3", RestaurantID: "r3", Name: "Chai", Price: decimal.RequireFromString("1.50")}))

	dispatcher := notify.NewDispatcher()
	tm := &memoryTestMode{}
	orders, err := order.NewService(repo, dispatcher, order.Config{}, logger, order.WithTestMode(tm))
	require.NoError(t, err)

	srv := grpcapi.NewServer(logger)
	grpcapi.NewOrderServer(orders, admin.NewService(repo, tm, nil, logger), dispatcher, logger).Register(srv)
	grpcapi.NewCatalogServer(repo, nil, logger).Register(srv)
	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	cfg := &config.Config{
		Gateway:   config.GatewayConfig{AllowedOrigins: []string{"http://localhost:5173"}},
		Auth:      config.AuthConfig{JWTSecret: "test-secret", Issuer: "grabandgo"},
		RateLimit: config.RateLimitConfig{VerifyPerMinute: 1, Burst: 3},
	}

	conn, err := grpc.DialContext(ctx, "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	manager := grpcapi.NewClientManager(cfg, logger, nil)
	manager.Use(conn)
	t.Cleanup(func() { _ = manager.Close() })

	feed := newFakeFeed()
	gw := NewGateway(cfg, logger, manager.OrderClient(), manager.CatalogClient(), feed)
	gw.SetupRoutes()
	return &fixture{gw: gw, feed: feed, repo: repo}
}

func (f *fixture) token(t *testing.T, id models.Identity) string {
	t.Helper()
	tok, err := f.gw.auth.Issue(id, time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, id models.Identity, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if id.ID != "" {
		req.Header.Set("Authorization", "Bearer "+f.token(t, id))
	}
	rec := httptest.NewRecorder()
	f.gw.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusOK, f.do(t, models.Identity{}, http.MethodGet, "/health", nil).Code)

	rec := f.do(t, models.Identity{}, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestAuthentication(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, models.Identity{}, http.MethodGet, "/api/v1/cart", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHENTICATED", decode[errorBody](t, rec).Code)

	send := func(token string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		f.gw.Handler().ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, send("garbage"))

	expired, err := f.gw.auth.Issue(customer, -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, send(expired))

	foreign, err := NewAuthenticator(config.AuthConfig{JWTSecret: "test-secret", Issuer: "someone-else"}).Issue(customer, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, send(foreign))

	forged, err := NewAuthenticator(config.AuthConfig{JWTSecret: "other-secret", Issuer: "grabandgo"}).Issue(customer, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, send(forged))

	system, err := f.gw.auth.Issue(models.SystemIdentity, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, send(system))

	assert.Equal(t, http.StatusOK, send(f.token(t, customer)))
}

func TestCartToPickup(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, customer, http.MethodPost, "/api/v1/cart/items", object{"menu_item_id": "m1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = f.do(t, customer, http.MethodPost, "/api/v1/cart/items", object{"menu_item_id": "m1"})
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[cartView](t, rec)
	require.Len(t, view.Items, 1)
	assert.Equal(t, 2, view.Items[0].Quantity)
	assert.Equal(t, "17.00", view.Total)

	rec = f.do(t, customer, http.MethodPost, "/api/v1/cart/items", object{"menu_item_id": "m2"})
	require.Equal(t, http.StatusConflict, rec.Code)
	conflict := decode[errorBody](t, rec)
	assert.Equal(t, "RESTAURANT_CONFLICT", conflict.Code)
	assert.Equal(t, "r1", conflict.RestaurantID)

	rec = f.do(t, customer, http.MethodPost, "/api/v1/cart/checkout", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	placed := decode[models.Order](t, rec)
	assert.Equal(t, models.StatusPending, placed.Status)
	assert.Len(t, placed.PickupCode, 4)

	view = decode[cartView](t, f.do(t, customer, http.MethodGet, "/api/v1/cart", nil))
	assert.Empty(t, view.Items)

	path := "/api/v1/orders/" + placed.ID
	rec = f.do(t, rival, http.MethodPost, path+"/transitions", object{"event": "accept"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, owner, http.MethodPost, path+"/transitions", object{"event": "accept"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, owner, http.MethodPost, path+"/verify", object{"code": placed.PickupCode})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(order.CodeNotReadyForPickup), decode[errorBody](t, rec).Code)

	rec = f.do(t, owner, http.MethodPost, path+"/transitions", object{"event": "mark_ready"})
	require.Equal(t, http.StatusOK, rec.Code)

	wrong := "0000"
	if placed.PickupCode == wrong {
		wrong = "1111"
	}
	rec = f.do(t, owner, http.MethodPost, path+"/verify", object{"code": wrong})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, string(order.CodeInvalidCode), decode[errorBody](t, rec).Code)

	rec = f.do(t, owner, http.MethodPost, path+"/verify", object{"code": placed.PickupCode})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.StatusCompleted, decode[models.Order](t, rec).Status)

	rec = f.do(t, owner, http.MethodPost, path+"/transitions", object{"event": "cancel"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(order.CodeInvalidTransition), decode[errorBody](t, rec).Code)

	notes := decode[grpcapi.ListNotificationsResponse](t, f.do(t, customer, http.MethodGet, "/api/v1/notifications", nil))
	assert.Len(t, notes.Notifications, 3)

	rec = f.do(t, customer, http.MethodPost, "/api/v1/notifications/"+notes.Notifications[0].ID+"/read", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestConfirmReplacesCart(t *testing.T) {
	f := newFixture(t)

	require.Equal(t, http.StatusOK, f.do(t, customer, http.MethodPost, "/api/v1/cart/items", object{"menu_item_id": "m1"}).Code)
	rec := f.do(t, customer, http.MethodPost, "/api/v1/cart/items", object{"menu_item_id": "m2", "confirm": true})
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[cartView](t, rec)
	assert.Equal(t, "r2", view.RestaurantID)
	require.Len(t, view.Items, 1)
	assert.Equal(t, "m2", view.Items[0].MenuItemID)

	rec = f.do(t, customer, http.MethodPatch, "/api/v1/cart/items/m2", object{"delta": -1})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[cartView](t, rec).Items)

	rec = f.do(t, customer, http.MethodPatch, "/api/v1/cart/items/m2", object{"delta": 1})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, owner, http.MethodGet, "/api/v1/cart", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLogoutDiscardsCart(t *testing.T) {
	f := newFixture(t)

	require.Equal(t, http.StatusOK, f.do(t, customer, http.MethodPost, "/api/v1/cart/items", object{"menu_item_id": "m1"}).Code)
	assert.Equal(t, http.StatusNoContent, f.do(t, customer, http.MethodPost, "/api/v1/logout", nil).Code)

	view := decode[cartView](t, f.do(t, customer, http.MethodGet, "/api/v1/cart", nil))
	assert.Empty(t, view.Items)
}

func TestIdleCartsExpire(t *testing.T) {
	s := newCartStore()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	c := s.get("cust-1")
	require.NoError(t, c.AddItem(models.MenuItem{ID: "m1", RestaurantID: "r1", Price: decimal.RequireFromString("8.50")}, false))

	now = now.Add(time.Hour)
	assert.Same(t, c, s.get("cust-1"), "an active cart is kept")

	s.get("cust-2")
	now = now.Add(cartIdleTTL + time.Minute)
	fresh := s.get("cust-2")
	assert.Equal(t, 0, fresh.Len())
	assert.Len(t, s.carts, 1, "idle carts are dropped")
	assert.Equal(t, 0, s.get("cust-1").Len())
}

func TestFailedCheckoutKeepsCart(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, customer, http.MethodPost, "/api/v1/cart/checkout", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	require.Equal(t, http.StatusOK, f.do(t, customer, http.MethodPost, "/api/v1/cart/items", object{"menu_item_id": "m3"}).Code)
	rec = f.do(t, customer, http.MethodPost, "/api/v1/cart/checkout", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(order.CodeValidation), decode[errorBody](t, rec).Code)

	view := decode[cartView](t, f.do(t, customer, http.MethodGet, "/api/v1/cart", nil))
	assert.Len(t, view.Items, 1)
}

func placeViaCart(t *testing.T, f *fixture) models.Order {
	t.Helper()
	require.Equal(t, http.StatusOK, f.do(t, customer, http.MethodPost, "/api/v1/cart/items", object{"menu_item_id": "m1"}).Code)
	rec := f.do(t, customer, http.MethodPost, "/api/v1/cart/checkout", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[models.Order](t, rec)
}

func readyViaOwner(t *testing.T, f *fixture) models.Order {
	t.Helper()
	placed := placeViaCart(t, f)
	path := "/api/v1/orders/" + placed.ID + "/transitions"
	require.Equal(t, http.StatusOK, f.do(t, owner, http.MethodPost, path, object{"event": "accept"}).Code)
	require.Equal(t, http.StatusOK, f.do(t, owner, http.MethodPost, path, object{"event": "mark_ready"}).Code)
	return placed
}

func wrongCode(code string) string {
	if code == "9999" {
		return "1111"
	}
	return "9999"
}

func TestVerifyIsRateLimited(t *testing.T) {
	f := newFixture(t)
	placed := readyViaOwner(t, f)
	path := "/api/v1/orders/" + placed.ID + "/verify"

	for i := 0; i < 3; i++ {
		rec := f.do(t, owner, http.MethodPost, path, object{"code": wrongCode(placed.PickupCode)})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	}
	rec := f.do(t, owner, http.MethodPost, path, object{"code": placed.PickupCode})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMITED", decode[errorBody](t, rec).Code)
}

func TestVerifyLimitIgnoresRejectedCallers(t *testing.T) {
	f := newFixture(t)
	placed := placeViaCart(t, f)
	path := "/api/v1/orders/" + placed.ID + "/verify"

	// Attempts before the order is ready do not count.
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusConflict, f.do(t, owner, http.MethodPost, path, object{"code": placed.PickupCode}).Code)
	}

	transitions := "/api/v1/orders/" + placed.ID + "/transitions"
	require.Equal(t, http.StatusOK, f.do(t, owner, http.MethodPost, transitions, object{"event": "accept"}).Code)
	require.Equal(t, http.StatusOK, f.do(t, owner, http.MethodPost, transitions, object{"event": "mark_ready"}).Code)

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusForbidden, f.do(t, rival, http.MethodPost, path, object{"code": wrongCode(placed.PickupCode)}).Code)
		assert.Equal(t, http.StatusForbidden, f.do(t, customer, http.MethodPost, path, object{"code": wrongCode(placed.PickupCode)}).Code)
	}

	rec := f.do(t, owner, http.MethodPost, path, object{"code": placed.PickupCode})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.StatusCompleted, decode[models.Order](t, rec).Status)
}

func TestPaymentEndpoints(t *testing.T) {
	f := newFixture(t)
	placed := placeViaCart(t, f)

	rec := f.do(t, customer, http.MethodGet, "/api/v1/orders/"+placed.ID+"/payment", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	link := decode[map[string]string](t, rec)["link"]
	assert.True(t, strings.HasPrefix(link, "upi://pay?pa=grill%40okbank"), link)
	assert.Contains(t, link, "am=8.50")

	rec = f.do(t, customer, http.MethodGet, "/api/v1/orders/"+placed.ID+"/payment/qr?size=128", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))

	rec = f.do(t, customer, http.MethodGet, "/api/v1/orders/"+placed.ID+"/payment/qr?size=5", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, rival, http.MethodGet, "/api/v1/orders/"+placed.ID+"/payment", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListOrdersScoping(t *testing.T) {
	f := newFixture(t)
	placed := placeViaCart(t, f)

	body := decode[ordersBody](t, f.do(t, owner, http.MethodGet, "/api/v1/orders?status=pending", nil))
	require.Len(t, body.Orders, 1)
	assert.Equal(t, placed.ID, body.Orders[0].ID)

	body = decode[ordersBody](t, f.do(t, rival, http.MethodGet, "/api/v1/orders", nil))
	assert.Empty(t, body.Orders)

	assert.Equal(t, http.StatusBadRequest, f.do(t, owner, http.MethodGet, "/api/v1/orders?status=lost", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, owner, http.MethodGet, "/api/v1/orders?scope=everything", nil).Code)
}

func TestAdminEndpoints(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusForbidden, f.do(t, customer, http.MethodGet, "/api/v1/admin/stats", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, adminID, http.MethodPut, "/api/v1/admin/test-mode", object{}).Code)

	rec := f.do(t, adminID, http.MethodPut, "/api/v1/admin/test-mode", object{"enabled": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decode[map[string]bool](t, f.do(t, adminID, http.MethodGet, "/api/v1/admin/test-mode", nil))["enabled"])

	placed := placeViaCart(t, f)
	assert.True(t, placed.IsTest)

	stats := decode[order.Stats](t, f.do(t, adminID, http.MethodGet, "/api/v1/admin/stats", nil))
	assert.Equal(t, int64(0), stats.Orders)

	rec = f.do(t, adminID, http.MethodPost, "/api/v1/admin/restaurants/r3/approve", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[models.Restaurant](t, rec).Verified)
}

func TestCatalogEndpoints(t *testing.T) {
	f := newFixture(t)

	var list struct {
		Restaurants []models.Restaurant `json:"restaurants"`
	}
	require.NoError(t, json.Unmarshal(f.do(t, customer, http.MethodGet, "/api/v1/restaurants", nil).Body.Bytes(), &list))
	assert.Len(t, list.Restaurants, 2)

	rec := f.do(t, owner, http.MethodPost, "/api/v1/restaurants/r1/menu", object{"name": "Idli", "price": "3.00"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var menu struct {
		Items []models.MenuItem `json:"items"`
	}
	require.NoError(t, json.Unmarshal(f.do(t, customer, http.MethodGet, "/api/v1/restaurants/r1/menu", nil).Body.Bytes(), &menu))
	assert.Len(t, menu.Items, 2)

	rec = f.do(t, rival, http.MethodPost, "/api/v1/restaurants/r1/menu", object{"name": "Stolen", "price": "1.00"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	assert.Equal(t, http.StatusForbidden, f.do(t, rival, http.MethodDelete, "/api/v1/restaurants/r1/menu/m1", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, owner, http.MethodDelete, "/api/v1/restaurants/r1/menu/m2", nil).Code)
	assert.Equal(t, http.StatusNoContent, f.do(t, owner, http.MethodDelete, "/api/v1/restaurants/r1/menu/m1", nil).Code)
	require.NoError(t, json.Unmarshal(f.do(t, customer, http.MethodGet, "/api/v1/restaurants/r1/menu", nil).Body.Bytes(), &menu))
	assert.Len(t, menu.Items, 1)

	rec = f.do(t, customer, http.MethodPut, "/api/v1/profile", object{"name": "Asha K"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Asha K", decode[models.Profile](t, f.do(t, customer, http.MethodGet, "/api/v1/profile", nil)).Name)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/orders", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "authorization")
	rec := httptest.NewRecorder()
	f.gw.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/orders", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = httptest.NewRecorder()
	f.gw.Handler().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func dial(t *testing.T, f *fixture, path string, id models.Identity) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(f.gw.Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path + "?token=" + f.token(t, id)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestNotificationSocket(t *testing.T) {
	f := newFixture(t)
	conn := dial(t, f, "/ws/notifications", customer)

	f.feed.notify(notify.Notification{ID: "n0", UserID: "someone-else", Title: "Not yours"})
	f.feed.notify(notify.Notification{ID: "n1", UserID: customer.ID, Title: "Order ready"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var n notify.Notification
	require.NoError(t, conn.ReadJSON(&n))
	assert.Equal(t, "n1", n.ID)
	assert.Equal(t, "Order ready", n.Title)
}

func TestOrderFeedRespectsVisibility(t *testing.T) {
	f := newFixture(t)
	placed := placeViaCart(t, f)
	conn := dial(t, f, "/ws/feed", rival)

	f.feed.publish(repository.Change{Table: models.OrdersTable, ID: placed.ID})
	f.feed.publish(repository.Change{Table: restaurantsTable, ID: "r2"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg feedMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, restaurantsTable, msg.Table)
	assert.Equal(t, "r2", msg.ID)
	assert.Nil(t, msg.Order)

	mine := dial(t, f, "/ws/feed", owner)
	f.feed.publish(repository.Change{Table: models.OrdersTable, ID: placed.ID})
	require.NoError(t, mine.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, mine.ReadJSON(&msg))
	require.NotNil(t, msg.Order)
	assert.Equal(t, placed.ID, msg.Order.ID)
}

func TestKeyedLimiter(t *testing.T) {
	l := newKeyedLimiter(1, 2)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	assert.False(t, l.Blocked("o1"))
	assert.True(t, l.Allow("o1"))
	assert.False(t, l.Blocked("o1"), "checking does not spend")
	assert.True(t, l.Allow("o1"))
	assert.True(t, l.Blocked("o1"))
	assert.False(t, l.Allow("o1"))
	assert.True(t, l.Allow("o2"), "keys are independent")

	now = now.Add(time.Minute)
	assert.True(t, l.Allow("o1"))

	now = now.Add(time.Hour)
	l.Allow("o3")
	assert.Len(t, l.limiters, 1, "idle keys are dropped")

	unlimited := newKeyedLimiter(0, 0)
	for i := 0; i < 100; i++ {
		require.True(t, unlimited.Allow("o1"))
	}
	assert.False(t, unlimited.Blocked("o1"))
}

func TestRedactToken(t *testing.T) {
	assert.Equal(t, "status=ready", redactToken("status=ready"))
	assert.Equal(t, "a=1&token=redacted", redactToken("token=secret&a=1"))
}

type object = map[string]interface{}

type ordersBody struct {
	Orders []models.Order `json:"orders"`
}

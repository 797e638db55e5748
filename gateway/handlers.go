package gateway

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/example/grabandgo/pkg/cart"
	grpcapi "github.com/example/grabandgo/pkg/grpc"
	"github.com/example/grabandgo/pkg/models"
	"github.com/example/grabandgo/pkg/order"
	"github.com/example/grabandgo/pkg/payment"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// cartIdleTTL is how long an untouched cart survives. Carts are also dropped
// on logout.
const cartIdleTTL = 12 * time.Hour

type cartEntry struct {
	cart *cart.Cart
	seen time.Time
}

// cartStore keeps one cart per signed-in customer session.
type cartStore struct {
	mu    sync.Mutex
	carts map[string]*cartEntry
	now   func() time.Time
}

func newCartStore() *cartStore {
	return &cartStore{carts: make(map[string]*cartEntry), now: time.Now}
}

func (s *cartStore) get(userID string) *cart.Cart {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, e := range s.carts {
		if now.Sub(e.seen) > cartIdleTTL {
			delete(s.carts, id)
		}
	}
	e, ok := s.carts[userID]
	if !ok {
		e = &cartEntry{cart: cart.New()}
		s.carts[userID] = e
	}
	e.seen = now
	return e.cart
}

func (s *cartStore) drop(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.carts, userID)
}

type cartView struct {
	RestaurantID string      `json:"restaurant_id,omitempty"`
	Items        []cart.Item `json:"items"`
	Total        string      `json:"total"`
}

func viewCart(c *cart.Cart) cartView {
	items := c.Items()
	if items == nil {
		items = []cart.Item{}
	}
	return cartView{RestaurantID: c.RestaurantID(), Items: items, Total: c.Total().StringFixed(2)}
}

func redactToken(rawQuery string) string {
	if !strings.Contains(rawQuery, "token=") {
		return rawQuery
	}
	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		return ""
	}
	q.Set("token", "redacted")
	return q.Encode()
}

// logout discards the session's cart. Tokens are stateless and simply expire.
func (g *Gateway) logout(c *gin.Context) {
	g.carts.drop(identity(c).ID)
	c.Status(http.StatusNoContent)
}

func (g *Gateway) getProfile(c *gin.Context) {
	p, err := g.catalog.GetProfile(c.Request.Context(), identity(c))
	if err != nil {
		g.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (g *Gateway) saveProfile(c *gin.Context) {
	var req grpcapi.SaveProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	p, err := g.catalog.SaveProfile(c.Request.Context(), identity(c), &req)
	if err != nil {
		g.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (g *Gateway) listRestaurants(c *gin.Context) {
	onlyVerified := c.Query("verified") == "true"
	list, err := g.catalog.ListRestaurants(c.Request.Context(), identity(c), onlyVerified)
	if err != nil {
		g.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"restaurants": list})
}

func (g *Gateway) registerRestaurant(c *gin.Context) {
	var req grpcapi.RegisterRestaurantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	r, err := g.catalog.RegisterRestaurant(c.Request.Context(), identity(c), &req)
	if err != nil {
		g.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

func (g *Gateway) listMenu(c *gin.Context) {
	items, err := g.catalog.ListMenu(c.Request.Context(), identity(c), c.Param("id"))
	if err != nil {
		g.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (g *Gateway) saveMenuItem(c *gin.Context) {
	var item models.MenuItem
	if err := c.ShouldBindJSON(&item); err != nil {
		badRequest(c, err)
		return
	}
	item.RestaurantID = c.Param("id")
	saved, err := g.catalog.SaveMenuItem(c.Request.Context(), identity(c), &item)
	if err != nil {
		g.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

func (g *Gateway) deleteMenuItem(c *gin.Context) {
	if err := g.catalog.DeleteMenuItem(c.Request.Context(), identity(c), c.Param("id"), c.Param("item")); err != nil {
		g.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (g *Gateway) customerCart(c *gin.Context) (*cart.Cart, bool) {
	actor := identity(c)
	if actor.Role != models.RoleCustomer {
		g.writeError(c, order.NewForbiddenError("", "only customers have a cart"))
		return nil, false
	}
	return g.carts.get(actor.ID), true
}

func (g *Gateway) getCart(c *gin.Context) {
	ct, ok := g.customerCart(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, viewCart(ct))
}

type addItemRequest struct {
	MenuItemID string `json:"menu_item_id" binding:"required"`
	// Confirm discards a basket from another restaurant.
	Confirm bool `json:"confirm"`
}

func (g *Gateway) addCartItem(c *gin.Context) {
	ct, ok := g.customerCart(c)
	if !ok {
		return
	}
	var req addItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	item, err := g.catalog.GetMenuItem(c.Request.Context(), identity(c), req.MenuItemID)
	if err != nil {
		g.writeError(c, err)
		return
	}
	if err := ct.AddItem(*item, req.Confirm); err != nil {
		if errors.Is(err, cart.ErrRestaurantConflict) {
			c.JSON(http.StatusConflict, errorBody{
				Error:        err.Error(),
				Code:         "RESTAURANT_CONFLICT",
				RestaurantID: ct.RestaurantID(),
			})
			return
		}
		g.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewCart(ct))
}

type updateItemRequest struct {
	Delta int `json:"delta" binding:"required"`
}

func (g *Gateway) updateCartItem(c *gin.Context) {
	ct, ok := g.customerCart(c)
	if !ok {
		return
	}
	var req updateItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := ct.UpdateQuantity(c.Param("id"), req.Delta); err != nil {
		g.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewCart(ct))
}

func (g *Gateway) removeCartItem(c *gin.Context) {
	ct, ok := g.customerCart(c)
	if !ok {
		return
	}
	ct.RemoveItem(c.Param("id"))
	c.JSON(http.StatusOK, viewCart(ct))
}

func (g *Gateway) clearCart(c *gin.Context) {
	ct, ok := g.customerCart(c)
	if !ok {
		return
	}
	ct.Clear()
	c.JSON(http.StatusOK, viewCart(ct))
}

// checkout places the cart as an order and empties it only when the order
// was created.
func (g *Gateway) checkout(c *gin.Context) {
	ct, ok := g.customerCart(c)
	if !ok {
		return
	}
	var o *models.Order
	err := ct.Checkout(func(restaurantID string, items models.LineItems, total decimal.Decimal) error {
		var err error
		o, err = g.orders.PlaceOrder(c.Request.Context(), identity(c), &grpcapi.PlaceOrderRequest{
			RestaurantID: restaurantID,
			Items:        items,
			Total:        total,
		})
		return err
	})
	if err != nil {
		g.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, o)
}

func (g *Gateway) listOrders(c *gin.Context) {
	req := &grpcapi.ListOrdersRequest{
		RestaurantID: c.Query("restaurant_id"),
		CustomerID:   c.Query("customer_id"),
	}
	for _, s := range c.QueryArray("status") {
		st := models.OrderStatus(s)
		if !st.Valid() {
			g.writeError(c, order.NewValidationError("unknown status %q", s))
			return
		}
		req.Statuses = append(req.Statuses, st)
	}
	switch c.DefaultQuery("scope", "production") {
	case "production":
		req.Test = order.ProductionOnly
	case "test":
		req.Test = order.TestOnly
	case "all":
		req.Test = order.AllOrders
	default:
		g.writeError(c, order.NewValidationError("scope must be production, test or all"))
		return
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			g.writeError(c, order.NewValidationError("invalid limit %q", v))
			return
		}
		req.Limit = n
	}

	list, err := g.orders.ListOrders(c.Request.Context(), identity(c), req)
	if err != nil {
		g.writeError(c, err)
		return
	}
	if list == nil {
		list = []*models.Order{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": list})
}

func (g *Gateway) getOrder(c *gin.Context) {
	o, err := g.orders.GetOrder(c.Request.Context(), identity(c), c.Param("id"))
	if err != nil {
		g.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

type transitionRequest struct {
	Event string `json:"event" binding:"required"`
}

func (g *Gateway) transitionOrder(c *gin.Context) {
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	o, err := g.orders.Transition(c.Request.Context(), identity(c), c.Param("id"), req.Event)
	if err != nil {
		g.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (g *Gateway) markPaid(c *gin.Context) {
	o, err := g.orders.MarkPaid(c.Request.Context(), identity(c), c.Param("id"))
	if err != nil {
		g.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

type verifyRequest struct {
	Code string `json:"code" binding:"required"`
}

// verifyPickup is rate limited per order so a code cannot be guessed by
// trying all of them.
func (g *Gateway) verifyPickup(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	actor := identity(c)
	orderID := c.Param("id")
	// Only wrong codes spend tokens, counted per order and caller.
	key := orderID + ":" + actor.ID
	if g.verify.Blocked(key) {
		g.logger.Warn("Pickup verification rate limited",
			zap.String("order_id", orderID),
			zap.String("user_id", actor.ID))
		c.JSON(http.StatusTooManyRequests, errorBody{Error: "too many attempts, wait a minute and retry", Code: "RATE_LIMITED"})
		return
	}
	o, err := g.orders.VerifyPickup(c.Request.Context(), actor, orderID, req.Code)
	if err != nil {
		if order.CodeOf(err) == order.CodeInvalidCode {
			g.verify.Allow(key)
		}
		g.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (g *Gateway) upiLink(c *gin.Context) (string, bool) {
	actor := identity(c)
	o, err := g.orders.GetOrder(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		g.writeError(c, err)
		return "", false
	}
	r, err := g.catalog.GetRestaurant(c.Request.Context(), actor, o.RestaurantID)
	if err != nil {
		g.writeError(c, err)
		return "", false
	}
	link, err := payment.UPILink(r, o)
	if err != nil {
		g.writeError(c, err)
		return "", false
	}
	return link, true
}

func (g *Gateway) paymentLink(c *gin.Context) {
	link, ok := g.upiLink(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"link": link})
}

func (g *Gateway) paymentQR(c *gin.Context) {
	link, ok := g.upiLink(c)
	if !ok {
		return
	}
	size := 256
	if v := c.Query("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 64 || n > 1024 {
			g.writeError(c, order.NewValidationError("size must be between 64 and 1024"))
			return
		}
		size = n
	}
	png, err := payment.UPIQRCode(link, size)
	if err != nil {
		g.writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

func (g *Gateway) listNotifications(c *gin.Context) {
	resp, err := g.orders.ListNotifications(c.Request.Context(), identity(c))
	if err != nil {
		g.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (g *Gateway) markNotificationRead(c *gin.Context) {
	if err := g.orders.MarkNotificationRead(c.Request.Context(), identity(c), c.Param("id")); err != nil {
		g.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (g *Gateway) approveRestaurant(c *gin.Context) {
	r, err := g.orders.ApproveRestaurant(c.Request.Context(), identity(c), c.Param("id"))
	if err != nil {
		g.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (g *Gateway) getTestMode(c *gin.Context) {
	on, err := g.orders.TestMode(c.Request.Context(), identity(c))
	if err != nil {
		g.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": on})
}

type testModeRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (g *Gateway) setTestMode(c *gin.Context) {
	var req testModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := g.orders.SetTestMode(c.Request.Context(), identity(c), *req.Enabled); err != nil {
		g.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": *req.Enabled})
}

func (g *Gateway) stats(c *gin.Context) {
	s, err := g.orders.Stats(c.Request.Context(), identity(c))
	if err != nil {
		g.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

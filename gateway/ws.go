package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/example/grabandgo/pkg/models"
	"github.com/example/grabandgo/pkg/order"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

const restaurantsTable = "restaurants"

type feedMessage struct {
	Table string        `json:"table"`
	ID    string        `json:"id"`
	Order *models.Order `json:"order,omitempty"`
}

func (g *Gateway) upgrader() *websocket.Upgrader {
	allowed := g.config.Gateway.AllowedOrigins
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, a := range allowed {
				if a == "*" || a == origin {
					return true
				}
			}
			return false
		},
	}
}

// orderFeed pushes every order the caller may see whenever it changes. The
// order is re-read through the order service, so the visibility rules of Get
// apply to the stream as well.
func (g *Gateway) orderFeed(c *gin.Context) {
	g.serveSocket(c, func(ctx context.Context, actor models.Identity) (<-chan interface{}, error) {
		changes, err := g.feed.Subscribe(ctx, models.OrdersTable, models.TestOrdersTable, restaurantsTable)
		if err != nil {
			return nil, err
		}
		out := make(chan interface{}, 16)
		go func() {
			defer close(out)
			for ch := range changes {
				msg := feedMessage{Table: ch.Table, ID: ch.ID}
				if ch.Table != restaurantsTable {
					o, err := g.orders.GetOrder(ctx, actor, ch.ID)
					if err != nil {
						continue
					}
					msg.Order = o
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}()
		return out, nil
	})
}

func (g *Gateway) notificationFeed(c *gin.Context) {
	g.serveSocket(c, func(ctx context.Context, actor models.Identity) (<-chan interface{}, error) {
		notes, err := g.feed.SubscribeNotifications(ctx, actor.ID)
		if err != nil {
			return nil, err
		}
		out := make(chan interface{}, 16)
		go func() {
			defer close(out)
			for n := range notes {
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			}
		}()
		return out, nil
	})
}

// serveSocket subscribes before upgrading so a broken feed is reported as a
// plain HTTP error, then writes every message as JSON until either side goes
// away.
func (g *Gateway) serveSocket(c *gin.Context, subscribe func(ctx context.Context, actor models.Identity) (<-chan interface{}, error)) {
	if g.feed == nil {
		g.writeError(c, &order.Error{Code: order.CodeStoreUnavailable, Message: "realtime feed is disabled"})
		return
	}
	actor := identity(c)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	msgs, err := subscribe(ctx, actor)
	if err != nil {
		g.writeError(c, order.StoreUnavailable(err))
		return
	}

	conn, err := g.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	g.logger.Debug("Websocket connected", zap.String("path", c.FullPath()), zap.String("user_id", actor.ID))

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed closed"),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(m); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

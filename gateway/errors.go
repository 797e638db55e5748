package gateway

import (
	"errors"
	"net/http"

	"github.com/example/grabandgo/pkg/cart"
	"github.com/example/grabandgo/pkg/order"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	// RestaurantID names the restaurant already in the cart on a conflict.
	RestaurantID string `json:"restaurant_id,omitempty"`
}

var httpStatus = map[order.ErrorCode]int{
	order.CodeValidation:        http.StatusBadRequest,
	order.CodeNotFound:          http.StatusNotFound,
	order.CodeForbidden:         http.StatusForbidden,
	order.CodeInvalidTransition: http.StatusConflict,
	order.CodeNotReadyForPickup: http.StatusConflict,
	order.CodeConflict:          http.StatusConflict,
	order.CodeInvalidCode:       http.StatusUnprocessableEntity,
	order.CodeStoreUnavailable:  http.StatusServiceUnavailable,
}

// writeError renders err with the status matching its order error code.
func (g *Gateway) writeError(c *gin.Context, err error) {
	var e *order.Error
	switch {
	case errors.As(err, &e):
		code, ok := httpStatus[e.Code]
		if !ok {
			code = http.StatusInternalServerError
		}
		c.JSON(code, errorBody{Error: e.Message, Code: string(e.Code)})
	case errors.Is(err, cart.ErrRestaurantConflict):
		c.JSON(http.StatusConflict, errorBody{Error: err.Error(), Code: "RESTAURANT_CONFLICT"})
	case errors.Is(err, cart.ErrUnknownItem):
		c.JSON(http.StatusNotFound, errorBody{Error: err.Error(), Code: string(order.CodeNotFound)})
	default:
		g.logger.Error("Unhandled error", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody{Error: "internal error", Code: "INTERNAL"})
	}
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, errorBody{Error: err.Error(), Code: string(order.CodeValidation)})
}

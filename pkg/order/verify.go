package order

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/example/grabandgo/pkg/metrics"
	"github.com/example/grabandgo/pkg/models"
	"go.uber.org/zap"
)

// VerifyAndComplete completes a ready order when the presented pickup code
// matches. Surrounding whitespace is ignored, nothing else is normalized.
//
// The code is not rotated after use; only the status change makes it
// single-use. Someone who learns the code can still race the real pickup.
func (s *Service) VerifyAndComplete(ctx context.Context, actor models.Identity, orderID, presented string) (*models.Order, error) {
	const op = "verify_pickup"

	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, s.reject(op, storeError(err))
	}
	if err := authorize(actor, o, transitionByEvent[EventComplete].Actors); err != nil {
		return nil, s.reject(op, err)
	}

	if o.Status != models.StatusReady {
		msg := fmt.Sprintf("order is %s, not ready for pickup", o.Status)
		if o.Status.IsTerminal() {
			msg = fmt.Sprintf("order is already %s; it is no longer actionable", o.Status)
		}
		return nil, s.reject(op, &Error{Code: CodeNotReadyForPickup, Message: msg, OrderID: o.ID})
	}

	code := strings.TrimSpace(presented)
	if subtle.ConstantTimeCompare([]byte(code), []byte(o.PickupCode)) != 1 {
		metrics.PickupVerificationFailures.Inc()
		s.logger.Info("Pickup code mismatch", zap.String("order_id", o.ID), zap.String("actor", actor.ID))
		return nil, s.reject(op, &Error{
			Code:    CodeInvalidCode,
			Message: "invalid pickup code; ask the customer to check the code and try again",
			OrderID: o.ID,
		})
	}

	return s.transition(ctx, actor, o, EventComplete, "")
}

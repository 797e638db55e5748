package grpc

import (
	"errors"

	"github.com/example/grabandgo/pkg/order"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const errorDomain = "grabandgo"

var grpcCodes = map[order.ErrorCode]codes.Code{
	order.CodeValidation:        codes.InvalidArgument,
	order.CodeNotFound:          codes.NotFound,
	order.CodeForbidden:         codes.PermissionDenied,
	order.CodeInvalidTransition: codes.FailedPrecondition,
	order.CodeNotReadyForPickup: codes.FailedPrecondition,
	order.CodeInvalidCode:       codes.InvalidArgument,
	order.CodeConflict:          codes.Aborted,
	order.CodeStoreUnavailable:  codes.Unavailable,
}

// toStatus converts an *order.Error into a gRPC status that carries the exact
// error code as an ErrorInfo detail.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok && order.CodeOf(err) == "" {
		return err
	}
	var e *order.Error
	if !errors.As(err, &e) {
		return status.Error(codes.Internal, err.Error())
	}

	c, ok := grpcCodes[e.Code]
	if !ok {
		c = codes.Unknown
	}
	info := &errdetails.ErrorInfo{
		Reason:   string(e.Code),
		Domain:   errorDomain,
		Metadata: map[string]string{},
	}
	if e.OrderID != "" {
		info.Metadata["order_id"] = e.OrderID
	}
	if cause := order.CodeOf(e.Err); cause != "" {
		info.Metadata["cause"] = string(cause)
	}

	st, derr := status.New(c, e.Message).WithDetails(info)
	if derr != nil {
		return status.Error(c, e.Message)
	}
	return st.Err()
}

// fromStatus rebuilds the *order.Error sent by toStatus. Transport failures
// become STORE_UNAVAILABLE.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	if order.CodeOf(err) != "" {
		return err
	}
	st, ok := status.FromError(err)
	if !ok {
		return order.StoreUnavailable(err)
	}
	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.Domain != errorDomain {
			continue
		}
		e := &order.Error{
			Code:    order.ErrorCode(info.Reason),
			Message: st.Message(),
			OrderID: info.Metadata["order_id"],
		}
		if cause := info.Metadata["cause"]; cause != "" {
			e.Err = &order.Error{Code: order.ErrorCode(cause), Message: "caused by " + cause}
		}
		return e
	}

	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return order.StoreUnavailable(err)
	case codes.Unauthenticated, codes.PermissionDenied:
		return &order.Error{Code: order.CodeForbidden, Message: st.Message()}
	case codes.InvalidArgument:
		return &order.Error{Code: order.CodeValidation, Message: st.Message()}
	case codes.NotFound:
		return &order.Error{Code: order.CodeNotFound, Message: st.Message()}
	}
	return err
}

// isDomainError reports whether err is a business rejection rather than a
// failure of the service itself.
func isDomainError(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case codes.InvalidArgument, codes.NotFound, codes.PermissionDenied,
		codes.FailedPrecondition, codes.Aborted, codes.Unauthenticated:
		return true
	}
	return false
}

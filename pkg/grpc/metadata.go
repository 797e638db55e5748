package grpc

import (
	"context"

	"github.com/example/grabandgo/pkg/models"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	mdUserID       = "x-user-id"
	mdUserRole     = "x-user-role"
	mdUserName     = "x-user-name"
	mdRestaurantID = "x-restaurant-id"
)

// WithIdentity attaches the acting identity to an outgoing call. The gateway
// has already authenticated it.
func WithIdentity(ctx context.Context, id models.Identity) context.Context {
	return metadata.AppendToOutgoingContext(ctx,
		mdUserID, id.ID,
		mdUserRole, string(id.Role),
		mdUserName, id.Name,
		mdRestaurantID, id.RestaurantID,
	)
}

// identityFromContext reads the identity of an incoming call.
func identityFromContext(ctx context.Context) (models.Identity, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return models.Identity{}, status.Error(codes.Unauthenticated, "missing identity metadata")
	}
	id := models.Identity{
		ID:           first(md, mdUserID),
		Role:         models.Role(first(md, mdUserRole)),
		Name:         first(md, mdUserName),
		RestaurantID: first(md, mdRestaurantID),
	}
	if id.ID == "" {
		return models.Identity{}, status.Error(codes.Unauthenticated, "missing user id")
	}
	if !id.Role.Valid() {
		return models.Identity{}, status.Errorf(codes.Unauthenticated, "invalid role %q", id.Role)
	}
	return id, nil
}

func first(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

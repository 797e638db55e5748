package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/grabandgo/pkg/config"
	"github.com/example/grabandgo/pkg/models"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const identityKey = "identity"

var errUnauthenticated = errors.New("missing or invalid bearer token")

// Claims carry the session issued by the auth provider. Subject is the user id.
type Claims struct {
	Role         models.Role `json:"role"`
	Name         string      `json:"name,omitempty"`
	RestaurantID string      `json:"restaurant_id,omitempty"`
	jwt.RegisteredClaims
}

type Authenticator struct {
	secret []byte
	issuer string
}

func NewAuthenticator(cfg config.AuthConfig) *Authenticator {
	return &Authenticator{secret: []byte(cfg.JWTSecret), issuer: cfg.Issuer}
}

// Issue signs a token for id. It is used by orderctl and tests; production
// tokens come from the auth provider with the same claims.
func (a *Authenticator) Issue(id models.Identity, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("jwt secret is not configured")
	}
	now := time.Now()
	claims := Claims{
		Role:         id.Role,
		Name:         id.Name,
		RestaurantID: id.RestaurantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) Parse(raw string) (models.Identity, error) {
	if len(a.secret) == 0 {
		return models.Identity{}, errors.New("jwt secret is not configured")
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return models.Identity{}, err
	}
	if claims.Subject == "" {
		return models.Identity{}, errors.New("token has no subject")
	}
	if !claims.Role.Valid() {
		return models.Identity{}, fmt.Errorf("token carries invalid role %q", claims.Role)
	}
	return models.Identity{
		ID:           claims.Subject,
		Name:         claims.Name,
		Role:         claims.Role,
		RestaurantID: claims.RestaurantID,
	}, nil
}

// Middleware accepts "Authorization: Bearer <token>". Websocket clients
// cannot set headers, so a token query parameter is accepted as well.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.Query("token")
		if h := c.GetHeader("Authorization"); h != "" {
			if !strings.HasPrefix(h, "Bearer ") {
				abortUnauthenticated(c)
				return
			}
			raw = strings.TrimPrefix(h, "Bearer ")
		}
		if raw == "" {
			abortUnauthenticated(c)
			return
		}
		id, err := a.Parse(raw)
		if err != nil {
			abortUnauthenticated(c)
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

func abortUnauthenticated(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: errUnauthenticated.Error(), Code: "UNAUTHENTICATED"})
}

func identity(c *gin.Context) models.Identity {
	v, _ := c.Get(identityKey)
	id, _ := v.(models.Identity)
	return id
}

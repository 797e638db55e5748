package grpc

import (
	"context"
	"fmt"
	"time"

	"github.com/example/grabandgo/pkg/breaker"
	"github.com/example/grabandgo/pkg/config"
	"github.com/example/grabandgo/pkg/discovery"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ClientManager owns the gateway's connection to the order service.
type ClientManager struct {
	config    *config.Config
	discovery *discovery.ServiceDiscovery
	logger    *zap.Logger

	orderClient   *OrderClient
	catalogClient *CatalogClient

	orderConn *grpc.ClientConn
}

// NewClientManager creates a client manager. disc may be nil, in which case
// the configured address is dialed directly.
func NewClientManager(cfg *config.Config, logger *zap.Logger, disc *discovery.ServiceDiscovery) *ClientManager {
	return &ClientManager{
		config:    cfg,
		discovery: disc,
		logger:    logger.Named("client-manager"),
	}
}

// Connect dials the order service, which also serves the catalog.
func (m *ClientManager) Connect(ctx context.Context) error {
	target := m.config.Gateway.OrderService
	if m.discovery != nil {
		dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		target = m.discovery.Resolve(dctx, m.config.Server.Name, target)
		cancel()
	}

	m.logger.Info("Connecting to order service", zap.String("target", target))

	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(dctx, target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
		grpc.WithBlock(),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to order service: %w", err)
	}

	m.Use(conn)
	m.logger.Info("Successfully connected to order service")
	return nil
}

// Use wires the clients to an existing connection.
func (m *ClientManager) Use(conn *grpc.ClientConn) {
	m.orderConn = conn
	m.orderClient = NewOrderClient(conn, breaker.New("order-service", "gateway", m.logger))
	m.catalogClient = NewCatalogClient(conn, breaker.New("catalog-service", "gateway", m.logger))
}

func (m *ClientManager) OrderClient() *OrderClient {
	return m.orderClient
}

func (m *ClientManager) CatalogClient() *CatalogClient {
	return m.catalogClient
}

func (m *ClientManager) Close() error {
	if m.orderConn != nil {
		if err := m.orderConn.Close(); err != nil {
			return fmt.Errorf("order connection close error: %w", err)
		}
	}
	return nil
}

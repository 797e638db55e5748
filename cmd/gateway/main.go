package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/grabandgo/gateway"
	"github.com/example/grabandgo/pkg/config"
	"github.com/example/grabandgo/pkg/discovery"
	grpcapi "github.com/example/grabandgo/pkg/grpc"
	"github.com/example/grabandgo/pkg/logging"
	"github.com/example/grabandgo/pkg/repository"
	"go.uber.org/zap"
)

func configPath() string {
	if p := os.Getenv("GRABANDGO_CONFIG"); p != "" {
		return p
	}
	return "config/config.yaml"
}

func main() {
	cfg, err := config.Load(configPath())
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}
	defer logger.Sync()

	if cfg.Auth.JWTSecret == "" {
		logger.Fatal("auth.jwt_secret must be set for the gateway")
	}

	logger.Info("Starting API Gateway",
		zap.Int("port", cfg.Gateway.Port),
		zap.String("host", cfg.Gateway.Host))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sd, err := discovery.NewServiceDiscovery(&cfg.Etcd, logger)
	if err != nil {
		logger.Warn("Failed to connect to etcd, continuing without service discovery", zap.Error(err))
	} else {
		defer sd.Close()
	}

	clients := grpcapi.NewClientManager(cfg, logger, sd)
	if err := clients.Connect(ctx); err != nil {
		logger.Fatal("Failed to connect to order service", zap.Error(err))
	}
	defer clients.Close()

	redisRepo := repository.NewRedisRepository(&cfg.Redis, logger)
	defer redisRepo.Close()
	var feed gateway.Subscriber = redisRepo
	if err := redisRepo.Ping(ctx); err != nil {
		logger.Warn("Redis unavailable, realtime feeds disabled", zap.Error(err))
		feed = nil
	}

	gw := gateway.NewGateway(cfg, logger, clients.OrderClient(), clients.CatalogClient(), feed)
	gw.SetupRoutes()

	gwErr := make(chan error, 1)
	go func() {
		if err := gw.Start(); err != nil {
			gwErr <- err
		}
	}()

	logger.Info("Gateway started successfully")

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-gwErr:
		logger.Error("Gateway error", zap.Error(err))
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Shutdown(sctx); err != nil {
		logger.Warn("Gateway did not shut down cleanly", zap.Error(err))
	}

	logger.Info("Gateway stopped")
}

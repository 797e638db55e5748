package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/example/grabandgo/pkg/admin"
	"github.com/example/grabandgo/pkg/config"
	"github.com/example/grabandgo/pkg/discovery"
	grpcapi "github.com/example/grabandgo/pkg/grpc"
	"github.com/example/grabandgo/pkg/logging"
	"github.com/example/grabandgo/pkg/models"
	"github.com/example/grabandgo/pkg/notify"
	"github.com/example/grabandgo/pkg/order"
	"github.com/example/grabandgo/pkg/repository"
	"github.com/example/grabandgo/pkg/watchdog"
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

	logger.Info("Starting order service",
		zap.String("name", cfg.Server.Name),
		zap.Int("port", cfg.Server.Port))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := repository.Open(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open order store", zap.Error(err))
	}
	defer repo.Close()
	if err := repo.Migrate(); err != nil {
		logger.Fatal("Failed to migrate", zap.Error(err))
	}

	redisRepo := repository.NewRedisRepository(&cfg.Redis, logger)
	defer redisRepo.Close()
	if err := redisRepo.Ping(ctx); err != nil {
		logger.Warn("Redis connection failed", zap.Error(err))
	} else {
		logger.Info("Redis connected successfully")
	}

	var opts []order.Option
	opts = append(opts, order.WithFeed(redisRepo), order.WithTestMode(redisRepo))

	mongoRepo, err := repository.NewMongoRepository(ctx, &cfg.MongoDB)
	if err != nil {
		logger.Warn("MongoDB unavailable, audit log disabled", zap.Error(err))
	} else {
		if err := mongoRepo.EnsureIndexes(ctx); err != nil {
			logger.Warn("Failed to create audit indexes", zap.Error(err))
		}
		defer func() {
			cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mongoRepo.Close(cctx)
		}()
		opts = append(opts, order.WithAudit(repository.NewBreakerAudit(mongoRepo, cfg.Server.Name, logger)))
	}

	system := actor.NewActorSystem()
	forwarder, err := notify.NewActorForwarder(system, redisRepo, logger)
	if err != nil {
		logger.Fatal("Failed to start notification actor", zap.Error(err))
	}
	defer func() {
		if err := forwarder.Stop(); err != nil {
			logger.Warn("Notification actor did not stop cleanly", zap.Error(err))
		}
	}()
	dispatcher := notify.NewDispatcher(notify.WithForwarder(forwarder))

	orders, err := order.NewService(repo, dispatcher, order.Config{
		PickupCodeLength: cfg.Orders.PickupCodeLength,
		AcceptMarksPaid:  cfg.Orders.AcceptMarksPaid,
	}, logger, opts...)
	if err != nil {
		logger.Fatal("Failed to create order service", zap.Error(err))
	}
	adminSvc := admin.NewService(repo, redisRepo, redisRepo, logger)

	var wd *watchdog.Watchdog
	if cfg.Watchdog.Enabled {
		wd, err = watchdog.New(repo, orders, dispatcher, watchdog.FromConfig(cfg.Watchdog), logger)
		if err != nil {
			logger.Fatal("Failed to create watchdog", zap.Error(err))
		}
		var signals <-chan struct{}
		if changes, err := redisRepo.Subscribe(ctx, models.OrdersTable, models.TestOrdersTable); err != nil {
			logger.Warn("Watchdog runs on its timer only", zap.Error(err))
		} else {
			signals = repository.Signals(ctx, changes)
		}
		go func() {
			if err := wd.Run(ctx, signals); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Watchdog stopped", zap.Error(err))
			}
		}()
	}

	server := grpcapi.NewServer(logger)
	orderServer := grpcapi.NewOrderServer(orders, adminSvc, dispatcher, logger)
	if wd != nil {
		orderServer.WithSweeper(wd)
	}
	orderServer.Register(server)
	grpcapi.NewCatalogServer(repo, redisRepo, logger).Register(server)

	lis, err := net.Listen("tcp", cfg.Server.Address())
	if err != nil {
		logger.Fatal("Failed to listen", zap.Error(err))
	}

	instance := &discovery.ServiceInstance{
		Name: cfg.Server.Name,
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	}
	sd, err := discovery.NewServiceDiscovery(&cfg.Etcd, logger)
	if err != nil {
		logger.Warn("Failed to connect to etcd, continuing without service discovery", zap.Error(err))
	} else {
		defer sd.Close()
		if err := sd.Register(ctx, instance); err != nil {
			logger.Warn("Failed to register service", zap.Error(err))
		} else {
			logger.Info("Service registered in etcd",
				zap.String("name", cfg.Server.Name),
				zap.String("address", instance.Address()))
		}
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Order service started", zap.String("address", cfg.Server.Address()))
		if err := server.Serve(lis); err != nil {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErr:
		logger.Error("Server error", zap.Error(err))
	}

	if sd != nil {
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := sd.Deregister(dctx, instance); err != nil {
			logger.Error("Failed to deregister service", zap.Error(err))
		}
		cancel()
	}
	server.GracefulStop()

	logger.Info("Service stopped")
}

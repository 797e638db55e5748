package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/grabandgo/gateway"
	"github.com/example/grabandgo/pkg/admin"
	"github.com/example/grabandgo/pkg/config"
	"github.com/example/grabandgo/pkg/discovery"
	grpcapi "github.com/example/grabandgo/pkg/grpc"
	"github.com/example/grabandgo/pkg/logging"
	"github.com/example/grabandgo/pkg/models"
	"github.com/example/grabandgo/pkg/repository"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// operator is the identity orderctl acts under.
var operator = models.Identity{ID: "orderctl", Name: "orderctl", Role: models.RoleAdmin}

type rootOptions struct {
	configPath string
	json       bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "orderctl",
		Short:         "Operate the grab-and-go order engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config/config.yaml", "config file")
	cmd.PersistentFlags().BoolVar(&opts.json, "json", false, "print JSON")

	cmd.AddCommand(
		newMigrateCommand(opts),
		newApproveCommand(opts),
		newStatsCommand(opts),
		newTestModeCommand(opts),
		newSweepCommand(opts),
		newAuditCommand(opts),
		newTokenCommand(opts),
	)
	return cmd
}

// env is what a command needs; close releases everything it opened.
type env struct {
	cfg    *config.Config
	logger *zap.Logger
	repo   *repository.OrderRepository
	redis  *repository.RedisRepository
}

func (o *rootOptions) config() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	logCfg := cfg.Log
	logCfg.OutputPaths = []string{"stderr"}
	logger, err := logging.New(logCfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func (o *rootOptions) open(withRedis bool) (*env, error) {
	cfg, logger, err := o.config()
	if err != nil {
		return nil, err
	}
	repo, err := repository.Open(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := repo.Migrate(); err != nil {
		repo.Close()
		return nil, err
	}
	e := &env{cfg: cfg, logger: logger, repo: repo}
	if withRedis {
		e.redis = repository.NewRedisRepository(&cfg.Redis, logger)
	}
	return e, nil
}

func (e *env) close() {
	if e.redis != nil {
		_ = e.redis.Close()
	}
	_ = e.repo.Close()
	_ = e.logger.Sync()
}

func (o *rootOptions) print(cmd *cobra.Command, v interface{}, text string) error {
	if o.json {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), text)
	return err
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the order tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.open(false)
			if err != nil {
				return err
			}
			defer e.close()
			return opts.print(cmd, map[string]bool{"migrated": true}, "migrated")
		},
	}
}

func newApproveCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "approve <restaurant-id>",
		Short: "Verify a restaurant so customers can order from it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.open(false)
			if err != nil {
				return err
			}
			defer e.close()
			r, err := admin.NewService(e.repo, nil, nil, e.logger).ApproveRestaurant(cmd.Context(), operator, args[0])
			if err != nil {
				return err
			}
			return opts.print(cmd, r, fmt.Sprintf("approved %s (%s)", r.Name, r.ID))
		},
	}
}

func newStatsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show production order count and revenue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.open(false)
			if err != nil {
				return err
			}
			defer e.close()
			s, err := admin.NewService(e.repo, nil, nil, e.logger).Stats(cmd.Context(), operator)
			if err != nil {
				return err
			}
			return opts.print(cmd, s, fmt.Sprintf("orders:  %d\nrevenue: %s", s.Orders, s.Revenue))
		},
	}
}

func newTestModeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "test-mode [on|off]",
		Short:     "Show or switch the global test-order mode",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.open(true)
			if err != nil {
				return err
			}
			defer e.close()
			svc := admin.NewService(e.repo, e.redis, e.redis, e.logger)

			if len(args) == 1 {
				var on bool
				switch args[0] {
				case "on":
					on = true
				case "off":
				default:
					return fmt.Errorf("expected on or off, got %q", args[0])
				}
				if err := svc.SetTestMode(cmd.Context(), operator, on); err != nil {
					return err
				}
			}
			on, err := svc.TestMode(cmd.Context(), operator)
			if err != nil {
				return err
			}
			state := "off"
			if on {
				state = "on"
			}
			return opts.print(cmd, map[string]bool{"enabled": on}, "test mode "+state)
		},
	}
}

// newSweepCommand asks the running order service to sweep, so alerts reach
// the dispatcher that customers read their notifications from.
func newSweepCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one stale-order sweep on the order service now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.config()
			if err != nil {
				return err
			}
			defer logger.Sync()
			ctx := cmd.Context()

			sd, err := discovery.NewServiceDiscovery(&cfg.Etcd, logger)
			if err != nil {
				logger.Warn("etcd unavailable, dialing the configured order service", zap.Error(err))
			} else {
				defer sd.Close()
			}
			clients := grpcapi.NewClientManager(cfg, logger, sd)
			if err := clients.Connect(ctx); err != nil {
				return err
			}
			defer clients.Close()

			report, err := clients.OrderClient().Sweep(ctx, operator)
			if err != nil {
				return err
			}
			return opts.print(cmd, report, fmt.Sprintf("checked %d, warned %d, urgent %d, cancelled %d, failed %d",
				report.Checked, report.Warned, report.Urgent, report.Cancelled, report.Failed))
		},
	}
}

func newAuditCommand(opts *rootOptions) *cobra.Command {
	var limit int64
	cmd := &cobra.Command{
		Use:   "audit <order-id>",
		Short: "Print the recorded transitions of an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.config()
			if err != nil {
				return err
			}
			mongoRepo, err := repository.NewMongoRepository(cmd.Context(), &cfg.MongoDB)
			if err != nil {
				return err
			}
			defer mongoRepo.Close(context.Background())

			logs, err := mongoRepo.OrderHistory(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if opts.json {
				return opts.print(cmd, logs, "")
			}
			w := cmd.OutOrStdout()
			if len(logs) == 0 {
				fmt.Fprintf(w, "no audit entries for %s\n", args[0])
				return nil
			}
			for _, l := range logs {
				fmt.Fprintf(w, "%s  %-8s %s -> %s  by %s (%s)\n",
					l.CreatedAt.Format(time.RFC3339), l.Action, field(l.Data["from"]), field(l.Data["to"]), field(l.Data["actor_id"]), field(l.Data["actor_role"]))
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&limit, "limit", 20, "maximum entries, newest first")
	return cmd
}

func field(v interface{}) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return "-"
}

func newTokenCommand(opts *rootOptions) *cobra.Command {
	var (
		id   models.Identity
		role string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a development bearer token for the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.config()
			if err != nil {
				return err
			}
			id.Role = models.Role(role)
			if id.ID == "" {
				return fmt.Errorf("--user is required")
			}
			if !id.Role.Valid() {
				return fmt.Errorf("unknown role %q", role)
			}
			tok, err := gateway.NewAuthenticator(cfg.Auth).Issue(id, ttl)
			if err != nil {
				return err
			}
			return opts.print(cmd, map[string]string{"token": tok}, tok)
		},
	}
	cmd.Flags().StringVar(&id.ID, "user", "", "user id")
	cmd.Flags().StringVar(&id.Name, "name", "", "display name")
	cmd.Flags().StringVar(&role, "role", string(models.RoleCustomer), "customer, restaurant_owner or admin")
	cmd.Flags().StringVar(&id.RestaurantID, "restaurant", "", "restaurant id for owners")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/example/grabandgo/pkg/config"
	"github.com/example/grabandgo/pkg/models"
	"github.com/example/grabandgo/pkg/order"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// OrderRepository stores orders, restaurants, menus and profiles with gorm.
// It implements order.Store and watchdog.Store.
type OrderRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewOrderRepository(db *gorm.DB, logger *zap.Logger) *OrderRepository {
	return &OrderRepository{db: db, logger: logger.Named("orders-db")}
}

// Open connects to SQLite when cfg.SQLite.Path is set and to MySQL otherwise.
func Open(cfg *config.Config, logger *zap.Logger) (*OrderRepository, error) {
	if cfg.SQLite.Path != "" {
		return OpenSQLite(cfg.SQLite.Path, logger)
	}
	return OpenMySQL(&cfg.MySQL, logger)
}

func OpenMySQL(cfg *config.MySQLConfig, logger *zap.Logger) (*OrderRepository, error) {
	db, err := gorm.Open(mysql.Open(cfg.DSN()), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MySQL: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get MySQL pool: %w", err)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)
	return NewOrderRepository(db, logger), nil
}

// OpenSQLite opens a single-connection database file, used for local runs and tests.
func OpenSQLite(path string, logger *zap.Logger) (*OrderRepository, error) {
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000"), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get SQLite pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return NewOrderRepository(db, logger), nil
}

func gormConfig() *gorm.Config {
	return &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}
}

func (r *OrderRepository) Migrate() error {
	if err := r.db.AutoMigrate(
		&models.Restaurant{},
		&models.MenuItem{},
		&models.Profile{},
		&models.Order{},
		&models.TestOrder{},
	); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

func (r *OrderRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (r *OrderRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r *OrderRepository) CreateOrder(ctx context.Context, o *models.Order) error {
	if err := r.db.WithContext(ctx).Table(o.Table()).Create(o).Error; err != nil {
		r.logger.Error("Failed to create order", zap.String("order_id", o.ID), zap.Error(err))
		return order.StoreUnavailable(fmt.Errorf("create order: %w", err))
	}
	return nil
}

// GetOrder looks in production orders first, then test orders.
func (r *OrderRepository) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	for _, table := range []string{models.OrdersTable, models.TestOrdersTable} {
		var o models.Order
		err := r.db.WithContext(ctx).Table(table).Where("id = ?", id).First(&o).Error
		if err == nil {
			return &o, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, order.StoreUnavailable(fmt.Errorf("get order: %w", err))
		}
	}
	return nil, order.NewNotFoundError("order", id)
}

func (r *OrderRepository) ListOrders(ctx context.Context, f order.Filter) ([]*models.Order, error) {
	var tables []string
	switch f.Test {
	case order.TestOnly:
		tables = []string{models.TestOrdersTable}
	case order.AllOrders:
		tables = []string{models.OrdersTable, models.TestOrdersTable}
	default:
		tables = []string{models.OrdersTable}
	}

	var out []*models.Order
	for _, table := range tables {
		q := r.db.WithContext(ctx).Table(table)
		if f.RestaurantID != "" {
			q = q.Where("restaurant_id = ?", f.RestaurantID)
		}
		if f.CustomerID != "" {
			q = q.Where("customer_id = ?", f.CustomerID)
		}
		if len(f.Statuses) > 0 {
			q = q.Where("status IN ?", f.Statuses)
		}
		if f.Limit > 0 {
			q = q.Limit(f.Limit)
		}
		var rows []*models.Order
		if err := q.Order("created_at DESC").Order("id DESC").Find(&rows).Error; err != nil {
			return nil, order.StoreUnavailable(fmt.Errorf("list orders: %w", err))
		}
		out = append(out, rows...)
	}

	if len(tables) > 1 {
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		})
		if f.Limit > 0 && len(out) > f.Limit {
			out = out[:f.Limit]
		}
	}
	return out, nil
}

// UpdateOrder applies changes with UPDATE ... WHERE id = ? AND status = ?.
// Zero affected rows means the order is gone or another writer moved it.
func (r *OrderRepository) UpdateOrder(ctx context.Context, o *models.Order, expected models.OrderStatus, changes map[string]interface{}) error {
	res := r.db.WithContext(ctx).Table(o.Table()).
		Where("id = ? AND status = ?", o.ID, expected).
		Updates(changes)
	if res.Error != nil {
		return order.StoreUnavailable(fmt.Errorf("update order: %w", res.Error))
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var count int64
	if err := r.db.WithContext(ctx).Table(o.Table()).Where("id = ?", o.ID).Count(&count).Error; err != nil {
		return order.StoreUnavailable(fmt.Errorf("update order: %w", err))
	}
	if count == 0 {
		return order.NewNotFoundError("order", o.ID)
	}
	return order.NewConflictError(o.ID, expected)
}

// ClaimAlert sets the alert column of a still-ready order if it is unset,
// and reports whether this call set it.
func (r *OrderRepository) ClaimAlert(ctx context.Context, o *models.Order, alert models.Alert, at time.Time) (bool, error) {
	switch alert {
	case models.AlertWarning, models.AlertUrgent:
	default:
		return false, order.NewValidationError("unknown alert %q", alert)
	}
	col := string(alert)
	res := r.db.WithContext(ctx).Table(o.Table()).
		Where("id = ? AND status = ? AND "+col+" IS NULL", o.ID, models.StatusReady).
		Update(col, at)
	if res.Error != nil {
		return false, order.StoreUnavailable(fmt.Errorf("claim %s: %w", col, res.Error))
	}
	return res.RowsAffected == 1, nil
}

func (r *OrderRepository) ActivePickupCodes(ctx context.Context, restaurantID string) ([]string, error) {
	var codes []string
	for _, table := range []string{models.OrdersTable, models.TestOrdersTable} {
		var batch []string
		err := r.db.WithContext(ctx).Table(table).
			Where("restaurant_id = ? AND status IN ?", restaurantID, models.ActiveStatuses).
			Pluck("pickup_code", &batch).Error
		if err != nil {
			return nil, order.StoreUnavailable(fmt.Errorf("active pickup codes: %w", err))
		}
		codes = append(codes, batch...)
	}
	return codes, nil
}

func (r *OrderRepository) GetRestaurant(ctx context.Context, id string) (*models.Restaurant, error) {
	var rest models.Restaurant
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&rest).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, order.NewNotFoundError("restaurant", id)
		}
		return nil, order.StoreUnavailable(fmt.Errorf("get restaurant: %w", err))
	}
	return &rest, nil
}

func (r *OrderRepository) SaveRestaurant(ctx context.Context, rest *models.Restaurant) error {
	if err := r.db.WithContext(ctx).Save(rest).Error; err != nil {
		return order.StoreUnavailable(fmt.Errorf("save restaurant: %w", err))
	}
	return nil
}

func (r *OrderRepository) ListRestaurants(ctx context.Context, onlyVerified bool) ([]*models.Restaurant, error) {
	q := r.db.WithContext(ctx).Model(&models.Restaurant{})
	if onlyVerified {
		q = q.Where("verified = ? AND banned = ?", true, false)
	}
	var out []*models.Restaurant
	if err := q.Order("name").Find(&out).Error; err != nil {
		return nil, order.StoreUnavailable(fmt.Errorf("list restaurants: %w", err))
	}
	return out, nil
}

func (r *OrderRepository) SetRestaurantVerified(ctx context.Context, id string, verified bool) error {
	res := r.db.WithContext(ctx).Model(&models.Restaurant{}).Where("id = ?", id).Update("verified", verified)
	if res.Error != nil {
		return order.StoreUnavailable(fmt.Errorf("verify restaurant: %w", res.Error))
	}
	if res.RowsAffected == 0 {
		return order.NewNotFoundError("restaurant", id)
	}
	return nil
}

func (r *OrderRepository) SaveMenuItem(ctx context.Context, item *models.MenuItem) error {
	if err := r.db.WithContext(ctx).Save(item).Error; err != nil {
		return order.StoreUnavailable(fmt.Errorf("save menu item: %w", err))
	}
	return nil
}

func (r *OrderRepository) GetMenuItem(ctx context.Context, id string) (*models.MenuItem, error) {
	var item models.MenuItem
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, order.NewNotFoundError("menu item", id)
		}
		return nil, order.StoreUnavailable(fmt.Errorf("get menu item: %w", err))
	}
	return &item, nil
}

func (r *OrderRepository) DeleteMenuItem(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.MenuItem{})
	if res.Error != nil {
		return order.StoreUnavailable(fmt.Errorf("delete menu item: %w", res.Error))
	}
	if res.RowsAffected == 0 {
		return order.NewNotFoundError("menu item", id)
	}
	return nil
}

func (r *OrderRepository) ListMenu(ctx context.Context, restaurantID string) ([]*models.MenuItem, error) {
	var items []*models.MenuItem
	err := r.db.WithContext(ctx).Where("restaurant_id = ?", restaurantID).
		Order("category").Order("name").Find(&items).Error
	if err != nil {
		return nil, order.StoreUnavailable(fmt.Errorf("list menu: %w", err))
	}
	return items, nil
}

func (r *OrderRepository) SaveProfile(ctx context.Context, p *models.Profile) error {
	if err := r.db.WithContext(ctx).Save(p).Error; err != nil {
		return order.StoreUnavailable(fmt.Errorf("save profile: %w", err))
	}
	return nil
}

func (r *OrderRepository) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	var p models.Profile
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, order.NewNotFoundError("profile", id)
		}
		return nil, order.StoreUnavailable(fmt.Errorf("get profile: %w", err))
	}
	return &p, nil
}

// Stats counts production orders and sums the totals of those that were
// not declined or cancelled. Test orders never count.
func (r *OrderRepository) Stats(ctx context.Context) (order.Stats, error) {
	var stats order.Stats
	if err := r.db.WithContext(ctx).Table(models.OrdersTable).Count(&stats.Orders).Error; err != nil {
		return stats, order.StoreUnavailable(fmt.Errorf("count orders: %w", err))
	}

	var revenue decimal.NullDecimal
	row := r.db.WithContext(ctx).Table(models.OrdersTable).
		Select("SUM(total)").
		Where("status NOT IN ?", []models.OrderStatus{models.StatusDeclined, models.StatusCancelled}).
		Row()
	if err := row.Scan(&revenue); err != nil {
		return stats, order.StoreUnavailable(fmt.Errorf("sum revenue: %w", err))
	}
	total := decimal.Zero
	if revenue.Valid {
		total = revenue.Decimal
	}
	stats.Revenue = total.StringFixed(2)
	return stats, nil
}

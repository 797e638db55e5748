package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/example/grabandgo/pkg/config"
	"github.com/example/grabandgo/pkg/order"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const defaultHistoryLimit = 50

// MongoRepository keeps the append-only audit trail of order mutations.
type MongoRepository struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoRepository connects and pings, so an unreachable server is
// reported here rather than on the first write.
func NewMongoRepository(ctx context.Context, cfg *config.MongoDBConfig) (*MongoRepository, error) {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(cctx, options.Client().
		ApplyURI(cfg.URI).
		SetServerSelectionTimeout(5*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(cctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &MongoRepository{
		client:     client,
		collection: client.Database(cfg.Database).Collection(cfg.Collection),
	}, nil
}

func (m *MongoRepository) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

func (m *MongoRepository) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// EnsureIndexes creates the index history lookups sort on.
func (m *MongoRepository) EnsureIndexes(ctx context.Context) error {
	_, err := m.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "entity_id", Value: 1}, {Key: "created_at", Value: -1}},
		Options: options.Index().SetName("entity_created"),
	})
	return err
}

// AuditLog is one stored order mutation.
type AuditLog struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"-"`
	Service   string             `bson:"service" json:"service"`
	Action    string             `bson:"action" json:"action"`
	EntityID  string             `bson:"entity_id" json:"order_id"`
	Data      bson.M             `bson:"data" json:"data"`
	CreatedAt time.Time          `bson:"created_at" json:"created_at"`
}

// NewAuditLog converts an order mutation into a stored entry.
func NewAuditLog(service string, e order.AuditEntry) *AuditLog {
	data := bson.M{
		"actor_id":   e.Actor.ID,
		"actor_role": string(e.Actor.Role),
		"to":         string(e.To),
	}
	if e.From != "" {
		data["from"] = string(e.From)
	}
	if e.Actor.RestaurantID != "" {
		data["restaurant_id"] = e.Actor.RestaurantID
	}
	return &AuditLog{
		Service:   service,
		Action:    e.Action,
		EntityID:  e.OrderID,
		Data:      data,
		CreatedAt: e.At,
	}
}

func (m *MongoRepository) CreateAuditLog(ctx context.Context, log *AuditLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}
	_, err := m.collection.InsertOne(ctx, log)
	return err
}

// OrderHistory returns the newest entries for one order first. A
// non-positive limit means the default.
func (m *MongoRepository) OrderHistory(ctx context.Context, orderID string, limit int64) ([]*AuditLog, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(limit)

	cursor, err := m.collection.Find(ctx, bson.M{"entity_id": orderID}, opts)
	if err != nil {
		return nil, fmt.Errorf("find audit entries: %w", err)
	}
	defer cursor.Close(ctx)

	logs := []*AuditLog{}
	if err = cursor.All(ctx, &logs); err != nil {
		return nil, fmt.Errorf("decode audit entries: %w", err)
	}
	return logs, nil
}

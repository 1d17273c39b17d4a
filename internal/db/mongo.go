package db

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ubuygold/gopdf/internal/model"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Collection name constants.
const (
	colAPIKeys  = "api_keys"
	colUsage    = "usage_records"
	colCounters = "counters"

	defaultMongoDatabase = "gopdf"
)

type apiKeyDoc struct {
	ID          int64      `bson:"_id"`
	KeyHash     string     `bson:"key_hash"`
	KeyPrefix   string     `bson:"key_prefix"`
	AccountName string     `bson:"account_name"`
	Plan        string     `bson:"plan"`
	Status      string     `bson:"status"`
	CreatedAt   time.Time  `bson:"created_at"`
	UpdatedAt   time.Time  `bson:"updated_at"`
	RevokedAt   *time.Time `bson:"revoked_at,omitempty"`
}

type usageDoc struct {
	APIKeyID     int64     `bson:"api_key_id"`
	Period       string    `bson:"period"`
	RequestCount int64     `bson:"request_count"`
	ByteCount    int64     `bson:"byte_count"`
	CreatedAt    time.Time `bson:"created_at"`
	UpdatedAt    time.Time `bson:"updated_at"`
}

// MongoService implements Service on MongoDB. Usage increments are a single
// findOneAndUpdate with $inc and upsert.
type MongoService struct {
	client *mongo.Client
	db     *mongo.Database
}

var _ Service = (*MongoService)(nil)

// NewMongoService connects to uri and ensures indexes. When database is empty
// the name is taken from the URI path, falling back to "gopdf".
func NewMongoService(ctx context.Context, uri, database string) (*MongoService, error) {
	if database == "" {
		database = databaseFromURI(uri)
	}

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	s := &MongoService{client: client, db: client.Database(database)}
	if err := s.migrate(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func databaseFromURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return defaultMongoDatabase
	}
	if name := strings.Trim(u.Path, "/"); name != "" {
		return name
	}
	return defaultMongoDatabase
}

func (s *MongoService) migrate(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		colAPIKeys: {
			{Keys: bson.D{{Key: "key_hash", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		colUsage: {
			{Keys: bson.D{{Key: "api_key_id", Value: 1}, {Key: "period", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "period", Value: 1}}},
		},
	}
	for col, models := range indexes {
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("failed to create %s indexes: %w", col, err)
		}
	}
	return nil
}

func (s *MongoService) nextID(ctx context.Context, name string) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	filter := bson.M{"_id": name}
	update := bson.M{"$inc": bson.M{"seq": 1}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	err := s.db.Collection(colCounters).FindOneAndUpdate(ctx, filter, update, opts).Decode(&counter)
	if mongo.IsDuplicateKeyError(err) {
		// Concurrent upserts on a fresh counter; the document exists now.
		err = s.db.Collection(colCounters).FindOneAndUpdate(ctx, filter, update, opts).Decode(&counter)
	}
	if err != nil {
		return 0, err
	}
	return counter.Seq, nil
}

func (s *MongoService) CreateAPIKey(ctx context.Context, key *model.APIKey) error {
	id, err := s.nextID(ctx, colAPIKeys)
	if err != nil {
		return storageError("create api key", err)
	}

	now := time.Now().UTC()
	if key.Status == "" {
		key.Status = model.KeyStatusActive
	}
	doc := apiKeyDoc{
		ID:          id,
		KeyHash:     key.KeyHash,
		KeyPrefix:   key.KeyPrefix,
		AccountName: key.AccountName,
		Plan:        key.Plan,
		Status:      key.Status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := s.db.Collection(colAPIKeys).InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return storageError("create api key", err)
	}

	key.ID = uint(id)
	key.CreatedAt = now
	key.UpdatedAt = now
	return nil
}

func (s *MongoService) findOneKey(ctx context.Context, filter bson.M, op string) (*model.APIKey, error) {
	var doc apiKeyDoc
	err := s.db.Collection(colAPIKeys).FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageError(op, err)
	}
	return doc.toModel(), nil
}

func (s *MongoService) FindAPIKeyByHash(ctx context.Context, keyHash string) (*model.APIKey, error) {
	return s.findOneKey(ctx, bson.M{"key_hash": keyHash}, "find api key")
}

func (s *MongoService) GetAPIKey(ctx context.Context, id uint) (*model.APIKey, error) {
	return s.findOneKey(ctx, bson.M{"_id": int64(id)}, "get api key")
}

func (s *MongoService) ListAPIKeys(ctx context.Context) ([]model.APIKey, error) {
	cursor, err := s.db.Collection(colAPIKeys).Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, storageError("list api keys", err)
	}
	var docs []apiKeyDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, storageError("list api keys", err)
	}

	keys := make([]model.APIKey, 0, len(docs))
	for i := range docs {
		keys = append(keys, *docs[i].toModel())
	}
	return keys, nil
}

func (s *MongoService) RevokeAPIKey(ctx context.Context, id uint, at time.Time) (bool, error) {
	result, err := s.db.Collection(colAPIKeys).UpdateOne(ctx,
		bson.M{"_id": int64(id), "status": model.KeyStatusActive},
		bson.M{"$set": bson.M{"status": model.KeyStatusRevoked, "revoked_at": at, "updated_at": at}},
	)
	if err != nil {
		return false, storageError("revoke api key", err)
	}
	return result.ModifiedCount > 0, nil
}

func (s *MongoService) IncrementUsage(ctx context.Context, apiKeyID uint, period string, n int64, at time.Time) (*model.UsageRecord, error) {
	count, err := s.db.Collection(colAPIKeys).CountDocuments(ctx, bson.M{"_id": int64(apiKeyID)})
	if err != nil {
		return nil, storageError("increment usage", err)
	}
	if count == 0 {
		return nil, ErrNotFound
	}

	filter := bson.M{"api_key_id": int64(apiKeyID), "period": period}
	update := bson.M{
		"$inc":         bson.M{"request_count": 1, "byte_count": n},
		"$set":         bson.M{"updated_at": at},
		"$setOnInsert": bson.M{"created_at": at},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc usageDoc
	err = s.db.Collection(colUsage).FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if mongo.IsDuplicateKeyError(err) {
		// Two upserts raced on the first event of the period; the loser retries as an update.
		err = s.db.Collection(colUsage).FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	}
	if err != nil {
		return nil, storageError("increment usage", err)
	}
	return doc.toModel(), nil
}

func (s *MongoService) GetUsage(ctx context.Context, apiKeyID uint, period string) (*model.UsageRecord, error) {
	var doc usageDoc
	err := s.db.Collection(colUsage).FindOne(ctx, bson.M{"api_key_id": int64(apiKeyID), "period": period}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return &model.UsageRecord{APIKeyID: apiKeyID, Period: period}, nil
	}
	if err != nil {
		return nil, storageError("get usage", err)
	}
	return doc.toModel(), nil
}

func (s *MongoService) ListUsageByPeriod(ctx context.Context, period string) ([]model.UsageRecord, error) {
	cursor, err := s.db.Collection(colUsage).Find(ctx,
		bson.M{"period": period},
		options.Find().SetSort(bson.D{{Key: "api_key_id", Value: 1}}),
	)
	if err != nil {
		return nil, storageError("list usage", err)
	}
	var docs []usageDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, storageError("list usage", err)
	}

	records := make([]model.UsageRecord, 0, len(docs))
	for i := range docs {
		records = append(records, *docs[i].toModel())
	}
	return records, nil
}

func (s *MongoService) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return storageError("ping", err)
	}
	return nil
}

func (s *MongoService) Close() error {
	return s.client.Disconnect(context.Background())
}

func (d *apiKeyDoc) toModel() *model.APIKey {
	key := &model.APIKey{
		KeyHash:     d.KeyHash,
		KeyPrefix:   d.KeyPrefix,
		AccountName: d.AccountName,
		Plan:        d.Plan,
		Status:      d.Status,
		RevokedAt:   d.RevokedAt,
	}
	key.ID = uint(d.ID)
	key.CreatedAt = d.CreatedAt
	key.UpdatedAt = d.UpdatedAt
	return key
}

func (d *usageDoc) toModel() *model.UsageRecord {
	return &model.UsageRecord{
		APIKeyID:     uint(d.APIKeyID),
		Period:       d.Period,
		RequestCount: d.RequestCount,
		ByteCount:    d.ByteCount,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ubuygold/gopdf/internal/config"
	"github.com/ubuygold/gopdf/internal/model"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	"k8s.io/utils/env"
)

// Service is the persistence boundary for API keys and usage records.
type Service interface {
	// CreateAPIKey inserts a new key. It returns ErrDuplicateKey when the key hash already exists.
	CreateAPIKey(ctx context.Context, key *model.APIKey) error
	FindAPIKeyByHash(ctx context.Context, keyHash string) (*model.APIKey, error)
	GetAPIKey(ctx context.Context, id uint) (*model.APIKey, error)
	ListAPIKeys(ctx context.Context) ([]model.APIKey, error)
	// RevokeAPIKey marks an active key as revoked. It reports whether the status changed.
	RevokeAPIKey(ctx context.Context, id uint, at time.Time) (bool, error)

	// IncrementUsage atomically adds one request and n bytes to the (key, period) record,
	// creating it when absent, and returns the updated totals.
	IncrementUsage(ctx context.Context, apiKeyID uint, period string, n int64, at time.Time) (*model.UsageRecord, error)
	// GetUsage returns the record for (key, period), or a zero-valued record. It never writes.
	GetUsage(ctx context.Context, apiKeyID uint, period string) (*model.UsageRecord, error)
	ListUsageByPeriod(ctx context.Context, period string) ([]model.UsageRecord, error)

	Ping(ctx context.Context) error
	Close() error
}

const (
	defaultMaxOpenConns        = 25
	defaultMaxIdleConns        = 5
	defaultConnMaxLifetimeSecs = 300

	sqliteParams = "_busy_timeout=5000&_foreign_keys=on"
)

type service struct {
	db *gorm.DB
}

var _ Service = (*service)(nil)

// NewService opens the configured database and migrates the schema.
// MongoDB is handled by NewMongoService; NewService dispatches to it for type "mongo".
func NewService(cfg config.DatabaseConfig) (Service, error) {
	if cfg.Type == "mongo" || cfg.Type == "mongodb" {
		ms, err := NewMongoService(context.Background(), cfg.DSN, "")
		if err != nil {
			return nil, err
		}
		return ms, nil
	}
	s, err := newGormService(cfg)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func newGormService(cfg config.DatabaseConfig) (*service, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case "sqlite":
		dialector = sqlite.Open(sqliteDSN(cfg.DSN))
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	gormDB, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := configureConnectionPool(gormDB, cfg.Type); err != nil {
		return nil, err
	}

	err = gormDB.AutoMigrate(&model.APIKey{}, &model.UsageRecord{})
	if err != nil {
		return nil, fmt.Errorf("failed to auto-migrate database: %w", err)
	}

	return &service{db: gormDB}, nil
}

// sqliteDSN adds busy timeout and foreign key enforcement to a bare SQLite DSN.
// File databases also get WAL journaling.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "?") {
		return dsn
	}
	if strings.Contains(dsn, ":memory:") {
		return dsn + "?" + sqliteParams
	}
	return dsn + "?" + sqliteParams + "&_journal_mode=WAL"
}

// configureConnectionPool sets pool limits per database type.
func configureConnectionPool(gormDB *gorm.DB, dbType string) error {
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}

	if dbType == "sqlite" {
		// SQLite: single connection avoids "database is locked" and keeps
		// in-memory databases shared by every caller.
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetConnMaxLifetime(0)
		return nil
	}

	maxOpenConns, _ := env.GetInt("DB_MAX_OPEN_CONNS", defaultMaxOpenConns)
	maxIdleConns, _ := env.GetInt("DB_MAX_IDLE_CONNS", defaultMaxIdleConns)
	connMaxLifetimeSecs, _ := env.GetInt("DB_CONN_MAX_LIFETIME_SECONDS", defaultConnMaxLifetimeSecs)

	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(connMaxLifetimeSecs) * time.Second)
	return nil
}

// GetDB exposes the underlying gorm handle. Tests use it to seed rows.
func (s *service) GetDB() *gorm.DB {
	return s.db
}

func (s *service) CreateAPIKey(ctx context.Context, key *model.APIKey) error {
	err := s.db.WithContext(ctx).Create(key).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateKey
	}
	if err != nil {
		return storageError("create api key", err)
	}
	return nil
}

func (s *service) FindAPIKeyByHash(ctx context.Context, keyHash string) (*model.APIKey, error) {
	var key model.APIKey
	err := s.db.WithContext(ctx).Where("key_hash = ?", keyHash).First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageError("find api key", err)
	}
	return &key, nil
}

func (s *service) GetAPIKey(ctx context.Context, id uint) (*model.APIKey, error) {
	var key model.APIKey
	err := s.db.WithContext(ctx).First(&key, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageError("get api key", err)
	}
	return &key, nil
}

func (s *service) ListAPIKeys(ctx context.Context) ([]model.APIKey, error) {
	var keys []model.APIKey
	if err := s.db.WithContext(ctx).Order("id asc").Find(&keys).Error; err != nil {
		return nil, storageError("list api keys", err)
	}
	return keys, nil
}

func (s *service) RevokeAPIKey(ctx context.Context, id uint, at time.Time) (bool, error) {
	result := s.db.WithContext(ctx).Model(&model.APIKey{}).
		Where("id = ? AND status = ?", id, model.KeyStatusActive).
		Updates(map[string]interface{}{
			"status":     model.KeyStatusRevoked,
			"revoked_at": at,
		})
	if result.Error != nil {
		return false, storageError("revoke api key", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *service) IncrementUsage(ctx context.Context, apiKeyID uint, period string, n int64, at time.Time) (*model.UsageRecord, error) {
	var record model.UsageRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var keys int64
		if err := tx.Model(&model.APIKey{}).Where("id = ?", apiKeyID).Count(&keys).Error; err != nil {
			return err
		}
		if keys == 0 {
			return ErrNotFound
		}

		row := model.UsageRecord{
			APIKeyID:     apiKeyID,
			Period:       period,
			RequestCount: 1,
			ByteCount:    n,
			CreatedAt:    at,
			UpdatedAt:    at,
		}
		// One statement: insert the first event of the period or bump the existing row.
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "api_key_id"}, {Name: "period"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"request_count": gorm.Expr("usage_records.request_count + ?", 1),
				"byte_count":    gorm.Expr("usage_records.byte_count + ?", n),
				"updated_at":    at,
			}),
		}).Create(&row).Error
		if err != nil {
			return err
		}
		return tx.Where("api_key_id = ? AND period = ?", apiKeyID, period).First(&record).Error
	})
	if errors.Is(err, ErrNotFound) || errors.Is(err, gorm.ErrForeignKeyViolated) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageError("increment usage", err)
	}
	return &record, nil
}

func (s *service) GetUsage(ctx context.Context, apiKeyID uint, period string) (*model.UsageRecord, error) {
	var record model.UsageRecord
	err := s.db.WithContext(ctx).
		Where("api_key_id = ? AND period = ?", apiKeyID, period).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &model.UsageRecord{APIKeyID: apiKeyID, Period: period}, nil
	}
	if err != nil {
		return nil, storageError("get usage", err)
	}
	return &record, nil
}

func (s *service) ListUsageByPeriod(ctx context.Context, period string) ([]model.UsageRecord, error) {
	var records []model.UsageRecord
	err := s.db.WithContext(ctx).
		Where("period = ?", period).
		Order("api_key_id asc").
		Find(&records).Error
	if err != nil {
		return nil, storageError("list usage", err)
	}
	return records, nil
}

func (s *service) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return storageError("ping", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return storageError("ping", err)
	}
	return nil
}

func (s *service) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

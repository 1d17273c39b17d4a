// Package keys issues, looks up and revokes API keys. Raw keys are never
// persisted; rows are addressed by a salted SHA-256 hash of the key.
package keys

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ubuygold/gopdf/internal/config"
	"github.com/ubuygold/gopdf/internal/db"
	"github.com/ubuygold/gopdf/internal/model"
)

const (
	// Prefix starts every issued key.
	Prefix = "pdf_"

	keyBytes          = 32
	displayPrefixLen  = 10
	maxCreateAttempts = 5
	minAccountName    = 2
	maxAccountName    = 120
)

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// NotFoundError reports that the addressed API key does not exist.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return e.Resource + " not found"
}

// GenerateKey returns a new random key: the "pdf_" prefix followed by 32
// random bytes in unpadded base64url.
func GenerateKey() (string, error) {
	b := make([]byte, keyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return Prefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// HashKey returns the hex SHA-256 of salt + ":" + key.
func HashKey(salt, key string) string {
	sum := sha256.Sum256([]byte(salt + ":" + key))
	return hex.EncodeToString(sum[:])
}

// Store manages the API key table.
type Store struct {
	db     db.Service
	salt   string
	plans  map[string]config.PlanLimits
	logger *slog.Logger

	now      func() time.Time
	generate func() (string, error)

	mu       sync.RWMutex
	onRevoke []func(keyHash string)
}

// NewStore creates a Store. plans is the set of plans keys may be issued on.
func NewStore(dbService db.Service, salt string, plans map[string]config.PlanLimits, logger *slog.Logger) *Store {
	return &Store{
		db:       dbService,
		salt:     salt,
		plans:    plans,
		logger:   logger.With("component", "keys"),
		now:      func() time.Time { return time.Now().UTC() },
		generate: GenerateKey,
	}
}

// OnRevoke registers fn to run synchronously after every revocation, before
// the revoke call returns. The auth cache uses it to drop the key.
func (s *Store) OnRevoke(fn func(keyHash string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRevoke = append(s.onRevoke, fn)
}

// Hash returns the stored hash of a raw key.
func (s *Store) Hash(rawKey string) string {
	return HashKey(s.salt, rawKey)
}

// Plans returns the names of the plans keys can be issued on, sorted.
func (s *Store) Plans() []string {
	names := make([]string, 0, len(s.plans))
	for name := range s.plans {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CreateKey issues a new key for accountName on plan. It returns the stored
// row and the raw key, which is never available again.
func (s *Store) CreateKey(ctx context.Context, accountName, plan string) (*model.APIKey, string, error) {
	accountName = strings.TrimSpace(accountName)
	if n := utf8.RuneCountInString(accountName); n < minAccountName || n > maxAccountName {
		return nil, "", &ValidationError{
			Field:   "account_name",
			Message: fmt.Sprintf("must be between %d and %d characters", minAccountName, maxAccountName),
		}
	}
	plan = config.NormalizePlan(plan)
	if _, ok := s.plans[plan]; !ok {
		return nil, "", &ValidationError{
			Field:   "plan",
			Message: fmt.Sprintf("unknown plan %q, expected one of %s", plan, strings.Join(s.Plans(), ", ")),
		}
	}

	for attempt := 1; attempt <= maxCreateAttempts; attempt++ {
		rawKey, err := s.generate()
		if err != nil {
			return nil, "", err
		}

		key := &model.APIKey{
			KeyHash:     s.Hash(rawKey),
			KeyPrefix:   displayPrefix(rawKey),
			AccountName: accountName,
			Plan:        plan,
			Status:      model.KeyStatusActive,
		}
		err = s.db.CreateAPIKey(ctx, key)
		if errors.Is(err, db.ErrDuplicateKey) {
			s.logger.Warn("Generated API key collided, retrying", "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, "", err
		}

		s.logger.Info("API key created", "id", key.ID, "prefix", key.KeyPrefix, "account", accountName, "plan", plan)
		return key, rawKey, nil
	}

	return nil, "", &db.StorageError{
		Op:  "create api key",
		Err: fmt.Errorf("key hash collided %d times", maxCreateAttempts),
	}
}

func displayPrefix(rawKey string) string {
	if len(rawKey) <= displayPrefixLen {
		return rawKey
	}
	return rawKey[:displayPrefixLen]
}

// Lookup finds the key row for a raw key. It never writes.
func (s *Store) Lookup(ctx context.Context, rawKey string) (*model.APIKey, error) {
	return s.LookupByHash(ctx, s.Hash(rawKey))
}

// LookupByHash finds the key row for a key hash.
func (s *Store) LookupByHash(ctx context.Context, keyHash string) (*model.APIKey, error) {
	key, err := s.db.FindAPIKeyByHash(ctx, keyHash)
	if errors.Is(err, db.ErrNotFound) {
		return nil, &NotFoundError{Resource: "api key"}
	}
	return key, err
}

// Get returns the key row with the given id.
func (s *Store) Get(ctx context.Context, id uint) (*model.APIKey, error) {
	key, err := s.db.GetAPIKey(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, &NotFoundError{Resource: "api key"}
	}
	return key, err
}

// List returns all keys ordered by id.
func (s *Store) List(ctx context.Context) ([]model.APIKey, error) {
	return s.db.ListAPIKeys(ctx)
}

// Revoke revokes the key identified by its raw value. Unknown keys return a
// NotFoundError; revoking an already revoked key succeeds.
func (s *Store) Revoke(ctx context.Context, rawKey string) (*model.APIKey, error) {
	if strings.TrimSpace(rawKey) == "" {
		return nil, &ValidationError{Field: "api_key", Message: "is required"}
	}
	key, err := s.Lookup(ctx, rawKey)
	if err != nil {
		return nil, err
	}
	return s.revoke(ctx, key)
}

// RevokeByID revokes the key with the given id, with the same semantics as Revoke.
func (s *Store) RevokeByID(ctx context.Context, id uint) (*model.APIKey, error) {
	key, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.revoke(ctx, key)
}

func (s *Store) revoke(ctx context.Context, key *model.APIKey) (*model.APIKey, error) {
	at := s.now()
	changed, err := s.db.RevokeAPIKey(ctx, key.ID, at)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	hooks := s.onRevoke
	s.mu.RUnlock()
	for _, fn := range hooks {
		fn(key.KeyHash)
	}

	if changed {
		key.Status = model.KeyStatusRevoked
		key.RevokedAt = &at
		s.logger.Info("API key revoked", "id", key.ID, "prefix", key.KeyPrefix)
	}
	return key, nil
}

package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ubuygold/gopdf/internal/config"
	"github.com/ubuygold/gopdf/internal/keys"
	"github.com/ubuygold/gopdf/internal/model"

	"github.com/dgraph-io/ristretto"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/singleflight"
)

// AuthError kinds.
const (
	KindMissing      = "missing"
	KindUnknown      = "unknown"
	KindRevoked      = "revoked"
	KindAdminInvalid = "admin_invalid"
)

// Header names carrying credentials.
const (
	HeaderAPIKey     = "X-API-Key"
	HeaderAdminToken = "X-Admin-Token"
)

const principalContextKey = "principal"

// AuthError is returned when a credential is absent or rejected.
type AuthError struct {
	Kind string
}

func (e *AuthError) Error() string {
	switch e.Kind {
	case KindMissing:
		return "API key is required"
	case KindUnknown:
		return "Invalid API key"
	case KindRevoked:
		return "API key has been revoked"
	case KindAdminInvalid:
		return "Invalid admin token"
	default:
		return "authentication failed: " + e.Kind
	}
}

// StatusCode maps the error kind to an HTTP status.
func (e *AuthError) StatusCode() int {
	if e.Kind == KindRevoked {
		return http.StatusForbidden
	}
	return http.StatusUnauthorized
}

// Principal is an authenticated API key.
type Principal struct {
	KeyID       uint
	KeyPrefix   string
	AccountName string
	Plan        string
}

// KeyLookup is the part of the key store the gate depends on.
type KeyLookup interface {
	Hash(rawKey string) string
	LookupByHash(ctx context.Context, keyHash string) (*model.APIKey, error)
	OnRevoke(fn func(keyHash string))
}

// Gate authenticates API keys. Found keys, active or revoked, are cached by
// hash; unknown keys are not. Revocation drops the cached entry before the
// revoke call returns.
type Gate struct {
	keys   KeyLookup
	cache  *ristretto.Cache
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger

	// mu and rev order cache writes against invalidation: a lookup only
	// caches its result if no revocation happened while it was loading.
	mu  sync.RWMutex
	rev uint64
}

// NewGate creates a Gate and subscribes it to revocations from keyStore.
func NewGate(keyStore KeyLookup, cfg config.AuthConfig, logger *slog.Logger) (*Gate, error) {
	size := cfg.CacheSize
	if size <= 0 {
		size = 10000
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        size * 10,
		MaxCost:            size,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create auth cache: %w", err)
	}

	g := &Gate{
		keys:   keyStore,
		cache:  cache,
		ttl:    cfg.CacheTTL,
		logger: logger.With("component", "auth"),
	}
	keyStore.OnRevoke(g.Invalidate)
	return g, nil
}

// Authenticate resolves a presented key to its principal.
func (g *Gate) Authenticate(ctx context.Context, rawKey string) (*Principal, error) {
	rawKey = strings.TrimSpace(rawKey)
	if rawKey == "" {
		return nil, &AuthError{Kind: KindMissing}
	}

	key, err := g.load(ctx, g.keys.Hash(rawKey))
	if err != nil {
		var notFound *keys.NotFoundError
		if errors.As(err, &notFound) {
			return nil, &AuthError{Kind: KindUnknown}
		}
		return nil, err
	}
	if !key.IsActive() {
		return nil, &AuthError{Kind: KindRevoked}
	}

	return &Principal{
		KeyID:       key.ID,
		KeyPrefix:   key.KeyPrefix,
		AccountName: key.AccountName,
		Plan:        key.Plan,
	}, nil
}

func (g *Gate) load(ctx context.Context, keyHash string) (*model.APIKey, error) {
	if v, ok := g.cache.Get(keyHash); ok {
		return v.(*model.APIKey), nil
	}

	v, err, _ := g.group.Do(keyHash, func() (interface{}, error) {
		g.mu.RLock()
		rev := g.rev
		g.mu.RUnlock()

		key, err := g.keys.LookupByHash(ctx, keyHash)
		if err != nil {
			return nil, err
		}

		g.mu.RLock()
		if g.rev == rev {
			g.cache.SetWithTTL(keyHash, key, 1, g.ttl)
			// Sets are buffered; flush so a later Del cannot be overtaken.
			g.cache.Wait()
		}
		g.mu.RUnlock()
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.APIKey), nil
}

// Invalidate drops the cached entry for keyHash.
func (g *Gate) Invalidate(keyHash string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rev++
	g.group.Forget(keyHash)
	g.cache.Del(keyHash)
	g.cache.Wait()
	g.logger.Debug("Auth cache entry invalidated")
}

// Close releases the cache.
func (g *Gate) Close() {
	g.cache.Close()
}

// AdminGate checks the process-wide admin token.
type AdminGate struct {
	token []byte
}

// NewAdminGate creates an AdminGate for token.
func NewAdminGate(token string) *AdminGate {
	return &AdminGate{token: []byte(token)}
}

// Check compares presented against the admin token in constant time.
func (a *AdminGate) Check(presented string) error {
	if presented == "" || len(a.token) == 0 ||
		subtle.ConstantTimeCompare([]byte(presented), a.token) != 1 {
		return &AuthError{Kind: KindAdminInvalid}
	}
	return nil
}

// Credential extracts the API key from X-API-Key or an "Authorization: Bearer" header.
func Credential(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(HeaderAPIKey)); key != "" {
		return key
	}
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return ""
}

// AuthMiddleware rejects requests without a valid, active API key and stores
// the principal in the gin context.
func AuthMiddleware(gate *Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := gate.Authenticate(c.Request.Context(), Credential(c.Request))
		if err != nil {
			var authErr *AuthError
			if errors.As(err, &authErr) {
				c.AbortWithStatusJSON(authErr.StatusCode(), gin.H{"error": authErr.Error()})
				return
			}
			gate.logger.Error("API key lookup failed", "error", err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "Storage unavailable"})
			return
		}

		c.Set(principalContextKey, principal)
		c.Next()
	}
}

// PrincipalFrom returns the principal stored by AuthMiddleware.
func PrincipalFrom(c *gin.Context) (*Principal, bool) {
	v, ok := c.Get(principalContextKey)
	if !ok {
		return nil, false
	}
	p, ok := v.(*Principal)
	return p, ok
}

// AdminAuthMiddleware rejects requests without the admin token.
func AdminAuthMiddleware(gate *AdminGate) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := gate.Check(c.GetHeader(HeaderAdminToken)); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

//go:build integration

package db

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ubuygold/gopdf/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run with: MONGODB_URI=mongodb://localhost:27017 go test -tags integration ./internal/db/
func setupMongo(t *testing.T) *MongoService {
	t.Helper()
	uri := os.Getenv("MONGODB_URI")
	if uri == "" {
		t.Skip("MONGODB_URI not set")
	}

	ctx := context.Background()
	name := fmt.Sprintf("gopdf_test_%d", time.Now().UnixNano())
	s, err := NewMongoService(ctx, uri, name)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.db.Drop(context.Background())
		_ = s.Close()
	})
	return s
}

func TestMongoService_KeysAndUsage(t *testing.T) {
	s := setupMongo(t)
	ctx := context.Background()

	key := &model.APIKey{KeyHash: "hash-1", KeyPrefix: "pdf_abcdef", AccountName: "Acme", Plan: "free"}
	require.NoError(t, s.CreateAPIKey(ctx, key))
	assert.NotZero(t, key.ID)

	err := s.CreateAPIKey(ctx, &model.APIKey{KeyHash: "hash-1", AccountName: "Other", Plan: "pro"})
	assert.ErrorIs(t, err, ErrDuplicateKey)

	found, err := s.FindAPIKeyByHash(ctx, "hash-1")
	require.NoError(t, err)
	assert.Equal(t, key.ID, found.ID)

	usage, err := s.GetUsage(ctx, key.ID, "2024-03")
	require.NoError(t, err)
	assert.Zero(t, usage.RequestCount)

	_, err = s.IncrementUsage(ctx, 9999, "2024-03", 1, time.Now())
	assert.ErrorIs(t, err, ErrNotFound)

	changed, err := s.RevokeAPIKey(ctx, key.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = s.RevokeAPIKey(ctx, key.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestMongoService_ConcurrentIncrement(t *testing.T) {
	s := setupMongo(t)
	ctx := context.Background()

	key := &model.APIKey{KeyHash: "hash-c", KeyPrefix: "pdf_cccccc", AccountName: "Acme", Plan: "free"}
	require.NoError(t, s.CreateAPIKey(ctx, key))

	const workers = 40
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.IncrementUsage(ctx, key.ID, "2024-03", 5, time.Now())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	usage, err := s.GetUsage(ctx, key.ID, "2024-03")
	require.NoError(t, err)
	assert.Equal(t, int64(workers), usage.RequestCount)
	assert.Equal(t, int64(workers*5), usage.ByteCount)

	records, err := s.ListUsageByPeriod(ctx, "2024-03")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestMongoService_ConcurrentFirstCreate(t *testing.T) {
	s := setupMongo(t)
	ctx := context.Background()

	const workers = 20
	ids := make([]uint, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := &model.APIKey{
				KeyHash:     fmt.Sprintf("hash-first-%d", i),
				KeyPrefix:   "pdf_first0",
				AccountName: "Acme",
				Plan:        "free",
			}
			assert.NoError(t, s.CreateAPIKey(ctx, key))
			ids[i] = key.ID
		}(i)
	}
	wg.Wait()

	seen := make(map[uint]bool, workers)
	for _, id := range ids {
		assert.NotZero(t, id)
		assert.False(t, seen[id], "id %d issued twice", id)
		seen[id] = true
	}

	list, err := s.ListAPIKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, list, workers)
}

package cachemanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// useCase and key/value shapes throughout mirror hw.SimulatedDriver's only
// consumer: a single string key ("counter") holding the last free-running
// counter reading (uint64 nanoseconds).
const hwCacheUseCase = "hw-counter"
const counterKey = "counter"

func TestNewInMemoryCacheManager(t *testing.T) {
	require.NotPanics(t, func() {
		NewInMemoryCacheManager[string, uint64](hwCacheUseCase, DefaultExpiration, DefaultCleanupInterval)
	})
}

type tickSnapshot struct {
	Offset uint64
	Label  string
}

func TestNewInMemoryCacheManager_GetExistingValue_StructType(t *testing.T) {
	cache := NewInMemoryCacheManager[string, tickSnapshot](hwCacheUseCase, DefaultExpiration, DefaultCleanupInterval)
	snap := tickSnapshot{Offset: 42, Label: "resume"}
	cache.Set(context.Background(), counterKey, snap, DefaultExpiration)

	got, ok := cache.Get(context.Background(), counterKey)
	require.True(t, ok)
	require.Equal(t, snap, got)
}

func TestNewInMemoryCacheManager_GetExistingValue(t *testing.T) {
	cache := NewInMemoryCacheManager[string, uint64](hwCacheUseCase, DefaultExpiration, DefaultCleanupInterval)
	cache.Set(context.Background(), counterKey, uint64(123456), DefaultExpiration)

	got, ok := cache.Get(context.Background(), counterKey)
	require.True(t, ok)
	require.Equal(t, uint64(123456), got)
}

func TestNewInMemoryCacheManager_GetWithNoExistingValue(t *testing.T) {
	cache := NewInMemoryCacheManager[string, uint64](hwCacheUseCase, DefaultExpiration, DefaultCleanupInterval)

	got, ok := cache.Get(context.Background(), counterKey)
	require.False(t, ok)
	require.Zero(t, got)
}

func TestNewInMemoryCacheManager_GetWithExistingInvalidValueType(t *testing.T) {
	cache := NewInMemoryCacheManager[string, uint64](hwCacheUseCase, DefaultExpiration, DefaultCleanupInterval)

	cache.cache.Set(counterKey, "not-a-uint64", DefaultExpiration)

	got, ok := cache.Get(context.Background(), counterKey)
	require.False(t, ok)
	require.Zero(t, got)
}

func TestNewInMemoryCacheManager_GetMultipleWithNoKeysDoesNothing(t *testing.T) {
	cache := NewInMemoryCacheManager[string, uint64](hwCacheUseCase, DefaultExpiration, DefaultCleanupInterval)

	got, ok := cache.GetMultiple(context.Background(), []string{})
	require.False(t, ok)
	require.Nil(t, got)
}

func TestNewInMemoryCacheManager_GetMultipleCacheHit(t *testing.T) {
	cache := NewInMemoryCacheManager[string, uint64](hwCacheUseCase, DefaultExpiration, DefaultCleanupInterval)

	cache.cache.Set("counter", uint64(100), DefaultExpiration)
	cache.cache.Set("resume_at", uint64(200), DefaultExpiration)

	got, ok := cache.GetMultiple(context.Background(), []string{"counter", "resume_at", "missing"})
	require.True(t, ok)
	require.Equal(t, map[string]uint64{"counter": 100, "resume_at": 200}, got)
}

func TestNewInMemoryCacheManager_GetMultipleCacheMiss(t *testing.T) {
	cache := NewInMemoryCacheManager[string, uint64](hwCacheUseCase, DefaultExpiration, DefaultCleanupInterval)

	got, ok := cache.GetMultiple(context.Background(), []string{"counter", "resume_at", "missing"})
	require.False(t, ok)
	require.Nil(t, got)
}

func TestNewInMemoryCacheManager_GetMultipleWithExistingInvalidValueType(t *testing.T) {
	cache := NewInMemoryCacheManager[string, uint64](hwCacheUseCase, DefaultExpiration, DefaultCleanupInterval)

	cache.cache.Set("counter", uint64(100), DefaultExpiration)
	cache.cache.Set("resume_at", "wrong-type", DefaultExpiration)

	got, ok := cache.GetMultiple(context.Background(), []string{"counter", "resume_at"})
	require.True(t, ok)
	require.Equal(t, map[string]uint64{"counter": 100}, got)
}

func TestNewInMemoryCacheManager_GetWithRefresh_WithNoExistingValue(t *testing.T) {
	cache := NewInMemoryCacheManager[string, uint64](hwCacheUseCase, DefaultExpiration, DefaultCleanupInterval)

	got, ok := cache.GetWithRefresh(context.Background(), counterKey, time.Minute*60)
	require.False(t, ok)
	require.Zero(t, got)
}

func TestNewInMemoryCacheManager_GetWithRefresh_WithExistingValue(t *testing.T) {
	cache := NewInMemoryCacheManager[string, uint64](hwCacheUseCase, DefaultExpiration, DefaultCleanupInterval)
	cache.Set(context.Background(), counterKey, uint64(999), DefaultExpiration)

	got, ok := cache.GetWithRefresh(context.Background(), counterKey, time.Minute*60)
	require.True(t, ok)
	require.Equal(t, uint64(999), got)
}

func TestNewInMemoryCacheManager_DeleteWithNoKeysDoesNothing(t *testing.T) {
	cache := NewInMemoryCacheManager[string, uint64](hwCacheUseCase, DefaultExpiration, DefaultCleanupInterval)

	err := cache.Delete(context.Background())
	require.NoError(t, err)
}

func TestNewInMemoryCacheManager_DeleteExistingValue(t *testing.T) {
	cache := NewInMemoryCacheManager[string, uint64](hwCacheUseCase, DefaultExpiration, DefaultCleanupInterval)
	cache.Set(context.Background(), counterKey, uint64(55), DefaultExpiration)

	got, ok := cache.Get(context.Background(), counterKey)
	require.True(t, ok)
	require.Equal(t, uint64(55), got)

	err := cache.Delete(context.Background(), counterKey)
	require.NoError(t, err)

	got, ok = cache.Get(context.Background(), counterKey)
	require.False(t, ok)
	require.Zero(t, got)
}

func TestNewInMemoryCacheManager_Flush(t *testing.T) {
	cache := NewInMemoryCacheManager[string, uint64](hwCacheUseCase, DefaultExpiration, DefaultCleanupInterval)
	cache.Set(context.Background(), counterKey, uint64(7), DefaultExpiration)

	got, ok := cache.Get(context.Background(), counterKey)
	require.True(t, ok)
	require.Equal(t, uint64(7), got)

	err := cache.Flush(context.Background())
	require.NoError(t, err)

	got, ok = cache.Get(context.Background(), counterKey)
	require.False(t, ok)
	require.Zero(t, got)
}

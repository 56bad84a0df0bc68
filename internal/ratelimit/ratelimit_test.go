package ratelimit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ps-research/M-Heath-Annotator/internal/model"
)

func newDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rl.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.RateLimiterState{}))
	return db
}

func loadState(t *testing.T, db *gorm.DB, cred string) model.RateLimiterState {
	t.Helper()
	var st model.RateLimiterState
	require.NoError(t, db.Where("credential_id = ?", cred).First(&st).Error)
	return st
}

func TestCanAcquireInitializesFullBucket(t *testing.T) {
	db := newDB(t)
	l := New(db, 15, 1500, 5)

	ok, wait, err := l.CanAcquire("annotator_1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, wait)

	st := loadState(t, db, "annotator_1")
	assert.Equal(t, float64(5), st.Tokens)
	assert.Zero(t, st.RequestsToday)
}

func TestAcquireDrainsBurstThenWaits(t *testing.T) {
	db := newDB(t)
	l := New(db, 15, 1500, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		got, err := l.Acquire(ctx, "annotator_1", time.Minute)
		require.NoError(t, err)
		require.True(t, got, "acquire %d within burst", i)
	}

	st := loadState(t, db, "annotator_1")
	assert.Less(t, st.Tokens, 1.0)
	assert.Equal(t, 2, st.RequestsToday)
	assert.Equal(t, int64(2), st.TotalRequests)
	require.NotNil(t, st.LastRequest)

	// Bucket empty: CanAcquire reports a positive finite wait.
	ok, wait, err := l.CanAcquire("annotator_1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Greater(t, wait, time.Duration(0))

	// And a zero deadline acquire gives up rather than sleeping.
	got, err := l.Acquire(ctx, "annotator_1", 0)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestRefillClampsAtBurst(t *testing.T) {
	db := newDB(t)
	l := New(db, 60, 1500, 3)

	// Consume one token, then back-date last_refill far enough that an
	// unclamped refill would overshoot the burst size.
	ok, _, err := l.CanAcquire("annotator_1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, l.consume("annotator_1"))

	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, db.Model(&model.RateLimiterState{}).
		Where("credential_id = ?", "annotator_1").
		Update("last_refill", past).Error)

	_, _, err = l.CanAcquire("annotator_1")
	require.NoError(t, err)

	st := loadState(t, db, "annotator_1")
	assert.LessOrEqual(t, st.Tokens, float64(3))
	assert.GreaterOrEqual(t, st.Tokens, float64(0))
}

func TestDailyCapExhaustion(t *testing.T) {
	db := newDB(t)
	l := New(db, 15, 2, 5)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		got, err := l.Acquire(ctx, "annotator_1", time.Minute)
		require.NoError(t, err)
		require.True(t, got)
	}

	// Cap hit: CanAcquire signals "don't wait" and Acquire returns
	// immediately regardless of deadline.
	ok, wait, err := l.CanAcquire("annotator_1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, time.Duration(-1), wait)

	start := time.Now()
	got, err := l.Acquire(ctx, "annotator_1", time.Hour)
	require.NoError(t, err)
	assert.False(t, got)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestDailyRollover(t *testing.T) {
	db := newDB(t)
	l := New(db, 15, 2, 5)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		got, err := l.Acquire(ctx, "annotator_1", time.Minute)
		require.NoError(t, err)
		require.True(t, got)
	}

	// Simulate the UTC date rolling over.
	yesterday := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	require.NoError(t, db.Model(&model.RateLimiterState{}).
		Where("credential_id = ?", "annotator_1").
		Update("day_start", yesterday).Error)

	ok, _, err := l.CanAcquire("annotator_1")
	require.NoError(t, err)
	assert.True(t, ok)

	st := loadState(t, db, "annotator_1")
	assert.Zero(t, st.RequestsToday)
	assert.Equal(t, time.Now().UTC().Format("2006-01-02"), st.DayStart)
}

func TestCredentialsAreIndependent(t *testing.T) {
	db := newDB(t)
	l := New(db, 15, 2, 5)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		got, err := l.Acquire(ctx, "annotator_1", time.Minute)
		require.NoError(t, err)
		require.True(t, got)
	}

	got, err := l.Acquire(ctx, "annotator_2", time.Minute)
	require.NoError(t, err)
	assert.True(t, got, "annotator_2's quota is untouched by annotator_1")
}

func TestAcquireHonorsContextCancel(t *testing.T) {
	db := newDB(t)
	l := New(db, 1, 1500, 1) // slow refill so the loop would sleep
	ctx, cancel := context.WithCancel(context.Background())

	got, err := l.Acquire(ctx, "annotator_1", time.Minute)
	require.NoError(t, err)
	require.True(t, got)

	cancel()
	_, err = l.Acquire(ctx, "annotator_1", time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

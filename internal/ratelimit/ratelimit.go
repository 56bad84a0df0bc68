// Package ratelimit implements the per-credential token bucket with
// a daily cap, persisted through the shared store so concurrent
// workers on the same credential serialize on that row's transaction.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ps-research/M-Heath-Annotator/internal/model"
	"gorm.io/gorm"
)

// Limiter enforces RPM/RPD/Burst for one credential family, with all
// state persisted via DB so a supervisor restart loses nothing.
type Limiter struct {
	db    *gorm.DB
	RPM   int
	RPD   int
	Burst int
}

// New builds a Limiter sharing the store's underlying database handle.
func New(db *gorm.DB, rpm, rpd, burst int) *Limiter {
	return &Limiter{db: db, RPM: rpm, RPD: rpd, Burst: burst}
}

func today() string { return time.Now().UTC().Format("2006-01-02") }

func (l *Limiter) loadOrInit(tx *gorm.DB, credential string) (model.RateLimiterState, error) {
	var st model.RateLimiterState
	err := tx.Where("credential_id = ?", credential).First(&st).Error
	if err == gorm.ErrRecordNotFound {
		st = model.RateLimiterState{
			CredentialID: credential,
			Tokens:       float64(l.Burst),
			LastRefill:   time.Now().UTC(),
			DayStart:     today(),
		}
		if err := tx.Create(&st).Error; err != nil {
			return st, fmt.Errorf("ratelimit: init %s: %w", credential, err)
		}
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("ratelimit: load %s: %w", credential, err)
	}
	return st, nil
}

// refill applies elapsed-time token accrual and the daily UTC rollover
// in place, without persisting — callers persist after any further
// mutation so the whole read-modify-write happens in one transaction.
func (l *Limiter) refill(st *model.RateLimiterState) {
	now := time.Now().UTC()
	elapsed := now.Sub(st.LastRefill).Seconds()
	refillRate := float64(l.RPM) / 60.0
	st.Tokens = math.Min(st.Tokens+elapsed*refillRate, float64(l.Burst))
	st.LastRefill = now

	if st.DayStart != today() {
		st.DayStart = today()
		st.RequestsToday = 0
	}
}

// CanAcquire reports whether a request may proceed now, and if not,
// how long to wait. wait is -1 when the daily quota is exhausted (no
// point waiting until next-day rollover).
func (l *Limiter) CanAcquire(credential string) (ok bool, wait time.Duration, err error) {
	err = l.db.Transaction(func(tx *gorm.DB) error {
		st, loadErr := l.loadOrInit(tx, credential)
		if loadErr != nil {
			return loadErr
		}
		l.refill(&st)

		if st.RequestsToday >= l.RPD {
			ok, wait = false, -1
			return tx.Save(&st).Error
		}
		if st.Tokens >= 1.0 {
			ok, wait = true, 0
			return tx.Save(&st).Error
		}
		ok = false
		wait = time.Duration((1.0 - st.Tokens) * 60.0 / float64(l.RPM) * float64(time.Second))
		return tx.Save(&st).Error
	})
	return ok, wait, err
}

// consume deducts one token and bumps the request counters, in the
// same transaction as the refill that made the token available.
func (l *Limiter) consume(credential string) error {
	return l.db.Transaction(func(tx *gorm.DB) error {
		st, err := l.loadOrInit(tx, credential)
		if err != nil {
			return err
		}
		l.refill(&st)
		st.Tokens = math.Max(0, st.Tokens-1.0)
		st.RequestsToday++
		st.TotalRequests++
		now := time.Now().UTC()
		st.LastRequest = &now
		return tx.Save(&st).Error
	})
}

// Acquire blocks (respecting ctx) until a token is available for
// credential or deadline elapses, returning false on timeout or
// daily quota exhaustion.
func (l *Limiter) Acquire(ctx context.Context, credential string, deadline time.Duration) (bool, error) {
	start := time.Now()
	for {
		ok, wait, err := l.CanAcquire(credential)
		if err != nil {
			return false, err
		}
		if ok {
			return true, l.consume(credential)
		}
		if wait < 0 {
			return false, nil // daily cap exhausted
		}
		if time.Since(start) >= deadline {
			return false, nil
		}

		sleep := wait + 100*time.Millisecond
		if sleep > 5*time.Second {
			sleep = 5 * time.Second
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
	}
}

package repository

import (
	"context"
	"sync/atomic"
	"time"

	"hotelbooking/internal/domain"

	"github.com/rs/zerolog"
)

const recoveryInterval = time.Minute

// FailoverStore serves from the primary until it errors, then from the fallback.
// The primary is retried once recoveryInterval has passed.
type FailoverStore struct {
	primary   domain.KVStore
	fallback  domain.KVStore
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
}

func NewFailoverStore(primary, fallback domain.KVStore, logger *zerolog.Logger) *FailoverStore {
	return &FailoverStore{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

func (r *FailoverStore) markDown(err error) {
	if !r.isDown.Swap(true) {
		r.logger.Error().Err(err).Msg("Primary store failed, falling back to memory")
	}
	r.lastCheck.Store(time.Now().UnixNano())
}

// usePrimary reports whether the next call should go to the primary.
func (r *FailoverStore) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	return time.Since(time.Unix(0, r.lastCheck.Load())) > recoveryInterval
}

func (r *FailoverStore) primaryOK() {
	if r.isDown.Swap(false) {
		r.logger.Info().Msg("Primary store recovered")
	}
}

func (r *FailoverStore) Get(ctx context.Context, key string) (string, bool, error) {
	if r.usePrimary() {
		val, ok, err := r.primary.Get(ctx, key)
		if err == nil {
			r.primaryOK()
			return val, ok, nil
		}
		r.markDown(err)
	}
	return r.fallback.Get(ctx, key)
}

func (r *FailoverStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if r.usePrimary() {
		err := r.primary.Set(ctx, key, value, ttl)
		if err == nil {
			r.primaryOK()
			return nil
		}
		r.markDown(err)
	}
	return r.fallback.Set(ctx, key, value, ttl)
}

func (r *FailoverStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if r.usePrimary() {
		ok, err := r.primary.SetNX(ctx, key, value, ttl)
		if err == nil {
			r.primaryOK()
			return ok, nil
		}
		r.markDown(err)
	}
	return r.fallback.SetNX(ctx, key, value, ttl)
}

func (r *FailoverStore) Delete(ctx context.Context, key string) error {
	if r.usePrimary() {
		err := r.primary.Delete(ctx, key)
		if err == nil {
			r.primaryOK()
			return nil
		}
		r.markDown(err)
	}
	return r.fallback.Delete(ctx, key)
}

func (r *FailoverStore) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if r.usePrimary() {
		allowed, err := r.primary.CheckRateLimit(ctx, key, limit, window)
		if err == nil {
			r.primaryOK()
			return allowed, nil
		}
		r.markDown(err)
	}
	return r.fallback.CheckRateLimit(ctx, key, limit, window)
}

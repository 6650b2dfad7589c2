package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/RoaringBitmap/roaring"

	apperrors "github.com/Adithya-Monish-Kumar-K/search-indexer/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/pkg/resilience"
)

const docSetPrefix = "indexer:docs:"

// ByteStore is the subset of the Redis client used by DocSetCache.
type ByteStore interface {
	GetBytes(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

var _ ByteStore = (*redis.Client)(nil)

// DocSetCache stores the processed document set of each batch as a
// serialised roaring bitmap. Calls go through a circuit breaker so an
// unavailable Redis fails fast.
type DocSetCache struct {
	store   ByteStore
	ttl     time.Duration
	breaker *resilience.CircuitBreaker
	metrics *metrics.Metrics
	logger  *slog.Logger
}

const docSetBreaker = "redis-docsets"

// NewDocSetCache creates a DocSetCache. m may be nil.
func NewDocSetCache(store ByteStore, ttl time.Duration, m *metrics.Metrics) *DocSetCache {
	cfg := resilience.CircuitBreakerConfig{
		IsFailure: func(err error) bool {
			return !errors.Is(err, context.Canceled) && !redis.IsNilError(err)
		},
	}
	if m != nil {
		state := m.CircuitBreakerState.WithLabelValues(docSetBreaker)
		state.Set(float64(resilience.StateClosed))
		cfg.OnStateChange = func(s resilience.State) {
			state.Set(float64(s))
		}
	}
	return &DocSetCache{
		store:   store,
		ttl:     ttl,
		breaker: resilience.NewCircuitBreaker(docSetBreaker, cfg),
		metrics: m,
		logger:  slog.Default().With("component", "docset-cache"),
	}
}

// Put stores the document set of a batch.
func (c *DocSetCache) Put(ctx context.Context, batchID string, docs *roaring.Bitmap) error {
	data, err := docs.ToBytes()
	if err != nil {
		return fmt.Errorf("serialising document set: %w", err)
	}
	err = c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.store.Set(ctx, docSetPrefix+batchID, data, c.ttl)
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrUnavailable, err, "caching document set of %s", batchID)
	}
	return nil
}

// Get loads the document set of a batch. A missing entry yields
// ErrNotFound.
func (c *DocSetCache) Get(ctx context.Context, batchID string) (*roaring.Bitmap, error) {
	var data []byte
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		data, err = c.store.GetBytes(ctx, docSetPrefix+batchID)
		return err
	})
	if redis.IsNilError(err) {
		c.observe(false)
		return nil, apperrors.Newf(apperrors.ErrNotFound, 0, "document set of %s not cached", batchID)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrUnavailable, err, "loading document set of %s", batchID)
	}
	c.observe(true)
	docs := roaring.New()
	if err := docs.UnmarshalBinary(data); err != nil {
		c.logger.Warn("dropping corrupt document set", "batch_id", batchID, "error", err)
		return nil, apperrors.Wrap(apperrors.ErrInternal, err, "decoding document set of %s", batchID)
	}
	return docs, nil
}

// State reports the circuit breaker state.
func (c *DocSetCache) State() resilience.State {
	return c.breaker.GetState()
}

func (c *DocSetCache) observe(hit bool) {
	if c.metrics == nil {
		return
	}
	if hit {
		c.metrics.CacheHitsTotal.Inc()
	} else {
		c.metrics.CacheMissesTotal.Inc()
	}
}

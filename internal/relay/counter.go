package relay

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// killCounter is the name of the overlay counter in the store.
const killCounter = "kills"

// Counter is the value shown by the overlay. Every change is written through
// to the store when one is set; store failures are logged and the in-memory
// value stays authoritative.
type Counter struct {
	mu    sync.Mutex
	value int64
	store Store
	log   zerolog.Logger
}

// NewCounter creates a counter, loading its last value from store if non-nil.
func NewCounter(ctx context.Context, store Store, log zerolog.Logger) (*Counter, error) {
	c := &Counter{
		store: store,
		log:   log.With().Str("component", "counter").Logger(),
	}
	if store != nil {
		v, err := store.LoadCounter(ctx, killCounter)
		if err != nil {
			return nil, err
		}
		c.value = v
	}
	return c, nil
}

// Get returns the current value.
func (c *Counter) Get() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Add adds delta (which may be negative) and returns the new value.
func (c *Counter) Add(ctx context.Context, delta int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value += delta
	c.persist(ctx)
	return c.value
}

// Set replaces the value.
func (c *Counter) Set(ctx context.Context, v int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = v
	c.persist(ctx)
	return c.value
}

// Reset sets the value to zero.
func (c *Counter) Reset(ctx context.Context) int64 {
	return c.Set(ctx, 0)
}

// persist must be called with mu held so saves land in order.
func (c *Counter) persist(ctx context.Context) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveCounter(ctx, killCounter, c.value); err != nil {
		c.log.Error().Err(err).Int64("value", c.value).Msg("failed to persist counter")
	}
}

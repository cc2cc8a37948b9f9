// Package cache memoizes agent step results in a durable key-value store.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rendis/ensemble/internal/observability"
	"github.com/rendis/ensemble/internal/store"
	"github.com/rendis/ensemble/pkg/schema"
)

const keyPrefix = "cache/"

// Entry is one cached step result.
type Entry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	ExpiresAt *time.Time      `json:"expiresAt,omitempty"`
}

// Options control one cache call.
type Options struct {
	TTL    time.Duration
	Bypass bool
}

// Cache wraps a KVStore. Store failures never surface: reads degrade to a
// miss and writes are dropped, both logged and counted.
type Cache struct {
	kv  store.KVStore
	obs *observability.Context
	now func() time.Time
}

func New(kv store.KVStore, obs *observability.Context) *Cache {
	if obs == nil {
		obs = observability.Nop()
	}
	return &Cache{kv: kv, obs: obs, now: time.Now}
}

// Key hashes the agent identity with the canonical JSON of input. Map keys
// are sorted at every depth, so reordered but equal inputs share a key.
func Key(agent string, input any) (string, error) {
	canonical, err := Canonical(input)
	if err != nil {
		return "", schema.NewError(schema.ErrCodeCache, "input is not JSON-serializable").WithCause(err)
	}
	sum := sha256.New()
	sum.Write([]byte(agent))
	sum.Write([]byte{0})
	sum.Write(canonical)
	return hex.EncodeToString(sum.Sum(nil)), nil
}

// Canonical renders v as JSON with recursively sorted object keys.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	// Re-decoding turns structs and typed maps into map[string]any, whose
	// keys encoding/json always emits in sorted order.
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// Get returns the cached value for key. ok is false on miss, bypass,
// expiry or any store failure.
func (c *Cache) Get(ctx context.Context, agent, key string, opts Options) (value any, ok bool) {
	if opts.Bypass {
		return nil, false
	}

	data, err := c.kv.Get(ctx, keyPrefix+key)
	if err != nil {
		if !store.IsNotFound(err) {
			c.fail(ctx, "get", key, err)
		}
		c.obs.Metrics.CacheMiss(ctx, agent)
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.fail(ctx, "decode", key, err)
		c.obs.Metrics.CacheMiss(ctx, agent)
		return nil, false
	}
	if entry.ExpiresAt != nil && !c.now().Before(*entry.ExpiresAt) {
		c.obs.Metrics.CacheMiss(ctx, agent)
		return nil, false
	}

	if err := json.Unmarshal(entry.Value, &value); err != nil {
		c.fail(ctx, "decode", key, err)
		c.obs.Metrics.CacheMiss(ctx, agent)
		return nil, false
	}
	c.obs.Metrics.CacheHit(ctx, agent)
	return value, true
}

// Set stores value under key with the given TTL. It reports whether the
// write happened; callers are free to ignore the result.
func (c *Cache) Set(ctx context.Context, agent, key string, value any, opts Options) bool {
	if opts.Bypass {
		return false
	}

	raw, err := json.Marshal(value)
	if err != nil {
		c.fail(ctx, "encode", key, err)
		return false
	}
	entry := Entry{Key: key, Value: raw}
	if opts.TTL > 0 {
		exp := c.now().Add(opts.TTL)
		entry.ExpiresAt = &exp
	}
	data, err := json.Marshal(entry)
	if err != nil {
		c.fail(ctx, "encode", key, err)
		return false
	}

	if err := c.kv.Put(ctx, keyPrefix+key, data, opts.TTL); err != nil {
		c.fail(ctx, "set", key, err)
		return false
	}
	c.obs.Metrics.CacheSet(ctx, agent)
	return true
}

// Delete drops one entry.
func (c *Cache) Delete(ctx context.Context, agent, key string) bool {
	if err := c.kv.Delete(ctx, keyPrefix+key); err != nil {
		c.fail(ctx, "delete", key, err)
		return false
	}
	c.obs.Metrics.CacheDelete(ctx, agent)
	return true
}

// Clear drops every entry when the backing store can list keys. It returns
// the number of entries removed.
func (c *Cache) Clear(ctx context.Context) (int, error) {
	lister, ok := c.kv.(store.KeyLister)
	if !ok {
		return 0, schema.NewError(schema.ErrCodeCache, "backing store cannot list keys")
	}
	keys, err := lister.Keys(ctx, keyPrefix)
	if err != nil {
		return 0, schema.NewError(schema.ErrCodeCache, "list cache keys").WithCause(err)
	}
	removed := 0
	for _, k := range keys {
		if err := c.kv.Delete(ctx, k); err != nil {
			c.fail(ctx, "delete", k, err)
			continue
		}
		removed++
	}
	return removed, nil
}

func (c *Cache) fail(ctx context.Context, op, key string, err error) {
	c.obs.Metrics.CacheError(ctx, op)
	c.obs.Log(ctx).WarnContext(ctx, "cache degraded to miss",
		slog.String("op", op), slog.String("key", key), slog.String("error", err.Error()))
}

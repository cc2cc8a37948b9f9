package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rendis/ensemble/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// runKVContract exercises the KVStore semantics every backend must share.
// advance moves the backend's notion of time forward.
func runKVContract(t *testing.T, kv KVStore, advance func(time.Duration)) {
	ctx := context.Background()

	t.Run("missing key is NOT_FOUND", func(t *testing.T) {
		_, err := kv.Get(ctx, "absent")
		require.Error(t, err)
		assert.True(t, IsNotFound(err))
	})

	t.Run("put then get", func(t *testing.T) {
		require.NoError(t, kv.Put(ctx, "a/1", []byte(`{"v":1}`), 0))
		got, err := kv.Get(ctx, "a/1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":1}`, string(got))
	})

	t.Run("overwrite", func(t *testing.T) {
		require.NoError(t, kv.Put(ctx, "a/2", []byte("old"), 0))
		require.NoError(t, kv.Put(ctx, "a/2", []byte("new"), 0))
		got, err := kv.Get(ctx, "a/2")
		require.NoError(t, err)
		assert.Equal(t, "new", string(got))
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		require.NoError(t, kv.Put(ctx, "a/3", []byte("x"), 0))
		require.NoError(t, kv.Delete(ctx, "a/3"))
		require.NoError(t, kv.Delete(ctx, "a/3"))
		_, err := kv.Get(ctx, "a/3")
		assert.True(t, IsNotFound(err))
	})

	t.Run("ttl expiry", func(t *testing.T) {
		require.NoError(t, kv.Put(ctx, "ttl/1", []byte("short"), 2*time.Second))
		_, err := kv.Get(ctx, "ttl/1")
		require.NoError(t, err)

		advance(3 * time.Second)
		_, err = kv.Get(ctx, "ttl/1")
		assert.True(t, IsNotFound(err))
	})

	if lister, ok := kv.(KeyLister); ok {
		t.Run("keys by prefix", func(t *testing.T) {
			require.NoError(t, kv.Put(ctx, "list/x", []byte("1"), 0))
			require.NoError(t, kv.Put(ctx, "list/y", []byte("2"), 0))
			require.NoError(t, kv.Put(ctx, "other/z", []byte("3"), 0))

			keys, err := lister.Keys(ctx, "list/")
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"list/x", "list/y"}, keys)
		})
	}
}

// runSuspensionContract exercises SuspensionStore semantics.
func runSuspensionContract(t *testing.T, s SuspensionStore) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	newRec := func(expires time.Duration) *SuspendedExecution {
		id := uuid.NewString()
		return &SuspendedExecution{
			ExecutionID:  id,
			Ensemble:     "review",
			Step:         "approve",
			Continuation: []byte(`{"remaining":[]}`),
			Status:       schema.SuspensionSuspended,
			ApprovalURL:  "https://example.test/resume/" + id,
			CreatedAt:    now,
			ExpiresAt:    now.Add(expires),
		}
	}

	t.Run("create and get", func(t *testing.T) {
		rec := newRec(time.Hour)
		require.NoError(t, s.CreateSuspension(ctx, rec))

		got, err := s.GetSuspension(ctx, rec.ExecutionID)
		require.NoError(t, err)
		assert.Equal(t, rec.Ensemble, got.Ensemble)
		assert.Equal(t, schema.SuspensionSuspended, got.Status)
		assert.JSONEq(t, `{"remaining":[]}`, string(got.Continuation))
		assert.True(t, rec.ExpiresAt.Equal(got.ExpiresAt))
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := s.GetSuspension(ctx, "nope")
		assert.True(t, IsNotFound(err))
		_, err = s.ResolveSuspension(ctx, "nope", schema.SuspensionApproved, Resolution{At: now})
		assert.True(t, IsNotFound(err))
	})

	t.Run("resolve exactly once", func(t *testing.T) {
		rec := newRec(time.Hour)
		require.NoError(t, s.CreateSuspension(ctx, rec))

		got, err := s.ResolveSuspension(ctx, rec.ExecutionID, schema.SuspensionApproved,
			Resolution{Actor: "ada", Comments: "lgtm", At: now.Add(time.Minute)})
		require.NoError(t, err)
		assert.Equal(t, schema.SuspensionApproved, got.Status)
		assert.Equal(t, "ada", got.Actor)
		require.NotNil(t, got.ResolvedAt)

		_, err = s.ResolveSuspension(ctx, rec.ExecutionID, schema.SuspensionRejected, Resolution{At: now})
		require.Error(t, err)
		assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
	})

	t.Run("list filters", func(t *testing.T) {
		soon := newRec(time.Minute)
		later := newRec(48 * time.Hour)
		require.NoError(t, s.CreateSuspension(ctx, soon))
		require.NoError(t, s.CreateSuspension(ctx, later))

		due, err := s.ListSuspensions(ctx, SuspensionFilter{
			Status:        schema.SuspensionSuspended,
			ExpiresBefore: now.Add(30 * time.Minute),
		})
		require.NoError(t, err)

		var ids []string
		for _, r := range due {
			ids = append(ids, r.ExecutionID)
		}
		assert.Contains(t, ids, soon.ExecutionID)
		assert.NotContains(t, ids, later.ExecutionID)
	})
}

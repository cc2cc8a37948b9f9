// Package store holds the durable persistence contracts and their
// implementations: an in-memory store, Redis, gocloud blob buckets and
// embedded libSQL.
package store

import (
	"context"
	"time"

	"github.com/rendis/ensemble/pkg/schema"
)

// KVStore is the durable key-value contract used by the cache layer and by
// KV-backed suspension persistence. Implementations must be safe for
// concurrent use.
type KVStore interface {
	// Get returns NOT_FOUND when the key is absent or its TTL has passed.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put stores value; a zero ttl never expires.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key; deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// KeyLister is implemented by stores that can enumerate keys by prefix.
type KeyLister interface {
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// SuspensionStore persists suspended executions across process restarts.
type SuspensionStore interface {
	CreateSuspension(ctx context.Context, rec *SuspendedExecution) error
	GetSuspension(ctx context.Context, id string) (*SuspendedExecution, error)
	// ResolveSuspension moves a record from suspended to status. It returns
	// CONFLICT when the record was already resolved, so a record is mutated
	// at most once.
	ResolveSuspension(ctx context.Context, id string, status schema.SuspensionStatus, res Resolution) (*SuspendedExecution, error)
	ListSuspensions(ctx context.Context, filter SuspensionFilter) ([]*SuspendedExecution, error)
}

// EventAppender is the append-only execution event log.
type EventAppender interface {
	AppendEvent(ctx context.Context, ev *Event) error
}

// IsNotFound reports whether err is a NOT_FOUND store error.
func IsNotFound(err error) bool {
	return schema.HasCode(err, schema.ErrCodeNotFound)
}

func storeNotFound(resource, id string) *schema.EnsembleError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeConflict(resource, id string, status schema.SuspensionStatus) *schema.EnsembleError {
	return schema.NewErrorf(schema.ErrCodeConflict, "%s %q already %s", resource, id, status)
}

package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/rendis/ensemble/pkg/schema"
)

const suspensionPrefix = "suspension/"

// KVSuspensionStore keeps suspension records as JSON documents in a KVStore.
// Resolve is serialized by an in-process lock, so the at-most-once
// guarantee holds for a single engine process per backing store.
type KVSuspensionStore struct {
	kv KVStore
	mu sync.Mutex
}

func NewKVSuspensionStore(kv KVStore) *KVSuspensionStore {
	return &KVSuspensionStore{kv: kv}
}

func (s *KVSuspensionStore) CreateSuspension(ctx context.Context, rec *SuspendedExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.kv.Get(ctx, suspensionPrefix+rec.ExecutionID); err == nil {
		return schema.NewErrorf(schema.ErrCodeConflict, "suspension %q already exists", rec.ExecutionID)
	} else if !IsNotFound(err) {
		return err
	}
	return s.put(ctx, rec)
}

func (s *KVSuspensionStore) GetSuspension(ctx context.Context, id string) (*SuspendedExecution, error) {
	data, err := s.kv.Get(ctx, suspensionPrefix+id)
	if err != nil {
		if IsNotFound(err) {
			return nil, storeNotFound("suspension", id)
		}
		return nil, err
	}
	var rec SuspendedExecution
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "decode suspension %q", id).WithCause(err)
	}
	return &rec, nil
}

func (s *KVSuspensionStore) ResolveSuspension(ctx context.Context, id string, status schema.SuspensionStatus, res Resolution) (*SuspendedExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.GetSuspension(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != schema.SuspensionSuspended {
		return nil, storeConflict("suspension", id, rec.Status)
	}

	at := res.At
	rec.Status = status
	rec.ResolvedAt = &at
	rec.Actor = res.Actor
	rec.Comments = res.Comments
	if err := s.put(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// ListSuspensions needs a KVStore that implements KeyLister.
func (s *KVSuspensionStore) ListSuspensions(ctx context.Context, filter SuspensionFilter) ([]*SuspendedExecution, error) {
	lister, ok := s.kv.(KeyLister)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeStore, "backing store cannot list keys")
	}
	keys, err := lister.Keys(ctx, suspensionPrefix)
	if err != nil {
		return nil, err
	}

	var out []*SuspendedExecution
	for _, k := range keys {
		rec, err := s.GetSuspension(ctx, k[len(suspensionPrefix):])
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if filter.match(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *KVSuspensionStore) put(ctx context.Context, rec *SuspendedExecution) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	// No TTL: expired records must stay readable so resume can report them.
	return s.kv.Put(ctx, suspensionPrefix+rec.ExecutionID, data, 0)
}

var _ SuspensionStore = (*KVSuspensionStore)(nil)

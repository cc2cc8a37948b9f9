package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBlob(t *testing.T, url string) *BlobStore {
	t.Helper()
	s, err := NewBlobStore(context.Background(), url, "ensemble/")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBlobStore_MemContract(t *testing.T) {
	s := newTestBlob(t, "mem://")
	clock := newFakeClock()
	s.now = clock.Now
	runKVContract(t, s, clock.Advance)
}

func TestBlobStore_FileBucket(t *testing.T) {
	s := newTestBlob(t, "file://"+t.TempDir())
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "suspension/abc", []byte(`{"id":"abc"}`), 0))
	got, err := s.Get(ctx, "suspension/abc")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"abc"}`, string(got))
}

func TestKVSuspensionStore_Blob(t *testing.T) {
	runSuspensionContract(t, NewKVSuspensionStore(newTestBlob(t, "mem://")))
}

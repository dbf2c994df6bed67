package memory

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pkt.systems/lockgate/internal/storage"
)

// Store implements storage.Backend in memory; intended for tests and bench
// setups where artifacts do not need to survive a restart.
type Store struct {
	mu   sync.RWMutex
	objs map[string]*objectEntry
	now  func() time.Time
}

type objectEntry struct {
	payload     []byte
	etag        string
	contentType string
	updated     time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		objs: make(map[string]*objectEntry),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Close satisfies storage.Backend.
func (s *Store) Close() error { return nil }

// PutObject stores or replaces key.
func (s *Store) PutObject(_ context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.objs[key]; exists && opts.IfNotExists {
		return nil, storage.ErrCASMismatch
	}
	entry := &objectEntry{
		payload:     payload,
		etag:        uuid.Must(uuid.NewV7()).String(),
		contentType: opts.ContentType,
		updated:     s.now(),
	}
	s.objs[key] = entry
	return entry.info(key), nil
}

// GetObject returns a reader over a snapshot of key.
func (s *Store) GetObject(_ context.Context, key string) (storage.GetObjectResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.objs[key]
	if !ok {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	return storage.GetObjectResult{
		Reader: io.NopCloser(bytes.NewReader(entry.payload)),
		Info:   entry.info(key),
	}, nil
}

// DeleteObject removes key.
func (s *Store) DeleteObject(_ context.Context, key string, opts storage.DeleteObjectOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objs[key]; !ok {
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	delete(s.objs, key)
	return nil
}

// ListObjects returns objects sorted lexicographically.
func (s *Store) ListObjects(_ context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objs))
	for key := range s.objs {
		if opts.Prefix != "" && !strings.HasPrefix(key, opts.Prefix) {
			continue
		}
		if opts.StartAfter != "" && key <= opts.StartAfter {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	result := &storage.ListResult{}
	for idx, key := range keys {
		if opts.Limit > 0 && idx == opts.Limit {
			result.Truncated = true
			result.NextStartAfter = keys[idx-1]
			break
		}
		result.Objects = append(result.Objects, *s.objs[key].info(key))
	}
	return result, nil
}

// Len reports the number of stored objects.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objs)
}

func (e *objectEntry) info(key string) *storage.ObjectInfo {
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         e.etag,
		Size:         int64(len(e.payload)),
		LastModified: e.updated,
		ContentType:  e.contentType,
	}
}

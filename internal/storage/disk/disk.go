package disk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"pkt.systems/lockgate/internal/storage"
	"pkt.systems/pslog"
)

const infoSuffix = ".info.json"

// Config captures the tunables for the disk backend.
type Config struct {
	Root string
	// Retention removes objects older than this age. Zero keeps them.
	Retention       time.Duration
	JanitorInterval time.Duration
	Now             func() time.Time
	Logger          pslog.Logger
}

// Store implements storage.Backend on the local filesystem. Objects live
// under <root>/objects with a JSON sidecar; writes go through <root>/tmp and
// are renamed into place.
type Store struct {
	objectDir       string
	tmpDir          string
	retention       time.Duration
	janitorInterval time.Duration
	now             func() time.Time
	logger          pslog.Logger

	stopJanitor chan struct{}
	doneJanitor chan struct{}
}

type objectInfoRecord struct {
	ETag          string `json:"etag"`
	ContentType   string `json:"content_type,omitempty"`
	UpdatedAtUnix int64  `json:"updated_at_unix,omitempty"`
}

// New initialises a disk-backed store rooted at cfg.Root.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	if cfg.Retention < 0 {
		return nil, fmt.Errorf("disk: retention must be >= 0")
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	root := filepath.Clean(cfg.Root)
	s := &Store{
		objectDir:       filepath.Join(root, "objects"),
		tmpDir:          filepath.Join(root, "tmp"),
		retention:       cfg.Retention,
		janitorInterval: cfg.JanitorInterval,
		now:             cfg.Now,
		logger:          cfg.Logger.With("storage_backend", "disk"),
	}
	for _, dir := range []string{s.objectDir, s.tmpDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare directory %q: %w", dir, err)
		}
	}
	if s.janitorInterval <= 0 {
		s.janitorInterval = time.Hour
	}
	if s.retention > 0 {
		s.stopJanitor = make(chan struct{})
		s.doneJanitor = make(chan struct{})
		go s.janitorLoop()
	}
	return s, nil
}

// Close stops the retention janitor.
func (s *Store) Close() error {
	if s.stopJanitor != nil {
		close(s.stopJanitor)
		<-s.doneJanitor
		s.stopJanitor = nil
	}
	return nil
}

func (s *Store) loggerFor(ctx context.Context) pslog.Logger {
	if logger := pslog.LoggerFromContext(ctx); logger != nil {
		return logger.With("storage_backend", "disk")
	}
	return s.logger
}

func (s *Store) dataPath(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("disk: object key required")
	}
	clean := strings.TrimPrefix(path.Clean("/"+key), "/")
	if clean == "" || strings.HasSuffix(clean, infoSuffix) {
		return "", fmt.Errorf("disk: invalid object key %q", key)
	}
	return filepath.Join(s.objectDir, filepath.FromSlash(clean)), nil
}

func (s *Store) keyFromPath(p string) (string, error) {
	rel, err := filepath.Rel(s.objectDir, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("disk: object path outside root: %q", p)
	}
	return filepath.ToSlash(rel), nil
}

func (s *Store) loadInfo(key, dataPath string) (*storage.ObjectInfo, error) {
	fi, err := os.Stat(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("disk: stat object %q: %w", key, err)
	}
	payload, err := os.ReadFile(dataPath + infoSuffix)
	if err != nil {
		return nil, fmt.Errorf("disk: read object metadata for %q: %w", key, err)
	}
	var rec objectInfoRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("disk: decode object metadata for %q: %w", key, err)
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         rec.ETag,
		Size:         fi.Size(),
		LastModified: time.Unix(rec.UpdatedAtUnix, 0).UTC(),
		ContentType:  rec.ContentType,
	}, nil
}

// PutObject writes body to a temp file, fsyncs it and renames it over key.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	logger := s.loggerFor(ctx)
	dataPath, err := s.dataPath(key)
	if err != nil {
		return nil, err
	}
	if opts.IfNotExists {
		if _, err := os.Stat(dataPath); err == nil {
			return nil, storage.ErrCASMismatch
		}
	}
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare object directory for %q: %w", key, err)
	}
	tmp, err := os.CreateTemp(s.tmpDir, "object-*")
	if err != nil {
		return nil, fmt.Errorf("disk: create temp object for %q: %w", key, err)
	}
	discard := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}
	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), body)
	if err != nil {
		discard()
		return nil, fmt.Errorf("disk: write object %q: %w", key, err)
	}
	if err := syncData(tmp); err != nil {
		discard()
		return nil, fmt.Errorf("disk: sync object %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("disk: close object %q: %w", key, err)
	}
	now := s.now()
	rec := objectInfoRecord{
		ETag:          hex.EncodeToString(hasher.Sum(nil)),
		ContentType:   opts.ContentType,
		UpdatedAtUnix: now.Unix(),
	}
	if err := s.writeJSONAtomic(dataPath+infoSuffix, rec); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("disk: write object metadata for %q: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), dataPath); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("disk: rename object %q: %w", key, err)
	}
	_ = syncDir(filepath.Dir(dataPath))
	logger.Trace("disk.put_object.success", "key", key, "size", written, "etag", rec.ETag)
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         rec.ETag,
		Size:         written,
		LastModified: now,
		ContentType:  opts.ContentType,
	}, nil
}

// GetObject opens the object payload for key.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	dataPath, err := s.dataPath(key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	f, err := os.Open(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		s.loggerFor(ctx).Debug("disk.get_object.open_error", "key", key, "error", err)
		return storage.GetObjectResult{}, fmt.Errorf("disk: open object %q: %w", key, err)
	}
	info, err := s.loadInfo(key, dataPath)
	if err != nil {
		f.Close()
		return storage.GetObjectResult{}, err
	}
	return storage.GetObjectResult{Reader: f, Info: info}, nil
}

// DeleteObject removes key and prunes empty parent directories.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	dataPath, err := s.dataPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(dataPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if opts.IgnoreNotFound {
				return nil
			}
			return storage.ErrNotFound
		}
		s.loggerFor(ctx).Debug("disk.delete_object.remove_error", "key", key, "error", err)
		return fmt.Errorf("disk: remove object %q: %w", key, err)
	}
	if err := os.Remove(dataPath + infoSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("disk: remove object metadata %q: %w", key, err)
	}
	for dir := filepath.Dir(dataPath); dir != s.objectDir && strings.HasPrefix(dir, s.objectDir); dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
			// ENOTEMPTY ends the walk; other errors are left for the janitor.
			break
		}
	}
	return nil
}

// ListObjects walks the object tree and returns keys in lexical order.
func (s *Store) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	keys := make([]string, 0, 64)
	err := filepath.WalkDir(s.objectDir, func(p string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), infoSuffix) {
			return nil
		}
		key, err := s.keyFromPath(p)
		if err != nil {
			return err
		}
		if opts.Prefix != "" && !strings.HasPrefix(key, opts.Prefix) {
			return nil
		}
		if opts.StartAfter != "" && key <= opts.StartAfter {
			return nil
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		s.loggerFor(ctx).Debug("disk.list_objects.walk_error", "error", err)
		return nil, fmt.Errorf("disk: list objects: %w", err)
	}
	sort.Strings(keys)
	limit := len(keys)
	if opts.Limit > 0 && opts.Limit < limit {
		limit = opts.Limit
	}
	result := &storage.ListResult{Objects: make([]storage.ObjectInfo, 0, limit)}
	for _, key := range keys[:limit] {
		dataPath, _ := s.dataPath(key)
		info, err := s.loadInfo(key, dataPath)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		result.Objects = append(result.Objects, *info)
	}
	if limit < len(keys) {
		result.Truncated = true
		result.NextStartAfter = keys[limit-1]
	}
	return result, nil
}

func (s *Store) writeJSONAtomic(dest string, v any) error {
	tmp, err := os.CreateTemp(s.tmpDir, "objectinfo-*")
	if err != nil {
		return err
	}
	if err := json.NewEncoder(tmp).Encode(v); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := syncData(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

func (s *Store) janitorLoop() {
	ticker := time.NewTicker(s.janitorInterval)
	defer ticker.Stop()
	defer close(s.doneJanitor)
	for {
		select {
		case <-ticker.C:
			s.sweepOnce(context.Background())
		case <-s.stopJanitor:
			return
		}
	}
}

// sweepOnce deletes objects whose sidecar timestamp is older than the
// retention window.
func (s *Store) sweepOnce(ctx context.Context) int {
	if s.retention <= 0 {
		return 0
	}
	res, err := s.ListObjects(ctx, storage.ListOptions{})
	if err != nil {
		s.logger.Warn("disk.janitor.list_failed", "error", err)
		return 0
	}
	cutoff := s.now().Add(-s.retention)
	removed := 0
	for _, obj := range res.Objects {
		if !obj.LastModified.Before(cutoff) {
			continue
		}
		if err := s.DeleteObject(ctx, obj.Key, storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
			s.logger.Warn("disk.janitor.delete_failed", "key", obj.Key, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("disk.janitor.swept", "removed", removed)
	}
	return removed
}

func syncDir(p string) error {
	dir, err := os.Open(p)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}

// Package artifact turns an ordered byte stream into a committed, keyed
// object in a storage backend.
//
// Bytes are spooled in memory up to a threshold and then spill to a temp
// file in the spool directory, so a slot can take an image of any size
// without holding it all in RAM. Nothing reaches the backend until Commit.
package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"time"

	"pkt.systems/lockgate/internal/storage"
	"pkt.systems/pslog"
)

// DefaultMemoryThreshold is the number of bytes a slot keeps in memory
// before spilling to disk.
const DefaultMemoryThreshold = 256 << 10

// KeyPrefix is the backend prefix artifacts are stored under.
const KeyPrefix = "artifacts/"

// ErrSlotClosed is returned when a slot is used after Commit or Discard.
var ErrSlotClosed = errors.New("artifact: slot closed")

// Config configures a Store.
type Config struct {
	Backend storage.Backend
	// SpoolDir receives spill files. Empty means os.TempDir().
	SpoolDir        string
	MemoryThreshold int64
	Logger          pslog.Logger
	Now             func() time.Time
}

// Store hands out slots and commits them to the backend.
type Store struct {
	backend   storage.Backend
	spoolDir  string
	threshold int64
	logger    pslog.Logger
	now       func() time.Time
}

// New builds a Store. The spool directory is created when missing.
func New(cfg Config) (*Store, error) {
	if cfg.Backend == nil {
		return nil, errors.New("artifact: backend required")
	}
	if cfg.SpoolDir != "" {
		if err := os.MkdirAll(cfg.SpoolDir, 0o755); err != nil {
			return nil, fmt.Errorf("artifact: create spool dir: %w", err)
		}
	}
	if cfg.MemoryThreshold <= 0 {
		cfg.MemoryThreshold = DefaultMemoryThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{
		backend:   cfg.Backend,
		spoolDir:  cfg.SpoolDir,
		threshold: cfg.MemoryThreshold,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}, nil
}

// Key returns the backend key for artifact id.
func Key(id string) string {
	return KeyPrefix + id + ".jpg"
}

// Artifact is a committed, immutable image.
type Artifact struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	Size        int64     `json:"size"`
	SHA256      string    `json:"sha256"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`

	store *Store
}

// Open streams the committed bytes back from the backend.
func (a *Artifact) Open(ctx context.Context) (io.ReadCloser, error) {
	if a == nil || a.store == nil {
		return nil, errors.New("artifact: detached artifact")
	}
	res, err := a.store.backend.GetObject(ctx, a.Key)
	if err != nil {
		return nil, fmt.Errorf("artifact: open %s: %w", a.ID, err)
	}
	return res.Reader, nil
}

// Delete removes artifact id from the backend. Missing artifacts are not an
// error.
func (s *Store) Delete(ctx context.Context, id string) error {
	err := s.backend.DeleteObject(ctx, Key(id), storage.DeleteObjectOptions{IgnoreNotFound: true})
	if err != nil {
		return fmt.Errorf("artifact: delete %s: %w", id, err)
	}
	return nil
}

// Open returns an empty slot for id.
func (s *Store) Open(id string) (*Slot, error) {
	if id == "" {
		return nil, errors.New("artifact: id required")
	}
	return &Slot{
		store: s,
		id:    id,
		hash:  sha256.New(),
	}, nil
}

// Slot accumulates bytes for a single artifact. It is not safe for
// concurrent use; the owner serializes access.
type Slot struct {
	store  *Store
	id     string
	buf    []byte
	file   *os.File
	size   int64
	hash   hash.Hash
	closed bool
}

// ID returns the artifact id the slot will commit under.
func (s *Slot) ID() string { return s.id }

// Len reports the number of bytes written so far.
func (s *Slot) Len() int64 { return s.size }

// Write appends p.
func (s *Slot) Write(p []byte) (int, error) {
	if s.closed {
		return 0, ErrSlotClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	var (
		n   int
		err error
	)
	switch {
	case s.file != nil:
		n, err = s.file.Write(p)
	case int64(len(s.buf))+int64(len(p)) <= s.store.threshold:
		s.buf = append(s.buf, p...)
		n = len(p)
	default:
		n, err = s.spill(p)
	}
	if n > 0 {
		s.hash.Write(p[:n])
		s.size += int64(n)
	}
	return n, err
}

func (s *Slot) spill(p []byte) (int, error) {
	f, err := os.CreateTemp(s.store.spoolDir, "lockgate-slot-*.tmp")
	if err != nil {
		return 0, err
	}
	if len(s.buf) > 0 {
		if _, err := f.Write(s.buf); err != nil {
			f.Close()
			_ = os.Remove(f.Name())
			return 0, err
		}
	}
	s.file = f
	s.buf = nil
	return f.Write(p)
}

func (s *Slot) reader() (io.Reader, error) {
	if s.file != nil {
		if _, err := s.file.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		return s.file, nil
	}
	return bytes.NewReader(s.buf), nil
}

// Discard drops the slot contents. Calling it more than once is harmless.
func (s *Slot) Discard() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.buf = nil
	if s.file == nil {
		return nil
	}
	name := s.file.Name()
	err := s.file.Close()
	if rmErr := os.Remove(name); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
		err = rmErr
	}
	s.file = nil
	return err
}

// Commit uploads the slot to the backend and closes it. The slot is
// discarded whether or not the upload succeeds.
func (s *Slot) Commit(ctx context.Context) (*Artifact, error) {
	if s.closed {
		return nil, ErrSlotClosed
	}
	defer s.Discard()
	body, err := s.reader()
	if err != nil {
		return nil, fmt.Errorf("artifact: rewind spool: %w", err)
	}
	key := Key(s.id)
	info, err := s.store.backend.PutObject(ctx, key, body, storage.PutObjectOptions{
		IfNotExists: true,
		ContentType: storage.ContentTypeJPEG,
		Size:        s.size,
	})
	if err != nil {
		return nil, fmt.Errorf("artifact: commit %s: %w", s.id, err)
	}
	created := s.store.now()
	if info != nil && !info.LastModified.IsZero() {
		created = info.LastModified
	}
	art := &Artifact{
		ID:          s.id,
		Key:         key,
		Size:        s.size,
		SHA256:      hex.EncodeToString(s.hash.Sum(nil)),
		ContentType: storage.ContentTypeJPEG,
		CreatedAt:   created,
		store:       s.store,
	}
	s.store.logger.Debug("artifact.commit", "id", art.ID, "key", key, "size", art.Size, "spilled", s.file != nil)
	return art, nil
}

// Package audit keeps an append-only log of access decisions in the
// storage backend, one JSON document per decision.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"pkt.systems/lockgate/internal/storage"
)

// KeyPrefix is the backend prefix events are stored under.
const KeyPrefix = "events/"

// DefaultListLimit caps List when no limit is given.
const DefaultListLimit = 50

// MaxListLimit is the largest page List returns.
const MaxListLimit = 500

// AccessEvent records a single decision.
type AccessEvent struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	CID          string    `json:"cid,omitempty"`
	ArtifactKey  string    `json:"artifact_key"`
	ArtifactSize int64     `json:"artifact_size"`
	SHA256       string    `json:"sha256,omitempty"`
	Outcome      string    `json:"outcome"`
	Reason       string    `json:"reason,omitempty"`
	Engaged      bool      `json:"engaged"`
	Retained     bool      `json:"retained"`
	ReceivedAt   time.Time `json:"received_at"`
	DecidedAt    time.Time `json:"decided_at"`
}

// Recorder writes and lists events.
type Recorder struct {
	backend storage.Backend
}

// NewRecorder returns a Recorder over backend.
func NewRecorder(backend storage.Backend) (*Recorder, error) {
	if backend == nil {
		return nil, errors.New("audit: backend required")
	}
	return &Recorder{backend: backend}, nil
}

// Record assigns a time-ordered id when ev.ID is empty and stores the
// event. The stored event is returned.
func (r *Recorder) Record(ctx context.Context, ev AccessEvent) (AccessEvent, error) {
	if ev.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return ev, fmt.Errorf("audit: new id: %w", err)
		}
		ev.ID = id.String()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return ev, fmt.Errorf("audit: encode event: %w", err)
	}
	_, err = r.backend.PutObject(ctx, KeyPrefix+ev.ID+".json", bytes.NewReader(payload), storage.PutObjectOptions{
		IfNotExists: true,
		ContentType: storage.ContentTypeJSON,
		Size:        int64(len(payload)),
	})
	if err != nil {
		return ev, fmt.Errorf("audit: store event %s: %w", ev.ID, err)
	}
	return ev, nil
}

// List returns up to limit events, newest first. UUIDv7 ids sort by
// creation time, so the listing only needs the keys.
func (r *Recorder) List(ctx context.Context, limit int) ([]AccessEvent, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	var keys []string
	opts := storage.ListOptions{Prefix: KeyPrefix, Limit: 1000}
	for {
		page, err := r.backend.ListObjects(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("audit: list events: %w", err)
		}
		for _, obj := range page.Objects {
			if strings.HasSuffix(obj.Key, ".json") {
				keys = append(keys, obj.Key)
			}
		}
		if !page.Truncated || page.NextStartAfter == "" {
			break
		}
		opts.StartAfter = page.NextStartAfter
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	if len(keys) > limit {
		keys = keys[:limit]
	}
	events := make([]AccessEvent, 0, len(keys))
	for _, key := range keys {
		ev, err := r.load(ctx, key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func (r *Recorder) load(ctx context.Context, key string) (AccessEvent, error) {
	res, err := r.backend.GetObject(ctx, key)
	if err != nil {
		return AccessEvent{}, err
	}
	defer res.Reader.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Reader, 64<<10))
	if err != nil {
		return AccessEvent{}, fmt.Errorf("audit: read %s: %w", key, err)
	}
	var ev AccessEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return AccessEvent{}, fmt.Errorf("audit: decode %s: %w", key, err)
	}
	return ev, nil
}

package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/lockgate/internal/camera"
	"pkt.systems/pslog"
)

// DefaultDebounce is the quiet period after the last write to a frame file
// before it is forwarded.
const DefaultDebounce = 250 * time.Millisecond

// Watcher forwards each new frame file dropped into a directory. Events
// are debounced so a file is sent once its writer has gone quiet, and
// cycles run one at a time.
type Watcher struct {
	dir      string
	debounce time.Duration
	client   *Client
	encoder  *camera.Encoder
	logger   pslog.Logger
	// OnResult, when set, observes every cycle.
	OnResult func(Result, error)
}

// NewWatcher returns a watcher for dir. A nil encoder forwards files as
// they are.
func NewWatcher(dir string, debounce time.Duration, client *Client, encoder *camera.Encoder, logger pslog.Logger) (*Watcher, error) {
	if dir == "" {
		return nil, errors.New("capture: watch directory required")
	}
	if client == nil {
		return nil, errors.New("capture: client required")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Watcher{dir: dir, debounce: debounce, client: client, encoder: encoder, logger: logger}, nil
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("capture: start watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("capture: watch %s: %w", w.dir, err)
	}
	w.logger.Info("capture.watch.start", "dir", w.dir, "debounce", w.debounce)

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()
	var (
		pending string
		fire    <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("capture.watch.error", "error", err)
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !camera.IsImageFile(ev.Name) {
				continue
			}
			pending = ev.Name
			timer.Reset(w.debounce)
			fire = timer.C
		case <-fire:
			fire = nil
			path := pending
			pending = ""
			w.cycle(ctx, path)
		}
	}
}

func (w *Watcher) cycle(ctx context.Context, path string) {
	frame, err := camera.ReadFile(path)
	if err == nil && w.encoder != nil {
		var data []byte
		if data, err = w.encoder.Encode(frame.Data); err == nil {
			frame.Data = data
			frame.ContentType = "image/jpeg"
		}
	}
	var res Result
	if err != nil {
		w.logger.Warn("capture.watch.frame_failed", "path", path, "error", err)
	} else {
		res, err = w.client.Forward(ctx, frame)
	}
	if w.OnResult != nil {
		w.OnResult(res, err)
	}
}

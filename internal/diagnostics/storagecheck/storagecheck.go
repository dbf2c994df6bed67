// Package storagecheck exercises a configured artifact store end to end so
// operators can validate credentials and permissions before a controller
// depends on them.
package storagecheck

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"pkt.systems/lockgate"
	"pkt.systems/lockgate/internal/storage"
	"pkt.systems/pslog"
)

// ProbePrefix is where probe objects are written.
const ProbePrefix = "diagnostics/"

// DefaultTimeout bounds a full verification run.
const DefaultTimeout = 20 * time.Second

// Result carries the store description and every check outcome.
type Result struct {
	Store       string
	Description lockgate.StoreDescription
	Checks      []CheckResult
}

// Passed reports whether all checks succeeded.
func (r Result) Passed() bool {
	for _, check := range r.Checks {
		if check.Err != nil {
			return false
		}
	}
	return true
}

// CheckResult is the outcome of a single verification step.
type CheckResult struct {
	Name string
	Err  error
}

// VerifyStore opens the store selected by cfg and probes it.
func VerifyStore(ctx context.Context, cfg lockgate.Config, logger pslog.Logger) (Result, error) {
	desc, err := lockgate.DescribeStore(cfg)
	if err != nil {
		return Result{}, err
	}
	backend, err := lockgate.OpenStore(cfg, logger)
	if err != nil {
		return Result{}, err
	}
	defer backend.Close()
	res := Probe(ctx, backend)
	res.Store = cfg.Store
	res.Description = desc
	return res, nil
}

// Probe writes, reads, lists and deletes one object under ProbePrefix.
// Later steps are skipped once the write fails.
func Probe(ctx context.Context, backend storage.Backend) Result {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	var res Result
	run := func(name string, fn func(context.Context) error) bool {
		err := fn(ctx)
		res.Checks = append(res.Checks, CheckResult{Name: name, Err: err})
		return err == nil
	}

	key := ProbePrefix + uuid.Must(uuid.NewV7()).String() + ".probe"
	payload := []byte("lockgate storage probe " + time.Now().UTC().Format(time.RFC3339Nano))

	if !run("PutObject", func(ctx context.Context) error {
		_, err := backend.PutObject(ctx, key, bytes.NewReader(payload), storage.PutObjectOptions{
			ContentType: storage.ContentTypeOctetStream,
			Size:        int64(len(payload)),
			IfNotExists: true,
		})
		return err
	}) {
		return res
	}
	run("GetObject", func(ctx context.Context) error {
		obj, err := backend.GetObject(ctx, key)
		if err != nil {
			return err
		}
		defer obj.Reader.Close()
		got, err := io.ReadAll(obj.Reader)
		if err != nil {
			return err
		}
		if !bytes.Equal(got, payload) {
			return fmt.Errorf("read back %d bytes, wrote %d", len(got), len(payload))
		}
		return nil
	})
	run("ListObjects", func(ctx context.Context) error {
		startAfter := ""
		for {
			page, err := backend.ListObjects(ctx, storage.ListOptions{Prefix: ProbePrefix, StartAfter: startAfter, Limit: 100})
			if err != nil {
				return err
			}
			for _, obj := range page.Objects {
				if obj.Key == key {
					return nil
				}
			}
			if !page.Truncated || page.NextStartAfter == "" {
				return fmt.Errorf("probe object %s missing from listing", key)
			}
			startAfter = page.NextStartAfter
		}
	})
	run("DeleteObject", func(ctx context.Context) error {
		return backend.DeleteObject(ctx, key, storage.DeleteObjectOptions{})
	})
	run("GetDeletedObject", func(ctx context.Context) error {
		obj, err := backend.GetObject(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		_ = obj.Reader.Close()
		return fmt.Errorf("probe object %s still readable after delete", key)
	})
	return res
}

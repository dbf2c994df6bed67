package session

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionBusy is returned by Start while another session is receiving.
	ErrSessionBusy = errors.New("session: another upload is in progress")
	// ErrSessionNotStarted is returned when Write, End or Abort name a session
	// that is not the one currently receiving.
	ErrSessionNotStarted = errors.New("session: no upload in progress")
	// ErrSizeMismatch is returned by End when the announced total differs from
	// the bytes received.
	ErrSizeMismatch = errors.New("session: size mismatch")
	// ErrArtifactTooLarge is returned by Write when MaxBytes would be exceeded.
	ErrArtifactTooLarge = errors.New("session: artifact too large")
)

// StorageError wraps a failure of the artifact slot or the backing store.
// The session that hit it has already been aborted.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("session: storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

//go:build linux

package disk

import (
	"os"
	"syscall"
)

// syncData flushes file contents without forcing a metadata flush.
func syncData(file *os.File) error {
	return syscall.Fdatasync(int(file.Fd()))
}

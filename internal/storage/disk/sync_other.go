//go:build !linux

package disk

import "os"

func syncData(file *os.File) error {
	return file.Sync()
}

//go:build windows

// lock_windows.go implements file locking on Windows systems.
//
// Reference: RocksDB
//   - env/env_win.cc (WinEnvIO::LockFile)
package vfs

import (
	"io"
	"os"
)

// fileLock implements file locking on Windows systems.
type fileLock struct {
	f *os.File
}

// lockFile opens (creating if needed) the named file. On Windows no lock is
// taken: a second lockFile on the same file also succeeds.
func lockFile(name string) (io.Closer, error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	return &fileLock{f: f}, nil
}

func (l *fileLock) Close() error {
	return l.f.Close()
}

// Package pidfile records the server's PID so service managers and scripts
// can find a running instance.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/natefinch/atomic"
)

// ErrRunning is returned by Acquire when the file names a live process.
var ErrRunning = errors.New("another instance is running")

// File is a PID file owned by the current process.
type File struct {
	path string
	pid  int
}

// Acquire writes the current PID to path. A file left behind by a process
// that is no longer alive is replaced.
func Acquire(path string) (*File, error) {
	self := os.Getpid()

	if pid, err := Read(path); err == nil && pid != self && processAlive(pid) {
		return nil, fmt.Errorf("%w (pid %d, %s)", ErrRunning, pid, path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create pidfile directory: %w", err)
	}
	if err := atomic.WriteFile(path, strings.NewReader(strconv.Itoa(self)+"\n")); err != nil {
		return nil, fmt.Errorf("failed to write pidfile: %w", err)
	}

	return &File{path: path, pid: self}, nil
}

// Read returns the PID stored at path.
func Read(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read pidfile: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID in pidfile %s", path)
	}
	return pid, nil
}

// Path returns the PID file path
func (f *File) Path() string {
	return f.path
}

// Release removes the file unless another process has taken it over.
func (f *File) Release() error {
	pid, err := Read(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if pid != f.pid {
		return nil
	}
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove pidfile: %w", err)
	}
	return nil
}

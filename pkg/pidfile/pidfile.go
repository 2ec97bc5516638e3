// Package pidfile guards single-daemon operation with a pid file under
// the data directory. The file is created exclusively; a leftover file
// from a dead process is detected with a signal-zero probe and taken
// over.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// FileName is the pid file created under the data path.
const FileName = "shortlinker.pid"

// ErrAlreadyRunning means a live daemon owns the pid file.
var ErrAlreadyRunning = errors.New("daemon already running")

// Path returns the pid file location for a data directory.
func Path(dataDir string) string { return filepath.Join(dataDir, FileName) }

// File is an acquired pid file. Release removes it.
type File struct {
	path string
}

// Acquire claims the pid file for the current process. A file owned by
// a live process yields ErrAlreadyRunning naming its pid; a file left
// behind by a dead one is removed and the claim retried once.
func Acquire(dataDir string) (*File, error) {
	path := Path(dataDir)

	f, err := create(path)
	if err == nil {
		return f, nil
	}

	if !errors.Is(err, os.ErrExist) {
		return nil, err
	}

	pid, err := Read(dataDir)
	if err != nil {
		return nil, err
	}

	if pid > 0 && processAlive(pid) {
		return nil, fmt.Errorf("%w: pid %d", ErrAlreadyRunning, pid)
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("error removing the stale pid file: %w", err)
	}

	f, err = create(path)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: pid file reappeared during takeover", ErrAlreadyRunning)
		}

		return nil, err
	}

	return f, nil
}

// create writes the pid file exclusively. An existing file surfaces as
// os.ErrExist unwrapped so Acquire can tell it apart from IO failures.
func create(path string) (*File, error) {
	fh, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, err
		}

		return nil, fmt.Errorf("error creating the pid file: %w", err)
	}

	_, werr := fmt.Fprintf(fh, "%d\n", os.Getpid())

	if cerr := fh.Close(); werr == nil {
		werr = cerr
	}

	if werr != nil {
		_ = os.Remove(path)

		return nil, fmt.Errorf("error writing the pid file: %w", werr)
	}

	return &File{path: path}, nil
}

// Release removes the pid file. Safe to call more than once.
func (f *File) Release() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("error removing the pid file: %w", err)
	}

	return nil
}

// Read returns the pid recorded in the data directory, or 0 when no
// pid file exists.
func Read(dataDir string) (int, error) {
	raw, err := os.ReadFile(Path(dataDir))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}

		return 0, fmt.Errorf("error reading the pid file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("malformed pid file %s", Path(dataDir))
	}

	return pid, nil
}

// Alive reports whether the pid file names a process that still
// exists.
func Alive(dataDir string) bool {
	pid, err := Read(dataDir)

	return err == nil && pid > 0 && processAlive(pid)
}

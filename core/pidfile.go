package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
)

// pidFileName lives in the data directory; one engine per data dir.
const pidFileName = "halcyon.pid"

// AcquirePidFile takes the single-instance lock for a data directory.
// A stale file left by a dead process is cleaned up and retaken.
func AcquirePidFile(dataDir string) (string, error) {
	path := filepath.Join(dataDir, pidFileName)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if os.IsExist(err) {
		pid, readErr := readPid(path)
		if readErr == nil && processAlive(pid) {
			return "", fmt.Errorf("another instance (pid %d) holds %s", pid, path)
		}
		log.Warn().Int("stale_pid", pid).Str("path", path).
			Msg("Removing stale pid file")
		if rmErr := os.Remove(path); rmErr != nil {
			return "", fmt.Errorf("remove stale pid file: %w", rmErr)
		}
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	}
	if err != nil {
		return "", fmt.Errorf("create pid file: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return "", fmt.Errorf("write pid file: %w", err)
	}
	return path, nil
}

// ReleasePidFile removes the lock. Safe to call on a path we never took.
func ReleasePidFile(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", path).Msg("Failed to remove pid file")
	}
}

func readPid(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// processAlive checks a pid with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

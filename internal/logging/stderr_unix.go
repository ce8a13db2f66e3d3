//go:build !windows

package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// RedirectStderr points the process stderr at path so runtime panics and
// engine output written to fd 2 survive the extension process.
func RedirectStderr(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create stderr directory: %w", err)
	}

	// Keep the previous run's output around for one generation.
	if _, err := os.Stat(path); err == nil {
		_ = os.Rename(path, path+".old")
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("open stderr file: %w", err)
	}
	defer f.Close()

	if err := unix.Dup2(int(f.Fd()), unix.Stderr); err != nil {
		return fmt.Errorf("redirect stderr: %w", err)
	}
	return nil
}

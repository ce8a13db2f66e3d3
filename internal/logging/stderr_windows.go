//go:build windows

package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/windows"
)

// RedirectStderr points the process stderr at path so runtime panics and
// engine output survive the extension process.
func RedirectStderr(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create stderr directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		_ = os.Rename(path, path+".old")
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("open stderr file: %w", err)
	}

	if err := windows.SetStdHandle(windows.STD_ERROR_HANDLE, windows.Handle(f.Fd())); err != nil {
		f.Close()
		return fmt.Errorf("redirect stderr: %w", err)
	}
	// The handle now backs fd 2 for the rest of the process.
	os.Stderr = f
	return nil
}

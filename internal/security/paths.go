// Package security validates file system paths that arrive from the API or
// the command line before they are opened or written.
package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathEscape is returned for paths that resolve outside their allowed
// directory, including through symlinks.
var ErrPathEscape = errors.New("path escapes allowed directory")

// ErrNotSerialDevice is returned by ValidateDevicePath for paths that do not
// name a serial device node.
var ErrNotSerialDevice = errors.New("not a serial device path")

// DeviceDir is where serial device nodes live.
const DeviceDir = "/dev"

// devicePrefixes are the device names, relative to DeviceDir, that may be
// opened as a launcher link.
var devicePrefixes = []string{"tty", "serial" + string(filepath.Separator), "cu."}

// canonical resolves path to an absolute path with symlinks evaluated. For a
// path that does not exist yet, the deepest existing parent is resolved and
// the rest re-attached.
func canonical(path string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", path, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	for dir := filepath.Dir(abs); ; dir = filepath.Dir(dir) {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			rest, _ := filepath.Rel(dir, abs)
			return filepath.Join(resolved, rest), nil
		}
		if dir == filepath.Dir(dir) {
			return abs, nil
		}
	}
}

// relWithin returns path relative to dir after both are canonicalised, or
// ErrPathEscape.
func relWithin(path, dir string) (string, error) {
	p, err := canonical(path)
	if err != nil {
		return "", err
	}
	d, err := canonical(dir)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(d, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s is outside %s", ErrPathEscape, path, dir)
	}
	return rel, nil
}

// ValidatePathWithin checks that path, once cleaned and with symlinks
// followed, stays inside dir.
func ValidatePathWithin(path, dir string) error {
	_, err := relWithin(path, dir)
	return err
}

// ValidatePathWithinAny checks that path lies inside one of dirs.
func ValidatePathWithinAny(path string, dirs []string) error {
	if len(dirs) == 0 {
		return errors.New("no allowed directories specified")
	}
	for _, dir := range dirs {
		if ValidatePathWithin(path, dir) == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: %s must be within one of %v", ErrPathEscape, path, dirs)
}

// ValidateOutputPath checks that a file the CLI is about to write lies in
// the working directory or the temp directory.
func ValidateOutputPath(path string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	return ValidatePathWithinAny(path, []string{cwd, os.TempDir()})
}

// ValidateDevicePath checks that path names a serial device under /dev,
// such as /dev/ttyUSB0 or a /dev/serial/by-id link.
func ValidateDevicePath(path string) error {
	return validateDevicePath(path, DeviceDir)
}

func validateDevicePath(path, devDir string) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrNotSerialDevice)
	}
	if filepath.Clean(path) != path {
		return fmt.Errorf("%w: %q is not a clean path", ErrNotSerialDevice, path)
	}
	// The name is checked as given; by-id links resolve to a tty node.
	rel, err := filepath.Rel(devDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("%w: %s is outside %s", ErrNotSerialDevice, path, devDir)
	}
	ok := false
	for _, prefix := range devicePrefixes {
		if strings.HasPrefix(rel, prefix) {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotSerialDevice, path)
	}
	return ValidatePathWithin(path, devDir)
}

package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const anchorSuffix = "-anchor.txt"

// AnchorPath is the marker next to the installed directory of name.
func AnchorPath(watchDir, name string) string {
	return filepath.Join(watchDir, name+anchorSuffix)
}

// AnchorName returns the artifact name for an anchor file name.
func AnchorName(fileName string) (string, bool) {
	if !strings.HasSuffix(fileName, anchorSuffix) {
		return "", false
	}
	name := strings.TrimSuffix(fileName, anchorSuffix)
	return name, name != ""
}

// WriteAnchor creates the zero-byte marker for a deployed artifact.
func WriteAnchor(watchDir, name string) error {
	f, err := os.OpenFile(AnchorPath(watchDir, name), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to write anchor for %s: %w", name, err)
	}
	return f.Close()
}

// RemoveAnchor deletes the marker; a missing marker is not an error.
func RemoveAnchor(watchDir, name string) error {
	if err := os.Remove(AnchorPath(watchDir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove anchor for %s: %w", name, err)
	}
	return nil
}

// HasAnchor reports whether the marker for name exists.
func HasAnchor(watchDir, name string) bool {
	_, err := os.Stat(AnchorPath(watchDir, name))
	return err == nil
}

// DeleteStaleAnchors removes every anchor in watchDir. Anchors only describe
// the process that wrote them, so a fresh start clears them all.
func DeleteStaleAnchors(watchDir string) ([]string, error) {
	entries, err := os.ReadDir(watchDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var removed []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name, ok := AnchorName(e.Name())
		if !ok {
			continue
		}
		if err := os.Remove(filepath.Join(watchDir, e.Name())); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("failed to remove stale anchor %s: %w", e.Name(), err)
		}
		removed = append(removed, name)
	}
	return removed, nil
}

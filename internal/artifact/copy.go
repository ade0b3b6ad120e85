package artifact

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// CopyInto places src, an archive or an exploded directory, into watchDir
// under the same base name and returns the new path. The copy is staged
// under a hidden name and renamed into place, so a scan never sees it half
// written.
func CopyInto(src, watchDir string) (string, error) {
	info, err := os.Stat(src)
	if err != nil {
		return "", err
	}
	base := filepath.Base(src)
	target := filepath.Join(watchDir, base)

	if !info.IsDir() {
		staging := filepath.Join(watchDir, "."+base+".part")
		if err := copyFile(src, staging, info.Mode().Perm()|0600); err != nil {
			os.Remove(staging)
			return "", fmt.Errorf("failed to copy %s: %w", base, err)
		}
		if err := os.Rename(staging, target); err != nil {
			os.Remove(staging)
			return "", fmt.Errorf("failed to move %s into place: %w", base, err)
		}
		return target, nil
	}

	staging, err := os.MkdirTemp(watchDir, "."+base+"-copying-")
	if err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	if err := copyTree(src, staging); err != nil {
		os.RemoveAll(staging)
		return "", fmt.Errorf("failed to copy %s: %w", base, err)
	}
	if err := os.Chmod(staging, 0755); err != nil {
		os.RemoveAll(staging)
		return "", err
	}
	if err := os.RemoveAll(target); err != nil {
		os.RemoveAll(staging)
		return "", fmt.Errorf("failed to replace %s: %w", base, err)
	}
	if err := os.Rename(staging, target); err != nil {
		os.RemoveAll(staging)
		return "", fmt.Errorf("failed to move %s into place: %w", base, err)
	}
	return target, nil
}

func copyTree(src, dest string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, target, info.Mode().Perm()|0600)
	})
}

func copyFile(src, dest string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

package artifact

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/revenant/revenant/pkg/types"
)

// Install extracts an archive into a sibling directory named after it, then
// removes the archive. A previously installed directory of the same name is
// replaced. If extraction fails the archive and any existing directory are
// left untouched.
func Install(archivePath string) (string, error) {
	dir := filepath.Dir(archivePath)
	name := NameFromArchive(archivePath)
	if err := ValidateName(name); err != nil {
		return "", err
	}
	target := filepath.Join(dir, name)

	staging, err := os.MkdirTemp(dir, "."+name+"-installing-")
	if err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}

	if err := extract(archivePath, staging); err != nil {
		os.RemoveAll(staging)
		return "", fmt.Errorf("%w: %s: %v", types.ErrCorruptArchive, filepath.Base(archivePath), err)
	}
	if err := os.Chmod(staging, 0755); err != nil {
		os.RemoveAll(staging)
		return "", fmt.Errorf("failed to set permissions on %s: %w", staging, err)
	}

	if err := os.RemoveAll(target); err != nil {
		os.RemoveAll(staging)
		return "", fmt.Errorf("failed to remove previous installation of %s: %w", name, err)
	}
	if err := os.Rename(staging, target); err != nil {
		os.RemoveAll(staging)
		return "", fmt.Errorf("failed to install %s: %w", name, err)
	}
	if err := os.Remove(archivePath); err != nil && !os.IsNotExist(err) {
		return target, fmt.Errorf("installed %s but could not remove archive: %w", name, err)
	}

	return target, nil
}

func extract(archivePath, dest string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		if err := extractFile(f, dest); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, dest string) error {
	name := filepath.FromSlash(f.Name)
	if filepath.IsAbs(name) || strings.HasPrefix(filepath.Clean(name), "..") {
		return fmt.Errorf("entry %q escapes the archive root", f.Name)
	}
	path := filepath.Join(dest, name)

	if f.FileInfo().IsDir() {
		return os.MkdirAll(path, 0755)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	mode := f.Mode().Perm() | 0600
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Pack writes the contents of srcDir into a new archive at archivePath. Entries
// are stored relative to srcDir, which is the layout Install expects.
func Pack(srcDir, archivePath string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}

	zw := zip.NewWriter(out)
	walkErr := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil || rel == "." {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			_, err := zw.Create(rel + "/")
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = rel
		header.Method = zip.Deflate

		w, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		_, err = io.Copy(w, in)
		return err
	})

	closeErr := zw.Close()
	if err := out.Close(); err != nil && closeErr == nil {
		closeErr = err
	}
	if walkErr != nil {
		os.Remove(archivePath)
		return fmt.Errorf("failed to pack %s: %w", srcDir, walkErr)
	}
	if closeErr != nil {
		os.Remove(archivePath)
		return fmt.Errorf("failed to finish archive: %w", closeErr)
	}
	return nil
}

// Package artifact handles the on-disk representation of deployable artifacts:
// archives, exploded directories, descriptors and anchor markers.
package artifact

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/revenant/revenant/pkg/types"
)

// ArchiveExt is the only archive format understood.
const ArchiveExt = ".zip"

var namePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidateName rejects names that cannot be used as a directory and anchor name.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." || !namePattern.MatchString(name) {
		return fmt.Errorf("%w: illegal artifact name %q", types.ErrInvalidArgument, name)
	}
	return nil
}

// IsArchive reports whether path names an archive.
func IsArchive(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ArchiveExt)
}

// NameFromArchive strips the directory and extension.
func NameFromArchive(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}

// DescriptorPath is the entry file that identifies the exploded artifact in dir.
func DescriptorPath(dir string, kind types.ArtifactKind) string {
	return filepath.Join(dir, kind.DescriptorFile())
}

// Hidden entries are staging directories, editor swap files and the like.
func Hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

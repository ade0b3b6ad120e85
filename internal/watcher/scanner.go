// Package watcher observes the watched directories. Scanning is the source of
// truth; the fsnotify trigger only shortens the wait until the next scan.
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/revenant/revenant/internal/artifact"
	"github.com/revenant/revenant/pkg/types"
)

// Entry is one candidate artifact found in a watched directory.
type Entry struct {
	Name    string
	Path    string
	ModTime time.Time
	Archive bool
	// HasDescriptor is only meaningful for exploded directories
	HasDescriptor bool
	Kind          types.ArtifactKind
}

// ZombieKey is the location failures are remembered under. For an exploded
// directory this is its descriptor so that touching the descriptor retries.
func (e Entry) ZombieKey() string {
	if e.Archive || !e.HasDescriptor {
		return e.Path
	}
	return artifact.DescriptorPath(e.Path, e.Kind)
}

// Snapshot is the content of a watched directory at one instant.
type Snapshot struct {
	Kind     types.ArtifactKind
	Dir      string
	Archives map[string]Entry
	Exploded map[string]Entry
	Anchors  map[string]bool
	// Errors holds per-entry problems, by artifact name, that did not abort
	// the scan
	Errors map[string]error
}

// Names returns every artifact name seen as an archive or directory, sorted.
func (s *Snapshot) Names() []string {
	seen := make(map[string]bool, len(s.Archives)+len(s.Exploded))
	for name := range s.Archives {
		seen[name] = true
	}
	for name := range s.Exploded {
		seen[name] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Scan lists dir. Hidden entries are skipped, which keeps staging
// directories of in-flight installs out of view.
func Scan(dir string, kind types.ArtifactKind) (*Snapshot, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot list %s: %v", types.ErrDiscovery, dir, err)
	}

	snap := &Snapshot{
		Kind:     kind,
		Dir:      dir,
		Archives: make(map[string]Entry),
		Exploded: make(map[string]Entry),
		Anchors:  make(map[string]bool),
		Errors:   make(map[string]error),
	}

	for _, e := range entries {
		name := e.Name()
		if artifact.Hidden(name) {
			continue
		}
		path := filepath.Join(dir, name)

		if e.IsDir() {
			entry, err := explodedEntry(path, kind)
			if err != nil {
				snap.Errors[name] = err
				continue
			}
			snap.Exploded[name] = entry
			continue
		}

		if anchored, ok := artifact.AnchorName(name); ok {
			snap.Anchors[anchored] = true
			continue
		}

		if artifact.IsArchive(name) {
			info, err := e.Info()
			if err != nil {
				snap.Errors[artifact.NameFromArchive(name)] = fmt.Errorf("%w: %s: %v", types.ErrDiscovery, path, err)
				continue
			}
			snap.Archives[artifact.NameFromArchive(name)] = Entry{
				Name:    artifact.NameFromArchive(name),
				Path:    path,
				ModTime: info.ModTime(),
				Archive: true,
				Kind:    kind,
			}
		}
	}

	return snap, nil
}

func explodedEntry(path string, kind types.ArtifactKind) (Entry, error) {
	entry := Entry{Name: filepath.Base(path), Path: path, Kind: kind}

	info, err := os.Stat(artifact.DescriptorPath(path, kind))
	switch {
	case err == nil:
		entry.HasDescriptor = true
		entry.ModTime = info.ModTime()
	case os.IsNotExist(err):
		dirInfo, err := os.Stat(path)
		if err != nil {
			return Entry{}, fmt.Errorf("%w: %s: %v", types.ErrDiscovery, path, err)
		}
		entry.ModTime = dirInfo.ModTime()
	default:
		return Entry{}, fmt.Errorf("%w: %s: %v", types.ErrDiscovery, path, err)
	}

	return entry, nil
}

// OrderNames sorts names so that those listed in startupOrder come first in
// that order, followed by the rest alphabetically.
func OrderNames(names []string, startupOrder []string) []string {
	index := StartupIndex(startupOrder)
	out := append([]string(nil), names...)
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := rank(index, out[i]), rank(index, out[j])
		if ri != rj {
			return ri < rj
		}
		return out[i] < out[j]
	})
	return out
}

// StartupIndex maps each name in startupOrder to its position.
func StartupIndex(startupOrder []string) map[string]int {
	index := make(map[string]int, len(startupOrder))
	for i, name := range startupOrder {
		if _, dup := index[name]; !dup {
			index[name] = i
		}
	}
	return index
}

func rank(index map[string]int, name string) int {
	if i, ok := index[name]; ok {
		return i
	}
	return len(index)
}

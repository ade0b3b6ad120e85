package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/revenant/revenant/pkg/types"
	"gopkg.in/yaml.v3"
)

// LoadDescriptor parses the entry file of the exploded artifact in dir. The
// directory name is the artifact name; a descriptor may repeat it but not
// contradict it.
func LoadDescriptor(dir string, kind types.ArtifactKind) (types.Descriptor, error) {
	name := filepath.Base(dir)
	path := DescriptorPath(dir, kind)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return types.Descriptor{}, fmt.Errorf("%w: %s has no %s", types.ErrInvalidDescriptor, name, kind.DescriptorFile())
		}
		return types.Descriptor{}, fmt.Errorf("%w: %v", types.ErrInvalidDescriptor, err)
	}

	var d types.Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return types.Descriptor{}, fmt.Errorf("%w: %s: %v", types.ErrInvalidDescriptor, path, err)
	}

	if d.Name != "" && d.Name != name {
		return types.Descriptor{}, fmt.Errorf("%w: descriptor names %q but directory is %q", types.ErrInvalidDescriptor, d.Name, name)
	}
	if err := ValidateName(name); err != nil {
		return types.Descriptor{}, err
	}

	d.Name = name
	d.Kind = kind
	d.Location = dir

	switch kind {
	case types.KindApplication:
		if d.Domain == "" {
			d.Domain = types.DefaultDomain
		}
	case types.KindDomain:
		d.Domain = ""
	}

	return d, nil
}

package project

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ManifestName is the optional per-project sync manifest in the project
// root. A non-empty file_types list replaces the configured allow-list; its
// ignore patterns are added to the configured ones.
const ManifestName = "picolink.yaml"

// Manifest holds per-project sync rules.
type Manifest struct {
	FileTypes []string `yaml:"file_types"` // extensions to upload (empty = all)
	Ignore    []string `yaml:"ignore"`     // additional ignore patterns
}

// LoadManifest reads the project manifest from root. Returns (nil, nil)
// when the project has none.
func LoadManifest(root string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(root, ManifestName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

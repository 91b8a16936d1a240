package vault

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"superpost/pkg/util"
)

// FileVault reads bundles from a YAML file on every lookup, so rotated
// secrets are picked up without a restart.
//
//	ReactionsBank:
//	  heartPurple: 8J+SnA==
type FileVault struct {
	path string
}

func NewFileVault(path string) *FileVault {
	return &FileVault{path: path}
}

func (v *FileVault) GetSecretBundle(ctx context.Context, name string) (map[string]string, error) {
	data, err := os.ReadFile(v.path)
	if err != nil {
		return nil, util.Classify("vault.read_file", err)
	}
	var bundles map[string]map[string]string
	if err := yaml.Unmarshal(data, &bundles); err != nil {
		return nil, util.Classify("vault.read_file", fmt.Errorf("parse %s: %w", v.path, err))
	}
	b, ok := bundles[name]
	if !ok {
		return nil, bundleNotFound("vault.get_bundle", name)
	}
	return b, nil
}

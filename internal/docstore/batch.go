package docstore

import (
	"bytes"
	"fmt"
	"path"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"

	"superpost/internal/model"
	"superpost/pkg/errkind"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ParseBatch decodes a batch document. YAML is used for .yaml/.yml keys and
// JSON otherwise. A document may be a bare array or an object with a
// "letters" array.
func ParseBatch(key string, data []byte) ([]model.Letter, error) {
	const op = "docstore.parse_batch"
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errkind.Validationf(op, "%s is empty", key)
	}

	var (
		letters []model.Letter
		err     error
	)
	switch strings.ToLower(path.Ext(key)) {
	case ".yaml", ".yml":
		letters, err = parseYAML(data)
	default:
		letters, err = parseJSON(data)
	}
	if err != nil {
		return nil, errkind.Validation(op, fmt.Errorf("%s: %w", key, err))
	}
	return letters, nil
}

type envelope struct {
	Letters []model.Letter `json:"letters" yaml:"letters"`
}

func parseJSON(data []byte) ([]model.Letter, error) {
	if data[0] == '[' {
		var letters []model.Letter
		err := json.Unmarshal(data, &letters)
		return letters, err
	}
	var env envelope
	err := json.Unmarshal(data, &env)
	return env.Letters, err
}

func parseYAML(data []byte) ([]model.Letter, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	if len(node.Content) > 0 && node.Content[0].Kind == yaml.SequenceNode {
		var letters []model.Letter
		err := node.Decode(&letters)
		return letters, err
	}
	var env envelope
	err := node.Decode(&env)
	return env.Letters, err
}

// IsBatchFile reports whether name looks like a batch document.
func IsBatchFile(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return !strings.HasPrefix(path.Base(name), ".")
	}
	return false
}

package anonymizer

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultScript []byte

// Script is the element anonymization script file.
type Script struct {
	Params              map[string]string `yaml:"params"`
	Elements            map[string]string `yaml:"elements"`
	RemovePrivateGroups bool              `yaml:"remove_private_groups"`
}

// DefaultScript returns the built-in script.
func DefaultScript() (*Script, error) {
	return ParseScript(defaultScript)
}

// ParseScript decodes a YAML script. Unknown fields are errors.
func ParseScript(data []byte) (*Script, error) {
	var s Script
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse anonymizer script: %w", err)
	}
	if s.Params == nil {
		s.Params = map[string]string{}
	}
	if s.Elements == nil {
		s.Elements = map[string]string{}
	}
	return &s, nil
}

// LoadScript reads the script at path. When fallback is true a missing
// file yields the built-in script.
func LoadScript(path string, fallback bool) (*Script, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) && fallback {
		return DefaultScript()
	}
	if err != nil {
		return nil, fmt.Errorf("read anonymizer script: %w", err)
	}
	return ParseScript(data)
}

package schema

import (
	"bytes"

	"duck-semantic/internal/domain"

	"gopkg.in/yaml.v3"
)

// Options configures schema decoding.
type Options struct {
	AllowUnknownFields bool
}

// ParseYAML decodes one YAML model document. Unknown keys are rejected unless
// opts.AllowUnknownFields is set.
func ParseYAML(name string, data []byte, opts Options) (*domain.Schema, error) {
	var doc domain.Schema
	if len(bytes.TrimSpace(data)) == 0 {
		return &doc, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(!opts.AllowUnknownFields)
	if err := dec.Decode(&doc); err != nil {
		return nil, domain.ErrUser("parse %s: %v", name, err)
	}
	return &doc, nil
}

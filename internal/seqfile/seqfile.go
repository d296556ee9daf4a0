// Package seqfile loads sequence requests from YAML files.
package seqfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/validation"
)

// Parse decodes a sequence request from YAML (or JSON) bytes. Unknown keys
// are rejected, and items are validated the same way the server does.
func Parse(data []byte) (model.SequenceRequest, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return model.SequenceRequest{}, errors.New("seqfile: sequence file is empty")
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var req model.SequenceRequest
	if err := dec.Decode(&req); err != nil {
		return model.SequenceRequest{}, fmt.Errorf("seqfile: decode: %w", err)
	}
	if err := validation.Sequence(req.Items); err != nil {
		return model.SequenceRequest{}, fmt.Errorf("seqfile: %w", err)
	}
	return req, nil
}

// Load reads a sequence request from r.
func Load(r io.Reader) (model.SequenceRequest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return model.SequenceRequest{}, fmt.Errorf("seqfile: read: %w", err)
	}
	return Parse(data)
}

// LoadFile reads a sequence request from path. "-" reads standard input.
func LoadFile(path string) (model.SequenceRequest, error) {
	if path == "-" {
		return Load(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return model.SequenceRequest{}, fmt.Errorf("seqfile: read %s: %w", path, err)
	}
	req, err := Parse(data)
	if err != nil {
		return model.SequenceRequest{}, fmt.Errorf("%s: %w", path, err)
	}
	return req, nil
}

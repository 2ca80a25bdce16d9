package persist

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yamlv3 "gopkg.in/yaml.v3"
)

type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Validate(data []byte) error
}

func CodecFor(path string) (Codec, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return jsonCodec{}, nil
	case ".yaml", ".yml":
		return yamlCodec{}, nil
	}
	return nil, fmt.Errorf("no codec for %q", path)
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	return dec.Decode(v)
}

func (jsonCodec) Validate(data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid json document")
	}
	return nil
}

type yamlCodec struct{}

func (yamlCodec) Name() string { return "yaml" }

func (yamlCodec) Marshal(v any) ([]byte, error) { return yamlv3.Marshal(v) }

func (yamlCodec) Unmarshal(data []byte, v any) error { return yamlv3.Unmarshal(data, v) }

func (yamlCodec) Validate(data []byte) error {
	var v any
	return yamlv3.Unmarshal(data, &v)
}

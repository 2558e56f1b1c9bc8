package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/webclinic017/wondertrader/errs"
)

// Format identifies the encoding of a configuration document.
type Format string

const (
	// FormatJSON decodes documents with goccy/go-json.
	FormatJSON Format = "json"
	// FormatYAML decodes documents with yaml.v3.
	FormatYAML Format = "yaml"
)

// FormatFor picks the document format from the file extension. Unknown extensions are JSON.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(strings.TrimSpace(path))) {
	case ".yaml", ".yml":
		return FormatYAML
	}
	return FormatJSON
}

// Load reads and decodes the document at path. Relative resource paths found in the
// document resolve against its directory.
func Load(path string) (*Variant, error) {
	reader, closer, err := openConfigFile(path)
	if err != nil {
		return nil, err
	}
	defer closer()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, errs.New("config", errs.CodeIO,
			errs.WithMessage("read config"),
			errs.WithField("path", path),
			errs.WithCause(err))
	}
	dir, _ := filepath.Abs(filepath.Dir(filepath.Clean(path)))
	root, err := Decode(data, FormatFor(path), dir)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return root, nil
}

// Decode parses raw document bytes. An empty document decodes to an empty object.
func Decode(data []byte, format Format, dir string) (*Variant, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return NewVariant(map[string]any{}, dir), nil
	}
	var raw any
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, malformed(err)
		}
	default:
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, malformed(err)
		}
	}
	root := NewVariant(raw, dir)
	if !root.IsObject() {
		return nil, errs.New("config", errs.CodeInvalid,
			errs.WithMessage("document root must be an object"),
			errs.WithCanonicalCode(errs.CanonicalConfigMalformed))
	}
	return root, nil
}

func malformed(err error) error {
	return errs.New("config", errs.CodeInvalid,
		errs.WithMessage("unmarshal config"),
		errs.WithCanonicalCode(errs.CanonicalConfigMalformed),
		errs.WithCause(err))
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	if candidate == "" {
		return nil, nil, errs.New("config", errs.CodeInvalid,
			errs.WithMessage("config path required"),
			errs.WithCanonicalCode(errs.CanonicalConfigMissing))
	}
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, errs.New("config", errs.CodeIO,
			errs.WithMessage("open config"),
			errs.WithField("path", candidate),
			errs.WithCause(err))
	}
	return file, func() { _ = file.Close() }, nil
}

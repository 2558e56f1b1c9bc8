package config

import (
	"fmt"
	"strings"
)

// DefaultParserModule is the built-in parser used when an entry names none.
const DefaultParserModule = "synthetic"

// ParserEntry is one element of the parser resource's "parsers" list.
type ParserEntry struct {
	ID     string
	Active bool
	Module string
	Config *Variant
}

// LoadParsers reads the parser resource at path.
func LoadParsers(path string) ([]ParserEntry, error) {
	doc, err := Load(path)
	if err != nil {
		return nil, err
	}
	return ParseParsers(doc)
}

// ParseParsers extracts parser entries from a decoded parser resource. Entries must carry
// an id when active; inactive entries are returned with Active=false so callers can report them.
func ParseParsers(doc *Variant) ([]ParserEntry, error) {
	list := doc.Get("parsers")
	if list == nil {
		return nil, nil
	}
	if !list.IsArray() {
		return nil, fmt.Errorf("parsers: expected a list")
	}
	items := list.Items()
	out := make([]ParserEntry, 0, len(items))
	for idx, item := range items {
		id := strings.TrimSpace(item.String("id"))
		active := item.Bool("active")
		if id == "" {
			if !active {
				continue
			}
			return nil, fmt.Errorf("parsers[%d]: id required", idx)
		}
		module := strings.ToLower(strings.TrimSpace(item.String("module")))
		if module == "" {
			module = DefaultParserModule
		}
		out = append(out, ParserEntry{
			ID:     id,
			Active: active,
			Module: module,
			Config: item,
		})
	}
	return out, nil
}

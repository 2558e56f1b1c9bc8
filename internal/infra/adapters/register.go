// Package adapters wires built-in parsers into the parser catalogue.
package adapters

import (
	"github.com/webclinic017/wondertrader/internal/app/parser"
	"github.com/webclinic017/wondertrader/internal/infra/adapters/synthetic"
	"github.com/webclinic017/wondertrader/internal/infra/adapters/wsfeed"
)

// RegisterAll installs every built-in parser into the provided catalogue.
func RegisterAll(c *parser.Catalogue) {
	if c == nil {
		return
	}
	synthetic.Register(c)
	wsfeed.Register(c)
}

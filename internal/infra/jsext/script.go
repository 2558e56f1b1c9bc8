// Package jsext hosts a JavaScript extension runtime on goja. A script may supply market
// data through the host object and serve parser lifecycle and persistence requests by
// exporting the matching functions.
package jsext

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/dop251/goja"
)

// Script is a compiled extension program.
type Script struct {
	Path    string
	Hash    string
	Size    int64
	Program *goja.Program
}

// Compile reads and compiles the script at path.
func Compile(path string) (*Script, error) {
	clean := filepath.Clean(strings.TrimSpace(path))
	// #nosec G304 -- the script path comes from operator configuration.
	source, err := os.ReadFile(clean)
	if err != nil {
		return nil, fmt.Errorf("jsext: read %q: %w", clean, err)
	}
	return CompileSource(clean, string(source))
}

// CompileSource compiles script text under the given name.
func CompileSource(name, source string) (*Script, error) {
	prog, err := goja.Compile(name, source, true)
	if err != nil {
		return nil, fmt.Errorf("jsext: compile %q: %w", name, err)
	}
	sum := sha256.Sum256([]byte(source))
	return &Script{
		Path:    name,
		Hash:    hex.EncodeToString(sum[:]),
		Size:    int64(len(source)),
		Program: prog,
	}, nil
}

// runScript executes the program in CommonJS style and returns module.exports. Globals
// are installed before the program runs.
func runScript(rt *goja.Runtime, program *goja.Program, globals map[string]any) (*goja.Object, error) {
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	module := rt.NewObject()
	exports := rt.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("module", module); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	for name, value := range globals {
		if err := rt.Set(name, value); err != nil {
			return nil, fmt.Errorf("module init %s: %w", name, err)
		}
	}
	if _, err := rt.RunProgram(program); err != nil {
		return nil, fmt.Errorf("module run: %w", err)
	}
	object := module.Get("exports").ToObject(rt)
	if object == nil {
		return nil, fmt.Errorf("module exports must be an object")
	}
	return object, nil
}

func buildConsole(rt *goja.Runtime, logger *log.Logger) *goja.Object {
	console := rt.NewObject()
	printer := func(level string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, 0, len(call.Arguments))
			for _, arg := range call.Arguments {
				parts = append(parts, arg.String())
			}
			logger.Printf("jsext %s: %s", level, strings.Join(parts, " "))
			return goja.Undefined()
		}
	}
	_ = console.Set("log", printer("log"))
	_ = console.Set("info", printer("info"))
	_ = console.Set("warn", printer("warn"))
	_ = console.Set("error", printer("error"))
	return console
}

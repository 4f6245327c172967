package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/llir/llvm/ir"

	"github.com/tinyrange/jitlink/internal/codegen"
	"github.com/tinyrange/jitlink/internal/jit"
	"github.com/tinyrange/jitlink/internal/objcache"
	"github.com/tinyrange/jitlink/internal/object"
	"github.com/tinyrange/jitlink/internal/sample"
	"github.com/tinyrange/jitlink/internal/target"
)

// source names an input module: either a built-in sample or a .ll file.
type source struct {
	arg  string
	unit string
}

func parseSource(arg string) source {
	if sample.Known(arg) {
		return source{arg: arg, unit: arg}
	}
	base := filepath.Base(arg)
	return source{arg: arg, unit: strings.TrimSuffix(base, filepath.Ext(base))}
}

// load builds a fresh module. The session takes ownership of what it is
// given, so every Add needs its own copy.
func (s source) load(td target.Description) (*ir.Module, error) {
	if sample.Known(s.arg) {
		return sample.Named(s.arg, td)
	}
	m, err := sample.Parse(s.arg)
	if err != nil {
		return nil, err
	}
	if m.TargetTriple == "" {
		m.TargetTriple = td.Triple
	}
	return m, nil
}

func (a *app) target() (target.Description, error) {
	return a.cfg.TargetDescription()
}

// object returns the relocatable object for arg: an existing object file is
// read as is, anything else is compiled.
func (a *app) object(arg string) (*object.File, error) {
	if strings.HasSuffix(arg, ".o") {
		return object.Open(arg)
	}
	td, err := a.target()
	if err != nil {
		return nil, err
	}
	m, err := parseSource(arg).load(td)
	if err != nil {
		return nil, err
	}
	blob, err := codegen.Compile(m, td)
	if err != nil {
		return nil, err
	}
	return object.Parse(blob)
}

func (a *app) newSession(td target.Description) (*jit.Session, error) {
	opts := jit.Options{
		Target:        td,
		HostLibraries: a.cfg.HostLibraries,
		Logger:        a.log,
		Parallelism:   a.cfg.Parallelism,
	}
	if a.cfg.Cache {
		dir := a.cfg.CacheDir
		if dir == "" {
			def, err := objcache.DefaultDir()
			if err != nil {
				return nil, err
			}
			dir = def
		}
		cache, err := objcache.Open(dir)
		if err != nil {
			return nil, err
		}
		opts.Cache = cache
	}
	return jit.New(opts)
}

// addAll registers every source with sess and returns their unit names.
func addAll(sess *jit.Session, sources []source) ([]string, error) {
	names := make([]string, 0, len(sources))
	for _, src := range sources {
		m, err := src.load(sess.Target())
		if err != nil {
			return nil, err
		}
		if err := sess.Add(src.unit, m); err != nil {
			return nil, err
		}
		names = append(names, src.unit)
	}
	return names, nil
}

func writeFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

var errNoFunctions = errors.New("module defines no functions")

// firstDefined returns the first function with a body.
func firstDefined(m *ir.Module) (string, error) {
	for _, fn := range m.Funcs {
		if len(fn.Blocks) > 0 {
			return fn.Name(), nil
		}
	}
	return "", errNoFunctions
}

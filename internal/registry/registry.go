// Package registry maps class references used in packet definitions to
// factories that build response handlers, conversions and processors.
//
// References may be given as a source-style file name (limits_response2.rb,
// lib/test_only.py) or directly as a class name (LimitsResponse2); both
// resolve to the same entry.
package registry

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/banshee-data/cmdtlm/internal/packet"
)

var (
	ErrExists     = errors.New("class already registered")
	ErrNilFactory = errors.New("factory is nil")
)

// Factory builds a new instance from the trailing arguments of a
// definition line. Factories run exactly once per definition line.
type Factory func(args []string) (any, error)

// Registry stores factories by class name.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under the class name derived from ref.
func (r *Registry) Register(ref string, f Factory) error {
	if f == nil {
		return ErrNilFactory
	}
	name := ClassName(ref)
	if name == "" {
		return fmt.Errorf("invalid class reference %q", ref)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("%w: %s", ErrExists, name)
	}
	r.factories[name] = f
	return nil
}

// RegisterResponse adds a factory whose products are limits responses.
func (r *Registry) RegisterResponse(ref string, f func(args []string) (packet.LimitsResponse, error)) error {
	if f == nil {
		return ErrNilFactory
	}
	return r.Register(ref, func(args []string) (any, error) {
		v, err := f(args)
		if err != nil {
			return nil, err
		}
		return v, nil
	})
}

// RegisterConversion adds a factory whose products are conversions.
func (r *Registry) RegisterConversion(ref string, f func(args []string) (packet.Conversion, error)) error {
	if f == nil {
		return ErrNilFactory
	}
	return r.Register(ref, func(args []string) (any, error) {
		v, err := f(args)
		if err != nil {
			return nil, err
		}
		return v, nil
	})
}

// RegisterProcessor adds a factory whose products are packet processors.
func (r *Registry) RegisterProcessor(ref string, f func(args []string) (packet.Processor, error)) error {
	if f == nil {
		return ErrNilFactory
	}
	return r.Register(ref, func(args []string) (any, error) {
		v, err := f(args)
		if err != nil {
			return nil, err
		}
		return v, nil
	})
}

// Resolve returns the factory registered for ref.
func (r *Registry) Resolve(ref string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[ClassName(ref)]
	return f, ok
}

// Names returns the registered class names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ClassName converts a file style reference into its class name:
// "lib/limits_response2.rb" becomes "LimitsResponse2".
func ClassName(ref string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(ref), "\\", "/"))
	if ext := path.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	if base == "." || base == "/" {
		return ""
	}
	if !strings.Contains(base, "_") {
		if base == "" {
			return ""
		}
		runes := []rune(base)
		runes[0] = unicode.ToUpper(runes[0])
		return string(runes)
	}
	var b strings.Builder
	for _, part := range strings.Split(base, "_") {
		if part == "" {
			continue
		}
		runes := []rune(part)
		runes[0] = unicode.ToUpper(runes[0])
		b.WriteString(string(runes))
	}
	return b.String()
}

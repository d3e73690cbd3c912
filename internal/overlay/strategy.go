package overlay

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// Strategy places source content at a destination path inside an installed tree.
type Strategy interface {
	// Name is the value used to select the strategy in a manifest.
	Name() string

	// Apply writes the content read from src to dst, creating parent directories.
	Apply(ctx context.Context, src io.Reader, dst string) error
}

// Registry finds strategies by name or by file extension.
type Registry struct {
	byName      map[string]Strategy
	byExtension map[string]Strategy
	// fallback is used if no strategy matches the file extension.
	fallback Strategy
}

// NewRegistry constructs a registry. Every strategy in mappings is also
// selectable by its name.
func NewRegistry(fallback Strategy, mappings map[string]Strategy) (*Registry, error) {
	if fallback == nil {
		return nil, fmt.Errorf("fallback strategy cannot be nil")
	}
	r := &Registry{
		byName:      map[string]Strategy{fallback.Name(): fallback},
		byExtension: make(map[string]Strategy),
		fallback:    fallback,
	}
	for ext, s := range mappings {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" || !strings.HasPrefix(ext, ".") {
			return nil, fmt.Errorf("invalid extension key for strategy: %q", ext)
		}
		r.byExtension[ext] = s
		r.byName[s.Name()] = s
	}
	return r, nil
}

// DefaultRegistry copies files unless their extension names a structured
// format, which is merged into an existing file instead.
func DefaultRegistry() *Registry {
	yamlMerge := &MergeStrategy{codec: yamlCodec}
	r, err := NewRegistry(&CopyStrategy{}, map[string]Strategy{
		".yaml":       yamlMerge,
		".yml":        yamlMerge,
		".json":       &MergeStrategy{codec: jsonCodec},
		".toml":       &MergeStrategy{codec: tomlCodec},
		".properties": &PropertiesMergeStrategy{},
	})
	if err != nil {
		panic(err) // static mapping
	}
	return r
}

// For returns the strategy called name, or the one for the extension of
// filename when name is empty.
func (r *Registry) For(name, filename string) (Strategy, error) {
	if name != "" {
		if s, ok := r.byName[name]; ok {
			return s, nil
		}
		return nil, fmt.Errorf("unknown overlay strategy %q", name)
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if s, ok := r.byExtension[ext]; ok {
		return s, nil
	}
	return r.fallback, nil
}

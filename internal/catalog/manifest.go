package catalog

import (
	"fmt"

	"github.com/goccy/go-yaml/ast"
)

// Manifest is the on-disk structure of a renderbox manifest (renderbox.yaml or .toml).
// It is decoded strictly and resolved into a Catalog by Load.
type Manifest struct {
	// Version of the manifest format. Currently, only version 1 is supported.
	Version int `yaml:"version" toml:"version" validate:"required"`

	// Image is the repository every variant is tagged into, e.g. "renderbox/blender".
	Image string `yaml:"image" toml:"image" validate:"required"`

	// Prefix is the install prefix inside the image. It is shared by all variants
	// and deliberately not overridable per variant.
	Prefix string `yaml:"prefix" toml:"prefix"`

	// Entrypoint is the path of the application binary relative to Prefix.
	Entrypoint string `yaml:"entrypoint" toml:"entrypoint" validate:"required"`

	// EntrypointArgs are appended to the entrypoint, e.g. ["--background"].
	EntrypointArgs []string `yaml:"entrypointArgs" toml:"entrypointArgs"`

	// StripComponents is the number of leading path components removed while
	// extracting. Defaults to 1 (the archive's own top-level directory).
	StripComponents *int `yaml:"stripComponents" toml:"stripComponents" validate:"omitempty,min=0,max=8"`

	// PackageManager of the base images: apt, apk or dnf. Defaults to apt.
	PackageManager string `yaml:"packageManager" toml:"packageManager" validate:"omitempty,oneof=apt apk dnf"`

	// Baseline packages are installed into every variant.
	Baseline []string `yaml:"baseline" toml:"baseline"`

	// Conflicts lists package pairs that must never be installed together.
	Conflicts [][]string `yaml:"conflicts" toml:"conflicts" validate:"dive,len=2"`

	// Defaults apply to every variant unless the variant overrides them.
	Defaults Defaults `yaml:"defaults" toml:"defaults"`

	// Variants is the build matrix.
	Variants []*VariantEntry `yaml:"variants" toml:"variants" validate:"required,min=1,dive,required"`
}

// Defaults are variant fields shared across the matrix.
type Defaults struct {
	BaseImage string            `yaml:"baseImage" toml:"baseImage"`
	URL       string            `yaml:"url" toml:"url"`
	Values    map[string]any    `yaml:"values" toml:"values"`
	Env       map[string]string `yaml:"env" toml:"env"`
}

// VariantEntry is a single variant as written in the manifest.
type VariantEntry struct {
	// Version is the release identifier and the resulting image tag.
	Version Literal `yaml:"version" toml:"version" validate:"required"`

	// Series is the major series used by upstream URL layouts. Derived from Version when empty.
	Series Literal `yaml:"series" toml:"series"`

	// URL is the archive URL template, overriding defaults.url.
	URL string `yaml:"url" toml:"url"`

	// Checksum is an optional "<algorithm>:<hex>" digest of the archive.
	Checksum string `yaml:"checksum" toml:"checksum"`

	// BaseImage overrides defaults.baseImage.
	BaseImage string `yaml:"baseImage" toml:"baseImage"`

	// Dependencies are OS packages required in addition to the baseline.
	Dependencies []string `yaml:"dependencies" toml:"dependencies"`

	// RemoveDependencies drops baseline packages for this variant.
	RemoveDependencies []string `yaml:"removeDependencies" toml:"removeDependencies"`

	// Conflicts adds variant-specific incompatible package pairs.
	Conflicts [][]string `yaml:"conflicts" toml:"conflicts" validate:"dive,len=2"`

	Values   map[string]any    `yaml:"values" toml:"values"`
	Env      map[string]string `yaml:"env" toml:"env"`
	Overlays []Overlay         `yaml:"overlays" toml:"overlays" validate:"dive"`

	// Tags are optional labels that can be used to select variants.
	Tags []string `yaml:"tags" toml:"tags"`
}

// Overlay places a file from the manifest directory into the installed tree.
type Overlay struct {
	// From is relative to the manifest file.
	From string `yaml:"from" toml:"from" validate:"required"`
	// To is relative to the install prefix.
	To string `yaml:"to" toml:"to" validate:"required"`
	// Strategy is copy, yaml-merge, json-merge, toml-merge or properties-merge.
	// Empty selects by the extension of To.
	Strategy string `yaml:"strategy" toml:"strategy" validate:"omitempty,oneof=copy yaml-merge json-merge toml-merge properties-merge"`
}

// Literal is a manifest string that must be written as a YAML string. Plain
// scalars like 2.80 would otherwise be decoded as numbers and lose their text.
type Literal string

// UnmarshalYAML accepts only string nodes.
func (l *Literal) UnmarshalYAML(node ast.Node) error {
	str, ok := node.(*ast.StringNode)
	if !ok {
		return fmt.Errorf("line %d: expected a quoted string, got %s %s",
			node.GetToken().Position.Line, node.Type(), node.GetToken().Value)
	}
	*l = Literal(str.Value)
	return nil
}

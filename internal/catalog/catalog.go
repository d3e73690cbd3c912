package catalog

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"

	"github.com/sap-gg/renderbox/internal"
	"github.com/sap-gg/renderbox/internal/merge"
	"github.com/sap-gg/renderbox/internal/templ"
)

// Catalog is the resolved, read-only build matrix. It is safe to share between
// concurrent variant builds.
type Catalog struct {
	// Path of the manifest the catalog was loaded from.
	Path string
	// Dir is the manifest directory, the base for overlay sources.
	Dir string

	Image           string
	Prefix          string
	Entrypoint      string
	EntrypointArgs  []string
	StripComponents int
	PackageManager  string
	Baseline        []string

	variants []VersionSpec
}

// VersionSpec is one buildable variant with all defaults applied.
type VersionSpec struct {
	ID                  string
	MajorSeries         string
	ArchiveURLTemplate  string
	Checksum            string
	BaseImageRef        string
	ExtraDependencies   []string
	RemovedDependencies []string
	Conflicts           [][2]string
	Values              map[string]any
	Env                 map[string]string
	Overlays            []Overlay
	Tags                []string
}

// Variants returns the variants in manifest order.
func (c *Catalog) Variants() []VersionSpec {
	return slices.Clone(c.variants)
}

// Variant looks up a variant by version id.
func (c *Catalog) Variant(id string) (VersionSpec, bool) {
	for _, v := range c.variants {
		if v.ID == id {
			return v, true
		}
	}
	return VersionSpec{}, false
}

// ImageRef returns the reference a variant is published under.
func (c *Catalog) ImageRef(spec VersionSpec) string {
	return c.Image + ":" + spec.ID
}

var (
	seriesRe = regexp.MustCompile(`^(\d+)\.(\d+)`)
	tagRe    = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]{0,127}$`)
	latestRe = regexp.MustCompile(`(?i)(^|[/._-])latest([/._-]|$)`)
	renderer = templ.NewTemplateRenderer()
)

// URLData is what archive URL templates are rendered with.
type URLData struct {
	Version     string
	MajorSeries string
	Major       uint64
	Minor       uint64
	Values      map[string]any
}

// ResolveURL renders the archive URL template of spec. The result is always an
// absolute http(s) URL that does not point at a floating "latest" release.
func ResolveURL(spec VersionSpec) (string, error) {
	series, err := semver.NewVersion(spec.MajorSeries)
	if err != nil {
		return "", fmt.Errorf("parse series %q: %w", spec.MajorSeries, err)
	}
	values := spec.Values
	if values == nil {
		values = map[string]any{}
	}

	raw, err := renderer.RenderString(spec.ArchiveURLTemplate, URLData{
		Version:     spec.ID,
		MajorSeries: spec.MajorSeries,
		Major:       series.Major(),
		Minor:       series.Minor(),
		Values:      values,
	})
	if err != nil {
		return "", fmt.Errorf("render url template: %w", err)
	}

	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("url %q must use http or https", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}
	if latestRe.MatchString(u.Path) {
		return "", fmt.Errorf("url %q points at a floating release", raw)
	}
	return u.String(), nil
}

// DeriveSeries extracts "major.minor" from a release id like "2.77a".
func DeriveSeries(id string) (string, error) {
	m := seriesRe.FindStringSubmatch(id)
	if m == nil {
		return "", fmt.Errorf("cannot derive series from %q, set series explicitly", id)
	}
	return m[1] + "." + m[2], nil
}

// Load reads, validates and resolves the manifest at path.
// Every failure is reported as *Error.
func Load(ctx context.Context, path string) (*Catalog, error) {
	m, err := ReadManifest(ctx, path)
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	c, err := Resolve(m, filepath.Dir(path))
	if err != nil {
		var catErr *Error
		if errors.As(err, &catErr) {
			catErr.Path = path
			return nil, catErr
		}
		return nil, &Error{Path: path, Err: err}
	}
	c.Path = path

	log.Debug().
		Str("path", path).
		Int("variants", len(c.variants)).
		Msg("loaded catalog")
	return c, nil
}

// ReadManifest decodes a manifest without resolving it. The format is chosen by extension.
func ReadManifest(ctx context.Context, path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	var m Manifest
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		dec := toml.NewDecoder(f)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("decode manifest: %w", err)
		}
		if err := internal.NewValidator().StructCtx(ctx, &m); err != nil {
			return nil, fmt.Errorf("validate manifest: %w", err)
		}
	case ".yaml", ".yml", "":
		if err := internal.NewYAMLDecoder(f).DecodeContext(ctx, &m); err != nil {
			return nil, fmt.Errorf("decode manifest: %w", internal.DescribeDecodeError(err))
		}
	default:
		return nil, fmt.Errorf("unsupported manifest extension %q", filepath.Ext(path))
	}

	if m.Version != internal.ManifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %d (expected %d)",
			m.Version, internal.ManifestVersion)
	}
	return &m, nil
}

// Resolve applies defaults to every variant and checks the catalog invariants:
// unique version ids, renderable URL templates and non-empty base images.
func Resolve(m *Manifest, dir string) (*Catalog, error) {
	c := &Catalog{
		Dir:             dir,
		Image:           m.Image,
		Prefix:          m.Prefix,
		Entrypoint:      m.Entrypoint,
		EntrypointArgs:  slices.Clone(m.EntrypointArgs),
		StripComponents: 1,
		PackageManager:  m.PackageManager,
		Baseline:        normalizeSet(m.Baseline),
	}
	if c.Prefix == "" {
		c.Prefix = internal.DefaultPrefix
	}
	if !path.IsAbs(c.Prefix) {
		return nil, &Error{Err: fmt.Errorf("prefix %q must be absolute", c.Prefix)}
	}
	c.Prefix = path.Clean(c.Prefix)
	if err := checkRelative(c.Entrypoint); err != nil {
		return nil, &Error{Err: fmt.Errorf("entrypoint: %w", err)}
	}
	if m.StripComponents != nil {
		c.StripComponents = *m.StripComponents
	}
	if c.PackageManager == "" {
		c.PackageManager = "apt"
	}
	shared, err := conflictPairs(m.Conflicts)
	if err != nil {
		return nil, &Error{Err: err}
	}

	seen := make(map[string]struct{}, len(m.Variants))
	var problems error
	for i, entry := range m.Variants {
		if entry == nil {
			problems = errors.Join(problems, fmt.Errorf("variants[%d] is null", i))
			continue
		}
		id := string(entry.Version)
		if _, dup := seen[id]; dup {
			problems = errors.Join(problems, &VariantError{
				Variant: id,
				Err:     fmt.Errorf("duplicate version id"),
			})
			continue
		}
		seen[id] = struct{}{}

		spec, err := resolveVariant(m, entry, shared)
		if err != nil {
			problems = errors.Join(problems, &VariantError{Variant: id, Err: err})
			continue
		}
		c.variants = append(c.variants, spec)
	}
	if problems != nil {
		return nil, &Error{Err: problems}
	}
	return c, nil
}

func resolveVariant(m *Manifest, entry *VariantEntry, shared [][2]string) (VersionSpec, error) {
	spec := VersionSpec{
		ID:                  string(entry.Version),
		MajorSeries:         string(entry.Series),
		ArchiveURLTemplate:  entry.URL,
		Checksum:            strings.TrimSpace(entry.Checksum),
		BaseImageRef:        entry.BaseImage,
		ExtraDependencies:   normalizeSet(entry.Dependencies),
		RemovedDependencies: normalizeSet(entry.RemoveDependencies),
		Values:              merge.DeepMergeMaps(m.Defaults.Values, entry.Values),
		Env:                 make(map[string]string, len(m.Defaults.Env)+len(entry.Env)),
		Overlays:            slices.Clone(entry.Overlays),
		Tags:                slices.Clone(entry.Tags),
	}
	maps.Copy(spec.Env, m.Defaults.Env)
	maps.Copy(spec.Env, entry.Env)

	if !tagRe.MatchString(spec.ID) {
		return spec, fmt.Errorf("version id %q is not a valid image tag", spec.ID)
	}
	if spec.ArchiveURLTemplate == "" {
		spec.ArchiveURLTemplate = m.Defaults.URL
	}
	if spec.ArchiveURLTemplate == "" {
		return spec, fmt.Errorf("no archive url template")
	}
	if spec.BaseImageRef == "" {
		spec.BaseImageRef = m.Defaults.BaseImage
	}
	if strings.TrimSpace(spec.BaseImageRef) == "" {
		return spec, fmt.Errorf("base image reference is empty")
	}
	if spec.MajorSeries == "" {
		series, err := DeriveSeries(spec.ID)
		if err != nil {
			return spec, err
		}
		spec.MajorSeries = series
	}
	if spec.Checksum != "" {
		if _, _, err := ParseChecksum(spec.Checksum); err != nil {
			return spec, err
		}
	}
	if _, err := ResolveURL(spec); err != nil {
		return spec, fmt.Errorf("malformed url template: %w", err)
	}
	for _, o := range spec.Overlays {
		if err := checkRelative(o.To); err != nil {
			return spec, fmt.Errorf("overlay %q: %w", o.From, err)
		}
	}

	own, err := conflictPairs(entry.Conflicts)
	if err != nil {
		return spec, err
	}
	spec.Conflicts = append(slices.Clone(shared), own...)
	return spec, nil
}

// ParseChecksum splits "<algorithm>:<hex>". A bare hex digest is treated as sha256.
func ParseChecksum(s string) (algorithm, digest string, err error) {
	algorithm, digest, found := strings.Cut(s, ":")
	if !found {
		algorithm, digest = "sha256", s
	}
	algorithm = strings.ToLower(algorithm)
	digest = strings.ToLower(digest)

	want := map[string]int{"sha256": 64, "sha512": 128}[algorithm]
	if want == 0 {
		return "", "", fmt.Errorf("unsupported checksum algorithm %q", algorithm)
	}
	if len(digest) != want || strings.Trim(digest, "0123456789abcdef") != "" {
		return "", "", fmt.Errorf("malformed %s checksum %q", algorithm, digest)
	}
	return algorithm, digest, nil
}

func checkRelative(p string) error {
	if p == "" {
		return fmt.Errorf("path is empty")
	}
	if path.IsAbs(p) || filepath.IsAbs(p) {
		return fmt.Errorf("path %q must be relative", p)
	}
	clean := path.Clean(filepath.ToSlash(p))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("path %q escapes the install prefix", p)
	}
	return nil
}

func conflictPairs(raw [][]string) ([][2]string, error) {
	out := make([][2]string, 0, len(raw))
	for _, pair := range raw {
		if len(pair) != 2 || pair[0] == "" || pair[1] == "" {
			return nil, fmt.Errorf("conflict %v must name exactly two packages", pair)
		}
		out = append(out, [2]string{pair[0], pair[1]})
	}
	return out, nil
}

// normalizeSet trims, drops empties and de-duplicates, returning a sorted slice.
func normalizeSet(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

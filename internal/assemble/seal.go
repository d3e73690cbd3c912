package assemble

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"slices"

	"github.com/magiconair/properties"

	"github.com/sap-gg/renderbox/internal"
	"github.com/sap-gg/renderbox/internal/lockfile"
	"github.com/sap-gg/renderbox/internal/templ"
)

//go:embed Dockerfile.tmpl
var dockerfileTemplate string

var renderer = templ.NewTemplateRenderer()

// Descriptor is the sealed description of one variant image. It is written
// next to the Dockerfile and contains nothing that differs between two builds
// of the same variant.
type Descriptor struct {
	Version        int               `yaml:"version"`
	VersionID      string            `yaml:"versionId"`
	Image          string            `yaml:"image"`
	Tag            string            `yaml:"tag"`
	Ref            string            `yaml:"ref"`
	BaseImage      string            `yaml:"baseImage"`
	Prefix         string            `yaml:"prefix"`
	Path           string            `yaml:"path"`
	Entrypoint     []string          `yaml:"entrypoint"`
	PackageManager string            `yaml:"packageManager"`
	Packages       []string          `yaml:"packages"`
	Env            map[string]string `yaml:"env,omitempty"`
	Overlays       []string          `yaml:"overlays,omitempty"`
	Source         Source            `yaml:"source"`
	TreeDigest     string            `yaml:"treeDigest"`
}

// Source identifies the archive an image was built from.
type Source struct {
	URL    string `yaml:"url"`
	Size   int64  `yaml:"size"`
	SHA256 string `yaml:"sha256"`
}

// Image is a sealed build context, ready to be published.
type Image struct {
	Descriptor
	// ContextDir holds the Dockerfile and the installed tree under root/.
	ContextDir string
	// Commands install the package set while the image is built. Empty when
	// the packages were applied on the host.
	Commands []string
}

// EnvVar is one environment variable of an image.
type EnvVar struct {
	Key, Value string
}

// EnvList returns Env sorted by key.
func (i *Image) EnvList() []EnvVar {
	list := make([]EnvVar, 0, len(i.Env))
	for _, k := range slices.Sorted(maps.Keys(i.Env)) {
		list = append(list, EnvVar{Key: k, Value: i.Env[k]})
	}
	return list
}

// EntrypointJSON is the entrypoint in exec form.
func (i *Image) EntrypointJSON() (string, error) {
	b, err := json.Marshal(i.Entrypoint)
	return string(b), err
}

var envKeyRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// seal writes the Dockerfile, descriptor, environment file and lock into the
// context directory.
func seal(ctx context.Context, img *Image, lock *lockfile.LockFile) error {
	for k := range img.Env {
		if !envKeyRe.MatchString(k) || k == "PATH" {
			return fmt.Errorf("invalid environment variable name %q", k)
		}
	}

	if err := writeFile(filepath.Join(img.ContextDir, internal.DockerfileName), func(f *os.File) error {
		return renderer.Render(f, dockerfileTemplate, img)
	}); err != nil {
		return fmt.Errorf("write Dockerfile: %w", err)
	}

	if err := writeFile(filepath.Join(img.ContextDir, internal.DescriptorFileName), func(f *os.File) error {
		return internal.NewYAMLEncoder(f).EncodeContext(ctx, &img.Descriptor)
	}); err != nil {
		return fmt.Errorf("write image descriptor: %w", err)
	}

	if err := writeFile(filepath.Join(img.ContextDir, internal.EnvFileName), func(f *os.File) error {
		p := properties.NewProperties()
		p.WriteSeparator = "="
		p.DisableExpansion = true
		if _, _, err := p.Set("PATH", img.Path+":$PATH"); err != nil {
			return err
		}
		for _, e := range img.EnvList() {
			if _, _, err := p.Set(e.Key, e.Value); err != nil {
				return err
			}
		}
		_, err := p.Write(f, properties.UTF8)
		return err
	}); err != nil {
		return fmt.Errorf("write environment file: %w", err)
	}

	if err := lockfile.Write(ctx, lock, filepath.Join(img.ContextDir, internal.LockFileName)); err != nil {
		return err
	}
	return nil
}

func writeFile(path string, write func(f *os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := write(f); err != nil {
		return err
	}
	return f.Close()
}

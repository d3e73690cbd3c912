package overlay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"
	"github.com/magiconair/properties"
	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"

	"github.com/sap-gg/renderbox/internal/merge"
)

// codec reads and writes one structured document format.
type codec struct {
	name   string
	decode func(data []byte, v *map[string]any) error
	encode func(ctx context.Context, w io.Writer, v map[string]any) error
}

var (
	yamlCodec = codec{
		name: "yaml-merge",
		decode: func(data []byte, v *map[string]any) error {
			return yaml.Unmarshal(data, v)
		},
		encode: func(ctx context.Context, w io.Writer, v map[string]any) error {
			return yaml.NewEncoder(w, yaml.Indent(2)).EncodeContext(ctx, v)
		},
	}
	jsonCodec = codec{
		name: "json-merge",
		decode: func(data []byte, v *map[string]any) error {
			return json.Unmarshal(data, v)
		},
		encode: func(_ context.Context, w io.Writer, v map[string]any) error {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(v)
		},
	}
	tomlCodec = codec{
		name: "toml-merge",
		decode: func(data []byte, v *map[string]any) error {
			return toml.Unmarshal(data, v)
		},
		encode: func(_ context.Context, w io.Writer, v map[string]any) error {
			return toml.NewEncoder(w).Encode(v)
		},
	}
)

var _ Strategy = (*MergeStrategy)(nil)

// MergeStrategy deep-merges a structured document into the destination.
// Keys of the source win. A missing destination starts out empty.
type MergeStrategy struct {
	codec codec
}

func (s *MergeStrategy) Name() string {
	return s.codec.name
}

func (s *MergeStrategy) Apply(ctx context.Context, src io.Reader, dst string) error {
	log.Debug().Msgf("[%s] merging into %q", s.codec.name, dst)

	sourceBytes, err := io.ReadAll(src)
	if err != nil {
		return fmt.Errorf("read source content: %w", err)
	}
	var sourceData map[string]any
	if err := s.codec.decode(sourceBytes, &sourceData); err != nil {
		return fmt.Errorf("decode source for %q: %w", dst, err)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("mkdir for dst %q: %w", dst, err)
	}

	targetData := make(map[string]any)
	targetBytes, err := os.ReadFile(dst)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return fmt.Errorf("read target %q: %w", dst, err)
	default:
		if err := s.codec.decode(targetBytes, &targetData); err != nil {
			return fmt.Errorf("decode target %q: %w", dst, err)
		}
	}

	var buf bytes.Buffer
	if err := s.codec.encode(ctx, &buf, merge.DeepMergeMaps(targetData, sourceData)); err != nil {
		return fmt.Errorf("encode merged document for %q: %w", dst, err)
	}
	return replaceFile(dst, buf.Bytes())
}

var _ Strategy = (*PropertiesMergeStrategy)(nil)

// PropertiesMergeStrategy merges Java style properties into the destination.
type PropertiesMergeStrategy struct{}

func (s *PropertiesMergeStrategy) Name() string {
	return "properties-merge"
}

func (s *PropertiesMergeStrategy) Apply(ctx context.Context, src io.Reader, dst string) error {
	log.Debug().Msgf("[properties-merge] merging into %q", dst)

	// Best-effort context check, no I/O cancellation
	if err := ctx.Err(); err != nil {
		return err
	}

	source, err := properties.LoadReader(src, properties.UTF8)
	if err != nil {
		return fmt.Errorf("load source properties: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("mkdir for dst %q: %w", dst, err)
	}

	target, err := properties.LoadFile(dst, properties.UTF8)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load target properties file %q: %w", dst, err)
		}
		target = properties.NewProperties()
	}
	target.Merge(source)

	var buf bytes.Buffer
	if _, err := target.Write(&buf, properties.UTF8); err != nil {
		return fmt.Errorf("encode merged properties for %q: %w", dst, err)
	}
	return replaceFile(dst, buf.Bytes())
}

// replaceFile writes data to dst, keeping the mode of an existing regular file.
func replaceFile(dst string, data []byte) error {
	mode := fs.FileMode(0o644)
	if info, err := os.Lstat(dst); err == nil {
		if info.Mode().IsRegular() {
			mode = info.Mode().Perm()
		}
		if err := os.Remove(dst); err != nil {
			return fmt.Errorf("replace dst %q: %w", dst, err)
		}
	}
	if err := os.WriteFile(dst, data, mode); err != nil {
		return fmt.Errorf("write dst %q: %w", dst, err)
	}
	return nil
}

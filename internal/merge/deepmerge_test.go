package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type values = map[string]any

func TestDeepMergeMaps(t *testing.T) {
	t.Run("later maps overwrite earlier maps", func(t *testing.T) {
		defaults := values{"arch": "x86_64", "platform": "linux-glibc211"}
		variant := values{"platform": "linux64", "suffix": ".tar.xz"}
		merged := DeepMergeMaps(defaults, variant)
		assert.Equal(t, values{"arch": "x86_64", "platform": "linux64", "suffix": ".tar.xz"}, merged)
	})

	t.Run("nested maps are merged recursively", func(t *testing.T) {
		defaults := values{"mirror": values{"host": "download.blender.org", "scheme": "https"}}
		variant := values{"mirror": values{"host": "mirror.example.org"}}
		merged := DeepMergeMaps(defaults, variant)
		assert.Equal(t, values{"mirror": values{"host": "mirror.example.org", "scheme": "https"}}, merged)
	})

	t.Run("nil inputs produce an empty map", func(t *testing.T) {
		merged := DeepMergeMaps(nil, nil)
		require.NotNil(t, merged)
		assert.Empty(t, merged)
	})

	t.Run("result does not alias nested inputs", func(t *testing.T) {
		defaults := values{"mirror": values{"host": "a"}}
		first := DeepMergeMaps(defaults)
		first["mirror"].(values)["host"] = "changed"

		assert.Equal(t, "a", defaults["mirror"].(values)["host"])
		second := DeepMergeMaps(defaults)
		assert.Equal(t, "a", second["mirror"].(values)["host"])
	})
}

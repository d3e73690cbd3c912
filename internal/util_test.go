package internal

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type decodeTarget struct {
	Name string `yaml:"name" validate:"required"`
}

func TestNewYAMLDecoder(t *testing.T) {
	t.Run("rejects unknown keys", func(t *testing.T) {
		var out decodeTarget
		err := NewYAMLDecoder(strings.NewReader("name: a\nother: b\n")).Decode(&out)
		require.Error(t, err)
	})

	t.Run("runs struct validation", func(t *testing.T) {
		var out decodeTarget
		err := NewYAMLDecoder(strings.NewReader("name: \"\"\n")).Decode(&out)
		require.Error(t, err)
	})

	t.Run("decodes valid input", func(t *testing.T) {
		var out decodeTarget
		require.NoError(t, NewYAMLDecoder(strings.NewReader("name: blender\n")).Decode(&out))
		assert.Equal(t, "blender", out.Name)
	})
}

func TestDescribeDecodeError(t *testing.T) {
	plain := errors.New("plain")
	assert.Same(t, plain, DescribeDecodeError(plain))

	var out decodeTarget
	err := NewYAMLDecoder(strings.NewReader("name: [unterminated\n")).Decode(&out)
	require.Error(t, err)
	assert.NotEmpty(t, DescribeDecodeError(err).Error())
}

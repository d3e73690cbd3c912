package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactingWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewRedactingWriter(&buf, []string{"s3cr3t"})

	n, err := w.Write([]byte("token=s3cr3t url=x"))
	require.NoError(t, err)
	assert.Equal(t, len("token=s3cr3t url=x"), n)
	assert.Equal(t, "token=******** url=x", buf.String())
}

func TestInit(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	var buf bytes.Buffer
	Init(Options{Level: "debug", Format: "json", Sensitive: []string{"", "hunter2"}, Out: &buf})

	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
	log.Info().Str("auth", "hunter2").Msg("fetching")
	assert.Contains(t, buf.String(), `"auth":"********"`)
	assert.NotContains(t, buf.String(), "hunter2")

	buf.Reset()
	Init(Options{Level: "loud", Format: "json", Out: &buf})
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
	assert.Contains(t, buf.String(), "invalid log level")
}

package logx

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(Config{Service: "schedge-api", Level: "warn", Format: "json"}, &buf)

	log.Info().Msg("hidden")
	log.Warn().Int64("user_id", 42).Msg("shown")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "shown", line["message"])
	assert.Equal(t, "schedge-api", line["service"])
	assert.Equal(t, "warn", line["level"])
	assert.EqualValues(t, 42, line["user_id"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel(" debug ", zerolog.InfoLevel))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("WARNING", zerolog.InfoLevel))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("loud", zerolog.InfoLevel))
}

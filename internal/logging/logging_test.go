package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("bogus"))
}

func TestSetupJSON(t *testing.T) {
	prev := log.Logger
	prevLevel := zerolog.GlobalLevel()
	defer func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	}()

	var buf bytes.Buffer
	SetupWriter(&buf, "warn", "json")
	log.Info().Msg("dropped")
	log.Warn().Str("component", "test").Msg("kept")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "kept", line["message"])
	assert.Equal(t, "test", line["component"])
	assert.Equal(t, "warn", line["level"])
}

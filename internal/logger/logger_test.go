package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter(Config{Level: "info", Format: "json"}, "changestream", &buf)
	require.NoError(t, err)

	log.Debug().Msg("hidden")
	log.Info().Str("collection", "transactions").Msg("batch committed")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "changestream", entry["service"])
	assert.Equal(t, "transactions", entry["collection"])
	assert.Equal(t, "batch committed", entry["message"])
	assert.Equal(t, "info", entry["level"])
	assert.Contains(t, entry, "time")
}

func TestNewDefaults(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter(Config{}, "changestream", &buf)
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, log.GetLevel())
}

func TestNewConsole(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter(Config{Level: "DEBUG", Format: "console"}, "changestream", &buf)
	require.NoError(t, err)

	log.Debug().Msg("starting pipeline")
	assert.Contains(t, buf.String(), "[DEBUG]")
	assert.Contains(t, buf.String(), "starting pipeline")
}

func TestNewInvalid(t *testing.T) {
	_, err := NewWithWriter(Config{Level: "loud"}, "changestream", &bytes.Buffer{})
	assert.Error(t, err)

	_, err = NewWithWriter(Config{Format: "xml"}, "changestream", &bytes.Buffer{})
	assert.Error(t, err)
}

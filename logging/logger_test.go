package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARN ", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"loud", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestNew_ProductionWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Env: "production", Level: "info", Out: &buf})

	logger.Debug().Msg("hidden")
	logger.Info().Str("base", "alpha").Msg("purchase recorded")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "purchase recorded", line["message"])
	assert.Equal(t, "alpha", line["base"])
	assert.Equal(t, "info", line["level"])
}

func TestNew_DevelopmentIsReadable(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Env: "development", Level: "debug", Out: &buf})

	logger.Debug().Msg("replayed")

	assert.Contains(t, buf.String(), "replayed")
	assert.False(t, json.Valid(buf.Bytes()))
}

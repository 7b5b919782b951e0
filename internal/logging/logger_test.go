package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gobilling/pkg/config"
)

func TestNewLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, &config.Config{ServiceName: "billingd", DeploymentMode: "managed", LogLevel: "info"})

	logger.Info().Str("family_id", "fam1").Msg("trial started")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "billingd", entry["service"])
	assert.Equal(t, "managed", entry["mode"])
	assert.Equal(t, "fam1", entry["family_id"])
	assert.Contains(t, entry, "time")
}

func TestNewLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, &config.Config{LogLevel: "warn"})
	logger.Info().Msg("dropped")
	assert.Zero(t, buf.Len())

	logger = newLogger(&buf, &config.Config{LogLevel: "nonsense"})
	logger.Debug().Msg("dropped")
	logger.Info().Msg("kept")
	assert.Contains(t, buf.String(), "kept")
	assert.NotContains(t, buf.String(), "dropped")
}

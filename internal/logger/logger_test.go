package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONWithServiceFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", Environment: "production", ServiceName: "doc-approvals", Version: "1.2.0", Output: &buf})

	log.Component("sync").Info().Str("request_id", "r1").Msg("synced")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "doc-approvals", entry["service"])
	assert.Equal(t, "1.2.0", entry["version"])
	assert.Equal(t, "sync", entry["component"])
	assert.Equal(t, "r1", entry["request_id"])
	assert.Equal(t, "synced", entry["message"])
}

func TestNewDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "bogus", Output: &buf})

	log.Debug().Msg("hidden")
	assert.Zero(t, buf.Len())
}

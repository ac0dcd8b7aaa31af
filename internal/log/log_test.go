package log

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigure_JSONOutputCarriesComponent(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		_ = Configure("info", "text")
	})

	require.NoError(t, Configure("debug", "json"))
	LogDebugWithFields("handshake", "listening", map[string]any{"nonce": "abc"})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "listening", entry["msg"])
	assert.Equal(t, "handshake", entry["component"])
	assert.Equal(t, "abc", entry["nonce"])
	assert.Contains(t, entry, "timestamp")
	assert.Equal(t, "debug", GetLogLevel())
}

func TestConfigure_TraceLevelName(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		_ = Configure("info", "text")
	})

	require.NoError(t, Configure("trace", "json"))
	LogTraceWithFields("handshake", "very chatty", nil)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "TRACE", entry["level"])
	assert.Equal(t, "very chatty", entry["msg"])
}

func TestConfigure_RejectsUnknownLevel(t *testing.T) {
	err := Configure("loud", "")
	assert.Error(t, err)
}

func TestTraceSuppressedAtInfo(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		_ = Configure("info", "text")
	})

	require.NoError(t, Configure("info", "text"))
	LogTraceWithFields("x", "hidden", nil)
	assert.Empty(t, buf.String())
}

func TestConfigure_RejectsUnknownFormat(t *testing.T) {
	assert.Error(t, Configure("", "xml"))
}

func TestBuildArgs_SortedFields(t *testing.T) {
	args := buildArgs("relay", map[string]any{"b": 2, "a": 1})
	assert.Equal(t, []any{"component", "relay", "a", 1, "b", 2}, args)
}

func TestSetLogLevel(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		_ = Configure("info", "text")
	})

	require.NoError(t, SetLogLevel("warning"))
	assert.Equal(t, "warn", GetLogLevel())
	LogInfoWithFields("relay", "dropped", nil)
	assert.Empty(t, buf.String())

	assert.Error(t, SetLogLevel("loud"))
	assert.Equal(t, "warn", GetLogLevel())
}

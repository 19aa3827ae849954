package corvuslog

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var lines []map[string]interface{}
	dec := json.NewDecoder(buf)
	for dec.More() {
		var m map[string]interface{}
		require.NoError(t, dec.Decode(&m))
		lines = append(lines, m)
	}
	return lines
}

func TestLogLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Config{Level: "warn", Output: &buf})

	l.Info().Msg("should be dropped")
	l.Warn().Msg("should appear")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	require.Equal(t, "should appear", lines[0]["message"])
}

func TestWithComponentTagsEntries(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Config{Level: "debug", Output: &buf})

	l.PagerLogger().Debug().Msg("evicted")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	require.Equal(t, "pager", lines[0]["component"])
}

func TestLogPageEvictedFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Config{Level: "debug", Output: &buf})

	l.LogPageEvicted(42, true)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	require.Equal(t, "page_evicted", lines[0]["message"])
	require.Equal(t, float64(42), lines[0]["page_id"])
	require.Equal(t, true, lines[0]["dirty"])
}

func TestGlobalLoggerDefaultsWhenUninitialized(t *testing.T) {
	global = nil
	l := GetGlobalLogger()
	require.NotNil(t, l)
}

func TestInitGlobalLoggerOverride(t *testing.T) {
	var buf bytes.Buffer
	custom := NewLogger(Config{Output: &buf})
	InitGlobalLogger(custom)
	require.Same(t, custom, GetGlobalLogger())
}

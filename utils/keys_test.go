package utils

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSortedKeys(t *testing.T) {
	m := map[string]int{"b": 2, "c": 3, "a": 1}
	assert.Equal(t, []string{"a", "b", "c"}, SortedKeys(m))
	assert.Empty(t, SortedKeys(map[string]int{}))
}

func TestLogger_Prefix(t *testing.T) {
	buf := &bytes.Buffer{}
	log := NewLogger(slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	log.Warn("dropped", "objectId", "root")
	assert.Contains(t, buf.String(), "[liveobjects] dropped")
	assert.Contains(t, buf.String(), "objectId=root")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("chatty"))
}

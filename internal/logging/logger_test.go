package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LogLevelSilent, ParseLevel("silent"))
	assert.Equal(t, LogLevelError, ParseLevel("error"))
	assert.Equal(t, LogLevelWarn, ParseLevel("warn"))
	assert.Equal(t, LogLevelWarn, ParseLevel("warning"))
	assert.Equal(t, LogLevelDebug, ParseLevel("debug"))
	assert.Equal(t, LogLevelInfo, ParseLevel("info"))
	assert.Equal(t, LogLevelInfo, ParseLevel("nonsense"))
}

func TestLevelFiltering(t *testing.T) {
	l, err := NewLogger(LogLevelWarn, "")
	require.NoError(t, err)

	l.Debug(F{}, "dropped")
	l.Info(F{}, "dropped too")
	l.Warn(F{}, "kept")
	l.Error(F{}, "kept as well")

	buf := l.Buffer()
	require.Len(t, buf, 2)
	assert.Contains(t, buf[0], "kept")
	assert.Contains(t, buf[1], "kept as well")
}

func TestStructuredFields(t *testing.T) {
	l, err := NewLogger(LogLevelInfo, "")
	require.NoError(t, err)

	l.Info(F{Module: "vlan", VlanID: 40, SourceIP: "10.40.40.50"}, "got IP %s", "10.40.40.50")

	buf := l.Buffer()
	require.Len(t, buf, 1)

	var e map[string]any
	require.NoError(t, json.Unmarshal([]byte(buf[0]), &e))
	assert.Equal(t, "INFO", e["level"])
	assert.Equal(t, "vlan", e["module"])
	assert.Equal(t, float64(40), e["vlan_id"])
	assert.Equal(t, "10.40.40.50", e["source_ip"])
	assert.Equal(t, "got IP 10.40.40.50", e["message"])
	assert.NotEmpty(t, e["timestamp"])

	// Zero fields are omitted entirely.
	assert.NotContains(t, buf[0], "target_ip")
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "chaosbot.log")
	l, err := NewLogger(LogLevelInfo, path)
	require.NoError(t, err)

	l.Info(F{Module: "orchestrator"}, "daemon loop started")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "daemon loop started")
}

func TestSubscribe(t *testing.T) {
	l, err := NewLogger(LogLevelInfo, "")
	require.NoError(t, err)

	ch := l.Subscribe()
	defer l.Unsubscribe(ch)

	l.Info(F{}, "live line")

	select {
	case line := <-ch:
		assert.Contains(t, line, "live line")
	default:
		t.Fatal("expected a line on the subscription channel")
	}

	l.Unsubscribe(ch)
	l.Info(F{}, "after unsubscribe")
	select {
	case line := <-ch:
		t.Fatalf("unexpected line after unsubscribe: %s", line)
	default:
	}
}

func TestBufferBound(t *testing.T) {
	l, err := NewLogger(LogLevelInfo, "")
	require.NoError(t, err)

	for i := 0; i < bufferMax+50; i++ {
		l.Info(F{}, "line %d", i)
	}
	buf := l.Buffer()
	assert.Len(t, buf, bufferMax)
	assert.True(t, strings.Contains(buf[len(buf)-1], "line 1049"))
}

package logger

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestDecisionLogAppendsEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	dl, err := OpenDecisionLog(path)
	require.NoError(t, err)
	defer dl.Close()

	require.NoError(t, dl.Event(EventStart, "", map[string]any{"universe": []string{"KRW-SOL"}}))
	require.NoError(t, dl.Event(EventBuyExecuted, "KRW-SOL", map[string]any{"avg_price": 100.0}))

	lines := readLines(t, path)
	require.Len(t, lines, 2)
	assert.Equal(t, EventStart, lines[0]["event"])
	assert.Equal(t, EventBuyExecuted, lines[1]["event"])
	assert.Equal(t, "KRW-SOL", lines[1]["symbol"])
}

func TestDecisionLogDeduplicatesBlocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	dl, err := OpenDecisionLog(path)
	require.NoError(t, err)
	defer dl.Close()

	ts := time.Date(2025, 3, 1, 9, 15, 0, 0, time.UTC)
	reasons := []string{"GLOBAL_BEAR", "VOLATILITY_FILTER"}

	require.NoError(t, dl.Blocked("KRW-SOL", ts, reasons, nil))
	// Same candle, reasons in a different order: still one line.
	require.NoError(t, dl.Blocked("KRW-SOL", ts, []string{"VOLATILITY_FILTER", "GLOBAL_BEAR"}, nil))
	// New candle: new line.
	require.NoError(t, dl.Blocked("KRW-SOL", ts.Add(15*time.Minute), reasons, nil))

	lines := readLines(t, path)
	require.Len(t, lines, 2)
	for _, l := range lines {
		assert.Equal(t, EventBuyBlocked, l["event"])
		assert.ElementsMatch(t, []any{"GLOBAL_BEAR", "VOLATILITY_FILTER"}, l["blocked_by"])
	}
}

func TestDecisionLogBlockedDedupSetBounded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	dl, err := OpenDecisionLog(path)
	require.NoError(t, err)
	defer dl.Close()

	ts := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3*seenLimit; i++ {
		require.NoError(t, dl.Blocked("KRW-SOL", ts.Add(time.Duration(i)*time.Minute), []string{"GLOBAL_BEAR"}, nil))
	}
	assert.LessOrEqual(t, len(dl.seen), seenLimit)

	// Live keys still deduplicate after a reset.
	last := ts.Add(time.Duration(3*seenLimit-1) * time.Minute)
	require.NoError(t, dl.Blocked("KRW-SOL", last, []string{"GLOBAL_BEAR"}, nil))
	lines := readLines(t, path)
	assert.Len(t, lines, 3*seenLimit)
}

package orchestrator

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

func TestSessionStats_SpeedWindow(t *testing.T) {
	s := NewSessionStats()

	clock := time.Now()
	s.now = func() time.Time { return clock }
	s.lastSample = clock

	// Bytes inside the sample interval do not move the average yet.
	s.AddBytes(1024)
	assert.Zero(t, s.CurrentSpeed())

	// One second later: 2048 bytes over 1s.
	clock = clock.Add(time.Second)
	s.AddBytes(1024)

	assert.InDelta(t, 2048, s.CurrentSpeed(), 1)
	assert.InDelta(t, 2048, s.PeakSpeed(), 1)

	// A slower second drags the windowed average down but not the peak.
	clock = clock.Add(time.Second)
	s.AddBytes(512)

	assert.InDelta(t, (2048+512)/2.0, s.CurrentSpeed(), 1)
	assert.InDelta(t, 2048, s.PeakSpeed(), 1)
}

func TestSessionStats_WindowIsBounded(t *testing.T) {
	s := NewSessionStats()

	clock := time.Now()
	s.now = func() time.Time { return clock }
	s.lastSample = clock

	for i := 0; i < speedWindow*3; i++ {
		clock = clock.Add(time.Second)
		s.AddBytes(1000)
	}

	assert.Len(t, s.samples, speedWindow)
	assert.InDelta(t, 1000, s.CurrentSpeed(), 1)
}

func TestSessionStats_SnapshotAccountsEveryOutcome(t *testing.T) {
	s := NewSessionStats()

	s.MarkDownloaded()
	s.MarkDownloaded()
	s.MarkFailed()
	s.MarkSkippedLedger()
	s.MarkSkippedExists()
	s.MarkSkippedPolicy()
	s.AddBytes(4096)

	sum := s.Snapshot()

	assert.Equal(t, 2, sum.Downloaded)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.SkippedLedger)
	assert.Equal(t, 1, sum.SkippedExists)
	assert.Equal(t, 1, sum.SkippedPolicy)
	assert.Equal(t, 6, sum.Total())
	assert.Equal(t, int64(4096), sum.TotalBytes)
}

func TestSessionStats_AppendHistoryIsJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session_history.jsonl")

	first := NewSessionStats()
	first.MarkDownloaded()
	require.NoError(t, first.AppendHistory(path))

	second := NewSessionStats()
	second.MarkFailed()
	require.NoError(t, second.AppendHistory(path))

	f, err := os.Open(path)
	require.NoError(t, err)

	defer f.Close()

	var summaries []Summary

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var sum Summary

		require.NoError(t, json.Unmarshal(scanner.Bytes(), &sum))
		summaries = append(summaries, sum)
	}

	require.Len(t, summaries, 2)
	assert.Equal(t, 1, summaries[0].Downloaded)
	assert.Equal(t, 1, summaries[1].Failed)
}

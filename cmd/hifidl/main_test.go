package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/hifidl/hifidl/internal/config"
	"github.com/hifidl/hifidl/internal/orchestrator"
	"github.com/hifidl/hifidl/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubLedger struct {
	compacted bool
}

func (s *stubLedger) ExistsBatch(context.Context, []string) (map[string]bool, error) {
	return nil, nil
}

func (s *stubLedger) InsertBatch(context.Context, []storage.TrackRecord) error { return nil }

func (s *stubLedger) Stats(context.Context) (*storage.LedgerStats, error) {
	return &storage.LedgerStats{}, nil
}

func (s *stubLedger) Compact(context.Context) error {
	s.compacted = true

	return nil
}

func TestFinishSession_DryRunWritesNothing(t *testing.T) {
	configDir := t.TempDir()
	cfg := &config.Config{ConfigDir: configDir, DryRun: true}

	stats := orchestrator.NewSessionStats()
	stats.MarkDownloaded()

	ledger := &stubLedger{}

	require.NoError(t, finishSession(context.Background(), cfg, stats, ledger))

	_, err := os.Stat(filepath.Join(configDir, historyFileName))
	assert.True(t, os.IsNotExist(err), "dry run must not write session history")
	assert.False(t, ledger.compacted, "dry run must not compact the ledger")
}

func TestFinishSession_AppendsHistoryAndCompacts(t *testing.T) {
	configDir := t.TempDir()
	cfg := &config.Config{ConfigDir: configDir}

	stats := orchestrator.NewSessionStats()
	stats.MarkDownloaded()

	ledger := &stubLedger{}

	require.NoError(t, finishSession(context.Background(), cfg, stats, ledger))

	raw, err := os.ReadFile(filepath.Join(configDir, historyFileName))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"downloaded":1`)
	assert.True(t, ledger.compacted)
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		arg      string
		wantKind targetKind
		wantID   string
	}{
		{"album:42", targetAlbum, "42"},
		{"track:7", targetTrack, "7"},
		{"playlist:p1", targetPlaylist, "p1"},
		{"artist:art1", targetArtist, "art1"},
		{"label:l9", targetLabel, "l9"},
		{"https://store.example/us-en/album/kind-of-blue/42", targetAlbum, "42"},
		{"https://store.example/artist/miles-davis/art1", targetArtist, "art1"},
		{"https://store.example/label/blue-note/l9", targetLabel, "l9"},
		{"42", targetAlbum, "42"},
	}

	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			got, err := parseTarget(tt.arg)
			require.NoError(t, err)

			assert.Equal(t, tt.wantKind, got.kind)
			assert.Equal(t, tt.wantID, got.id)
		})
	}
}

func TestParseTarget_Rejects(t *testing.T) {
	for _, arg := range []string{"album:", "https://store.example/search?q=x", "https://store.example/album/"} {
		t.Run(arg, func(t *testing.T) {
			_, err := parseTarget(arg)
			assert.Error(t, err)
		})
	}
}

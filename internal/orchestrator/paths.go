package orchestrator

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hifidl/hifidl/internal/catalog"
)

const (
	coverFileName = "cover.jpg"

	// Size estimates for progress totals when the upstream doesn't report
	// one. Lossless streams run around 100 KiB/s, lossy around 40 KiB/s.
	losslessBytesPerSecond = 100 * 1024
	lossyBytesPerSecond    = 40 * 1024

	// qualityLossy is the upstream format id for the MP3 tier.
	qualityLossy = 5
)

var pathHostile = strings.NewReplacer(
	"/", "_", "\\", "_", ":", "_", "*", "_",
	"?", "_", "\"", "_", "<", "_", ">", "_", "|", "_",
)

// sanitizeName makes a metadata string safe to use as a path segment.
func sanitizeName(name string) string {
	cleaned := strings.TrimSpace(pathHostile.Replace(name))
	cleaned = strings.Trim(cleaned, ".")

	if cleaned == "" {
		return "unknown"
	}

	return cleaned
}

// albumDir lays tracks out as <output>/<artist>/<album (year)>.
func albumDir(outputDir string, album *catalog.Album) string {
	title := album.Title
	if album.ReleaseYear != "" {
		title = fmt.Sprintf("%s (%s)", album.Title, album.ReleaseYear)
	}

	return filepath.Join(outputDir, sanitizeName(album.Artist), sanitizeName(title))
}

// trackFileName builds "NN - Title.ext" from track metadata and the resolved
// mime type.
func trackFileName(track catalog.Track, mimeType string) string {
	return fmt.Sprintf("%02d - %s%s", track.TrackNumber, sanitizeName(track.Title), extensionFor(mimeType))
}

// playlistTrackFileName builds "NN - Performer - Title.ext" using the track's
// position in the playlist.
func playlistTrackFileName(position int, track catalog.Track, mimeType string) string {
	return fmt.Sprintf("%02d - %s - %s%s",
		position, sanitizeName(track.Performer), sanitizeName(track.Title), extensionFor(mimeType))
}

func extensionFor(mimeType string) string {
	if strings.Contains(mimeType, "mpeg") {
		return ".mp3"
	}

	return ".flac"
}

// estimateSize guesses a track's byte size from its duration for progress
// totals. Advisory only.
func estimateSize(durationSeconds, quality int) int64 {
	rate := int64(losslessBytesPerSecond)
	if quality <= qualityLossy {
		rate = lossyBytesPerSecond
	}

	return int64(durationSeconds) * rate
}

package storage

import (
	"context"
	"time"
)

// TrackRecord is one completed download. Presence of a record is the sole
// "already downloaded" signal; records are never mutated.
type TrackRecord struct {
	TrackID      string
	Artist       string
	Album        string
	Title        string
	DownloadedAt time.Time
}

// ArtistCount is one row of the top-artists aggregate.
type ArtistCount struct {
	Artist string
	Count  int64
}

// LedgerStats is aggregate reporting over the ledger.
type LedgerStats struct {
	TotalTracks int64
	TopArtists  []ArtistCount
}

// Ledger is the durable idempotency record of completed downloads. Batch
// operations chunk internally, so callers may pass arbitrarily large lists.
type Ledger interface {
	// ExistsBatch reports, for every unique input id, whether a record exists.
	ExistsBatch(ctx context.Context, trackIDs []string) (map[string]bool, error)

	// InsertBatch records completed downloads. Inserting an id that is
	// already present is a no-op; existing records are never overwritten.
	InsertBatch(ctx context.Context, records []TrackRecord) error

	// Stats returns the total record count and the most frequent artists.
	Stats(ctx context.Context) (*LedgerStats, error)

	// Compact reclaims storage and refreshes internal statistics.
	Compact(ctx context.Context) error
}

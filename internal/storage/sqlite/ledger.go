package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/hifidl/hifidl/internal/storage"
)

const (
	// existsChunkSize respects SQLite's historical 999-variable limit on a
	// single query.
	existsChunkSize = 999

	insertChunkSize = 500

	topArtistsLimit = 10
)

// Ledger stores completed downloads in SQLite.
type Ledger struct {
	db *sql.DB
}

// NewLedger wraps an initialized database connection.
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// ExistsBatch checks which of the given track ids are already recorded,
// chunking the query and returning one unified map with an entry per unique
// id.
func (l *Ledger) ExistsBatch(ctx context.Context, trackIDs []string) (map[string]bool, error) {
	results := make(map[string]bool, len(trackIDs))

	unique := make([]string, 0, len(trackIDs))

	for _, id := range trackIDs {
		if _, seen := results[id]; seen {
			continue
		}

		results[id] = false

		unique = append(unique, id)
	}

	for start := 0; start < len(unique); start += existsChunkSize {
		end := start + existsChunkSize
		if end > len(unique) {
			end = len(unique)
		}

		chunk := unique[start:end]

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		args := make([]any, len(chunk))

		for i, id := range chunk {
			args[i] = id
		}

		rows, err := l.db.QueryContext(ctx,
			`SELECT track_id FROM downloaded_tracks WHERE track_id IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, err
		}

		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()

				return nil, err
			}

			results[id] = true
		}

		if err := rows.Err(); err != nil {
			rows.Close()

			return nil, err
		}

		rows.Close()
	}

	return results, nil
}

// InsertBatch records completed downloads, chunked, inside one transaction
// per chunk. Already-present ids are left untouched.
func (l *Ledger) InsertBatch(ctx context.Context, records []storage.TrackRecord) error {
	for start := 0; start < len(records); start += insertChunkSize {
		end := start + insertChunkSize
		if end > len(records) {
			end = len(records)
		}

		if err := l.insertChunk(ctx, records[start:end]); err != nil {
			return err
		}
	}

	return nil
}

func (l *Ledger) insertChunk(ctx context.Context, records []storage.TrackRecord) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO downloaded_tracks (track_id, artist, album, title, downloaded_at)
		 VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()

		return err
	}

	defer stmt.Close()

	for _, rec := range records {
		if rec.TrackID == "" {
			continue
		}

		recordedAt := rec.DownloadedAt
		if recordedAt.IsZero() {
			recordedAt = time.Now()
		}

		if _, err := stmt.ExecContext(ctx,
			rec.TrackID,
			nullable(rec.Artist),
			nullable(rec.Album),
			nullable(rec.Title),
			recordedAt.Format(time.RFC3339),
		); err != nil {
			tx.Rollback()

			return err
		}
	}

	return tx.Commit()
}

// Stats returns the total record count and the ten most frequent artists.
func (l *Ledger) Stats(ctx context.Context) (*storage.LedgerStats, error) {
	stats := &storage.LedgerStats{}

	if err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM downloaded_tracks`).Scan(&stats.TotalTracks); err != nil {
		return nil, err
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT artist, COUNT(*) AS count
		FROM downloaded_tracks
		WHERE artist IS NOT NULL AND artist != ''
		GROUP BY artist
		ORDER BY count DESC
		LIMIT ?`, topArtistsLimit)
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	for rows.Next() {
		var ac storage.ArtistCount
		if err := rows.Scan(&ac.Artist, &ac.Count); err != nil {
			return nil, err
		}

		stats.TopArtists = append(stats.TopArtists, ac)
	}

	return stats, rows.Err()
}

// Compact rebuilds the database file and refreshes the query planner
// statistics. Safe to run at any time.
func (l *Ledger) Compact(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, `VACUUM`); err != nil {
		return err
	}

	_, err := l.db.ExecContext(ctx, `ANALYZE`)

	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}

	return s
}

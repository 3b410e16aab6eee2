package sqlite

import (
	"bufio"
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"

	"github.com/hifidl/hifidl/internal/logctx"
)

const legacyArchiveName = "download_archive.txt"

// MigrateLegacyArchive imports a legacy flat-list archive, one track id per
// line, into the ledger and renames the file out of the way as a recovery
// fallback. Best effort and one-time: when the legacy file is absent this is
// a no-op, and a failure is reported to the caller to log and skip. It must
// never prevent normal operation.
func MigrateLegacyArchive(ctx context.Context, db *sql.DB, configDir string) error {
	logger := logctx.LoggerFromContext(ctx)

	legacyPath := filepath.Join(configDir, legacyArchiveName)

	f, err := os.Open(legacyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return err
	}

	logger.Info("migrating legacy text archive", "path", legacyPath)

	var trackIDs []string

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if id := strings.TrimSpace(scanner.Text()); id != "" {
			trackIDs = append(trackIDs, id)
		}
	}

	scanErr := scanner.Err()

	f.Close()

	if scanErr != nil {
		return scanErr
	}

	if len(trackIDs) > 0 {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx,
			`INSERT OR IGNORE INTO downloaded_tracks (track_id) VALUES (?)`)
		if err != nil {
			tx.Rollback()

			return err
		}

		for _, id := range trackIDs {
			if _, err := stmt.ExecContext(ctx, id); err != nil {
				stmt.Close()
				tx.Rollback()

				return err
			}
		}

		stmt.Close()

		if err := tx.Commit(); err != nil {
			return err
		}
	}

	backupPath := legacyPath + ".migrated"
	if err := os.Rename(legacyPath, backupPath); err != nil {
		return err
	}

	logger.Info("legacy archive migrated",
		"entries", len(trackIDs),
		"backup", filepath.Base(backupPath))

	return nil
}

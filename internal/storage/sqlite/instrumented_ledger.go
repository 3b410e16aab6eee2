package sqlite

import (
	"context"
	"database/sql"

	"github.com/hifidl/hifidl/internal/storage"
	"github.com/hifidl/hifidl/internal/telemetry"
)

// InstrumentedLedger wraps Ledger with telemetry.
type InstrumentedLedger struct {
	ledger    *Ledger
	telemetry *telemetry.Telemetry
}

// NewInstrumentedLedger creates a telemetry-wrapped ledger.
func NewInstrumentedLedger(db *sql.DB, tel *telemetry.Telemetry) *InstrumentedLedger {
	return &InstrumentedLedger{
		ledger:    NewLedger(db),
		telemetry: tel,
	}
}

// ExistsBatch checks recorded track ids with telemetry.
func (l *InstrumentedLedger) ExistsBatch(ctx context.Context, trackIDs []string) (map[string]bool, error) {
	var result map[string]bool

	var err error

	instrumentedErr := l.telemetry.InstrumentDBOperation(ctx, "exists_batch", func(ctx context.Context) error {
		result, err = l.ledger.ExistsBatch(ctx, trackIDs)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// InsertBatch records completed downloads with telemetry.
func (l *InstrumentedLedger) InsertBatch(ctx context.Context, records []storage.TrackRecord) error {
	return l.telemetry.InstrumentDBOperation(ctx, "insert_batch", func(ctx context.Context) error {
		return l.ledger.InsertBatch(ctx, records)
	})
}

// Stats retrieves ledger statistics with telemetry.
func (l *InstrumentedLedger) Stats(ctx context.Context) (*storage.LedgerStats, error) {
	var result *storage.LedgerStats

	var err error

	instrumentedErr := l.telemetry.InstrumentDBOperation(ctx, "stats", func(ctx context.Context) error {
		result, err = l.ledger.Stats(ctx)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// Compact reclaims storage with telemetry.
func (l *InstrumentedLedger) Compact(ctx context.Context) error {
	return l.telemetry.InstrumentDBOperation(ctx, "compact", func(ctx context.Context) error {
		return l.ledger.Compact(ctx)
	})
}

package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hifidl/hifidl/internal/assetlock"
	"github.com/hifidl/hifidl/internal/cache"
	"github.com/hifidl/hifidl/internal/catalog"
	"github.com/hifidl/hifidl/internal/logctx"
	"github.com/hifidl/hifidl/internal/report"
	"github.com/hifidl/hifidl/internal/storage"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultMaxWorkers bounds concurrent transfers when the config doesn't.
	DefaultMaxWorkers = 8

	albumMetaCachePrefix = "album_meta_"
)

// Config tunes one orchestrator instance.
type Config struct {
	OutputDir  string
	Quality    int
	MaxWorkers int
	DryRun     bool
	NoFallback bool
	NoCover    bool
	UseLedger  bool
}

// Transferer moves one resolved location's bytes to a temp file and
// finalizes or discards it. Satisfied by transfer.Downloader.
type Transferer interface {
	Download(ctx context.Context, url, finalPath, uniqueID string, sizeEstimate int64, onProgress func(written, total int64)) (string, int64, error)
	Finalize(tempPath, finalPath string) error
	Discard(tempPath string)
}

// IntegrityChecker validates a finished temp file before it is moved into
// place.
type IntegrityChecker interface {
	Verify(path string) error
}

// Orchestrator drives whole groups (albums, playlists, single tracks)
// through ledger checks, location resolution, bounded-concurrency transfer
// and ledger recording. Every submitted track ends in exactly one terminal
// status.
type Orchestrator struct {
	cfg        Config
	catalog    catalog.Catalog
	ledger     storage.Ledger
	cache      *cache.Cache
	transferer Transferer
	integrity  IntegrityChecker
	reporter   report.Reporter
	locks      *assetlock.Registry
	sem        *semaphore.Weighted
	stats      *SessionStats

	mu              sync.Mutex
	processedGroups map[string]struct{}
}

// New wires an orchestrator. The reporter, lock registry and stats may be
// nil; the ledger may be nil when cfg.UseLedger is false.
func New(
	cfg Config,
	cat catalog.Catalog,
	ledger storage.Ledger,
	metaCache *cache.Cache,
	transferer Transferer,
	integrity IntegrityChecker,
	reporter report.Reporter,
	locks *assetlock.Registry,
	stats *SessionStats,
) *Orchestrator {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}

	if reporter == nil {
		reporter = report.Nop{}
	}

	if locks == nil {
		locks = assetlock.NewRegistry(0)
	}

	if stats == nil {
		stats = NewSessionStats()
	}

	return &Orchestrator{
		cfg:             cfg,
		catalog:         cat,
		ledger:          ledger,
		cache:           metaCache,
		transferer:      transferer,
		integrity:       integrity,
		reporter:        reporter,
		locks:           locks,
		sem:             semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		stats:           stats,
		processedGroups: make(map[string]struct{}),
	}
}

// Stats exposes the session counters for end-of-run reporting.
func (o *Orchestrator) Stats() *SessionStats {
	return o.stats
}

// workItem is one track bound to its destination and ledger metadata.
type workItem struct {
	track    catalog.Track
	record   storage.TrackRecord
	destDir  string
	fileName func(mimeType string) string
	coverURL string // empty when no cover applies
	groupID  string
}

// ProcessAlbum downloads every track of an album. Re-submitting an album id
// within the same session is a no-op.
func (o *Orchestrator) ProcessAlbum(ctx context.Context, albumID string) error {
	logger := logctx.LoggerFromContext(ctx)

	if !o.markProcessed("album:" + albumID) {
		logger.Debug("album already processed this session", "album_id", albumID)

		return nil
	}

	album, err := o.fetchAlbum(ctx, albumID)
	if err != nil {
		return err
	}

	if !album.Streamable {
		logger.Warn("album not streamable, skipping", "album_id", albumID, "title", album.Title)

		return nil
	}

	destDir := albumDir(o.cfg.OutputDir, album)

	coverURL := album.CoverURL
	if o.cfg.NoCover {
		coverURL = ""
	}

	items := make([]workItem, 0, len(album.Tracks))

	for _, track := range album.Tracks {
		items = append(items, workItem{
			track: track,
			record: storage.TrackRecord{
				TrackID: track.ID,
				Artist:  album.Artist,
				Album:   album.Title,
				Title:   track.Title,
			},
			destDir:  destDir,
			fileName: albumItemName(track),
			coverURL: coverURL,
			groupID:  "album:" + albumID,
		})
	}

	label := fmt.Sprintf("%s - %s", album.Artist, album.Title)

	return o.processGroup(ctx, label, items)
}

// ProcessTrack downloads a single track into its owning album's directory.
func (o *Orchestrator) ProcessTrack(ctx context.Context, trackID string) error {
	if !o.markProcessed("track:" + trackID) {
		logctx.LoggerFromContext(ctx).Debug("track already processed this session", "track_id", trackID)

		return nil
	}

	track, album, err := o.catalog.Track(ctx, trackID)
	if err != nil {
		return fmt.Errorf("failed to fetch track %s: %w", trackID, err)
	}

	if album == nil {
		return fmt.Errorf("track %s carries no album metadata", trackID)
	}

	coverURL := album.CoverURL
	if o.cfg.NoCover {
		coverURL = ""
	}

	item := workItem{
		track: *track,
		record: storage.TrackRecord{
			TrackID: track.ID,
			Artist:  album.Artist,
			Album:   album.Title,
			Title:   track.Title,
		},
		destDir:  albumDir(o.cfg.OutputDir, album),
		fileName: albumItemName(*track),
		coverURL: coverURL,
		groupID:  "album:" + album.ID,
	}

	label := fmt.Sprintf("%s - %s", album.Artist, track.Title)

	return o.processGroup(ctx, label, []workItem{item})
}

// ProcessArtist downloads an artist's whole discography, one album at a
// time through the album path.
func (o *Orchestrator) ProcessArtist(ctx context.Context, artistID string) error {
	logger := logctx.LoggerFromContext(ctx)

	if !o.markProcessed("artist:" + artistID) {
		logger.Debug("artist already processed this session", "artist_id", artistID)

		return nil
	}

	name, albums, err := o.catalog.ArtistAlbums(ctx, artistID)
	if err != nil {
		return fmt.Errorf("failed to fetch artist %s discography: %w", artistID, err)
	}

	if len(albums) == 0 {
		logger.Warn("artist has no albums", "artist_id", artistID, "artist", name)

		return nil
	}

	logger.Info("processing artist discography", "artist", name, "albums", len(albums))

	return o.processAlbumList(ctx, albums)
}

// ProcessLabel downloads every album a label has released.
func (o *Orchestrator) ProcessLabel(ctx context.Context, labelID string) error {
	logger := logctx.LoggerFromContext(ctx)

	if !o.markProcessed("label:" + labelID) {
		logger.Debug("label already processed this session", "label_id", labelID)

		return nil
	}

	name, albums, err := o.catalog.LabelAlbums(ctx, labelID)
	if err != nil {
		return fmt.Errorf("failed to fetch label %s catalog: %w", labelID, err)
	}

	if len(albums) == 0 {
		logger.Warn("label has no albums", "label_id", labelID, "label", name)

		return nil
	}

	logger.Info("processing label catalog", "label", name, "albums", len(albums))

	return o.processAlbumList(ctx, albums)
}

// processAlbumList walks album summaries through the album pipeline. One
// album's failure never stops the rest.
func (o *Orchestrator) processAlbumList(ctx context.Context, albums []catalog.Album) error {
	logger := logctx.LoggerFromContext(ctx)

	for _, album := range albums {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := o.ProcessAlbum(ctx, album.ID); err != nil {
			logger.Error("failed to process album", "album_id", album.ID, "title", album.Title, "err", err)
		}
	}

	return ctx.Err()
}

// ProcessPlaylist downloads every track of a playlist into one flat
// directory named after it. Playlists carry no shared cover asset.
func (o *Orchestrator) ProcessPlaylist(ctx context.Context, playlistID string) error {
	if !o.markProcessed("playlist:" + playlistID) {
		logctx.LoggerFromContext(ctx).Debug("playlist already processed this session", "playlist_id", playlistID)

		return nil
	}

	name, tracks, err := o.catalog.PlaylistTracks(ctx, playlistID)
	if err != nil {
		return fmt.Errorf("failed to fetch playlist %s: %w", playlistID, err)
	}

	destDir := filepath.Join(o.cfg.OutputDir, sanitizeName(name))
	items := make([]workItem, 0, len(tracks))

	for i, track := range tracks {
		items = append(items, workItem{
			track: track,
			record: storage.TrackRecord{
				TrackID: track.ID,
				Artist:  track.Performer,
				Album:   name,
				Title:   track.Title,
			},
			destDir:  destDir,
			fileName: playlistItemName(i+1, track),
			groupID:  "playlist:" + playlistID,
		})
	}

	return o.processGroup(ctx, name, items)
}

func albumItemName(track catalog.Track) func(string) string {
	return func(mimeType string) string {
		return trackFileName(track, mimeType)
	}
}

func playlistItemName(position int, track catalog.Track) func(string) string {
	return func(mimeType string) string {
		return playlistTrackFileName(position, track, mimeType)
	}
}

// fetchAlbum returns album metadata, served from the response cache when a
// fresh entry exists.
func (o *Orchestrator) fetchAlbum(ctx context.Context, albumID string) (*catalog.Album, error) {
	key := albumMetaCachePrefix + albumID

	if o.cache != nil {
		var album catalog.Album
		if o.cache.GetInto(ctx, key, &album) {
			return &album, nil
		}
	}

	album, err := o.catalog.Album(ctx, albumID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch album %s: %w", albumID, err)
	}

	if o.cache != nil {
		o.cache.Set(ctx, key, album)
	}

	return album, nil
}

// processGroup runs one group through the full pipeline: policy filter,
// batch ledger check, concurrent resolution, bounded transfer, batch ledger
// insert. Every item lands in exactly one terminal status.
func (o *Orchestrator) processGroup(ctx context.Context, label string, items []workItem) error {
	logger := logctx.LoggerFromContext(ctx)

	o.reporter.GroupStarted(label, len(items))

	pending := make([]workItem, 0, len(items))

	for _, item := range items {
		if !item.track.Streamable {
			logger.Debug("track not streamable, skipping", "track_id", item.track.ID)
			o.finish(item.track.ID, report.StatusSkippedPolicy)

			continue
		}

		pending = append(pending, item)
	}

	pending = o.filterLedger(ctx, pending)

	if o.cfg.DryRun {
		// Everything that survived the skip checks would have been
		// transferred; no resolution, no writes.
		for _, item := range pending {
			logger.Info("dry run: would download", "track_id", item.track.ID, "title", item.track.Title)
			o.finish(item.track.ID, report.StatusDownloaded)
		}

		return nil
	}

	ready := o.resolveLocations(ctx, pending)

	completed := o.transferAll(ctx, ready)

	if o.cfg.UseLedger && o.ledger != nil && len(completed) > 0 {
		if err := o.ledger.InsertBatch(ctx, completed); err != nil {
			// The files are on disk; a ledger failure must not undo that.
			logger.Error("failed to record completed downloads", "group", label, "err", err)
		}
	}

	return ctx.Err()
}

// filterLedger drops items the ledger already holds. A ledger read failure
// is logged and treated as "nothing recorded" so the run can proceed.
func (o *Orchestrator) filterLedger(ctx context.Context, pending []workItem) []workItem {
	if !o.cfg.UseLedger || o.ledger == nil || len(pending) == 0 {
		return pending
	}

	logger := logctx.LoggerFromContext(ctx)

	ids := make([]string, 0, len(pending))
	for _, item := range pending {
		ids = append(ids, item.track.ID)
	}

	existing, err := o.ledger.ExistsBatch(ctx, ids)
	if err != nil {
		logger.Error("ledger lookup failed, proceeding without skip data", "err", err)

		return pending
	}

	remaining := make([]workItem, 0, len(pending))

	for _, item := range pending {
		if existing[item.track.ID] {
			logger.Debug("track already in ledger, skipping", "track_id", item.track.ID)
			o.finish(item.track.ID, report.StatusSkippedLedger)

			continue
		}

		remaining = append(remaining, item)
	}

	return remaining
}

type resolvedItem struct {
	item workItem
	loc  *catalog.TransferLocation
}

// resolveLocations resolves transfer locations concurrently. A failed or
// policy-refused resolution terminates only its own item.
func (o *Orchestrator) resolveLocations(ctx context.Context, pending []workItem) []resolvedItem {
	logger := logctx.LoggerFromContext(ctx)

	locations := make([]*catalog.TransferLocation, len(pending))
	errs := make([]error, len(pending))

	var wg errgroup.Group

	for i := range pending {
		wg.Go(func() error {
			locations[i], errs[i] = o.catalog.ResolveLocation(ctx, pending[i].track.ID, o.cfg.Quality)

			return nil
		})
	}

	_ = wg.Wait()

	ready := make([]resolvedItem, 0, len(pending))

	for i, item := range pending {
		if errs[i] != nil {
			logger.Error("failed to resolve transfer location", "track_id", item.track.ID, "err", errs[i])
			o.finish(item.track.ID, report.StatusFailed)

			continue
		}

		if locations[i].QualityRestricted && o.cfg.NoFallback {
			logger.Info("requested quality unavailable, skipping", "track_id", item.track.ID, "title", item.track.Title)
			o.finish(item.track.ID, report.StatusSkippedPolicy)

			continue
		}

		ready = append(ready, resolvedItem{item: item, loc: locations[i]})
	}

	return ready
}

// transferAll moves every resolved item under the global worker semaphore
// and returns the ledger records of the ones that completed.
func (o *Orchestrator) transferAll(ctx context.Context, ready []resolvedItem) []storage.TrackRecord {
	var (
		mu        sync.Mutex
		completed []storage.TrackRecord
	)

	var wg errgroup.Group

	for _, r := range ready {
		wg.Go(func() error {
			if err := o.sem.Acquire(ctx, 1); err != nil {
				// Cancelled before a worker slot opened; the item still
				// needs a terminal status.
				o.finish(r.item.track.ID, report.StatusFailed)

				return nil
			}

			defer o.sem.Release(1)

			status := o.processItem(ctx, r.item, r.loc)

			if status == report.StatusDownloaded {
				record := r.item.record
				record.DownloadedAt = time.Now()

				mu.Lock()
				completed = append(completed, record)
				mu.Unlock()
			}

			o.finish(r.item.track.ID, status)

			return nil
		})
	}

	_ = wg.Wait()

	return completed
}

// processItem runs one track through existence check, cover fetch, transfer,
// integrity validation and finalization.
func (o *Orchestrator) processItem(ctx context.Context, item workItem, loc *catalog.TransferLocation) report.TrackStatus {
	logger := logctx.LoggerFromContext(ctx)

	finalPath := filepath.Join(item.destDir, item.fileName(loc.MimeType))

	if _, err := os.Stat(finalPath); err == nil {
		logger.Debug("destination file exists, skipping", "track_id", item.track.ID, "file", finalPath)

		return report.StatusSkippedExists
	}

	if item.coverURL != "" {
		// Cover art is a side asset; losing it never fails the track.
		if err := o.ensureCover(ctx, item.groupID, item.destDir, item.coverURL); err != nil {
			logger.Warn("failed to fetch cover art", "group", item.groupID, "err", err)
		}
	}

	size := loc.SizeEstimate
	if size == 0 {
		size = estimateSize(item.track.Duration, o.cfg.Quality)
	}

	o.reporter.TrackStarted(item.track.ID, item.track.Title, size)

	onProgress := func(written, total int64) {
		o.reporter.TrackProgress(item.track.ID, written, total)
		o.reporter.SpeedSample(o.stats.CurrentSpeed(), o.stats.PeakSpeed())
	}

	tempPath, _, err := o.transferer.Download(ctx, loc.URL, finalPath, item.track.ID, size, onProgress)
	if err != nil {
		logger.Error("transfer failed", "track_id", item.track.ID, "title", item.track.Title, "err", err)

		return report.StatusFailed
	}

	if o.integrity != nil {
		if err := o.integrity.Verify(tempPath); err != nil {
			logger.Error("integrity check failed", "track_id", item.track.ID, "err", err)
			o.transferer.Discard(tempPath)

			return report.StatusFailed
		}
	}

	if err := o.transferer.Finalize(tempPath, finalPath); err != nil {
		logger.Error("failed to finalize transfer", "track_id", item.track.ID, "err", err)
		o.transferer.Discard(tempPath)

		return report.StatusFailed
	}

	logger.Info("track downloaded", "track_id", item.track.ID, "file", finalPath)

	return report.StatusDownloaded
}

// ensureCover fetches the group's cover once, however many of its tracks
// race here.
func (o *Orchestrator) ensureCover(ctx context.Context, groupID, destDir, coverURL string) error {
	coverPath := filepath.Join(destDir, coverFileName)

	exists := func() bool {
		_, err := os.Stat(coverPath)

		return err == nil
	}

	return o.locks.FetchOnce(ctx, groupID, exists, func(ctx context.Context) error {
		tempPath, _, err := o.transferer.Download(ctx, coverURL, coverPath, "cover", 0, nil)
		if err != nil {
			return err
		}

		return o.transferer.Finalize(tempPath, coverPath)
	})
}

// finish routes an item's terminal status to the stats and the reporter.
func (o *Orchestrator) finish(trackID string, status report.TrackStatus) {
	switch status {
	case report.StatusDownloaded:
		o.stats.MarkDownloaded()
	case report.StatusFailed:
		o.stats.MarkFailed()
	case report.StatusSkippedLedger:
		o.stats.MarkSkippedLedger()
	case report.StatusSkippedExists:
		o.stats.MarkSkippedExists()
	case report.StatusSkippedPolicy:
		o.stats.MarkSkippedPolicy()
	}

	o.reporter.TrackFinished(trackID, status)
}

// markProcessed records a group key and reports whether it was new.
func (o *Orchestrator) markProcessed(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, seen := o.processedGroups[key]; seen {
		return false
	}

	o.processedGroups[key] = struct{}{}

	return true
}

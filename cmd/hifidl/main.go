package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hifidl/hifidl/internal/assetlock"
	"github.com/hifidl/hifidl/internal/breaker"
	"github.com/hifidl/hifidl/internal/cache"
	"github.com/hifidl/hifidl/internal/catalog"
	"github.com/hifidl/hifidl/internal/config"
	"github.com/hifidl/hifidl/internal/logctx"
	"github.com/hifidl/hifidl/internal/media"
	"github.com/hifidl/hifidl/internal/notifier"
	"github.com/hifidl/hifidl/internal/orchestrator"
	"github.com/hifidl/hifidl/internal/ratelimit"
	"github.com/hifidl/hifidl/internal/report"
	"github.com/hifidl/hifidl/internal/storage"
	"github.com/hifidl/hifidl/internal/storage/sqlite"
	"github.com/hifidl/hifidl/internal/telemetry"
	"github.com/hifidl/hifidl/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	dbFileName      = "downloads.db"
	historyFileName = "session_history.jsonl"

	rateSampleInterval = 15 * time.Second
	shutdownTimeout    = 10 * time.Second
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	logger := slog.New(handler).With("session_id", uuid.NewString())
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("hifidl starting...", "log_level", cfg.LogLevel, "quality", cfg.Quality, "dry_run", cfg.DryRun)

	if err := run(logctx.WithLogger(ctx, logger), cfg, os.Args[1:]); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, args []string) error {
	logger := logctx.LoggerFromContext(ctx)

	targets, err := parseTargets(args)
	if err != nil {
		return err
	}

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: "hifidl",
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Ledger
	database, err := sqlite.InitDB(filepath.Join(cfg.ConfigDir, dbFileName))
	if err != nil {
		return fmt.Errorf("failed to open ledger database: %w", err)
	}
	defer database.Close()

	if err := sqlite.MigrateLegacyArchive(ctx, database, cfg.ConfigDir); err != nil {
		// The legacy archive stays untouched; worst case some tracks
		// re-download.
		logger.Error("legacy archive migration failed", "err", err)
	}

	ledger := sqlite.NewInstrumentedLedger(database, tel)

	// =========================================================================
	// Start Response Cache
	metaCache, err := cache.New(cfg.ConfigDir, cache.Options{
		MaxAge:   cfg.Cache.MaxAge,
		Observer: tel.RecordCacheLookup,
	})
	if err != nil {
		return fmt.Errorf("failed to setup response cache: %w", err)
	}

	metaCache.StartSweeper(ctx, cfg.Cache.SweepInterval)

	// =========================================================================
	// Start Upstream Protection
	limiter := ratelimit.NewLimiter(cfg.Rate.Initial, cfg.Rate.Max)

	brk := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
	})
	brk.OnStateChange(func(from, to breaker.State) {
		tel.RecordCircuitTransition(from.String(), to.String())
	})

	go sampleRequestRate(ctx, limiter, tel)

	cat := catalog.NewClient(cfg.Upstream.BaseURL, cfg.Upstream.AppID, cfg.Upstream.Token, limiter, brk)

	// =========================================================================
	// Start Transfer Pipeline
	stats := orchestrator.NewSessionStats()

	downloader := transfer.NewDownloader(
		&http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		transfer.NewChunkSizer(),
		stats,
		cfg.Transfer.MaxAttempts,
		cfg.Transfer.BaseDelay,
	)

	bar := report.NewBar()
	defer bar.Finish()

	orch := orchestrator.New(
		orchestrator.Config{
			OutputDir:  cfg.OutputDir,
			Quality:    cfg.Quality,
			MaxWorkers: cfg.MaxWorkers,
			DryRun:     cfg.DryRun,
			NoFallback: cfg.NoFallback,
			NoCover:    cfg.NoCover,
			UseLedger:  !cfg.NoLedger,
		},
		cat,
		ledger,
		metaCache,
		&meteredTransferer{downloader: downloader, tel: tel},
		media.NewChecker(),
		report.Multi(bar, &outcomeReporter{tel: tel}),
		assetlock.NewRegistry(0),
		stats,
	)

	// =========================================================================
	// Start Metrics Endpoint
	server := setupServer(cfg, tel)

	if cfg.Telemetry.Enabled {
		go func() {
			logger.Info("serving metrics", "host", cfg.Telemetry.BindAddress)

			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "err", err)
			}
		}()

		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("failed to shutdown metrics server", "err", err)
			}
		}()
	}

	// =========================================================================
	// Process Targets
	for _, target := range targets {
		if ctx.Err() != nil {
			break
		}

		var processErr error

		switch target.kind {
		case targetAlbum:
			processErr = orch.ProcessAlbum(ctx, target.id)
		case targetTrack:
			processErr = orch.ProcessTrack(ctx, target.id)
		case targetPlaylist:
			processErr = orch.ProcessPlaylist(ctx, target.id)
		case targetArtist:
			processErr = orch.ProcessArtist(ctx, target.id)
		case targetLabel:
			processErr = orch.ProcessLabel(ctx, target.id)
		}

		if processErr != nil {
			logger.Error("failed to process target", "kind", target.kind, "id", target.id, "err", processErr)
		}
	}

	return finishSession(ctx, cfg, stats, ledger)
}

// finishSession reports the summary, appends the JSONL history and compacts
// the ledger when the session added records. A dry run writes nothing.
func finishSession(ctx context.Context, cfg *config.Config, stats *orchestrator.SessionStats, ledger storage.Ledger) error {
	logger := logctx.LoggerFromContext(ctx)

	summary := stats.Snapshot()

	logger.Info("session complete",
		"downloaded", summary.Downloaded,
		"failed", summary.Failed,
		"skipped_ledger", summary.SkippedLedger,
		"skipped_exists", summary.SkippedExists,
		"skipped_policy", summary.SkippedPolicy,
		"transferred", humanize.Bytes(uint64(summary.TotalBytes)),
		"peak_speed", humanize.Bytes(uint64(summary.PeakSpeedBps))+"/s",
	)

	if !cfg.DryRun {
		if err := stats.AppendHistory(filepath.Join(cfg.ConfigDir, historyFileName)); err != nil {
			logger.Error("failed to append session history", "err", err)
		}
	}

	if ledgerStats, err := ledger.Stats(ctx); err != nil {
		logger.Error("failed to read ledger stats", "err", err)
	} else {
		logger.Info("ledger totals", "tracks", ledgerStats.TotalTracks)
	}

	if summary.Downloaded > 0 && !cfg.DryRun {
		if err := ledger.Compact(ctx); err != nil {
			logger.Error("failed to compact ledger", "err", err)
		}
	}

	notifySession(ctx, cfg, summary)

	return ctx.Err()
}

func notifySession(ctx context.Context, cfg *config.Config, summary orchestrator.Summary) {
	if cfg.DiscordWebhookURL == "" {
		return
	}

	var notif notifier.Notifier = notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)

	message := fmt.Sprintf("✅ Session complete: %d downloaded, %d skipped", summary.Downloaded,
		summary.SkippedLedger+summary.SkippedExists+summary.SkippedPolicy)
	if summary.Failed > 0 {
		message = fmt.Sprintf("❌ Session finished with %d failures (%d downloaded)", summary.Failed, summary.Downloaded)
	}

	// The session may have been cancelled; the notification still goes out.
	if err := notif.Notify(context.WithoutCancel(ctx), message); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to send notification", "err", err)
	}
}

// setupServer prepares the metrics and health endpoints.
func setupServer(cfg *config.Config, tel *telemetry.Telemetry) *http.Server {
	r := chi.NewRouter()

	r.Handle("/metrics", tel.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return &http.Server{
		Addr:         cfg.Telemetry.BindAddress,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// sampleRequestRate publishes the limiter's current rate until ctx is done.
func sampleRequestRate(ctx context.Context, limiter *ratelimit.Limiter, tel *telemetry.Telemetry) {
	ticker := time.NewTicker(rateSampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tel.RecordRequestRate(limiter.Rate())
		}
	}
}

type targetKind string

const (
	targetAlbum    targetKind = "album"
	targetTrack    targetKind = "track"
	targetPlaylist targetKind = "playlist"
	targetArtist   targetKind = "artist"
	targetLabel    targetKind = "label"
)

var targetKinds = []targetKind{targetAlbum, targetTrack, targetPlaylist, targetArtist, targetLabel}

type target struct {
	kind targetKind
	id   string
}

// parseTargets turns CLI arguments into typed targets. Accepted forms:
// "album:ID", "track:ID", "playlist:ID", "artist:ID", "label:ID", store URLs
// containing the matching path segment, and bare ids (treated as albums).
func parseTargets(args []string) ([]target, error) {
	if len(args) == 0 {
		return nil, errors.New("nothing to do: pass album:ID, track:ID, playlist:ID, artist:ID, label:ID or store URLs")
	}

	targets := make([]target, 0, len(args))

	for _, arg := range args {
		t, err := parseTarget(arg)
		if err != nil {
			return nil, err
		}

		targets = append(targets, t)
	}

	return targets, nil
}

func parseTarget(arg string) (target, error) {
	for _, kind := range targetKinds {
		if id, ok := strings.CutPrefix(arg, string(kind)+":"); ok {
			if id == "" {
				return target{}, fmt.Errorf("empty %s id in %q", kind, arg)
			}

			return target{kind: kind, id: id}, nil
		}
	}

	if strings.Contains(arg, "://") {
		for _, kind := range targetKinds {
			marker := "/" + string(kind) + "/"

			idx := strings.Index(arg, marker)
			if idx < 0 {
				continue
			}

			id := strings.Trim(arg[idx+len(marker):], "/")
			if slash := strings.LastIndex(id, "/"); slash >= 0 {
				// Store URLs embed a slug before the id.
				id = id[slash+1:]
			}

			if id == "" {
				return target{}, fmt.Errorf("no id in URL %q", arg)
			}

			return target{kind: kind, id: id}, nil
		}

		return target{}, fmt.Errorf("unrecognized URL %q", arg)
	}

	return target{kind: targetAlbum, id: arg}, nil
}

// meteredTransferer wraps the downloader so every transfer feeds the
// in-flight gauge, the duration histogram and the byte counter.
type meteredTransferer struct {
	downloader *transfer.Downloader
	tel        *telemetry.Telemetry
}

func (m *meteredTransferer) Download(ctx context.Context, url, finalPath, uniqueID string, sizeEstimate int64, onProgress func(written, total int64)) (string, int64, error) {
	var (
		tempPath string
		written  int64
	)

	err := m.tel.InstrumentTransfer(ctx, func(ctx context.Context) error {
		var innerErr error
		tempPath, written, innerErr = m.downloader.Download(ctx, url, finalPath, uniqueID, sizeEstimate, onProgress)

		return innerErr
	})

	m.tel.AddBytesTransferred(written)

	return tempPath, written, err
}

func (m *meteredTransferer) Finalize(tempPath, finalPath string) error {
	return m.downloader.Finalize(tempPath, finalPath)
}

func (m *meteredTransferer) Discard(tempPath string) {
	m.downloader.Discard(tempPath)
}

// outcomeReporter mirrors terminal track statuses into telemetry.
type outcomeReporter struct {
	tel *telemetry.Telemetry
}

func (r *outcomeReporter) GroupStarted(string, int)           {}
func (r *outcomeReporter) TrackStarted(string, string, int64) {}
func (r *outcomeReporter) TrackProgress(string, int64, int64) {}
func (r *outcomeReporter) SpeedSample(float64, float64)       {}

func (r *outcomeReporter) TrackFinished(_ string, status report.TrackStatus) {
	r.tel.RecordTrackOutcome(string(status))
}

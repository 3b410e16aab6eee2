package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

const (
	// sampleInterval is how often the byte counter is folded into a new
	// speed sample.
	sampleInterval = 500 * time.Millisecond

	// speedWindow is how many samples the sliding throughput average spans.
	speedWindow = 10

	historyFilePerm = 0644
)

// Summary is the terminal accounting of one session. Every processed track
// lands in exactly one counter.
type Summary struct {
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	Downloaded    int       `json:"downloaded"`
	Failed        int       `json:"failed"`
	SkippedLedger int       `json:"skipped_ledger"`
	SkippedExists int       `json:"skipped_exists"`
	SkippedPolicy int       `json:"skipped_policy"`
	TotalBytes    int64     `json:"total_bytes"`
	PeakSpeedBps  float64   `json:"peak_speed_bps"`
}

// Total returns the number of tracks the session accounted for.
func (s Summary) Total() int {
	return s.Downloaded + s.Failed + s.SkippedLedger + s.SkippedExists + s.SkippedPolicy
}

// SessionStats accumulates per-session counters and a sliding-window
// throughput estimate fed by every in-flight transfer. Safe for concurrent
// use.
type SessionStats struct {
	mu sync.Mutex

	startedAt time.Time

	downloaded    int
	failed        int
	skippedLedger int
	skippedExists int
	skippedPolicy int

	totalBytes   int64
	windowBytes  int64
	lastSample   time.Time
	samples      []float64
	currentSpeed float64
	peakSpeed    float64

	now func() time.Time
}

// NewSessionStats starts the session clock.
func NewSessionStats() *SessionStats {
	now := time.Now

	return &SessionStats{
		startedAt:  now(),
		lastSample: now(),
		now:        now,
	}
}

// AddBytes feeds transferred bytes into the throughput window. A new sample
// is cut at most every half second so a burst of small chunk writes does not
// thrash the average.
func (s *SessionStats) AddBytes(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalBytes += n
	s.windowBytes += n

	elapsed := s.now().Sub(s.lastSample)
	if elapsed < sampleInterval {
		return
	}

	sample := float64(s.windowBytes) / elapsed.Seconds()

	s.samples = append(s.samples, sample)
	if len(s.samples) > speedWindow {
		s.samples = s.samples[1:]
	}

	var sum float64
	for _, v := range s.samples {
		sum += v
	}

	s.currentSpeed = sum / float64(len(s.samples))
	if s.currentSpeed > s.peakSpeed {
		s.peakSpeed = s.currentSpeed
	}

	s.windowBytes = 0
	s.lastSample = s.now()
}

// CurrentSpeed returns the sliding-window average throughput in bytes per
// second.
func (s *SessionStats) CurrentSpeed() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.currentSpeed
}

// PeakSpeed returns the highest windowed throughput seen this session.
func (s *SessionStats) PeakSpeed() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.peakSpeed
}

func (s *SessionStats) MarkDownloaded() { s.bump(&s.downloaded) }
func (s *SessionStats) MarkFailed()     { s.bump(&s.failed) }

// MarkSkippedLedger counts a track skipped because the ledger already holds
// it.
func (s *SessionStats) MarkSkippedLedger() { s.bump(&s.skippedLedger) }

// MarkSkippedExists counts a track skipped because its destination file
// already exists.
func (s *SessionStats) MarkSkippedExists() { s.bump(&s.skippedExists) }

// MarkSkippedPolicy counts a track skipped by the quality-fallback policy.
func (s *SessionStats) MarkSkippedPolicy() { s.bump(&s.skippedPolicy) }

func (s *SessionStats) bump(counter *int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	*counter++
}

// Snapshot freezes the session counters into a summary.
func (s *SessionStats) Snapshot() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Summary{
		StartedAt:     s.startedAt,
		FinishedAt:    s.now(),
		Downloaded:    s.downloaded,
		Failed:        s.failed,
		SkippedLedger: s.skippedLedger,
		SkippedExists: s.skippedExists,
		SkippedPolicy: s.skippedPolicy,
		TotalBytes:    s.totalBytes,
		PeakSpeedBps:  s.peakSpeed,
	}
}

// AppendHistory appends the session summary as one JSON line to path.
func (s *SessionStats) AppendHistory(path string) error {
	line, err := json.Marshal(s.Snapshot())
	if err != nil {
		return fmt.Errorf("failed to encode session summary: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, historyFilePerm)
	if err != nil {
		return fmt.Errorf("failed to open session history: %w", err)
	}

	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append session history: %w", err)
	}

	return nil
}

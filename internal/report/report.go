package report

// TrackStatus is the terminal classification of one processed track.
type TrackStatus string

const (
	StatusDownloaded    TrackStatus = "downloaded"
	StatusFailed        TrackStatus = "failed"
	StatusSkippedLedger TrackStatus = "skipped_ledger"
	StatusSkippedExists TrackStatus = "skipped_exists"
	StatusSkippedPolicy TrackStatus = "skipped_policy"
)

// Reporter receives advisory progress events from the orchestrator. Events
// may arrive from multiple goroutines; implementations synchronize
// internally. Orchestration behavior never depends on the reporter.
type Reporter interface {
	// GroupStarted announces a new group (album or playlist) and the
	// number of tracks it contributes.
	GroupStarted(label string, total int)

	// TrackStarted announces that a track's transfer is beginning.
	TrackStarted(trackID, title string, sizeEstimate int64)

	// TrackProgress reports bytes written for an in-flight transfer. total
	// is 0 when unknown.
	TrackProgress(trackID string, written, total int64)

	// TrackFinished records a track's terminal status.
	TrackFinished(trackID string, status TrackStatus)

	// SpeedSample reports the aggregate session throughput.
	SpeedSample(currentBps, peakBps float64)
}

// Multi fans every event out to each reporter in order.
func Multi(reporters ...Reporter) Reporter {
	return multi(reporters)
}

type multi []Reporter

func (m multi) GroupStarted(label string, total int) {
	for _, r := range m {
		r.GroupStarted(label, total)
	}
}

func (m multi) TrackStarted(trackID, title string, sizeEstimate int64) {
	for _, r := range m {
		r.TrackStarted(trackID, title, sizeEstimate)
	}
}

func (m multi) TrackProgress(trackID string, written, total int64) {
	for _, r := range m {
		r.TrackProgress(trackID, written, total)
	}
}

func (m multi) TrackFinished(trackID string, status TrackStatus) {
	for _, r := range m {
		r.TrackFinished(trackID, status)
	}
}

func (m multi) SpeedSample(currentBps, peakBps float64) {
	for _, r := range m {
		r.SpeedSample(currentBps, peakBps)
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) GroupStarted(string, int)           {}
func (Nop) TrackStarted(string, string, int64) {}
func (Nop) TrackProgress(string, int64, int64) {}
func (Nop) TrackFinished(string, TrackStatus)  {}
func (Nop) SpeedSample(float64, float64)       {}

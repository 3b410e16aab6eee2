package report

import (
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
)

// Bar renders one aggregate progress bar counting finished tracks across
// every group of the session. Per-track byte progress is folded into the
// bar's description rather than rendered as separate bars.
type Bar struct {
	mu  sync.Mutex
	bar *progressbar.ProgressBar
}

// NewBar returns a reporter drawing to stderr.
func NewBar() *Bar {
	return &Bar{
		bar: progressbar.NewOptions(0,
			progressbar.OptionSetDescription("waiting"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(30),
			progressbar.OptionClearOnFinish(),
		),
	}
}

func (b *Bar) GroupStarted(label string, total int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bar.ChangeMax(b.bar.GetMax() + total)
	b.bar.Describe(label)
}

func (b *Bar) TrackStarted(_, title string, _ int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bar.Describe(title)
}

func (b *Bar) TrackProgress(string, int64, int64) {}

func (b *Bar) TrackFinished(_ string, _ TrackStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()

	_ = b.bar.Add(1)
}

func (b *Bar) SpeedSample(currentBps, peakBps float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bar.Describe(fmt.Sprintf("%s/s (peak %s/s)",
		humanize.Bytes(uint64(currentBps)),
		humanize.Bytes(uint64(peakBps))))
}

// Finish clears the bar once the session is done.
func (b *Bar) Finish() {
	b.mu.Lock()
	defer b.mu.Unlock()

	_ = b.bar.Finish()
}

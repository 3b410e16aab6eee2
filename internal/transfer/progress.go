package transfer

import "io"

// ProgressReader wraps an io.Reader and reports cumulative progress via a
// callback. Reporting is advisory: the callback returns nothing and the
// reader never fails on its account.
type ProgressReader struct {
	Reader         io.Reader
	Total          int64
	OnProgress     func(written int64, total int64)
	totalRead      int64 // cumulative total
	lastReport     int64 // bytes since last report
	reportInterval int64 // bytes
}

// NewProgressReader reports at most once per interval bytes read.
func NewProgressReader(r io.Reader, total int64, interval int64, cb func(written int64, total int64)) *ProgressReader {
	return &ProgressReader{
		Reader:         r,
		Total:          total,
		OnProgress:     cb,
		reportInterval: interval,
	}
}

func (pr *ProgressReader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)
		pr.lastReport += int64(n)

		if pr.OnProgress != nil && pr.lastReport >= pr.reportInterval {
			pr.OnProgress(pr.totalRead, pr.Total)
			pr.lastReport = 0
		}
	}

	// Flush the final partial interval so consumers always see completion.
	if err == io.EOF && pr.OnProgress != nil && pr.lastReport > 0 {
		pr.OnProgress(pr.totalRead, pr.Total)
		pr.lastReport = 0
	}

	return n, err
}

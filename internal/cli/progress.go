package cli

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/zapuskalka/companion/internal/transfer"
)

// progressUI renders transfer samples as a progress bar.
type progressUI struct {
	out       io.Writer
	operation string // "Compressing", "Extracting" or "Uploading"
	name      string

	mu   sync.Mutex
	bar  *progressbar.ProgressBar
	last transfer.ProgressSample
}

func newProgressUI(out io.Writer, operation, name string) *progressUI {
	return &progressUI{out: out, operation: operation, name: name}
}

// Send implements transfer.ProgressSink. The bar starts with the first sample,
// which is when the total becomes known.
func (p *progressUI) Send(sample transfer.ProgressSample) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.last = sample
	if sample.TotalBytes == 0 {
		// Nothing to draw; Finish still prints the summary.
		return nil
	}
	if p.bar == nil {
		p.bar = progressbar.NewOptions64(int64(sample.TotalBytes),
			progressbar.OptionSetDescription(fmt.Sprintf("%s %s", p.operation, p.name)),
			progressbar.OptionSetWriter(p.out),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(40),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionShowCount(),
			progressbar.OptionFullWidth(),
			progressbar.OptionSetRenderBlankState(true),
			progressbar.OptionSetPredictTime(false),
		)
	}

	_ = p.bar.Set64(int64(sample.CurrentBytes))
	p.bar.Describe(fmt.Sprintf("%s %s (%.1f%% - %s/s)",
		p.operation, p.name, sample.Percent(), formatBytes(sample.DeltaPerSecond)))
	return nil
}

// Finish completes the bar and prints a one-line summary.
func (p *progressUI) Finish(elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bar != nil {
		_ = p.bar.Finish()
	}
	fmt.Fprintf(p.out, "\n%s %s: %s in %s\n",
		p.operation, p.name, formatBytes(p.last.TotalBytes), elapsed.Round(time.Millisecond))
}

// formatBytes formats bytes to human-readable size
func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}

	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

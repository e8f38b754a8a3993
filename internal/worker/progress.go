package worker

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// barWidth is the inner width of the rendered progress bar.
const barWidth = 28

// Progress renders a single-line terminal progress bar for a tile run.
// It is fed cumulative counts through Update and an optional pipeline
// stage label through SetStage; both are safe for concurrent use.
type Progress struct {
	mu      sync.Mutex
	out     io.Writer
	started time.Time
	stage   string
	total   int
	done    int
	failed  int
	enabled bool
	width   int
}

// NewProgress creates a progress bar writing to stderr. The total may
// be zero when the tile count is not yet known; Update fills it in.
func NewProgress(total int, enabled bool) *Progress {
	return &Progress{
		out:     os.Stderr,
		started: time.Now(),
		total:   total,
		enabled: enabled,
	}
}

// SetStage records the pipeline stage shown ahead of the bar, for
// example "merging" while cross-tile merging runs.
func (p *Progress) SetStage(stage string) {
	p.mu.Lock()
	p.stage = stage
	changed := p.enabled
	p.mu.Unlock()
	if changed {
		p.render()
	}
}

// Update records cumulative completed and failed counts. A positive
// total replaces the one given at construction, so callers that start
// with an unknown tile count converge once planning finishes.
func (p *Progress) Update(completed, total, failed int) {
	p.mu.Lock()
	p.done = completed
	p.failed = failed
	if total > 0 {
		p.total = total
	}
	p.mu.Unlock()

	if p.enabled {
		p.render()
	}
}

// Callback adapts the bar to the Pool.Run progress hook.
func (p *Progress) Callback() ProgressFunc {
	return p.Update
}

// render redraws the line in place.
func (p *Progress) render() {
	line := p.line()

	p.mu.Lock()
	pad := p.width - len(line)
	if pad < 0 {
		pad = 0
	}
	p.width = len(line)
	out := p.out
	p.mu.Unlock()

	fmt.Fprint(out, "\r"+line+strings.Repeat(" ", pad))
}

// line builds the current display line. Bar fill uses integer math and
// stays empty until the total is known, so a run that never reports a
// tile still renders.
func (p *Progress) line() string {
	p.mu.Lock()
	stage, total, done, failed := p.stage, p.total, p.done, p.failed
	started := p.started
	p.mu.Unlock()

	filled := 0
	if total > 0 {
		filled = barWidth * done / total
		if filled < 0 {
			filled = 0
		}
		if filled > barWidth {
			filled = barWidth
		}
	}

	var b strings.Builder
	if stage != "" {
		fmt.Fprintf(&b, "%s ", stage)
	}
	b.WriteByte('[')
	b.WriteString(strings.Repeat("=", filled))
	if filled > 0 && filled < barWidth {
		b.WriteByte('>')
		b.WriteString(strings.Repeat(" ", barWidth-filled-1))
	} else {
		b.WriteString(strings.Repeat(" ", barWidth-filled))
	}
	b.WriteByte(']')
	fmt.Fprintf(&b, " %d/%d tiles", done, total)
	if failed > 0 {
		fmt.Fprintf(&b, ", %d failed", failed)
	}

	elapsed := time.Since(started)
	if done > 0 && elapsed > 0 {
		rate := float64(done) / elapsed.Seconds()
		fmt.Fprintf(&b, " %.1f tiles/s", rate)
		if done < total && rate > 0 {
			left := time.Duration(float64(total-done)/rate) * time.Second
			fmt.Fprintf(&b, " ~%s left", left.Round(time.Second))
		}
	}
	if total > 0 && done >= total {
		fmt.Fprintf(&b, " done in %s", elapsed.Round(time.Second))
	}
	return b.String()
}

// Done draws the final state and moves off the progress line. Safe to
// call even when no tile was ever reported.
func (p *Progress) Done() {
	if !p.enabled {
		return
	}
	p.render()
	fmt.Fprintln(p.out)
}

// Summary describes the finished run for the log.
func (p *Progress) Summary() string {
	p.mu.Lock()
	total, done, failed := p.total, p.done, p.failed
	started := p.started
	p.mu.Unlock()

	elapsed := time.Since(started)
	var rate float64
	if elapsed > 0 {
		rate = float64(done) / elapsed.Seconds()
	}
	return fmt.Sprintf("%d/%d tiles processed, %d failed, in %s (%.1f tiles/s)",
		done-failed, total, failed, elapsed.Round(time.Second), rate)
}

// Package progress renders terminal progress bars for long decodes and
// parameter sweeps.
package progress

import (
	"os"
	"sync"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// Reporter receives progress events. Implementations must be safe for
// concurrent Increment calls.
type Reporter interface {
	Start(total int)
	Increment()
	Finish()
}

// Bar is a Reporter backed by a progress bar on stderr. A Bar may be shared
// by concurrent runs; each Start replaces the bar the runs advance.
type Bar struct {
	description string

	mu  sync.Mutex
	bar *progressbar.ProgressBar
}

// New returns a Bar with the given description, or nil when disabled.
// A nil Reporter is accepted by every caller.
func New(enabled bool, description string) Reporter {
	if !enabled {
		return nil
	}
	return &Bar{description: description}
}

func (p *Bar) Start(total int) {
	if total <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bar = progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(p.description),
		progressbar.OptionSetWidth(32),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

func (p *Bar) Increment() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar == nil {
		return
	}
	_ = p.bar.Add(1)
}

func (p *Bar) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar == nil {
		return
	}
	_ = p.bar.Finish()
}

// DefaultEnabled reports whether stderr is a terminal
func DefaultEnabled() bool {
	return term.IsTerminal(int(os.Stderr.Fd()))
}

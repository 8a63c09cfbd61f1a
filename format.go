package main

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/updrive/updrive/internal/config"
	"github.com/updrive/updrive/internal/engine"
)

// statusf prints a status message to stderr unless quiet mode is set.
func statusf(format string, args ...any) {
	if !flagQuiet {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// formatETA returns a compact remaining-time estimate, or "--" when the
// speed is unknown.
func formatETA(remaining int64, bytesPerSec float64) string {
	if bytesPerSec <= 0 || remaining <= 0 {
		return "--"
	}

	eta := time.Duration(float64(remaining)/bytesPerSec) * time.Second

	switch {
	case eta >= time.Hour:
		return fmt.Sprintf("%dh%02dm", int(eta.Hours()), int(eta.Minutes())%60)
	case eta >= time.Minute:
		return fmt.Sprintf("%dm%02ds", int(eta.Minutes()), int(eta.Seconds())%60)
	default:
		return fmt.Sprintf("%ds", int(eta.Seconds()))
	}
}

// formatPercent renders upload progress as a percentage.
func formatPercent(done, total int64) string {
	if total <= 0 {
		return "0%"
	}

	return fmt.Sprintf("%d%%", done*100/total)
}

// progressPrinter renders engine events to stderr. On a terminal the
// current transfer is redrawn in place; when piped, each event becomes its
// own line so logs stay greppable.
type progressPrinter struct {
	isTTY bool
	quiet bool

	mu       sync.Mutex
	lineOpen bool
}

func newProgressPrinter() *progressPrinter {
	return &progressPrinter{
		isTTY: isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()),
		quiet: flagQuiet,
	}
}

// Consume renders events until the channel closes. Run it in its own
// goroutine and call the returned broadcaster unsubscribe when done.
func (p *progressPrinter) Consume(events <-chan engine.Event) {
	for ev := range events {
		p.render(ev)
	}

	p.closeLine()
}

func (p *progressPrinter) render(ev engine.Event) {
	if p.quiet {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Kind {
	case engine.EventProgress:
		if p.isTTY {
			fmt.Fprintf(os.Stderr, "\r\033[K%s  %s / %s (%s)  %s/s  ETA %s",
				ev.LocalPath,
				config.FormatSize(ev.BytesDone),
				config.FormatSize(ev.TotalBytes),
				formatPercent(ev.BytesDone, ev.TotalBytes),
				config.FormatSize(int64(ev.Speed)),
				formatETA(ev.TotalBytes-ev.BytesDone, ev.Speed),
			)
			p.lineOpen = true

			return
		}

		fmt.Fprintf(os.Stderr, "%s: %s / %s (%s)\n",
			ev.LocalPath,
			config.FormatSize(ev.BytesDone),
			config.FormatSize(ev.TotalBytes),
			formatPercent(ev.BytesDone, ev.TotalBytes),
		)

	case engine.EventCompleted:
		p.endLineLocked()
		fmt.Fprintf(os.Stderr, "%s: done (%s)\n", ev.LocalPath, config.FormatSize(ev.TotalBytes))

	case engine.EventFailed:
		p.endLineLocked()
		fmt.Fprintf(os.Stderr, "%s: failed: %s\n", ev.LocalPath, ev.Message)

	case engine.EventPaused:
		p.endLineLocked()
		fmt.Fprintf(os.Stderr, "%s: paused at %s / %s\n",
			ev.LocalPath,
			config.FormatSize(ev.BytesDone),
			config.FormatSize(ev.TotalBytes),
		)

	case engine.EventExpired:
		p.endLineLocked()
		fmt.Fprintf(os.Stderr, "%s: upload session expired, restarting\n", ev.LocalPath)

	case engine.EventQueued, engine.EventStarted, engine.EventCanceled:
		// Quiet kinds; the progress line covers them.
	}
}

// endLineLocked terminates an in-place progress line before a full-line
// message. Caller holds p.mu.
func (p *progressPrinter) endLineLocked() {
	if p.lineOpen {
		fmt.Fprint(os.Stderr, "\r\033[K")
		p.lineOpen = false
	}
}

func (p *progressPrinter) closeLine() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.lineOpen {
		fmt.Fprintln(os.Stderr)
		p.lineOpen = false
	}
}

// Package progress draws a terminal progress bar fed by pipeline events.
package progress

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/ASH1998/LumiBox/stats"
)

// Bar tracks scanned messages against the total counted up front.
type Bar struct {
	pb          *progressbar.ProgressBar
	w           io.Writer
	total       int
	alreadyDone int
	scanned     int
	mu          sync.Mutex
	enabled     bool
	stopped     bool
}

// New creates a progress bar when logLevel is "info". Other levels leave the
// terminal to the logger.
func New(w io.Writer, total, alreadyDone int, logLevel string) *Bar {
	bar := &Bar{
		w:           w,
		total:       total,
		alreadyDone: alreadyDone,
		enabled:     logLevel == "info" && total > 0,
	}
	if !bar.enabled {
		return bar
	}

	fmt.Fprintf(w, "Total messages: %d\n", total)
	fmt.Fprintf(w, "Already ingested: %d\n", alreadyDone)
	fmt.Fprintln(w)

	bar.pb = progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("Ingesting"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
	return bar
}

func (b *Bar) Enabled() bool {
	return b.enabled
}

// Scanned returns how many messages the bar has counted.
func (b *Bar) Scanned() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.scanned
}

// Update advances the bar for scanned messages and prints file failures
// above it.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeScanned:
		b.scanned++
		_ = b.pb.Add(1)
	case stats.EventTypeFileStarted:
		b.pb.Describe("Ingesting " + filepath.Base(evt.Source))
	case stats.EventTypeFileFailed:
		if evt.Err != nil {
			_ = b.pb.Clear()
			fmt.Fprintf(b.w, "Error: %s: %v\n", evt.Source, evt.Err)
		}
	}
}

// Stop finishes the bar. It is safe to call more than once.
func (b *Bar) Stop() {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true
	_ = b.pb.Finish()
	fmt.Fprintln(b.w)
}

// Subscriber feeds events to the bar and stops it when the stream ends.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	defer b.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

// Reporter pairs the bar with a collector whose summary is printed once the
// run is over.
type Reporter struct {
	bar       *Bar
	collector *stats.Collector
	w         io.Writer
	started   time.Time
}

func NewReporter(stream stats.EventStream, bar *Bar, w io.Writer) *Reporter {
	reporter := &Reporter{
		bar:       bar,
		collector: stats.NewCollector(),
		w:         w,
		started:   time.Now(),
	}

	if bar != nil && bar.enabled {
		stream.SubscribeStats("progress-bar", bar.Subscriber)
		stream.SubscribeStats("progress-stats", reporter.collect)
	}
	return reporter
}

func (r *Reporter) collect(ctx context.Context, events <-chan stats.Event) error {
	r.collector.Run(ctx, events)
	return nil
}

// Print writes the summary table. It does nothing when the bar is disabled.
func (r *Reporter) Print() {
	if r.bar == nil || !r.bar.enabled {
		return
	}
	s := r.collector.Snapshot()

	fmt.Fprintln(r.w, "Summary")
	fmt.Fprintf(r.w, "  Duration:         %v\n", time.Since(r.started).Round(time.Millisecond))
	fmt.Fprintf(r.w, "  Files:            %d (%d failed)\n", s.TotalFiles, s.FailedFiles)
	fmt.Fprintf(r.w, "  Emails scanned:   %d\n", s.TotalEmails)
	fmt.Fprintf(r.w, "  Stored:           %d\n", s.Processed)
	fmt.Fprintf(r.w, "  Skipped:          %d\n", s.Skipped)
	fmt.Fprintf(r.w, "  Filtered by date: %d\n", s.FilteredByDate)
	fmt.Fprintf(r.w, "  Duplicates:       %d\n", s.Duplicates)
	fmt.Fprintf(r.w, "  Failed:           %d\n", s.Failed)
	if s.LastError != nil {
		fmt.Fprintf(r.w, "  Last error:       %v\n", s.LastError)
	}
}

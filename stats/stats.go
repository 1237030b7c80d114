// Package stats turns pipeline events into counters, a run summary and
// Prometheus metrics.
package stats

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Stage string

const (
	StageMbox    Stage = "mbox"
	StageFilter  Stage = "filter"
	StageStore   Stage = "store"
	StagePreview Stage = "preview"
)

type EventType string

const (
	EventTypeScanned      EventType = "scanned"
	EventTypeSkipped      EventType = "skipped"
	EventTypeFiltered     EventType = "filtered"
	EventTypeDuplicate    EventType = "duplicate"
	EventTypeStored       EventType = "stored"
	EventTypeSampled      EventType = "sampled"
	EventTypeFailed       EventType = "failed"
	EventTypeFileStarted  EventType = "file_started"
	EventTypeFileFinished EventType = "file_finished"
	EventTypeFileFailed   EventType = "file_failed"
	EventTypeBatchWritten EventType = "batch_written"
	EventTypeBatchRetry   EventType = "batch_retry"
)

// Event is emitted by pipeline stages. Source is the mbox file the message
// belongs to. Count and Duration are set on batch events.
type Event struct {
	Stage     Stage
	Type      EventType
	MessageID string
	Source    string
	Err       error
	Detail    string
	Count     int
	Duration  time.Duration
}

// FileResult holds the counters of one mbox file.
type FileResult struct {
	Path           string
	TotalEmails    int
	Processed      int
	Skipped        int
	Failed         int
	FilteredByDate int
	Duplicates     int
	Err            error
}

// Summary aggregates a whole run. Processed counts emails stored, or shown
// in sample mode.
type Summary struct {
	TotalEmails    int
	Processed      int
	Skipped        int
	Failed         int
	FilteredByDate int
	Duplicates     int
	Sampled        int
	TotalFiles     int
	ProcessedFiles int
	FailedFiles    int
	Batches        int
	Retries        int
	LastError      error
	Files          []FileResult
}

func (s Summary) Fields() []zap.Field {
	fields := []zap.Field{
		zap.Int("totalEmails", s.TotalEmails),
		zap.Int("processed", s.Processed),
		zap.Int("skipped", s.Skipped),
		zap.Int("failed", s.Failed),
		zap.Int("filteredByDate", s.FilteredByDate),
		zap.Int("duplicates", s.Duplicates),
		zap.Int("files", s.TotalFiles),
		zap.Int("failedFiles", s.FailedFiles),
		zap.Int("batches", s.Batches),
		zap.Int("retries", s.Retries),
	}
	if s.LastError != nil {
		fields = append(fields, zap.NamedError("lastError", s.LastError))
	}
	return fields
}

// File returns the result recorded for path.
func (s Summary) File(path string) (FileResult, bool) {
	for _, f := range s.Files {
		if f.Path == path {
			return f, true
		}
	}
	return FileResult{}, false
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
	files   map[string]int
}

func NewCollector() *Collector {
	return &Collector{files: make(map[string]int)}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	summary := c.summary
	summary.Files = append([]FileResult(nil), c.summary.Files...)
	return summary
}

// Apply folds one event into the summary.
func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &c.summary
	file := c.file(evt.Source)

	switch evt.Type {
	case EventTypeFileStarted:
		s.TotalFiles++
	case EventTypeFileFinished:
		s.ProcessedFiles++
	case EventTypeFileFailed:
		s.FailedFiles++
		if file != nil {
			file.Err = evt.Err
		}
	case EventTypeScanned:
		s.TotalEmails++
		if file != nil {
			file.TotalEmails++
		}
	case EventTypeSkipped:
		s.Skipped++
		if file != nil {
			file.Skipped++
		}
	case EventTypeFiltered:
		s.FilteredByDate++
		if file != nil {
			file.FilteredByDate++
		}
	case EventTypeDuplicate:
		s.Duplicates++
		if file != nil {
			file.Duplicates++
		}
	case EventTypeStored:
		s.Processed++
		if file != nil {
			file.Processed++
		}
	case EventTypeSampled:
		s.Processed++
		s.Sampled++
		if file != nil {
			file.Processed++
		}
	case EventTypeFailed:
		s.Failed++
		if file != nil {
			file.Failed++
		}
	case EventTypeBatchWritten:
		s.Batches++
	case EventTypeBatchRetry:
		s.Retries++
	}
	if evt.Err != nil {
		s.LastError = evt.Err
	}
}

func (c *Collector) file(path string) *FileResult {
	if path == "" {
		return nil
	}
	idx, ok := c.files[path]
	if !ok {
		idx = len(c.summary.Files)
		c.files[path] = idx
		c.summary.Files = append(c.summary.Files, FileResult{Path: path})
	}
	return &c.summary.Files[idx]
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *zap.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	fields := append(summary.Fields(), zap.Duration("duration", time.Since(r.started)))
	if ctx.Err() != nil {
		r.logger.Debug("stats collection stopped", append(fields, zap.Error(ctx.Err()))...)
		return ctx.Err()
	}
	for _, f := range summary.Files {
		fileFields := []zap.Field{
			zap.String("path", f.Path),
			zap.Int("totalEmails", f.TotalEmails),
			zap.Int("processed", f.Processed),
			zap.Int("skipped", f.Skipped),
			zap.Int("failed", f.Failed),
			zap.Int("filteredByDate", f.FilteredByDate),
			zap.Int("duplicates", f.Duplicates),
		}
		if f.Err != nil {
			r.logger.Warn("file summary", append(fileFields, zap.Error(f.Err))...)
			continue
		}
		r.logger.Info("file summary", fileFields...)
	}
	r.logger.Info("stats summary", fields...)
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// PrettyPrintTop prints the top N most frequent items in a map.
func PrettyPrintTop(w io.Writer, m map[string]int, limit int) {
	for i, p := range TopN(m, limit) {
		fmt.Fprintf(w, "%d. %s (%d)\n", i+1, p.Key, p.Count)
	}
}

// Pair is a value and how often it occurred.
type Pair struct {
	Key   string
	Count int
}

// TopN returns the limit most frequent entries of m, ties broken by key.
func TopN(m map[string]int, limit int) []Pair {
	pairs := make([]Pair, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, Pair{k, v})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Count != pairs[j].Count {
			return pairs[i].Count > pairs[j].Count
		}
		return pairs[i].Key < pairs[j].Key
	})
	if limit >= 0 && len(pairs) > limit {
		pairs = pairs[:limit]
	}
	return pairs
}

// Package runner wires the ingest pipeline: an mbox producer feeds the
// bridge, which validates, filters, deduplicates and batches emails for a
// Sink. Events from every stage fan out to stats subscribers.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ASH1998/LumiBox/filter"
	"github.com/ASH1998/LumiBox/model"
	"github.com/ASH1998/LumiBox/state"
	"github.com/ASH1998/LumiBox/stats"
)

var (
	ErrNoSink           = errors.New("runner has no sink")
	ErrMessageIDMissing = errors.New("message has no Message-ID")
)

type StageFunc func(context.Context) error

// Sink consumes batches. It returns one result per email; an error aborts
// the pipeline.
type Sink interface {
	WriteBatch(ctx context.Context, batch model.Batch) ([]model.Result, error)
}

type Options struct {
	BatchSize int
	DateRange filter.DateRange
	StateDir  string
	Namespace string
	// Persist enables the on-disk state file. Sample and dry runs leave it off.
	Persist bool
	// Tracker overrides the file tracker built from StateDir.
	Tracker state.Tracker
}

type stage struct {
	name string
	fn   StageFunc
}

type subscriber struct {
	name string
	fn   func(context.Context, <-chan stats.Event) error
	ch   chan stats.Event
}

type Runner struct {
	opts   Options
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	messages chan model.Envelope
	batches  chan model.Batch
	events   chan stats.Event

	tracker state.Tracker
	sink    Sink

	stages      []stage
	subscribers []*subscriber

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeMailboxOnce sync.Once
	closeBatchesOnce sync.Once
	since            time.Time
}

func New(parent context.Context, opts Options, logger *zap.Logger) (*Runner, error) {
	if opts.BatchSize < 1 {
		return nil, fmt.Errorf("batch size must be >= 1, got %d", opts.BatchSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	tracker := opts.Tracker
	if tracker == nil {
		ft, err := state.NewFileTracker(opts.StateDir, opts.Namespace, opts.Persist)
		if err != nil {
			return nil, fmt.Errorf("state tracker: %w", err)
		}
		tracker = ft
	}

	ctx, cancel := context.WithCancel(parent)
	r := &Runner{
		opts:     opts,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		messages: make(chan model.Envelope, 32),
		batches:  make(chan model.Batch, 2),
		events:   make(chan stats.Event, 256),
		tracker:  tracker,
	}

	r.AddStage("bridge", r.bridge)
	r.AddStage("sink", r.drain)
	return r, nil
}

func (r *Runner) Logger() *zap.Logger {
	return r.logger
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

func (r *Runner) Tracker() state.Tracker {
	return r.tracker
}

// SetSink selects where batches go. It must be called before Start.
func (r *Runner) SetSink(s Sink) {
	r.sink = s
}

func (r *Runner) MailboxWriter() chan<- model.Envelope {
	return r.messages
}

func (r *Runner) CloseMailbox() {
	r.closeMailboxOnce.Do(func() {
		close(r.messages)
	})
}

func (r *Runner) EmitEvent(evt stats.Event) {
	select {
	case <-r.ctx.Done():
	case r.events <- evt:
	}
}

// SubscribeStats registers fn to receive every event. Each subscriber gets
// its own channel, closed once all stages have finished.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	r.subscribers = append(r.subscribers, &subscriber{name: name, fn: fn, ch: make(chan stats.Event, 64)})
}

// AddStage registers a stage; stages run concurrently once Start is called.
func (r *Runner) AddStage(name string, fn StageFunc) {
	r.stages = append(r.stages, stage{name: name, fn: fn})
}

// Start runs the pipeline to completion and returns the first fatal error.
func (r *Runner) Start() error {
	defer r.cancel()
	if r.sink == nil {
		_ = r.tracker.Close()
		return ErrNoSink
	}
	r.since = time.Now()

	for _, sub := range r.subscribers {
		r.statsWG.Add(1)
		go func(sub *subscriber) {
			defer r.statsWG.Done()
			if err := sub.fn(r.ctx, sub.ch); err != nil && !errors.Is(err, context.Canceled) {
				r.fail(fmt.Errorf("%s stats: %w", sub.name, err))
			}
		}(sub)
	}
	dispatched := make(chan struct{})
	go r.dispatch(dispatched)

	for _, st := range r.stages {
		r.workWG.Add(1)
		go func(st stage) {
			defer r.workWG.Done()
			if err := st.fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.fail(fmt.Errorf("%s stage: %w", st.name, err))
			}
		}(st)
	}

	r.workWG.Wait()
	close(r.events)
	<-dispatched
	r.statsWG.Wait()

	if err := r.tracker.Close(); err != nil {
		r.fail(fmt.Errorf("close state: %w", err))
	}

	err := r.Err()
	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("pipeline failed", zap.Duration("duration", duration), zap.Error(err))
		return err
	}

	r.logger.Info("pipeline completed", zap.Duration("duration", duration))
	return nil
}

// Err returns the first fatal error, if any.
func (r *Runner) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

func (r *Runner) dispatch(done chan<- struct{}) {
	defer close(done)
	defer func() {
		for _, sub := range r.subscribers {
			close(sub.ch)
		}
	}()
	for evt := range r.events {
		for _, sub := range r.subscribers {
			select {
			case <-r.ctx.Done():
			case sub.ch <- evt:
			}
		}
	}
}

func (r *Runner) bridge(ctx context.Context) error {
	defer r.closeBatches()

	seen := make(map[string]struct{})
	seq := 0
	var pending []model.Email

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		seq++
		batch := model.Batch{Seq: seq, Emails: pending}
		pending = nil
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r.batches <- batch:
			return nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case envelope, ok := <-r.messages:
			if !ok {
				return flush()
			}

			switch envelope.Kind {
			case model.KindFileStarted:
				r.logger.Info("processing mbox file", zap.String("path", envelope.Source))
				r.EmitEvent(stats.Event{Stage: stats.StageMbox, Type: stats.EventTypeFileStarted, Source: envelope.Source})
				continue
			case model.KindFileFinished:
				if envelope.Err != nil {
					r.EmitEvent(stats.Event{Stage: stats.StageMbox, Type: stats.EventTypeFileFailed, Source: envelope.Source, Err: envelope.Err})
				} else {
					r.EmitEvent(stats.Event{Stage: stats.StageMbox, Type: stats.EventTypeFileFinished, Source: envelope.Source, Count: envelope.Index})
				}
				continue
			}

			r.EmitEvent(stats.Event{Stage: stats.StageMbox, Type: stats.EventTypeScanned, Source: envelope.Source, MessageID: envelope.Email.MessageID})

			if envelope.Err != nil {
				r.EmitEvent(stats.Event{Stage: stats.StageMbox, Type: stats.EventTypeFailed, Source: envelope.Source, Err: envelope.Err})
				continue
			}

			email := envelope.Email
			if email.MessageID == "" {
				r.logger.Debug("skipping message without Message-ID", zap.String("path", envelope.Source), zap.Int("index", envelope.Index))
				r.EmitEvent(stats.Event{Stage: stats.StageFilter, Type: stats.EventTypeSkipped, Source: envelope.Source, Detail: ErrMessageIDMissing.Error()})
				continue
			}

			if !r.opts.DateRange.Contains(email.DateSent) {
				r.EmitEvent(stats.Event{Stage: stats.StageFilter, Type: stats.EventTypeFiltered, Source: envelope.Source, MessageID: email.MessageID})
				continue
			}

			if email.Hash != "" {
				_, dup := seen[email.Hash]
				if dup || r.tracker.AlreadyProcessed(email.Hash) {
					r.EmitEvent(stats.Event{Stage: stats.StageFilter, Type: stats.EventTypeDuplicate, Source: envelope.Source, MessageID: email.MessageID})
					continue
				}
				seen[email.Hash] = struct{}{}
			}

			pending = append(pending, email)
			if len(pending) >= r.opts.BatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
}

func (r *Runner) drain(ctx context.Context) error {
	total := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-r.batches:
			if !ok {
				return nil
			}
			if r.sink == nil {
				return ErrNoSink
			}

			started := time.Now()
			results, err := r.sink.WriteBatch(ctx, batch)
			if err != nil {
				return fmt.Errorf("batch %d: %w", batch.Seq, err)
			}
			stored := 0
			for _, res := range results {
				switch res.Outcome {
				case model.OutcomeStored:
					stored++
					if err := r.tracker.MarkProcessed(state.Record{Hash: res.Hash, MessageID: res.MessageID, EmailID: res.EmailID}); err != nil {
						return fmt.Errorf("record state: %w", err)
					}
					r.EmitEvent(stats.Event{Stage: stats.StageStore, Type: stats.EventTypeStored, Source: res.Source, MessageID: res.MessageID})
				case model.OutcomeSampled:
					r.EmitEvent(stats.Event{Stage: stats.StagePreview, Type: stats.EventTypeSampled, Source: res.Source, MessageID: res.MessageID})
				case model.OutcomeSkipped:
					r.EmitEvent(stats.Event{Stage: stats.StageStore, Type: stats.EventTypeSkipped, Source: res.Source, MessageID: res.MessageID, Err: res.Err})
				case model.OutcomeFailed:
					r.logger.Warn("email failed", zap.String("messageID", res.MessageID), zap.Error(res.Err))
					r.EmitEvent(stats.Event{Stage: stats.StageStore, Type: stats.EventTypeFailed, Source: res.Source, MessageID: res.MessageID, Err: res.Err})
				}
			}
			if err := r.tracker.Flush(); err != nil {
				return fmt.Errorf("flush state: %w", err)
			}

			total += len(batch.Emails)
			duration := time.Since(started)
			r.EmitEvent(stats.Event{Stage: stats.StageStore, Type: stats.EventTypeBatchWritten, Count: len(batch.Emails), Duration: duration})
			r.logger.Info("batch processed",
				zap.Int("batch", batch.Seq),
				zap.Int("emails", len(batch.Emails)),
				zap.Int("stored", stored),
				zap.Int("total", total),
				zap.Duration("duration", duration))
		}
	}
}

func (r *Runner) closeBatches() {
	r.closeBatchesOnce.Do(func() {
		close(r.batches)
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}

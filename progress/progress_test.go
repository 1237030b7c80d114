package progress

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ASH1998/LumiBox/stats"
)

type stream struct {
	subs map[string]func(context.Context, <-chan stats.Event) error
}

func (s *stream) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	if s.subs == nil {
		s.subs = make(map[string]func(context.Context, <-chan stats.Event) error)
	}
	s.subs[name] = fn
}

func events(evts ...stats.Event) <-chan stats.Event {
	ch := make(chan stats.Event, len(evts))
	for _, e := range evts {
		ch <- e
	}
	close(ch)
	return ch
}

func TestBarDisabledOutsideInfo(t *testing.T) {
	var buf bytes.Buffer
	bar := New(&buf, 10, 0, "debug")
	assert.False(t, bar.Enabled())
	bar.Update(stats.Event{Type: stats.EventTypeScanned})
	bar.Stop()
	assert.Zero(t, bar.Scanned())
	assert.Empty(t, buf.String())

	assert.False(t, New(&buf, 0, 0, "info").Enabled(), "unknown totals get no bar")
}

func TestBarCountsScanned(t *testing.T) {
	var buf bytes.Buffer
	bar := New(&buf, 3, 1, "info")
	require.True(t, bar.Enabled())

	err := bar.Subscriber(context.Background(), events(
		stats.Event{Type: stats.EventTypeFileStarted, Source: "/tmp/inbox.mbox"},
		stats.Event{Type: stats.EventTypeScanned},
		stats.Event{Type: stats.EventTypeStored},
		stats.Event{Type: stats.EventTypeScanned},
		stats.Event{Type: stats.EventTypeFileFailed, Source: "/tmp/other.mbox", Err: errors.New("permission denied")},
	))
	require.NoError(t, err)
	assert.Equal(t, 2, bar.Scanned())

	out := buf.String()
	assert.Contains(t, out, "Total messages: 3")
	assert.Contains(t, out, "Already ingested: 1")
	assert.Contains(t, out, "Error: /tmp/other.mbox: permission denied")

	bar.Stop()
}

func TestReporterPrintsSummary(t *testing.T) {
	var barOut, out bytes.Buffer
	s := &stream{}
	bar := New(&barOut, 2, 0, "info")
	reporter := NewReporter(s, bar, &out)
	require.Len(t, s.subs, 2)

	require.NoError(t, s.subs["progress-stats"](context.Background(), events(
		stats.Event{Type: stats.EventTypeFileStarted, Source: "a.mbox"},
		stats.Event{Type: stats.EventTypeScanned, Source: "a.mbox"},
		stats.Event{Type: stats.EventTypeStored, Source: "a.mbox"},
		stats.Event{Type: stats.EventTypeScanned, Source: "a.mbox"},
		stats.Event{Type: stats.EventTypeDuplicate, Source: "a.mbox"},
	)))
	reporter.Print()

	assert.Contains(t, out.String(), "Emails scanned:   2")
	assert.Contains(t, out.String(), "Stored:           1")
	assert.Contains(t, out.String(), "Duplicates:       1")
}

func TestReporterWithoutBar(t *testing.T) {
	var out bytes.Buffer
	s := &stream{}
	reporter := NewReporter(s, New(&out, 5, 0, "warn"), &out)
	assert.Empty(t, s.subs)
	reporter.Print()
	assert.Empty(t, out.String())
}

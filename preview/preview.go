// Package preview implements sample mode: emails are printed instead of
// stored.
package preview

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/ASH1998/LumiBox/model"
	"github.com/ASH1998/LumiBox/stats"
)

const (
	BodyPreviewLength = 200
	separator         = "--------------------------------------------------"
)

// Printer shows the first limit emails of every mbox file and counts the
// rest. A zero limit prints nothing, which is how dry runs use it.
type Printer struct {
	w     io.Writer
	limit int

	mu     sync.Mutex
	shown  map[string]int
	sample int
}

func NewPrinter(w io.Writer, limit int) *Printer {
	if limit < 0 {
		limit = 0
	}
	return &Printer{w: w, limit: limit, shown: make(map[string]int)}
}

// WriteBatch prints what is left of each file's quota and reports every email
// as sampled.
func (p *Printer) WriteBatch(ctx context.Context, batch model.Batch) ([]model.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	results := make([]model.Result, 0, len(batch.Emails))
	for _, email := range batch.Emails {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		shown, seen := p.shown[email.Source]
		if !seen {
			p.shown[email.Source] = 0
		}
		if !seen && p.limit > 0 {
			fmt.Fprintf(p.w, "\n=== SAMPLE EMAILS FROM: %s ===\n", email.Source)
		}
		if shown < p.limit {
			p.shown[email.Source] = shown + 1
			p.sample++
			p.print(email, shown+1)
		}

		results = append(results, model.Result{
			MessageID: email.MessageID,
			Hash:      email.Hash,
			Source:    email.Source,
			Outcome:   model.OutcomeSampled,
		})
	}
	return results, nil
}

func (p *Printer) print(email model.Email, index int) {
	date := "unknown"
	if email.DateSent != nil {
		date = email.DateSent.Format("2006-01-02 15:04:05 -0700")
	}
	fmt.Fprintf(p.w, "\n--- Email #%d ---\n", index)
	fmt.Fprintf(p.w, "Message ID: %s\n", email.MessageID)
	fmt.Fprintf(p.w, "Subject: %s\n", email.Subject)
	fmt.Fprintf(p.w, "From: %s\n", email.Sender)
	fmt.Fprintf(p.w, "To: %s\n", email.Recipient)
	fmt.Fprintf(p.w, "Date: %s\n", date)
	fmt.Fprintf(p.w, "Labels: [%s]\n", strings.Join(email.Labels, ", "))
	fmt.Fprintf(p.w, "Attachments: %d\n", len(email.Attachments))
	fmt.Fprintf(p.w, "Body (first %d chars): %s\n", BodyPreviewLength, Truncate(email.BodyText, BodyPreviewLength))
	fmt.Fprintln(p.w, separator)
}

// Shown returns how many emails were printed.
func (p *Printer) Shown() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sample
}

// PrintSummary writes the closing block of a sample run.
func (p *Printer) PrintSummary(s stats.Summary) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintln(p.w, "\n=== SAMPLE COMPLETE ===")
	fmt.Fprintf(p.w, "Total emails: %d\n", s.TotalEmails)
	fmt.Fprintf(p.w, "Emails in date range: %d\n", s.Processed)
	fmt.Fprintf(p.w, "Filtered by date: %d\n", s.FilteredByDate)
	fmt.Fprintf(p.w, "Skipped: %d\n", s.Skipped)
	if s.Duplicates > 0 {
		fmt.Fprintf(p.w, "Already ingested: %d\n", s.Duplicates)
	}
	if s.Failed > 0 {
		fmt.Fprintf(p.w, "Failed to parse: %d\n", s.Failed)
	}
	fmt.Fprintf(p.w, "Sample emails shown: %d\n", p.sample)
}

// Truncate shortens s to at most n runes, marking the cut with "...".
func Truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

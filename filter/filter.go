// Package filter decides which mbox messages are ingested: regex allow and
// block lists over headers and bodies, and a sent-date range.
package filter

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
)

// Options captures the filtering configuration.
type Options struct {
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

// rule is one compiled pattern and the number of messages it matched.
type rule struct {
	re   *regexp.Regexp
	hits atomic.Int64
}

// ruleSet is the compiled form of one of the four pattern lists.
type ruleSet []*rule

// match evaluates every rule so each hit count stays accurate.
func (rs ruleSet) match(text string) bool {
	matched := false
	for _, r := range rs {
		if r.re.MatchString(text) {
			r.hits.Add(1)
			matched = true
		}
	}
	return matched
}

func (rs ruleSet) snapshot() ([]string, map[string]int) {
	names := make([]string, 0, len(rs))
	hits := make(map[string]int, len(rs))
	for _, r := range rs {
		names = append(names, r.re.String())
		hits[r.re.String()] += int(r.hits.Load())
	}
	return names, hits
}

// Filter applies either allow lists or block lists, never both. It is safe
// for concurrent use.
type Filter struct {
	include struct{ header, body ruleSet }
	exclude struct{ header, body ruleSet }
}

// Stats reports how often each pattern matched.
type Stats struct {
	IncludeHeaderPatterns []string
	IncludeBodyPatterns   []string
	ExcludeHeaderPatterns []string
	ExcludeBodyPatterns   []string
	IncludeHeaderHits     map[string]int
	IncludeBodyHits       map[string]int
	ExcludeHeaderHits     map[string]int
	ExcludeBodyHits       map[string]int
}

// New compiles the patterns of opts. Blank patterns are ignored.
func New(opts Options) (*Filter, error) {
	f := &Filter{}
	for _, set := range []struct {
		flag     string
		patterns []string
		dst      *ruleSet
	}{
		{"include-header", opts.IncludeHeader, &f.include.header},
		{"include-body", opts.IncludeBody, &f.include.body},
		{"exclude-header", opts.ExcludeHeader, &f.exclude.header},
		{"exclude-body", opts.ExcludeBody, &f.exclude.body},
	} {
		rs, err := compile(set.patterns)
		if err != nil {
			return nil, fmt.Errorf("compile %s pattern: %w", set.flag, err)
		}
		*set.dst = rs
	}

	if f.including() && f.excluding() {
		return nil, fmt.Errorf("include and exclude filters are mutually exclusive")
	}
	return f, nil
}

func (f *Filter) including() bool {
	return len(f.include.header) > 0 || len(f.include.body) > 0
}

func (f *Filter) excluding() bool {
	return len(f.exclude.header) > 0 || len(f.exclude.body) > 0
}

// Allows reports whether a message passes. With allow lists a message must
// match at least one header or body pattern; with block lists it must match
// none.
func (f *Filter) Allows(header, body []byte) bool {
	switch {
	case f.including():
		h := matchBytes(f.include.header, header)
		b := matchBytes(f.include.body, body)
		return h || b
	case f.excluding():
		h := matchBytes(f.exclude.header, header)
		b := matchBytes(f.exclude.body, body)
		return !h && !b
	}
	return true
}

func matchBytes(rs ruleSet, text []byte) bool {
	if len(rs) == 0 {
		return false
	}
	return rs.match(string(text))
}

// Active reports whether any pattern is configured.
func (f *Filter) Active() bool {
	return f.including() || f.excluding()
}

// GetStats returns a snapshot of per-pattern hit counts.
func (f *Filter) GetStats() Stats {
	var s Stats
	s.IncludeHeaderPatterns, s.IncludeHeaderHits = f.include.header.snapshot()
	s.IncludeBodyPatterns, s.IncludeBodyHits = f.include.body.snapshot()
	s.ExcludeHeaderPatterns, s.ExcludeHeaderHits = f.exclude.header.snapshot()
	s.ExcludeBodyPatterns, s.ExcludeBodyHits = f.exclude.body.snapshot()
	return s
}

// SplitRawMessage splits a raw email message into header and body parts.
func SplitRawMessage(raw []byte) (header, body []byte) {
	if len(raw) == 0 {
		return nil, nil
	}

	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[:idx], raw[idx+4:]
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return raw[:idx], raw[idx+2:]
	}

	return raw, nil
}

func compile(patterns []string) (ruleSet, error) {
	var rs ruleSet
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", pattern, err)
		}
		rs = append(rs, &rule{re: re})
	}
	return rs, nil
}

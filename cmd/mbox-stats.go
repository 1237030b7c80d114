package cmd

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ASH1998/LumiBox/filter"
	"github.com/ASH1998/LumiBox/mbox"
	"github.com/ASH1998/LumiBox/stats"
)

// Headers counted by mbox-stats. Gmail labels are split into single labels.
var trackedHeaders = []string{"From", "To", "Subject", mbox.HeaderLabels}

type mboxStatsOptions struct {
	reportDir  string
	topN       int
	csvLimit   int
	refreshing bool
	filter     filter.Options
}

func newMboxStatsCommand() *cobra.Command {
	var opts mboxStatsOptions

	cmd := &cobra.Command{
		Use:   "mbox-stats [mbox file or directory]",
		Short: "Analyse mbox files and show header statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			includeActive := len(opts.filter.IncludeHeader) > 0 || len(opts.filter.IncludeBody) > 0
			excludeActive := len(opts.filter.ExcludeHeader) > 0 || len(opts.filter.ExcludeBody) > 0
			if includeActive && excludeActive {
				return fmt.Errorf("include and exclude flags are mutually exclusive")
			}
			return runMboxStats(cmd.OutOrStdout(), args[0], opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.reportDir, "output", "o", ".", "Output directory for CSV reports")
	flags.IntVarP(&opts.topN, "top", "t", 10, "Number of top items to display in statistics")
	flags.IntVar(&opts.csvLimit, "csv-limit", 1000, "Maximum rows per CSV report")
	flags.BoolVar(&opts.refreshing, "live", false, "Redraw the statistics while reading")
	flags.StringArrayVar(&opts.filter.IncludeHeader, "include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	flags.StringArrayVar(&opts.filter.IncludeBody, "include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	flags.StringArrayVar(&opts.filter.ExcludeHeader, "exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	flags.StringArrayVar(&opts.filter.ExcludeBody, "exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")
	return cmd
}

func runMboxStats(out io.Writer, path string, opts mboxStatsOptions) error {
	paths, err := mbox.ResolvePaths(path)
	if err != nil {
		return err
	}

	f, err := filter.New(opts.filter)
	if err != nil {
		return fmt.Errorf("create filter: %w", err)
	}

	counter := make(map[string]map[string]int)
	for _, h := range trackedHeaders {
		counter[h] = make(map[string]int)
	}

	messageCount, skippedCount := 0, 0
	printStats := func() {
		if opts.refreshing {
			// Clear the screen and move the cursor home.
			fmt.Fprint(out, "\033[H\033[2J")
		}
		total := messageCount + skippedCount
		var filterPercent float64
		if total > 0 {
			filterPercent = float64(skippedCount) / float64(total) * 100
		}
		fmt.Fprintf(out, "Processed %d messages (skipped %d by filters, %.2f%%)...\n\n", messageCount, skippedCount, filterPercent)

		printFilterStats(out, f.GetStats())

		for _, header := range trackedHeaders {
			fmt.Fprintf(out, "Top %d %s:\n", opts.topN, header)
			stats.PrettyPrintTop(out, counter[header], opts.topN)
			fmt.Fprintln(out)
		}
	}

	for _, p := range paths {
		fmt.Fprintln(out, "Analyzing mbox file:", p)
		err := mbox.Read(p, func(m *mbox.Message) error {
			header, body := filter.SplitRawMessage(m.Raw)
			if !f.Allows(header, body) {
				skippedCount++
				return nil
			}

			messageCount++
			for _, name := range trackedHeaders {
				for _, value := range headerValues(m, name) {
					counter[name][value]++
				}
			}

			if opts.refreshing && messageCount%250 == 0 {
				printStats()
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("read %s: %w", p, err)
		}
	}

	printStats()

	if err := saveCSVReports(counter, trackedHeaders, opts.reportDir, opts.csvLimit); err != nil {
		return fmt.Errorf("save CSV reports: %w", err)
	}
	fmt.Fprintf(out, "\nReports saved to directory: %s\n", opts.reportDir)
	return nil
}

func headerValues(m *mbox.Message, name string) []string {
	value := strings.TrimSpace(m.Headers.Get(name))
	if value == "" {
		return nil
	}
	if name != mbox.HeaderLabels {
		return []string{value}
	}
	var labels []string
	for _, l := range strings.Split(value, ",") {
		if l = strings.TrimSpace(l); l != "" {
			labels = append(labels, l)
		}
	}
	return labels
}

func printFilterStats(out io.Writer, s filter.Stats) {
	groups := []struct {
		title    string
		patterns []string
		hits     map[string]int
	}{
		{"Include Header Filters", s.IncludeHeaderPatterns, s.IncludeHeaderHits},
		{"Include Body Filters", s.IncludeBodyPatterns, s.IncludeBodyHits},
		{"Exclude Header Filters", s.ExcludeHeaderPatterns, s.ExcludeHeaderHits},
		{"Exclude Body Filters", s.ExcludeBodyPatterns, s.ExcludeBodyHits},
	}

	printed := false
	for _, g := range groups {
		if len(g.patterns) == 0 {
			continue
		}
		printed = true
		fmt.Fprintf(out, "%s:\n", g.title)
		printFilterHits(out, g.patterns, g.hits)
		fmt.Fprintln(out)
	}
	if printed {
		fmt.Fprint(out, "---\n\n")
	}
}

func printFilterHits(out io.Writer, patterns []string, hits map[string]int) {
	counts := make(map[string]int, len(patterns))
	for _, p := range patterns {
		counts[p] = hits[p]
	}
	for _, p := range stats.TopN(counts, -1) {
		mark := "✓"
		if p.Count == 0 {
			mark = "✗"
		}
		fmt.Fprintf(out, "  %s %s: %d hits\n", mark, p.Key, p.Count)
	}
}

func saveCSVReports(counter map[string]map[string]int, headers []string, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, header := range headers {
		path := filepath.Join(dir, fmt.Sprintf("report_%s.csv", normalizeHeaderName(header)))
		if err := writeCSVReport(path, counter[header], limit); err != nil {
			return err
		}
	}
	return nil
}

func writeCSVReport(path string, counts map[string]int, limit int) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Value", "Count"}); err != nil {
		return err
	}
	for _, p := range stats.TopN(counts, limit) {
		if err := writer.Write([]string{p.Key, strconv.Itoa(p.Count)}); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

func normalizeHeaderName(header string) string {
	name := strings.ToLower(header)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}

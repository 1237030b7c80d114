package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ASH1998/LumiBox/filter"
	"github.com/ASH1998/LumiBox/schema"
)

// DefaultSampleSize is how many emails --sample prints.
const DefaultSampleSize = 5

// IngestOptions captures the command-line options of the ingest command.
type IngestOptions struct {
	MboxPath      string
	ConfigPath    string
	EnvFile       string
	Namespace     string
	DateRange     filter.DateRange
	Sample        bool
	SampleSize    int
	DryRun        bool
	StateDir      string
	LogLevel      string
	LogDir        string
	MetricsAddr   string
	NoProgress    bool
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

// Filter returns the regex filter options.
func (o IngestOptions) Filter() filter.Options {
	return filter.Options{
		IncludeHeader: o.IncludeHeader,
		IncludeBody:   o.IncludeBody,
		ExcludeHeader: o.ExcludeHeader,
		ExcludeBody:   o.ExcludeBody,
	}
}

// Persist reports whether the run writes to the database and state files.
func (o IngestOptions) Persist() bool {
	return !o.Sample && !o.DryRun
}

// RegisterCommonFlags attaches the flags shared by every command that reads
// the processing document.
func RegisterCommonFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("config", DefaultPath, "Path to the processing document (YAML)")
	flags.String("env-file", ".env", "Optional dotenv file with DB_* variables")
	flags.String("log-level", "", "Logging level: debug, info, warn, error (default LOG_LEVEL or info)")
}

// RegisterIngestFlags attaches all ingest flags to the provided command.
func RegisterIngestFlags(cmd *cobra.Command) error {
	defaultStateDir, err := defaultStateDir()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	flags.StringP("start-date", "s", "", "Only ingest emails sent on or after this date (YYYY-MM-DD)")
	flags.StringP("end-date", "e", "", "Only ingest emails sent on or before this date (YYYY-MM-DD)")
	flags.Bool("sample", false, "Print sample emails instead of writing to the database")
	flags.Int("sample-size", DefaultSampleSize, "Number of emails printed by --sample")
	flags.Bool("dry-run", false, "Parse and filter without writing to the database")
	flags.String("namespace", "", "Target PostgreSQL schema (default DB_SCHEMA or public)")
	flags.String("state-dir", defaultStateDir, "Directory for incremental ingest state files")
	flags.String("log-dir", "", "Directory receiving a copy of the log")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	flags.Bool("no-progress", false, "Disable the progress bar")
	flags.StringArray("include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")
	return nil
}

// LoadIngestOptions converts the parsed Cobra flags into IngestOptions with
// validation. args[0] is the mbox file or directory.
func LoadIngestOptions(cmd *cobra.Command, args []string) (IngestOptions, error) {
	if len(args) != 1 {
		return IngestOptions{}, fmt.Errorf("expected exactly one mbox file or directory")
	}
	flags := cmd.Flags()

	var (
		opts               IngestOptions
		startDate, endDate string
		err                error
	)
	opts.MboxPath = args[0]

	for name, dst := range map[string]*string{
		"config":       &opts.ConfigPath,
		"env-file":     &opts.EnvFile,
		"log-level":    &opts.LogLevel,
		"start-date":   &startDate,
		"end-date":     &endDate,
		"namespace":    &opts.Namespace,
		"state-dir":    &opts.StateDir,
		"log-dir":      &opts.LogDir,
		"metrics-addr": &opts.MetricsAddr,
	} {
		if *dst, err = flags.GetString(name); err != nil {
			return IngestOptions{}, err
		}
	}
	for name, dst := range map[string]*bool{
		"sample":      &opts.Sample,
		"dry-run":     &opts.DryRun,
		"no-progress": &opts.NoProgress,
	} {
		if *dst, err = flags.GetBool(name); err != nil {
			return IngestOptions{}, err
		}
	}
	if opts.SampleSize, err = flags.GetInt("sample-size"); err != nil {
		return IngestOptions{}, err
	}
	for name, dst := range map[string]*[]string{
		"include-header": &opts.IncludeHeader,
		"include-body":   &opts.IncludeBody,
		"exclude-header": &opts.ExcludeHeader,
		"exclude-body":   &opts.ExcludeBody,
	} {
		if *dst, err = flags.GetStringArray(name); err != nil {
			return IngestOptions{}, err
		}
	}

	if opts.DateRange, err = filter.NewDateRange(startDate, endDate); err != nil {
		return IngestOptions{}, err
	}

	if opts.StateDir == "" {
		if opts.StateDir, err = defaultStateDir(); err != nil {
			return IngestOptions{}, err
		}
	}
	opts.StateDir = filepath.Clean(opts.StateDir)

	if err := validateIngestOptions(opts); err != nil {
		return IngestOptions{}, err
	}
	return opts, nil
}

// ResolveNamespace applies the --namespace > DB_SCHEMA > public precedence.
// Call it after the dotenv file has been loaded.
func (o *IngestOptions) ResolveNamespace() error {
	if o.Namespace == "" {
		o.Namespace = NamespaceFromEnv()
	}
	if !schema.ValidIdentifier(o.Namespace) {
		return fmt.Errorf("invalid namespace %q", o.Namespace)
	}
	return nil
}

// ResolveLogLevel applies the --log-level > LOG_LEVEL > info precedence.
func ResolveLogLevel(flag string) string {
	level := flag
	if level == "" {
		level = os.Getenv(EnvLogLevel)
	}
	level = strings.ToLower(strings.TrimSpace(level))
	switch level {
	case "":
		return "info"
	case "warning":
		return "warn"
	}
	return level
}

func validateIngestOptions(opts IngestOptions) error {
	if opts.MboxPath == "" {
		return fmt.Errorf("mbox path is required")
	}
	if opts.Sample && opts.SampleSize < 1 {
		return fmt.Errorf("--sample-size must be >= 1")
	}
	includeActive := len(opts.IncludeHeader) > 0 || len(opts.IncludeBody) > 0
	excludeActive := len(opts.ExcludeHeader) > 0 || len(opts.ExcludeBody) > 0
	if includeActive && excludeActive {
		return fmt.Errorf("include and exclude flags are mutually exclusive")
	}
	if opts.Namespace != "" && !schema.ValidIdentifier(opts.Namespace) {
		return fmt.Errorf("invalid --namespace %q", opts.Namespace)
	}
	return nil
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".lumibox", "state"), nil
}

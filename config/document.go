package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ASH1998/LumiBox/logging"
	"github.com/ASH1998/LumiBox/schema"
)

// DefaultPath is where the CLI looks for the processing document.
const DefaultPath = "config/database.yaml"

//go:embed database.yaml
var defaultDocument []byte

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Document is the processing configuration: pool limits, table definitions,
// batch/retry parameters and log formats. It is loaded once and treated as
// read-only afterwards.
type Document struct {
	Database   Database   `yaml:"database"`
	Processing Processing `yaml:"processing"`
	Logging    Logging    `yaml:"logging"`
}

type Database struct {
	ConnectionPool ConnectionPool `yaml:"connection_pool"`
	Tables         Tables         `yaml:"tables"`
}

// ConnectionPool bounds the PostgreSQL pool. ConnectionTimeout is in seconds.
type ConnectionPool struct {
	MinConnections    int `yaml:"min_connections"`
	MaxConnections    int `yaml:"max_connections"`
	ConnectionTimeout int `yaml:"connection_timeout"`
}

// Timeout returns ConnectionTimeout as a duration.
func (p ConnectionPool) Timeout() time.Duration {
	return time.Duration(p.ConnectionTimeout) * time.Second
}

type Tables struct {
	Emails      Table `yaml:"emails"`
	Attachments Table `yaml:"attachments"`
}

// Table is defined either by a SQL template containing {schema} or by a typed
// column list. Exactly one of Schema and Columns is set.
type Table struct {
	Name    string          `yaml:"name"`
	Schema  string          `yaml:"schema,omitempty"`
	Columns []schema.Column `yaml:"columns,omitempty"`
}

// Processing carries batching and retry parameters. RetryDelay is in seconds.
type Processing struct {
	BatchSize  int     `yaml:"batch_size"`
	MaxRetries int     `yaml:"max_retries"`
	RetryDelay float64 `yaml:"retry_delay"`
}

// Delay returns RetryDelay as a duration.
func (p Processing) Delay() time.Duration {
	return time.Duration(p.RetryDelay * float64(time.Second))
}

type Logging struct {
	Format     string `yaml:"format"`
	DateFormat string `yaml:"date_format"`
}

// ConnectionTimeout is the pool connect timeout.
func (d *Document) ConnectionTimeout() time.Duration {
	return d.Database.ConnectionPool.Timeout()
}

// RetryDelay is the base delay between batch retries.
func (d *Document) RetryDelay() time.Duration {
	return d.Processing.Delay()
}

// Default returns the reference processing document.
func Default() []byte {
	out := make([]byte, len(defaultDocument))
	copy(out, defaultDocument)
	return out
}

// Load reads and validates the document at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is supplied by the operator
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &NotFoundError{Path: path, Err: err}
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data, path)
}

// Parse decodes and validates a document. ${VAR} references are replaced by
// environment values before decoding. A reference to an unset variable is a
// *ParseError; a variable set to "" expands to "".
func Parse(data []byte, source string) (*Document, error) {
	var unset []string
	content := envPattern.ReplaceAllStringFunc(string(data), func(ref string) string {
		name := ref[2 : len(ref)-1]
		value, ok := os.LookupEnv(name)
		if !ok {
			unset = append(unset, name)
		}
		return value
	})
	if len(unset) > 0 {
		return nil, &ParseError{Source: source, Err: fmt.Errorf("unset environment variables: %s", strings.Join(unset, ", "))}
	}

	dec := yaml.NewDecoder(strings.NewReader(content))
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &ParseError{Source: source, Err: errors.New("document is empty")}
		}
		return nil, &ParseError{Source: source, Err: err}
	}

	if err := doc.Validate(); err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			verr.Source = source
		}
		return nil, err
	}
	return &doc, nil
}

// Save writes doc to path as YAML.
func Save(path string, doc *Document) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// Validate checks every invariant of the document and reports all
// violations in a single *ValidationError.
func (d *Document) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	pool := d.Database.ConnectionPool
	if pool.MinConnections < 1 {
		add("database.connection_pool.min_connections must be >= 1, got %d", pool.MinConnections)
	}
	if pool.MinConnections > math.MaxInt32 {
		add("database.connection_pool.min_connections must be <= %d, got %d", math.MaxInt32, pool.MinConnections)
	}
	if pool.MaxConnections > math.MaxInt32 {
		add("database.connection_pool.max_connections must be <= %d, got %d", math.MaxInt32, pool.MaxConnections)
	}
	if pool.MaxConnections < pool.MinConnections {
		add("database.connection_pool.max_connections (%d) must be >= min_connections (%d)", pool.MaxConnections, pool.MinConnections)
	}
	if pool.ConnectionTimeout <= 0 {
		add("database.connection_pool.connection_timeout must be > 0, got %d", pool.ConnectionTimeout)
	}

	problems = append(problems, d.validateTables()...)

	proc := d.Processing
	if proc.BatchSize < 1 {
		add("processing.batch_size must be >= 1, got %d", proc.BatchSize)
	}
	if proc.MaxRetries < 0 {
		add("processing.max_retries must be >= 0, got %d", proc.MaxRetries)
	}
	if proc.RetryDelay < 0 {
		add("processing.retry_delay must be >= 0, got %g", proc.RetryDelay)
	}

	if err := logging.ValidateFormat(d.Logging.Format); err != nil {
		add("logging.format: %v", err)
	}
	if err := logging.ValidateDateFormat(d.Logging.DateFormat); err != nil {
		add("logging.date_format: %v", err)
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// templateTargetProblem reports a template that does not create the table
// named by name.
func templateTargetProblem(table Table) string {
	created := createdTables(table.Schema)
	if len(created) == 0 {
		return fmt.Sprintf("has no CREATE TABLE %s.<name> (...) statement", SchemaPlaceholder)
	}
	names := make([]string, 0, len(created))
	for _, c := range created {
		if c.name == table.Name {
			return ""
		}
		names = append(names, c.name)
	}
	return fmt.Sprintf("creates %s but name is %q", strings.Join(names, ", "), table.Name)
}

func (d *Document) validateTables() []string {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	emails, attachments := d.Database.Tables.Emails, d.Database.Tables.Attachments
	for _, t := range []struct {
		key   string
		table Table
	}{{TableEmails, emails}, {TableAttachments, attachments}} {
		prefix := "database.tables." + t.key
		if !schema.ValidIdentifier(t.table.Name) {
			add("%s.name %q is not a valid identifier", prefix, t.table.Name)
		}
		hasTemplate := strings.TrimSpace(t.table.Schema) != ""
		hasColumns := len(t.table.Columns) > 0
		switch {
		case hasTemplate && hasColumns:
			add("%s defines both schema and columns", prefix)
		case !hasTemplate && !hasColumns:
			add("%s must define schema or columns", prefix)
		case hasTemplate && !strings.Contains(t.table.Schema, SchemaPlaceholder):
			add("%s.schema has no %s placeholder", prefix, SchemaPlaceholder)
		case hasTemplate:
			if p := templateTargetProblem(t.table); p != "" {
				add("%s.schema %s", prefix, p)
			}
		case hasColumns:
			typed := schema.Table{Name: t.table.Name, Columns: t.table.Columns}
			if err := typed.Validate(); err != nil {
				add("%s.columns: %s", prefix, strings.ReplaceAll(err.Error(), "\n", "; "))
			}
		}
	}
	if len(problems) > 0 {
		return problems
	}

	emailsDef := d.definition(TableEmails, emails)
	pk := emailsDef.PrimaryKey()
	if pk == "" {
		add("database.tables.emails must declare a primary key")
	}
	if !emailsDef.HasUnique(schema.ColumnMessageID) {
		add("database.tables.emails must declare a unique %s", schema.ColumnMessageID)
	}

	attachmentsDef := d.definition(TableAttachments, attachments)
	if pk != "" && !attachmentsDef.CascadesFrom(emails.Name, pk) {
		add("database.tables.attachments must reference %s(%s) with ON DELETE CASCADE", emails.Name, pk)
	}
	return problems
}

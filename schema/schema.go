// Package schema models the PostgreSQL tables LumiBox writes to as typed
// column lists and renders their CREATE statements for a target namespace.
package schema

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
)

var (
	identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_$]{0,62}$`)
	typePattern       = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_ ]*(\(\s*\d+(\s*,\s*\d+)?\s*\))?(\[\])?$`)
	defaultPattern    = regexp.MustCompile(`^[A-Za-z0-9_'(){}. :+-]+$`)
)

var onDeleteActions = map[string]struct{}{
	"CASCADE":     {},
	"SET NULL":    {},
	"SET DEFAULT": {},
	"RESTRICT":    {},
	"NO ACTION":   {},
}

// ValidIdentifier reports whether s can be used unquoted as a PostgreSQL
// table, column or schema name. Upper case is rejected: PostgreSQL folds
// unquoted names, so "Acct" and Acct would name different schemas.
func ValidIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

// ForeignKey points a column at another table's column.
type ForeignKey struct {
	Table    string `yaml:"table"`
	Column   string `yaml:"column"`
	OnDelete string `yaml:"on_delete,omitempty"`
}

// Cascades reports whether deleting the referenced row deletes this one.
func (f ForeignKey) Cascades() bool {
	return strings.EqualFold(strings.TrimSpace(f.OnDelete), "CASCADE")
}

// Column is a single column definition.
type Column struct {
	Name       string      `yaml:"name"`
	Type       string      `yaml:"type"`
	PrimaryKey bool        `yaml:"primary_key,omitempty"`
	Unique     bool        `yaml:"unique,omitempty"`
	NotNull    bool        `yaml:"not_null,omitempty"`
	Default    string      `yaml:"default,omitempty"`
	References *ForeignKey `yaml:"references,omitempty"`
}

// Table is a named, ordered list of columns.
type Table struct {
	Name    string
	Columns []Column
}

// Column returns the column called name, or nil.
func (t Table) Column(name string) *Column {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// PrimaryKey returns the primary key column, or nil when none is declared.
func (t Table) PrimaryKey() *Column {
	for i := range t.Columns {
		if t.Columns[i].PrimaryKey {
			return &t.Columns[i]
		}
	}
	return nil
}

// ForeignKeyTo returns the column referencing table, or nil.
func (t Table) ForeignKeyTo(table string) *Column {
	for i := range t.Columns {
		if ref := t.Columns[i].References; ref != nil && ref.Table == table {
			return &t.Columns[i]
		}
	}
	return nil
}

// Validate checks names, types, defaults and key declarations.
func (t Table) Validate() error {
	var errs []error
	if !ValidIdentifier(t.Name) {
		errs = append(errs, fmt.Errorf("table name %q is not a valid identifier", t.Name))
	}
	if len(t.Columns) == 0 {
		errs = append(errs, fmt.Errorf("table %q has no columns", t.Name))
	}

	seen := make(map[string]struct{}, len(t.Columns))
	primaryKeys := 0
	for _, col := range t.Columns {
		if !ValidIdentifier(col.Name) {
			errs = append(errs, fmt.Errorf("column name %q is not a valid identifier", col.Name))
			continue
		}
		if _, dup := seen[col.Name]; dup {
			errs = append(errs, fmt.Errorf("column %q declared twice", col.Name))
		}
		seen[col.Name] = struct{}{}

		if !typePattern.MatchString(strings.TrimSpace(col.Type)) {
			errs = append(errs, fmt.Errorf("column %q: invalid type %q", col.Name, col.Type))
		}
		if col.Default != "" && (!defaultPattern.MatchString(col.Default) || strings.Contains(col.Default, "--")) {
			errs = append(errs, fmt.Errorf("column %q: invalid default %q", col.Name, col.Default))
		}
		if col.PrimaryKey {
			primaryKeys++
		}
		if ref := col.References; ref != nil {
			if !ValidIdentifier(ref.Table) || !ValidIdentifier(ref.Column) {
				errs = append(errs, fmt.Errorf("column %q: invalid reference %s(%s)", col.Name, ref.Table, ref.Column))
			}
			if ref.OnDelete != "" {
				if _, ok := onDeleteActions[normalizeAction(ref.OnDelete)]; !ok {
					errs = append(errs, fmt.Errorf("column %q: unsupported on_delete action %q", col.Name, ref.OnDelete))
				}
			}
		}
	}
	if primaryKeys > 1 {
		errs = append(errs, fmt.Errorf("table %q declares %d primary key columns", t.Name, primaryKeys))
	}

	return errors.Join(errs...)
}

// CreateStatement renders CREATE TABLE IF NOT EXISTS for the table inside
// namespace. Foreign keys are qualified with the same namespace.
func (t Table) CreateStatement(namespace string) (string, error) {
	if !ValidIdentifier(namespace) {
		return "", fmt.Errorf("namespace %q is not a valid identifier", namespace)
	}
	if err := t.Validate(); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("CREATE TABLE IF NOT EXISTS ")
	sb.WriteString(pgx.Identifier{namespace, t.Name}.Sanitize())
	sb.WriteString(" (\n")
	for i, col := range t.Columns {
		sb.WriteString("    ")
		sb.WriteString(col.definition(namespace))
		if i < len(t.Columns)-1 {
			sb.WriteString(",")
		}
		sb.WriteString("\n")
	}
	sb.WriteString(");")
	return sb.String(), nil
}

func (c Column) definition(namespace string) string {
	parts := []string{pgx.Identifier{c.Name}.Sanitize(), strings.ToUpper(strings.TrimSpace(c.Type))}
	if c.PrimaryKey {
		parts = append(parts, "PRIMARY KEY")
	}
	if c.Unique {
		parts = append(parts, "UNIQUE")
	}
	if c.NotNull {
		parts = append(parts, "NOT NULL")
	}
	if c.Default != "" {
		parts = append(parts, "DEFAULT "+c.Default)
	}
	if ref := c.References; ref != nil {
		parts = append(parts, fmt.Sprintf("REFERENCES %s (%s)",
			pgx.Identifier{namespace, ref.Table}.Sanitize(),
			pgx.Identifier{ref.Column}.Sanitize()))
		if ref.OnDelete != "" {
			parts = append(parts, "ON DELETE "+normalizeAction(ref.OnDelete))
		}
	}
	return strings.Join(parts, " ")
}

func normalizeAction(action string) string {
	return strings.Join(strings.Fields(strings.ToUpper(action)), " ")
}

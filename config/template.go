package config

import (
	"strings"

	"github.com/ASH1998/LumiBox/schema"
)

// Table keys accepted by TableDefinition.
const (
	TableEmails      = "emails"
	TableAttachments = "attachments"
)

// SchemaPlaceholder is replaced by the target namespace in table templates.
const SchemaPlaceholder = "{schema}"

// ResolveSchemaTemplate replaces every {schema} placeholder in template with
// namespace.
func ResolveSchemaTemplate(template, namespace string) (string, error) {
	if !strings.Contains(template, SchemaPlaceholder) {
		return "", &TemplateError{Namespace: namespace, Reason: "template has no " + SchemaPlaceholder + " placeholder"}
	}
	if !schema.ValidIdentifier(namespace) {
		return "", &TemplateError{Namespace: namespace, Reason: "namespace is not a valid identifier"}
	}
	return strings.ReplaceAll(template, SchemaPlaceholder, namespace), nil
}

// TableDefinition is one table of the document. Template is set for
// template-defined tables, Table for typed ones.
type TableDefinition struct {
	Key      string
	Name     string
	Template string
	Table    *schema.Table
}

// Statement renders the CREATE statement(s) for namespace.
func (t TableDefinition) Statement(namespace string) (string, error) {
	if t.Table != nil {
		stmt, err := t.Table.CreateStatement(namespace)
		if err != nil {
			return "", &TemplateError{Namespace: namespace, Reason: err.Error()}
		}
		return stmt, nil
	}
	return ResolveSchemaTemplate(t.Template, namespace)
}

// created returns the CREATE TABLE statement of the template that creates
// the table's name, or the first one when the definition has no name.
func (t TableDefinition) created() (createdTable, bool) {
	for _, c := range createdTables(t.Template) {
		if t.Name == "" || c.name == t.Name {
			return c, true
		}
	}
	return createdTable{}, false
}

// PrimaryKey returns the primary key column name, or "" when none is declared.
func (t TableDefinition) PrimaryKey() string {
	if t.Table != nil {
		if pk := t.Table.PrimaryKey(); pk != nil {
			return pk.Name
		}
		return ""
	}
	c, ok := t.created()
	if !ok {
		return ""
	}
	return c.primaryKey()
}

// HasUnique reports whether column carries a UNIQUE constraint.
func (t TableDefinition) HasUnique(column string) bool {
	if t.Table != nil {
		col := t.Table.Column(column)
		return col != nil && (col.Unique || col.PrimaryKey)
	}
	c, ok := t.created()
	return ok && c.unique(column)
}

// CascadesFrom reports whether the table references table(column) with
// ON DELETE CASCADE.
func (t TableDefinition) CascadesFrom(table, column string) bool {
	if t.Table != nil {
		for _, col := range t.Table.Columns {
			ref := col.References
			if ref != nil && ref.Table == table && ref.Column == column && ref.Cascades() {
				return true
			}
		}
		return false
	}
	c, ok := t.created()
	if !ok {
		return false
	}
	for _, ref := range c.references() {
		if ref.table == table && (ref.refColumn == column || ref.refColumn == "") && ref.cascades {
			return true
		}
	}
	return false
}

// ForeignKeyColumn returns the column referencing table, or "".
func (t TableDefinition) ForeignKeyColumn(table string) string {
	if t.Table != nil {
		if col := t.Table.ForeignKeyTo(table); col != nil {
			return col.Name
		}
		return ""
	}
	c, ok := t.created()
	if !ok {
		return ""
	}
	for _, ref := range c.references() {
		if ref.table == table {
			return ref.column
		}
	}
	return ""
}

// TableDefinition returns the table registered under key.
func (d *Document) TableDefinition(key string) (TableDefinition, error) {
	switch key {
	case TableEmails:
		return d.definition(key, d.Database.Tables.Emails), nil
	case TableAttachments:
		return d.definition(key, d.Database.Tables.Attachments), nil
	default:
		return TableDefinition{}, &UnknownTableError{Key: key}
	}
}

// Tables returns every table in creation order.
func (d *Document) Tables() []TableDefinition {
	return []TableDefinition{
		d.definition(TableEmails, d.Database.Tables.Emails),
		d.definition(TableAttachments, d.Database.Tables.Attachments),
	}
}

func (d *Document) definition(key string, table Table) TableDefinition {
	def := TableDefinition{Key: key, Name: table.Name, Template: table.Schema}
	if len(table.Columns) > 0 {
		cols := make([]schema.Column, len(table.Columns))
		copy(cols, table.Columns)
		def.Table = &schema.Table{Name: table.Name, Columns: cols}
	}
	return def
}

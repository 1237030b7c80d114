package config

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadDefault(t *testing.T) *Document {
	t.Helper()
	doc, err := Parse(Default(), "default")
	require.NoError(t, err)
	return doc
}

func TestResolveSchemaTemplate(t *testing.T) {
	doc := loadDefault(t)

	got, err := ResolveSchemaTemplate(doc.Database.Tables.Emails.Schema, "acct1")
	require.NoError(t, err)
	assert.Contains(t, got, "acct1.emails")
	assert.NotContains(t, got, SchemaPlaceholder)
	assert.Equal(t, strings.Count(doc.Database.Tables.Emails.Schema, SchemaPlaceholder), strings.Count(got, "acct1."))
}

func TestResolveSchemaTemplateErrors(t *testing.T) {
	tests := []struct {
		name      string
		template  string
		namespace string
	}{
		{"missing placeholder", "CREATE TABLE public.emails (id SERIAL PRIMARY KEY);", "acct1"},
		{"injection", "CREATE TABLE {schema}.emails ();", "x; DROP TABLE y"},
		{"empty namespace", "CREATE TABLE {schema}.emails ();", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ResolveSchemaTemplate(tt.template, tt.namespace)
			var te *TemplateError
			assert.ErrorAs(t, err, &te)
		})
	}
}

func TestTableDefinition(t *testing.T) {
	doc := loadDefault(t)

	emails, err := doc.TableDefinition(TableEmails)
	require.NoError(t, err)
	assert.Equal(t, "emails", emails.Name)
	assert.Nil(t, emails.Table)
	assert.Equal(t, "id", emails.PrimaryKey())
	assert.True(t, emails.HasUnique("message_id"))
	assert.False(t, emails.HasUnique("subject"))

	attachments, err := doc.TableDefinition(TableAttachments)
	require.NoError(t, err)
	assert.True(t, attachments.CascadesFrom(emails.Name, emails.PrimaryKey()))
	assert.Equal(t, "email_id", attachments.ForeignKeyColumn(emails.Name))

	stmt, err := attachments.Statement("acct1")
	require.NoError(t, err)
	assert.Contains(t, stmt, "REFERENCES acct1.emails(id) ON DELETE CASCADE")
}

func TestTableDefinitionUnknown(t *testing.T) {
	doc := loadDefault(t)

	_, err := doc.TableDefinition("unknown")
	var ut *UnknownTableError
	require.ErrorAs(t, err, &ut)
	assert.Equal(t, "unknown", ut.Key)
}

func TestTablesOrder(t *testing.T) {
	tables := loadDefault(t).Tables()
	require.Len(t, tables, 2)
	assert.Equal(t, TableEmails, tables[0].Key)
	assert.Equal(t, TableAttachments, tables[1].Key)
}

func TestPrimaryKeyTableConstraint(t *testing.T) {
	def := TableDefinition{Template: `CREATE TABLE {schema}.emails (
    email_pk BIGINT NOT NULL,
    message_id TEXT NOT NULL,
    PRIMARY KEY (email_pk),
    UNIQUE (message_id)
);`}
	assert.Equal(t, "email_pk", def.PrimaryKey())
	assert.True(t, def.HasUnique("message_id"))
}

// templatesDocument is a minimal document whose tables use the given YAML
// schema scalars.
func templatesDocument(emailsName, emails, attachments string) string {
	return fmt.Sprintf(`database:
  connection_pool: {min_connections: 1, max_connections: 2, connection_timeout: 5}
  tables:
    emails:
      name: %s
      schema: %s
    attachments:
      name: attachments
      schema: %s
processing: {batch_size: 10, max_retries: 0, retry_delay: 0}
logging: {format: "%%(message)s", date_format: "%%Y"}
`, emailsName, emails, attachments)
}

const (
	oneLineEmails      = `"CREATE TABLE IF NOT EXISTS {schema}.emails (id SERIAL PRIMARY KEY, message_id VARCHAR(255) UNIQUE NOT NULL, subject TEXT);"`
	oneLineAttachments = `"CREATE TABLE IF NOT EXISTS {schema}.attachments (id SERIAL PRIMARY KEY, email_id INTEGER REFERENCES {schema}.emails(id) ON DELETE CASCADE, filename TEXT);"`
)

func TestTemplateLayouts(t *testing.T) {
	tests := []struct {
		name        string
		emails      string
		attachments string
	}{
		{"one line", oneLineEmails, oneLineAttachments},
		{"folded scalar", `>
        CREATE TABLE IF NOT EXISTS {schema}.emails (
        id SERIAL PRIMARY KEY, message_id VARCHAR(255) UNIQUE NOT NULL,
        subject TEXT);
        CREATE INDEX IF NOT EXISTS emails_subject_idx ON {schema}.emails (subject);`, oneLineAttachments},
		{"on update before on delete", oneLineEmails,
			`"CREATE TABLE {schema}.attachments (id SERIAL PRIMARY KEY, email_id INTEGER REFERENCES {schema}.emails (id) ON UPDATE CASCADE ON DELETE CASCADE);"`},
		{"table constraints", `|
        CREATE TABLE {schema}.emails (
            id BIGINT NOT NULL,
            message_id TEXT NOT NULL,
            amount NUMERIC(10, 2) DEFAULT 0,
            note TEXT DEFAULT 'a, b)',
            CONSTRAINT emails_pk PRIMARY KEY (id),
            CONSTRAINT emails_message_id_key UNIQUE (message_id)
        );`, `|
        CREATE TABLE {schema}.attachments (
            id BIGSERIAL,
            email_id BIGINT NOT NULL,
            PRIMARY KEY (id),
            FOREIGN KEY (email_id) REFERENCES {schema}.emails (id) ON DELETE CASCADE
        );`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := Parse([]byte(templatesDocument("emails", tt.emails, tt.attachments)), tt.name)
			require.NoError(t, err)

			emails, err := doc.TableDefinition(TableEmails)
			require.NoError(t, err)
			assert.Equal(t, "id", emails.PrimaryKey())
			assert.True(t, emails.HasUnique("message_id"))
			assert.False(t, emails.HasUnique("subject"))

			attachments, err := doc.TableDefinition(TableAttachments)
			require.NoError(t, err)
			assert.True(t, attachments.CascadesFrom("emails", "id"))
			assert.Equal(t, "email_id", attachments.ForeignKeyColumn("emails"))
		})
	}
}

func TestTemplateWithoutCascade(t *testing.T) {
	attachments := `"CREATE TABLE {schema}.attachments (id SERIAL PRIMARY KEY, email_id INTEGER REFERENCES {schema}.emails(id) ON DELETE SET NULL ON UPDATE CASCADE);"`
	_, err := Parse([]byte(templatesDocument("emails", oneLineEmails, attachments)), "set-null.yaml")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Error(), "ON DELETE CASCADE")
}

func TestTemplateMustCreateNamedTable(t *testing.T) {
	_, err := Parse([]byte(templatesDocument("messages", oneLineEmails, oneLineAttachments)), "renamed.yaml")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Error(), `database.tables.emails.schema creates emails but name is "messages"`)

	indexOnly := `"CREATE INDEX IF NOT EXISTS emails_idx ON {schema}.emails (subject);"`
	_, err = Parse([]byte(templatesDocument("emails", indexOnly, oneLineAttachments)), "index-only.yaml")
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Error(), "has no CREATE TABLE")
}

func TestTemplateQuotedTarget(t *testing.T) {
	emails := `'CREATE TABLE {schema}."emails" ("id" SERIAL PRIMARY KEY, "message_id" TEXT UNIQUE);'`
	doc, err := Parse([]byte(templatesDocument("emails", emails, oneLineAttachments)), "quoted.yaml")
	require.NoError(t, err)
	def, err := doc.TableDefinition(TableEmails)
	require.NoError(t, err)
	assert.Equal(t, "id", def.PrimaryKey())
}

package schema

// Column names shared by the ingestion store and the canonical tables.
const (
	ColumnID               = "id"
	ColumnMessageID        = "message_id"
	ColumnEmailID          = "email_id"
	timestampWithTimeZone  = "TIMESTAMP WITH TIME ZONE"
	currentTimestampColumn = "CURRENT_TIMESTAMP"
)

// Emails returns the typed definition of the emails table.
func Emails(name string) Table {
	return Table{
		Name: name,
		Columns: []Column{
			{Name: ColumnID, Type: "SERIAL", PrimaryKey: true},
			{Name: ColumnMessageID, Type: "VARCHAR(255)", Unique: true, NotNull: true},
			{Name: "subject", Type: "TEXT"},
			{Name: "sender", Type: "TEXT"},
			{Name: "recipient", Type: "TEXT"},
			{Name: "date_sent", Type: timestampWithTimeZone},
			{Name: "date_received", Type: timestampWithTimeZone},
			{Name: "body_text", Type: "TEXT"},
			{Name: "body_html", Type: "TEXT"},
			{Name: "attachments_count", Type: "INTEGER", Default: "0"},
			{Name: "labels", Type: "TEXT[]"},
			{Name: "thread_id", Type: "VARCHAR(255)"},
			{Name: "raw_headers", Type: "JSONB"},
			{Name: "created_at", Type: timestampWithTimeZone, Default: currentTimestampColumn},
			{Name: "updated_at", Type: timestampWithTimeZone, Default: currentTimestampColumn},
		},
	}
}

// Attachments returns the typed definition of the attachments table whose
// rows are deleted together with their parent row in emailsTable.
func Attachments(name, emailsTable string) Table {
	return Table{
		Name: name,
		Columns: []Column{
			{Name: ColumnID, Type: "SERIAL", PrimaryKey: true},
			{Name: ColumnEmailID, Type: "INTEGER", References: &ForeignKey{
				Table:    emailsTable,
				Column:   ColumnID,
				OnDelete: "CASCADE",
			}},
			{Name: "filename", Type: "VARCHAR(255)"},
			{Name: "content_type", Type: "VARCHAR(100)"},
			{Name: "size_bytes", Type: "INTEGER"},
			{Name: "content", Type: "BYTEA"},
			{Name: "created_at", Type: timestampWithTimeZone, Default: currentTimestampColumn},
		},
	}
}

// Package store writes parsed emails into the PostgreSQL tables described by
// the processing document.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ASH1998/LumiBox/config"
	"github.com/ASH1998/LumiBox/model"
	"github.com/ASH1998/LumiBox/schema"
)

const uniqueViolation = "23505"

// DB is the part of *pgxpool.Pool the store needs.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// Open creates a pool sized by the document's connection_pool section and
// checks it with a ping.
func Open(ctx context.Context, settings config.DatabaseSettings, limits config.ConnectionPool, logger *zap.Logger) (*pgxpool.Pool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg, err := pgxpool.ParseConfig(settings.ConnString())
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	cfg.MinConns = int32(limits.MinConnections)
	cfg.MaxConns = int32(limits.MaxConnections)
	cfg.ConnConfig.ConnectTimeout = limits.Timeout()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, limits.Timeout())
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to %s: %w", settings.Redacted(), err)
	}

	logger.Info("connected to PostgreSQL",
		zap.String("database", settings.Redacted()),
		zap.Int32("minConnections", cfg.MinConns),
		zap.Int32("maxConnections", cfg.MaxConns),
		zap.Duration("connectTimeout", cfg.ConnConfig.ConnectTimeout))
	return pool, nil
}

type Option func(*Store)

// WithRetryHook is called before every retried batch attempt.
func WithRetryHook(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(s *Store) {
		s.retry.OnRetry = fn
	}
}

// WithRetry replaces the policy built from the processing section.
func WithRetry(r *Retry) Option {
	return func(s *Store) {
		hook := s.retry.OnRetry
		s.retry = r
		if r.OnRetry == nil {
			r.OnRetry = hook
		}
	}
}

// Store upserts emails and their attachments. It implements runner.Sink.
type Store struct {
	db        DB
	doc       *config.Document
	namespace string
	logger    *zap.Logger
	retry     *Retry

	upsertEmail       string
	deleteAttachments string
	insertAttachment  string
}

func New(db DB, doc *config.Document, namespace string, logger *zap.Logger, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, errors.New("store needs a database")
	}
	if doc == nil {
		return nil, errors.New("store needs a processing document")
	}
	if !schema.ValidIdentifier(namespace) {
		return nil, fmt.Errorf("invalid namespace %q", namespace)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	emails, err := doc.TableDefinition(config.TableEmails)
	if err != nil {
		return nil, err
	}
	attachments, err := doc.TableDefinition(config.TableAttachments)
	if err != nil {
		return nil, err
	}
	fk := attachments.ForeignKeyColumn(emails.Name)
	if fk == "" {
		fk = schema.ColumnEmailID
	}

	s := &Store{
		db:        db,
		doc:       doc,
		namespace: namespace,
		logger:    logger.With(zap.String("namespace", namespace)),
		retry:     NewRetry(doc.Processing.MaxRetries, doc.RetryDelay()),
	}
	s.prepareStatements(emails.Name, attachments.Name, emails.PrimaryKey(), fk)

	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) prepareStatements(emailsName, attachmentsName, pk, fk string) {
	if pk == "" {
		pk = schema.ColumnID
	}
	emails := pgx.Identifier{s.namespace, emailsName}.Sanitize()
	attachments := pgx.Identifier{s.namespace, attachmentsName}.Sanitize()
	fkIdent := pgx.Identifier{fk}.Sanitize()

	s.upsertEmail = fmt.Sprintf(`INSERT INTO %s (
    message_id, subject, sender, recipient, date_sent, date_received,
    body_text, body_html, attachments_count, labels, thread_id, raw_headers
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (message_id) DO UPDATE SET
    subject = EXCLUDED.subject,
    sender = EXCLUDED.sender,
    recipient = EXCLUDED.recipient,
    date_sent = EXCLUDED.date_sent,
    body_text = EXCLUDED.body_text,
    body_html = EXCLUDED.body_html,
    attachments_count = EXCLUDED.attachments_count,
    labels = EXCLUDED.labels,
    thread_id = EXCLUDED.thread_id,
    raw_headers = EXCLUDED.raw_headers,
    updated_at = CURRENT_TIMESTAMP
RETURNING %s`, emails, pgx.Identifier{pk}.Sanitize())

	s.deleteAttachments = fmt.Sprintf(`DELETE FROM %s WHERE %s = $1`, attachments, fkIdent)
	s.insertAttachment = fmt.Sprintf(`INSERT INTO %s (%s, filename, content_type, size_bytes, content) VALUES ($1, $2, $3, $4, $5)`, attachments, fkIdent)
}

func (s *Store) Namespace() string {
	return s.namespace
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// SchemaStatements returns the DDL creating namespace and the document's
// tables, in order.
func SchemaStatements(doc *config.Document, namespace string) ([]string, error) {
	if !schema.ValidIdentifier(namespace) {
		return nil, fmt.Errorf("invalid namespace %q", namespace)
	}
	statements := []string{"CREATE SCHEMA IF NOT EXISTS " + pgx.Identifier{namespace}.Sanitize()}
	for _, def := range doc.Tables() {
		stmt, err := def.Statement(namespace)
		if err != nil {
			return nil, fmt.Errorf("%s table: %w", def.Key, err)
		}
		statements = append(statements, stmt)
	}
	return statements, nil
}

// Statements returns the DDL Migrate runs.
func (s *Store) Statements() ([]string, error) {
	return SchemaStatements(s.doc, s.namespace)
}

// Migrate creates the namespace and both tables in one transaction.
func (s *Store) Migrate(ctx context.Context) error {
	statements, err := s.Statements()
	if err != nil {
		return err
	}

	return s.retry.Do(ctx, func(ctx context.Context) error {
		tx, err := s.db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback(ctx) //nolint:errcheck

		for _, stmt := range statements {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("create tables: %w", err)
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		s.logger.Info("database schema ready", zap.Int("statements", len(statements)))
		return nil
	})
}

// WriteBatch stores batch in one transaction. When the server rejects the
// batch, emails are written one by one so a single bad row does not sink
// its neighbours.
func (s *Store) WriteBatch(ctx context.Context, batch model.Batch) ([]model.Result, error) {
	if len(batch.Emails) == 0 {
		return nil, nil
	}

	var results []model.Result
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		results, err = s.writeTx(ctx, batch.Emails)
		return err
	})
	if err == nil {
		return results, nil
	}
	if IsRetryable(err) || ctx.Err() != nil {
		return nil, err
	}

	s.logger.Warn("batch rejected, writing emails one at a time",
		zap.Int("batch", batch.Seq),
		zap.Int("emails", len(batch.Emails)),
		zap.Error(err))
	return s.writeEach(ctx, batch.Emails)
}

func (s *Store) writeEach(ctx context.Context, emails []model.Email) ([]model.Result, error) {
	results := make([]model.Result, 0, len(emails))
	for _, email := range emails {
		var res []model.Result
		err := s.retry.Do(ctx, func(ctx context.Context) error {
			var err error
			res, err = s.writeTx(ctx, []model.Email{email})
			return err
		})
		switch {
		case err == nil:
			results = append(results, res...)
		case IsRetryable(err) || ctx.Err() != nil:
			return nil, err
		default:
			results = append(results, rejected(email, err))
		}
	}
	return results, nil
}

func rejected(email model.Email, err error) model.Result {
	res := model.Result{
		MessageID: email.MessageID,
		Hash:      email.Hash,
		Source:    email.Source,
		Outcome:   model.OutcomeFailed,
		Err:       err,
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		res.Outcome = model.OutcomeSkipped
	}
	return res
}

func (s *Store) writeTx(ctx context.Context, emails []model.Email) ([]model.Result, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	upserts := &pgx.Batch{}
	for _, email := range emails {
		args, err := s.emailArgs(email)
		if err != nil {
			return nil, err
		}
		upserts.Queue(s.upsertEmail, args...)
	}

	results := make([]model.Result, len(emails))
	br := tx.SendBatch(ctx, upserts)
	for i, email := range emails {
		results[i] = model.Result{MessageID: email.MessageID, Hash: email.Hash, Source: email.Source}
		var id int64
		err := br.QueryRow().Scan(&id)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			results[i].Outcome = model.OutcomeSkipped
			results[i].Err = errors.New("upsert returned no row")
		case err != nil:
			br.Close()
			return nil, fmt.Errorf("upsert %s: %w", email.MessageID, err)
		default:
			results[i].Outcome = model.OutcomeStored
			results[i].EmailID = id
		}
	}
	if err := br.Close(); err != nil {
		return nil, fmt.Errorf("upsert emails: %w", err)
	}

	attachments := &pgx.Batch{}
	for i, email := range emails {
		if results[i].Outcome != model.OutcomeStored {
			continue
		}
		attachments.Queue(s.deleteAttachments, results[i].EmailID)
		for _, a := range email.Attachments {
			attachments.Queue(s.insertAttachment, results[i].EmailID, clean(a.Filename), clean(a.ContentType), a.Size, a.Content)
		}
	}
	if attachments.Len() > 0 {
		br := tx.SendBatch(ctx, attachments)
		for i := 0; i < attachments.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return nil, fmt.Errorf("write attachments: %w", err)
			}
		}
		if err := br.Close(); err != nil {
			return nil, fmt.Errorf("write attachments: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return results, nil
}

func (s *Store) emailArgs(email model.Email) ([]any, error) {
	received := email.DateReceived
	if received.IsZero() {
		received = time.Now().UTC()
	}

	var headers any
	if len(email.RawHeaders) > 0 {
		raw := make(map[string]string, len(email.RawHeaders))
		for k, v := range email.RawHeaders {
			raw[clean(k)] = clean(v)
		}
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("encode headers of %s: %w", email.MessageID, err)
		}
		headers = string(data)
	}

	labels := make([]string, 0, len(email.Labels))
	for _, l := range email.Labels {
		labels = append(labels, clean(l))
	}

	return []any{
		clean(email.MessageID),
		clean(email.Subject),
		clean(email.Sender),
		clean(email.Recipient),
		email.DateSent,
		received,
		clean(email.BodyText),
		clean(email.BodyHTML),
		len(email.Attachments),
		labels,
		clean(email.ThreadID),
		headers,
	}, nil
}

// clean drops NUL bytes, which PostgreSQL text columns reject.
func clean(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}

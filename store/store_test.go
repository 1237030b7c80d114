package store

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ASH1998/LumiBox/config"
	"github.com/ASH1998/LumiBox/model"
)

// fakeDB keeps committed state in memory. Upserts key rows by message id.
type fakeDB struct {
	mu          sync.Mutex
	nextID      int64
	ids         map[string]int64
	attachments map[int64]int
	execs       []string
	queries     []string
	beginErrs   []error
	upsertErr   func(messageID string) error
	commits     int
	rollbacks   int
}

func newFakeDB() *fakeDB {
	return &fakeDB{ids: make(map[string]int64), attachments: make(map[int64]int)}
}

func (db *fakeDB) Begin(context.Context) (pgx.Tx, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if len(db.beginErrs) > 0 {
		err := db.beginErrs[0]
		db.beginErrs = db.beginErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &fakeTx{db: db, ids: make(map[string]int64), attachments: make(map[int64]int)}, nil
}

func (db *fakeDB) Ping(context.Context) error { return nil }

type fakeTx struct {
	pgx.Tx
	db          *fakeDB
	ids         map[string]int64
	attachments map[int64]int
	execs       []string
	queries     []string
	done        bool
}

func (tx *fakeTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	tx.execs = append(tx.execs, sql)
	return pgconn.NewCommandTag("CREATE"), nil
}

func (tx *fakeTx) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	return &fakeResults{tx: tx, queued: b.QueuedQueries}
}

func (tx *fakeTx) Commit(context.Context) error {
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	for k, v := range tx.ids {
		tx.db.ids[k] = v
	}
	for k, v := range tx.attachments {
		tx.db.attachments[k] = v
	}
	tx.db.execs = append(tx.db.execs, tx.execs...)
	tx.db.queries = append(tx.db.queries, tx.queries...)
	tx.db.commits++
	tx.done = true
	return nil
}

func (tx *fakeTx) Rollback(context.Context) error {
	if tx.done {
		return pgx.ErrTxClosed
	}
	tx.db.mu.Lock()
	tx.db.rollbacks++
	tx.db.mu.Unlock()
	tx.done = true
	return nil
}

func (tx *fakeTx) upsert(messageID string) (int64, error) {
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	if tx.db.upsertErr != nil {
		if err := tx.db.upsertErr(messageID); err != nil {
			return 0, err
		}
	}
	if id, ok := tx.ids[messageID]; ok {
		return id, nil
	}
	if id, ok := tx.db.ids[messageID]; ok {
		tx.ids[messageID] = id
		return id, nil
	}
	tx.db.nextID++
	tx.ids[messageID] = tx.db.nextID
	return tx.db.nextID, nil
}

type fakeResults struct {
	pgx.BatchResults
	tx     *fakeTx
	queued []*pgx.QueuedQuery
	pos    int
}

func (r *fakeResults) next() *pgx.QueuedQuery {
	q := r.queued[r.pos]
	r.pos++
	r.tx.queries = append(r.tx.queries, q.SQL)
	return q
}

func (r *fakeResults) QueryRow() pgx.Row {
	q := r.next()
	id, err := r.tx.upsert(q.Arguments[0].(string))
	return fakeRow{id: id, err: err}
}

func (r *fakeResults) Exec() (pgconn.CommandTag, error) {
	q := r.next()
	id := q.Arguments[0].(int64)
	switch {
	case strings.HasPrefix(q.SQL, "DELETE"):
		r.tx.attachments[id] = 0
		return pgconn.NewCommandTag("DELETE 0"), nil
	default:
		r.tx.attachments[id]++
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}
}

func (r *fakeResults) Close() error { return nil }

type fakeRow struct {
	id  int64
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*int64) = r.id
	return nil
}

func defaultDoc(t *testing.T) *config.Document {
	t.Helper()
	doc, err := config.Parse(config.Default(), "default")
	require.NoError(t, err)
	return doc
}

func noDelay(maxRetries int) *Retry {
	return &Retry{MaxRetries: maxRetries, ShouldRetry: IsRetryable}
}

func newStore(t *testing.T, db DB, opts ...Option) *Store {
	t.Helper()
	s, err := New(db, defaultDoc(t), "acct1", zaptest.NewLogger(t), append([]Option{WithRetry(noDelay(2))}, opts...)...)
	require.NoError(t, err)
	return s
}

func sampleEmail(id string, attachments int) model.Email {
	sent := time.Date(2024, 1, 15, 9, 59, 0, 0, time.UTC)
	e := model.Email{
		MessageID:  id,
		Subject:    "hello",
		Sender:     "a@example.com",
		Recipient:  "b@example.com",
		DateSent:   &sent,
		BodyText:   "body",
		Labels:     []string{"Inbox"},
		RawHeaders: map[string]string{"Subject": "hello"},
		Hash:       "hash-" + id,
		Source:     "inbox.mbox",
	}
	for i := 0; i < attachments; i++ {
		e.Attachments = append(e.Attachments, model.Attachment{Filename: "f.txt", ContentType: "text/plain", Size: 4, Content: []byte("data")})
	}
	return e
}

func TestNewRejectsBadNamespace(t *testing.T) {
	_, err := New(newFakeDB(), defaultDoc(t), "bad-name;", nil)
	assert.Error(t, err)
	_, err = New(nil, defaultDoc(t), "public", nil)
	assert.Error(t, err)
}

func TestStatements(t *testing.T) {
	s := newStore(t, newFakeDB())
	statements, err := s.Statements()
	require.NoError(t, err)
	require.Len(t, statements, 3)
	assert.Equal(t, `CREATE SCHEMA IF NOT EXISTS "acct1"`, statements[0])
	assert.Contains(t, statements[1], "CREATE TABLE IF NOT EXISTS acct1.emails (")
	assert.Contains(t, statements[2], "REFERENCES acct1.emails(id) ON DELETE CASCADE")
	assert.NotContains(t, strings.Join(statements, "\n"), config.SchemaPlaceholder)
}

func TestMigrate(t *testing.T) {
	db := newFakeDB()
	s := newStore(t, db)
	require.NoError(t, s.Migrate(context.Background()))
	assert.Len(t, db.execs, 3)
	assert.Equal(t, 1, db.commits)
}

func TestWriteBatchStoresEmailsAndAttachments(t *testing.T) {
	db := newFakeDB()
	s := newStore(t, db)
	ctx := context.Background()

	batch := model.Batch{Seq: 1, Emails: []model.Email{sampleEmail("one@x", 0), sampleEmail("two@x", 2)}}
	results, err := s.WriteBatch(ctx, batch)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for i, res := range results {
		assert.Equal(t, model.OutcomeStored, res.Outcome)
		assert.Equal(t, int64(i+1), res.EmailID)
		assert.Equal(t, batch.Emails[i].Hash, res.Hash)
	}
	assert.Equal(t, 2, db.attachments[2])
	assert.Equal(t, 0, db.attachments[1])
	assert.Contains(t, db.queries[0], `INSERT INTO "acct1"."emails"`)
	assert.Contains(t, db.queries[0], "ON CONFLICT (message_id) DO UPDATE")
	assert.Contains(t, db.queries[0], "updated_at = CURRENT_TIMESTAMP")

	// A second write of the same message updates the row and replaces its attachments.
	results, err = s.WriteBatch(ctx, model.Batch{Seq: 2, Emails: []model.Email{sampleEmail("two@x", 1)}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), results[0].EmailID)
	assert.Equal(t, 1, db.attachments[2])
}

func TestWriteBatchEmpty(t *testing.T) {
	db := newFakeDB()
	results, err := newStore(t, db).WriteBatch(context.Background(), model.Batch{})
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Zero(t, db.commits)
}

func TestWriteBatchRetriesTransientErrors(t *testing.T) {
	db := newFakeDB()
	db.beginErrs = []error{connReset, nil}

	var attempts []int
	s := newStore(t, db, WithRetryHook(func(attempt int, _ time.Duration, _ error) {
		attempts = append(attempts, attempt)
	}))

	results, err := s.WriteBatch(context.Background(), model.Batch{Seq: 1, Emails: []model.Email{sampleEmail("one@x", 0)}})
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeStored, results[0].Outcome)
	assert.Equal(t, []int{1}, attempts)
}

func TestWriteBatchGivesUp(t *testing.T) {
	db := newFakeDB()
	down := &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	db.beginErrs = []error{down, down, down, down}

	_, err := newStore(t, db).WriteBatch(context.Background(), model.Batch{Seq: 1, Emails: []model.Email{sampleEmail("one@x", 0)}})
	require.Error(t, err)
	assert.ErrorIs(t, err, down)
	assert.Contains(t, err.Error(), "all 3 attempts failed")
}

func TestWriteBatchClientErrorFallsBack(t *testing.T) {
	db := newFakeDB()
	encode := errors.New("failed to encode args[3]: unable to encode into binary format")
	db.beginErrs = []error{encode}

	var attempts []int
	s := newStore(t, db, WithRetryHook(func(attempt int, _ time.Duration, _ error) {
		attempts = append(attempts, attempt)
	}))

	results, err := s.WriteBatch(context.Background(), model.Batch{Seq: 1, Emails: []model.Email{sampleEmail("one@x", 0)}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, model.OutcomeStored, results[0].Outcome)
	assert.Empty(t, attempts, "client errors are not retried")
}

func TestWriteBatchFallsBackPerEmail(t *testing.T) {
	db := newFakeDB()
	db.upsertErr = func(id string) error {
		switch id {
		case "long@x":
			return &pgconn.PgError{Code: "22001", Message: "value too long"}
		case "dup@x":
			return &pgconn.PgError{Code: uniqueViolation, Message: "duplicate key"}
		}
		return nil
	}

	results, err := newStore(t, db).WriteBatch(context.Background(), model.Batch{Seq: 1, Emails: []model.Email{
		sampleEmail("good@x", 1), sampleEmail("long@x", 0), sampleEmail("dup@x", 0),
	}})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, model.OutcomeStored, results[0].Outcome)
	assert.Equal(t, model.OutcomeFailed, results[1].Outcome)
	assert.Error(t, results[1].Err)
	assert.Equal(t, model.OutcomeSkipped, results[2].Outcome)

	assert.Contains(t, db.ids, "good@x")
	assert.NotContains(t, db.ids, "long@x")
	assert.Equal(t, 1, db.attachments[db.ids["good@x"]])
	assert.GreaterOrEqual(t, db.rollbacks, 3)
}

func TestEmailArgs(t *testing.T) {
	s := newStore(t, newFakeDB())
	e := sampleEmail("nul@x", 1)
	e.BodyText = "bad\x00byte"
	e.RawHeaders = map[string]string{"X-Weird": "a\x00b"}

	args, err := s.emailArgs(e)
	require.NoError(t, err)
	require.Len(t, args, 12)
	assert.Equal(t, "badbyte", args[6])
	assert.Equal(t, 1, args[8])
	assert.Equal(t, []string{"Inbox"}, args[9])

	received, ok := args[5].(time.Time)
	require.True(t, ok)
	assert.WithinDuration(t, time.Now(), received, time.Minute, "missing receive date falls back to now")

	var headers map[string]string
	require.NoError(t, json.Unmarshal([]byte(args[11].(string)), &headers))
	assert.Equal(t, "ab", headers["X-Weird"])

	e.RawHeaders = nil
	args, err = s.emailArgs(e)
	require.NoError(t, err)
	assert.Nil(t, args[11])
}

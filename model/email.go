package model

import "time"

// Email is a single message decoded from an mbox archive, shaped after the
// emails table.
type Email struct {
	MessageID    string
	Subject      string
	Sender       string
	Recipient    string
	DateSent     *time.Time
	DateReceived time.Time
	BodyText     string
	BodyHTML     string
	Labels       []string
	ThreadID     string
	RawHeaders   map[string]string
	Attachments  []Attachment

	// Hash is the base64 sha256 of the raw message bytes.
	Hash string
	Size int64
	// Source is the mbox file the message was read from.
	Source string
}

// Attachment is a decoded MIME attachment of an Email.
type Attachment struct {
	Filename    string
	ContentType string
	Size        int64
	Content     []byte
}

// EnvelopeKind tells consumers what an Envelope carries.
type EnvelopeKind int

const (
	// KindMessage carries a decoded email or a per-message error.
	KindMessage EnvelopeKind = iota
	// KindFileStarted marks the beginning of an mbox file.
	KindFileStarted
	// KindFileFinished marks the end of an mbox file; Err is set when the
	// file could not be read to the end.
	KindFileFinished
)

// Envelope wraps an email alongside an optional error encountered while
// decoding it.
type Envelope struct {
	Kind   EnvelopeKind
	Email  Email
	Source string
	Index  int
	Err    error
}

// Batch is a group of emails written in one transaction.
type Batch struct {
	Seq    int
	Emails []Email
}

// Outcome is what happened to one email of a batch.
type Outcome int

const (
	OutcomeStored Outcome = iota
	OutcomeSkipped
	OutcomeSampled
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeStored:
		return "stored"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeSampled:
		return "sampled"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result reports the outcome for one email of a batch. EmailID is the
// database row id when the email was stored.
type Result struct {
	MessageID string
	Hash      string
	Source    string
	EmailID   int64
	Outcome   Outcome
	Err       error
}

package mbox

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"

	"github.com/ASH1998/LumiBox/model"
)

// Gmail export headers.
const (
	HeaderLabels   = "X-Gmail-Labels"
	HeaderThreadID = "X-GM-THRID"
)

// ParseEmail decodes one raw RFC 5322 message. A missing Message-ID is not
// an error; callers decide what to do with such emails.
func ParseEmail(raw []byte) (model.Email, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return model.Email{}, fmt.Errorf("decode message: %w", err)
	}

	email := model.Email{
		MessageID:  NormalizeMessageID(env.GetHeader("Message-ID")),
		Subject:    strings.TrimSpace(env.GetHeader("Subject")),
		Sender:     strings.TrimSpace(env.GetHeader("From")),
		Recipient:  strings.TrimSpace(env.GetHeader("To")),
		DateSent:   parseDate(env.GetHeader("Date")),
		BodyText:   env.Text,
		BodyHTML:   env.HTML,
		Labels:     splitLabels(env.GetHeader(HeaderLabels)),
		ThreadID:   strings.TrimSpace(env.GetHeader(HeaderThreadID)),
		RawHeaders: make(map[string]string),
		Hash:       Hash(raw),
		Size:       int64(len(raw)),
	}
	if received := receivedDate(env.GetHeaderValues("Received")); received != nil {
		email.DateReceived = *received
	}

	for _, key := range env.GetHeaderKeys() {
		email.RawHeaders[key] = strings.Join(env.GetHeaderValues(key), ", ")
	}

	for _, part := range env.Attachments {
		email.Attachments = append(email.Attachments, model.Attachment{
			Filename:    part.FileName,
			ContentType: part.ContentType,
			Size:        int64(len(part.Content)),
			Content:     part.Content,
		})
	}

	return email, nil
}

// NormalizeMessageID trims whitespace and the surrounding angle brackets.
func NormalizeMessageID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<> ")
}

// Hash returns the base64 sha256 digest used for deduplication.
func Hash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func parseDate(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	t, err := mail.ParseDate(value)
	if err != nil {
		return nil
	}
	return &t
}

// receivedDate returns the timestamp of the topmost Received header, which
// is the last hop before the mailbox.
func receivedDate(values []string) *time.Time {
	for _, v := range values {
		idx := strings.LastIndex(v, ";")
		if idx < 0 {
			continue
		}
		if t := parseDate(v[idx+1:]); t != nil {
			return t
		}
	}
	return nil
}

func splitLabels(header string) []string {
	if strings.TrimSpace(header) == "" {
		return nil
	}
	var labels []string
	for _, label := range strings.Split(header, ",") {
		if label = strings.TrimSpace(label); label != "" {
			labels = append(labels, label)
		}
	}
	return labels
}

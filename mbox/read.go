package mbox

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"os"

	mboxlib "github.com/emersion/go-mbox"
)

// Message is a header/body view of one mbox entry, used by mbox-stats.
type Message struct {
	Headers mail.Header
	Body    []byte
	Raw     []byte
}

// Read iterates the messages of an mbox file. Messages whose headers cannot
// be parsed are skipped.
func Read(path string, callback func(m *Message) error) error {
	file, err := os.Open(path) //nolint:gosec // operator supplied path
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			continue
		}
		msg, err := mail.ReadMessage(bytes.NewReader(raw))
		if err != nil {
			continue
		}
		body, err := io.ReadAll(msg.Body)
		if err != nil {
			continue
		}

		if err := callback(&Message{Headers: msg.Header, Body: body, Raw: raw}); err != nil {
			return err
		}
	}
}

// CountMessages counts the messages of every given mbox file.
func CountMessages(paths ...string) (int, error) {
	total := 0
	for _, path := range paths {
		n, err := countFile(path)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func countFile(path string) (int, error) {
	file, err := os.Open(path) //nolint:gosec // operator supplied path
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	count := 0
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return count, err
		}
		// A partially readable message still counts.
		_, _ = io.Copy(io.Discard, msgReader)
		count++
	}
}

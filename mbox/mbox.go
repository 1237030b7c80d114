// Package mbox streams decoded emails out of Gmail .mbox exports.
package mbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	mboxlib "github.com/emersion/go-mbox"
	"go.uber.org/zap"

	"github.com/ASH1998/LumiBox/filter"
	"github.com/ASH1998/LumiBox/model"
)

// Extension is the suffix of the files picked up from a directory.
const Extension = ".mbox"

var ErrNoMboxFiles = errors.New("no .mbox files found")

type Options struct {
	Paths  []string
	Filter *filter.Filter
}

type Reader interface {
	Stream(ctx context.Context, out chan<- model.Envelope) error
}

func NewReader(opts Options, logger *zap.Logger) (Reader, error) {
	if len(opts.Paths) == 0 {
		return nil, fmt.Errorf("no mbox paths given")
	}
	for _, p := range opts.Paths {
		if strings.TrimSpace(p) == "" {
			return nil, fmt.Errorf("mbox path is empty")
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &fileReader{paths: opts.Paths, filter: opts.Filter, logger: logger}, nil
}

type fileReader struct {
	paths  []string
	filter *filter.Filter
	logger *zap.Logger
}

// Stream emits, per file, a KindFileStarted envelope, one envelope per
// message and a KindFileFinished envelope. A file that cannot be opened or
// read to the end finishes with Err set and the next file is processed.
func (f *fileReader) Stream(ctx context.Context, out chan<- model.Envelope) error {
	for _, path := range f.paths {
		if err := f.emit(ctx, out, model.Envelope{Kind: model.KindFileStarted, Source: path}); err != nil {
			return err
		}
		count, err := f.streamFile(ctx, path, out)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			f.logger.Error("mbox file failed", zap.String("path", path), zap.Int("messages", count), zap.Error(err))
		} else {
			f.logger.Debug("mbox file read", zap.String("path", path), zap.Int("messages", count))
		}
		if err := f.emit(ctx, out, model.Envelope{Kind: model.KindFileFinished, Source: path, Index: count, Err: err}); err != nil {
			return err
		}
	}
	return nil
}

func (f *fileReader) streamFile(ctx context.Context, path string, out chan<- model.Envelope) (int, error) {
	file, err := os.Open(path) //nolint:gosec // operator supplied path
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return idx, err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return idx, nil
			}
			return idx, fmt.Errorf("message %d: %w", idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return idx, fmt.Errorf("message %d read: %w", idx, err)
		}

		if f.filter != nil {
			header, body := filter.SplitRawMessage(raw)
			if !f.filter.Allows(header, body) {
				continue
			}
		}

		env := model.Envelope{Kind: model.KindMessage, Source: path, Index: idx}
		email, err := ParseEmail(raw)
		if err != nil {
			env.Err = fmt.Errorf("%s message %d: %w", filepath.Base(path), idx, err)
			f.logger.Warn("mbox message parse failed", zap.String("path", path), zap.Int("index", idx), zap.Error(err))
		} else {
			email.Source = path
			env.Email = email
		}
		if err := f.emit(ctx, out, env); err != nil {
			return idx, err
		}
	}
}

func (f *fileReader) emit(ctx context.Context, out chan<- model.Envelope, env model.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- env:
		return nil
	}
}

// ResolvePaths expands path into the list of mbox files to ingest: the file
// itself, or every *.mbox file of a directory in lexical order.
func ResolvePaths(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("mbox path: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), Extension) {
			continue
		}
		paths = append(paths, filepath.Join(path, entry.Name()))
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrNoMboxFiles)
	}
	sort.Strings(paths)
	return paths, nil
}

package logging

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/lestrrat-go/strftime"
	"go.uber.org/zap/zapcore"
)

var attributePattern = regexp.MustCompile(`%\(([A-Za-z_]+)\)[-#0 +]*\d*(?:\.\d+)?[sdifrxXeEgG]`)

// Attributes accepted in a record format string.
var knownAttributes = map[string]struct{}{
	"asctime":         {},
	"created":         {},
	"filename":        {},
	"funcName":        {},
	"levelname":       {},
	"levelno":         {},
	"lineno":          {},
	"message":         {},
	"module":          {},
	"msecs":           {},
	"name":            {},
	"pathname":        {},
	"process":         {},
	"processName":     {},
	"relativeCreated": {},
	"thread":          {},
	"threadName":      {},
}

// recordFormat is a parsed "%(asctime)s - %(levelname)s - %(message)s" style
// pattern.
type recordFormat struct {
	attributes []string
	separator  string
}

func (f recordFormat) has(attr string) bool {
	for _, a := range f.attributes {
		if a == attr {
			return true
		}
	}
	return false
}

func parseRecordFormat(format string) (recordFormat, error) {
	if strings.TrimSpace(format) == "" {
		return recordFormat{}, errors.New("format is empty")
	}

	var parsed recordFormat
	prev := 0
	for i, m := range attributePattern.FindAllStringSubmatchIndex(format, -1) {
		literal := format[prev:m[0]]
		if err := checkLiteral(literal); err != nil {
			return recordFormat{}, err
		}
		if i == 1 {
			parsed.separator = literal
		}

		name := format[m[2]:m[3]]
		if _, ok := knownAttributes[name]; !ok {
			return recordFormat{}, fmt.Errorf("unknown attribute %q", name)
		}
		parsed.attributes = append(parsed.attributes, name)
		prev = m[1]
	}
	if err := checkLiteral(format[prev:]); err != nil {
		return recordFormat{}, err
	}

	if !parsed.has("message") {
		return recordFormat{}, errors.New("format must include %(message)s")
	}
	switch {
	case len(parsed.attributes) < 2:
		parsed.separator = "\t"
	case parsed.separator == "":
		parsed.separator = " "
	}
	return parsed, nil
}

func checkLiteral(literal string) error {
	if strings.Contains(strings.ReplaceAll(literal, "%%", ""), "%") {
		return fmt.Errorf("malformed placeholder near %q", literal)
	}
	return nil
}

// ValidateFormat checks a "%(attr)s" record format string.
func ValidateFormat(format string) error {
	_, err := parseRecordFormat(format)
	return err
}

// ValidateDateFormat checks a strftime date format string.
func ValidateDateFormat(dateFormat string) error {
	_, err := newDateFormatter(dateFormat)
	return err
}

// newDateFormatter compiles a strftime pattern such as "%Y-%m-%d %H:%M:%S".
// %f renders microseconds.
func newDateFormatter(dateFormat string) (*strftime.Strftime, error) {
	if strings.TrimSpace(dateFormat) == "" {
		return nil, errors.New("date format is empty")
	}
	f, err := strftime.New(dateFormat, strftime.WithMicroseconds('f'))
	if err != nil {
		return nil, fmt.Errorf("date format %q: %w", dateFormat, err)
	}
	return f, nil
}

// TimeEncoder renders entry times with a strftime pattern.
func TimeEncoder(dateFormat string) (zapcore.TimeEncoder, error) {
	f, err := newDateFormatter(dateFormat)
	if err != nil {
		return nil, err
	}
	return func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(f.FormatString(t))
	}, nil
}

package config

import (
	"fmt"
	"strings"
)

// NotFoundError reports a processing document that does not exist.
type NotFoundError struct {
	Path string
	Err  error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("config file not found: %s", e.Path)
}

func (e *NotFoundError) Unwrap() error { return e.Err }

// ParseError reports a document that is not well-formed YAML, carries
// unknown keys or references an unset ${VAR}.
type ParseError struct {
	Source string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse config %s: %v", e.Source, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ValidationError lists every invariant a parsed document violates.
type ValidationError struct {
	Source   string
	Problems []string
}

func (e *ValidationError) Error() string {
	if e.Source == "" {
		return "invalid config: " + strings.Join(e.Problems, "; ")
	}
	return fmt.Sprintf("invalid config %s: %s", e.Source, strings.Join(e.Problems, "; "))
}

// TemplateError reports a schema template that cannot be resolved.
type TemplateError struct {
	Namespace string
	Reason    string
}

func (e *TemplateError) Error() string {
	if e.Namespace == "" {
		return "schema template: " + e.Reason
	}
	return fmt.Sprintf("schema template (namespace %q): %s", e.Namespace, e.Reason)
}

// UnknownTableError reports a lookup for a table key the document does not
// define.
type UnknownTableError struct {
	Key string
}

func (e *UnknownTableError) Error() string {
	return fmt.Sprintf("unknown table %q (expected %q or %q)", e.Key, TableEmails, TableAttachments)
}

package bids

import (
	"fmt"
	"strings"
)

// SpecError reports a dataset-shape problem: a missing or ambiguous acquisition,
// or required metadata with no safe default. It is never recovered silently.
type SpecError struct {
	Subject string
	Session string
	Run     int
	Msg     string
}

func (e *SpecError) Error() string {
	var b strings.Builder
	b.WriteString(e.Msg)
	b.WriteString(" (subject ")
	b.WriteString(e.Subject)
	b.WriteString(", session ")
	b.WriteString(e.Session)
	if e.Run > 0 {
		fmt.Fprintf(&b, ", run %d", e.Run)
	}
	b.WriteString(")")
	return b.String()
}

// NewSpecError builds a SpecError for the subject, session and run of a query
func NewSpecError(q Query, format string, args ...any) *SpecError {
	return &SpecError{
		Subject: q.Subject,
		Session: q.Session,
		Run:     q.Run,
		Msg:     fmt.Sprintf(format, args...),
	}
}

// MissingMetadataError is returned when a sidecar lacks a requested key
type MissingMetadataError struct {
	Path string
	Key  string
}

func (e *MissingMetadataError) Error() string {
	return fmt.Sprintf("metadata field %q not found in %s", e.Key, e.Path)
}

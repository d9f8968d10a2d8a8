// Package validator checks the envelope of a file event before it reaches
// the engine. Document text itself is never inspected.
package validator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/segment-index/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/segment-index/pkg/errors"
)

const (
	maxFileIDLength = 256
	maxTextLength   = 1 << 20
)

// ValidationError holds per-field validation failure messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	fields := make([]string, 0, len(e.Fields))
	for f := range e.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f, e.Fields[f]))
	}
	return strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return apperrors.ErrInvalidInput }

// ValidateFileEvent normalises an empty kind to ADD and rejects events the
// registry could not store.
func ValidateFileEvent(ev *ingestion.FileEvent) error {
	errs := make(map[string]string)

	kind, err := ingestion.ParseEventKind(string(ev.Kind))
	if err != nil {
		errs["kind"] = "kind must be one of ADD, UPDATE, DELETE"
	} else {
		ev.Kind = kind
	}
	if ev.FileID != nil {
		switch id := *ev.FileID; {
		case strings.TrimSpace(id) == "":
			errs["fileId"] = "fileId must not be blank when present"
		case len(id) > maxFileIDLength:
			errs["fileId"] = fmt.Sprintf("fileId must be at most %d bytes", maxFileIDLength)
		}
	}
	if ev.Kind == ingestion.KindDelete && ev.FileID == nil {
		errs["fileId"] = "DELETE events require a fileId"
	}
	if len(ev.Text) > maxTextLength {
		errs["text"] = fmt.Sprintf("text must be at most %d bytes", maxTextLength)
	}
	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}

// Package ingestion defines the file events the indexer consumes, over HTTP
// or from Kafka, and the responses returned for them.
package ingestion

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventKind says what happened to a file.
type EventKind string

const (
	KindAdd    EventKind = "ADD"
	KindUpdate EventKind = "UPDATE"
	KindDelete EventKind = "DELETE"
)

// ParseEventKind accepts any casing; an empty kind means ADD.
func ParseEventKind(s string) (EventKind, error) {
	switch k := EventKind(strings.ToUpper(strings.TrimSpace(s))); k {
	case KindAdd, KindUpdate, KindDelete:
		return k, nil
	case "":
		return KindAdd, nil
	default:
		return "", fmt.Errorf("unknown event kind %q", s)
	}
}

func (k *EventKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("decoding event kind: %w", err)
	}
	parsed, err := ParseEventKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// FileEvent is one change to an external file. FileID is optional: events
// without one are indexed but can never be updated, deleted or resolved by
// queries.
type FileEvent struct {
	FileID    *string           `json:"fileId,omitempty"`
	Kind      EventKind         `json:"kind"`
	Text      string            `json:"text"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// HasFileID reports whether the event names a file.
func (e *FileEvent) HasFileID() bool {
	return e.FileID != nil && *e.FileID != ""
}

// FileIDOrEmpty is used for logging and message keys.
func (e *FileEvent) FileIDOrEmpty() string {
	if e.FileID == nil {
		return ""
	}
	return *e.FileID
}

// StrPtr is a helper for building events with a file id.
func StrPtr(s string) *string { return &s }

// IngestResponse is returned after an event has been applied. For DELETE
// events SegmentID is empty and DocID is zero.
type IngestResponse struct {
	SegmentID  string    `json:"segment_id,omitempty"`
	DocID      int32     `json:"doc_id,omitempty"`
	FileID     string    `json:"file_id,omitempty"`
	Kind       EventKind `json:"kind"`
	Tombstoned int       `json:"tombstoned"`
}

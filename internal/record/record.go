package record

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"
)

// Record is a synced entity. Content holds the primary fields (title, body, ...),
// Metadata and Tags hold the tag-like fields that are unioned on merge.
type Record struct {
	ID        string         `json:"id"`
	UpdatedAt time.Time      `json:"updated_at"`
	Content   map[string]any `json:"content,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Tags      []string       `json:"tags"` // null keeps tags on overlay, [] clears them
	Merged    bool           `json:"merged,omitempty"`
	MergedAt  *time.Time     `json:"merged_at,omitempty"`
}

// Clone returns a deep-enough copy: maps and slices are not shared with r.
func (r Record) Clone() Record {
	out := r
	if r.Content != nil {
		out.Content = maps.Clone(r.Content)
	}
	if r.Metadata != nil {
		out.Metadata = maps.Clone(r.Metadata)
	}
	out.Tags = slices.Clone(r.Tags)
	if r.MergedAt != nil {
		t := *r.MergedAt
		out.MergedAt = &t
	}
	return out
}

// Overlay applies the non-empty fields of a partial record on top of r.
// Content and metadata keys present in partial replace those in r; tags are
// replaced only when partial carries tags.
func (r Record) Overlay(partial Record) Record {
	out := r.Clone()
	if partial.ID != "" {
		out.ID = partial.ID
	}
	if !partial.UpdatedAt.IsZero() {
		out.UpdatedAt = partial.UpdatedAt
	}
	if len(partial.Content) > 0 {
		if out.Content == nil {
			out.Content = make(map[string]any, len(partial.Content))
		}
		maps.Copy(out.Content, partial.Content)
	}
	if len(partial.Metadata) > 0 {
		if out.Metadata == nil {
			out.Metadata = make(map[string]any, len(partial.Metadata))
		}
		maps.Copy(out.Metadata, partial.Metadata)
	}
	if partial.Tags != nil {
		out.Tags = slices.Clone(partial.Tags)
	}
	return out
}

// Title is a convenience accessor for the conventional "title" content field.
func (r Record) Title() string {
	s, _ := r.Content["title"].(string)
	return s
}

// Marshal encodes a record as JSON.
func Marshal(r Record) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal record %s: %w", r.ID, err)
	}
	return data, nil
}

// Unmarshal decodes a JSON record.
func Unmarshal(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("unmarshal record: %w", err)
	}
	return r, nil
}

// Millis truncates t to millisecond precision, the resolution persisted by
// every store.
func Millis(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return time.UnixMilli(t.UnixMilli()).UTC()
}

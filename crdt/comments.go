package crdt

import (
	"bytes"
	"encoding/json"
	"sort"
)

// Anchor ties a comment to a logical range of text elements. The endpoints
// are element ids, so the anchor survives edits around it; it is lost only
// when both endpoints are tombstoned.
type Anchor struct {
	Start LogicalTimestamp `json:"start"`
	End   LogicalTimestamp `json:"end"`
}

// Comment is the fixed record shape stored in the replica's comment map.
// Detached is derived at read time and never persisted.
type Comment struct {
	ID        string  `json:"id"`
	ThreadID  string  `json:"threadId,omitempty"`
	Author    string  `json:"author"`
	Content   string  `json:"content"`
	Anchor    *Anchor `json:"anchor,omitempty"`
	Resolved  bool    `json:"resolved"`
	CreatedAt int64   `json:"createdAt"`

	Detached bool `json:"-"`
}

// Validate checks the required fields of a comment record.
func (c *Comment) Validate() error {
	if c.ID == "" {
		return ErrInvalidComment{Message: "missing id"}
	}
	if c.Author == "" {
		return ErrInvalidComment{Message: "missing author"}
	}
	if c.Content == "" {
		return ErrInvalidComment{Message: "missing content"}
	}
	return nil
}

// decodeComment decodes a comment record, rejecting unknown keys so the
// durable form stays schema-stable.
func decodeComment(data []byte) (*Comment, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var c Comment
	if err := dec.Decode(&c); err != nil {
		return nil, ErrInvalidComment{Message: err.Error()}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// clone returns a copy safe to hand outside the replica.
func (c *Comment) clone() *Comment {
	out := *c
	if c.Anchor != nil {
		anchor := *c.Anchor
		out.Anchor = &anchor
	}
	return &out
}

// commentEntry is one keyed slot: the last-writer timestamp and the record,
// or a nil record for a remove tombstone.
type commentEntry struct {
	ID     LogicalTimestamp
	Record *Comment
}

// commentMap is a last-writer-wins keyed map from comment id to record.
// It is always materialized, even when empty, so a fresh replica and a
// loaded replica agree that the map exists.
type commentMap struct {
	entries map[string]*commentEntry
}

func newCommentMap() *commentMap {
	return &commentMap{
		entries: make(map[string]*commentEntry),
	}
}

// set puts a record under key if ts is newer than the current entry.
// Returns whether the map changed.
func (m *commentMap) set(key string, rec *Comment, ts LogicalTimestamp) bool {
	entry, ok := m.entries[key]
	if ok && ts.Compare(entry.ID) <= 0 {
		return false
	}
	m.entries[key] = &commentEntry{ID: ts, Record: rec}
	return true
}

// remove tombstones the key if ts is newer than the current entry.
func (m *commentMap) remove(key string, ts LogicalTimestamp) bool {
	entry, ok := m.entries[key]
	if ok && ts.Compare(entry.ID) <= 0 {
		return false
	}
	m.entries[key] = &commentEntry{ID: ts, Record: nil}
	return true
}

// get returns the live record under key, or nil.
func (m *commentMap) get(key string) *Comment {
	entry, ok := m.entries[key]
	if !ok || entry.Record == nil {
		return nil
	}
	return entry.Record
}

// visible returns the live records ordered by creation time, then id.
func (m *commentMap) visible() []*Comment {
	out := make([]*Comment, 0, len(m.entries))
	for _, entry := range m.entries {
		if entry.Record != nil {
			out = append(out, entry.Record)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// size returns the number of live records.
func (m *commentMap) size() int {
	n := 0
	for _, entry := range m.entries {
		if entry.Record != nil {
			n++
		}
	}
	return n
}

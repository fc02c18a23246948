package protocol

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Span is a half-open rune range in the visible text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Awareness is the presence record a client announces about its user.
// It is soft state: sessions relay and cache it but never persist it.
// A record with Left set evicts the entry instead of updating it.
type Awareness struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	Color       string `json:"color,omitempty"`
	Cursor      *int   `json:"cursor,omitempty"`
	Selection   *Span  `json:"selection,omitempty"`
	Left        bool   `json:"left,omitempty"`
}

// DecodeAwareness parses an AwarenessUpdate payload.
func DecodeAwareness(payload []byte) (*Awareness, error) {
	var a Awareness
	if err := json.Unmarshal(payload, &a); err != nil {
		return nil, errors.Wrap(err, "decode awareness")
	}
	if a.UserID == "" {
		return nil, errors.New("awareness record missing userId")
	}
	return &a, nil
}

// EncodeAwareness serializes a presence record for fan-out.
func EncodeAwareness(a *Awareness) ([]byte, error) {
	return json.Marshal(a)
}

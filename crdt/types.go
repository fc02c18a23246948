package crdt

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// SessionID identifies a single replica actor. It is implemented as a
// UUID v7 which provides time-ordered values.
type SessionID uuid.UUID

// NilSessionID is the zero value for SessionID.
var NilSessionID SessionID

// HeadID is the fixed LogicalTimestamp that text insertions use as their
// origin when they insert at the beginning of the sequence.
var HeadID = LogicalTimestamp{SID: NilSessionID, Counter: 0}

// NewSessionID creates a new SessionID using UUID v7.
// It panics if the UUID cannot be created.
func NewSessionID() SessionID {
	const retry = 3

	var lastErr error
	var id uuid.UUID
	for i := 0; i < retry; i++ {
		id, lastErr = uuid.NewV7()
		if lastErr == nil {
			break
		}
	}

	if lastErr != nil {
		panic(lastErr)
	}

	return SessionID(id)
}

// ParseSessionID parses the canonical UUID string form of a SessionID.
func ParseSessionID(s string) (SessionID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NilSessionID, fmt.Errorf("invalid session id %q: %w", s, err)
	}
	return SessionID(u), nil
}

// String returns the string representation of the SessionID.
func (s SessionID) String() string {
	return uuid.UUID(s).String()
}

// Compare compares two SessionIDs lexicographically by their bytes.
// Returns:
//
//	-1 if s < other
//	 0 if s == other
//	 1 if s > other
func (s SessionID) Compare(other SessionID) int {
	for i := 0; i < len(uuid.UUID(s)); i++ {
		if uuid.UUID(s)[i] < uuid.UUID(other)[i] {
			return -1
		}
		if uuid.UUID(s)[i] > uuid.UUID(other)[i] {
			return 1
		}
	}
	return 0
}

// MarshalText implements the encoding.TextMarshaler interface.
func (s SessionID) MarshalText() ([]byte, error) {
	return []byte(uuid.UUID(s).String()), nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (s *SessionID) UnmarshalText(text []byte) error {
	u, err := uuid.Parse(string(text))
	if err != nil {
		return fmt.Errorf("invalid UUID format: %w", err)
	}
	*s = SessionID(u)
	return nil
}

// LogicalTimestamp is a globally unique, totally ordered identifier for a
// single CRDT mutation. It consists of a session ID and a sequence counter.
type LogicalTimestamp struct {
	SID     SessionID `json:"sid"`
	Counter uint64    `json:"cnt"`
}

// IsNil reports whether the timestamp is the zero value.
func (t LogicalTimestamp) IsNil() bool {
	return t.Counter == 0 && t.SID == NilSessionID
}

// Compare orders two logical timestamps: counters first, session id bytes
// as the tiebreak between concurrent mutations.
// Returns:
//
//	-1 if t < other
//	 0 if t == other
//	 1 if t > other
func (t LogicalTimestamp) Compare(other LogicalTimestamp) int {
	if t.Counter < other.Counter {
		return -1
	}
	if t.Counter > other.Counter {
		return 1
	}
	return t.SID.Compare(other.SID)
}

// Increment returns the timestamp advanced by the given amount.
func (t LogicalTimestamp) Increment(amount uint64) LogicalTimestamp {
	return LogicalTimestamp{
		SID:     t.SID,
		Counter: t.Counter + amount,
	}
}

// String returns a string representation of the logical timestamp.
func (t LogicalTimestamp) String() string {
	data, _ := json.Marshal(t)
	return string(data)
}

// StateVector maps each known session to the highest mutation counter
// observed from it. A replica's vector summarizes everything it has seen;
// diffing two vectors yields the updates one side is missing.
//
// StateVector is not safe for concurrent use; the owning replica is
// mutated on a single lane.
type StateVector map[SessionID]uint64

// NewStateVector creates an empty state vector.
func NewStateVector() StateVector {
	return make(StateVector)
}

// Observe raises the vector entry for the timestamp's session if the
// timestamp is newer than what has been seen.
func (v StateVector) Observe(ts LogicalTimestamp) {
	if ts.Counter > v[ts.SID] {
		v[ts.SID] = ts.Counter
	}
}

// ObserveSpan observes a run of span consecutive counters starting at ts.
func (v StateVector) ObserveSpan(ts LogicalTimestamp, span uint64) {
	if span == 0 {
		return
	}
	v.Observe(ts.Increment(span - 1))
}

// Covers reports whether the vector has observed the given timestamp.
func (v StateVector) Covers(ts LogicalTimestamp) bool {
	return v[ts.SID] >= ts.Counter
}

// Merge folds the other vector into this one, keeping the maximum counter
// per session.
func (v StateVector) Merge(other StateVector) {
	for sid, cnt := range other {
		if cnt > v[sid] {
			v[sid] = cnt
		}
	}
}

// Clone returns an independent copy of the vector.
func (v StateVector) Clone() StateVector {
	out := make(StateVector, len(v))
	for sid, cnt := range v {
		out[sid] = cnt
	}
	return out
}

// MaxCounter returns the highest counter observed across all sessions.
func (v StateVector) MaxCounter() uint64 {
	var max uint64
	for _, cnt := range v {
		if cnt > max {
			max = cnt
		}
	}
	return max
}

// MarshalJSON encodes the vector as an object keyed by session id string.
func (v StateVector) MarshalJSON() ([]byte, error) {
	keys := make([]string, 0, len(v))
	bySid := make(map[string]uint64, len(v))
	for sid, cnt := range v {
		s := sid.String()
		keys = append(keys, s)
		bySid[s] = cnt
	}
	sort.Strings(keys)

	out := make(map[string]uint64, len(bySid))
	for _, k := range keys {
		out[k] = bySid[k]
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the object form produced by MarshalJSON.
func (v *StateVector) UnmarshalJSON(data []byte) error {
	var raw map[string]uint64
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	out := make(StateVector, len(raw))
	for key, cnt := range raw {
		sid, err := ParseSessionID(key)
		if err != nil {
			return err
		}
		out[sid] = cnt
	}
	*v = out
	return nil
}

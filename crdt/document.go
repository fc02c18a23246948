package crdt

import (
	"encoding/json"
	"sort"

	"github.com/pkg/errors"
)

// Document is one replica of a collaborative note: an RGA text sequence
// plus a keyed comment map, stamped by a state vector. All mutations go
// through timestamped operations, so replicas that exchange updates
// converge regardless of delivery order.
//
// Document is not safe for concurrent use; the owner serializes access.
type Document struct {
	sessionID SessionID
	clock     uint64
	vector    StateVector
	text      *textSequence
	comments  *commentMap
}

// ApplyResult reports what an update changed.
type ApplyResult struct {
	TextChanged     bool
	CommentsChanged bool
}

// Changed reports whether the update had any effect.
func (r *ApplyResult) Changed() bool {
	return r.TextChanged || r.CommentsChanged
}

// NewDocument creates a fresh replica. The comment map is materialized
// immediately so a fresh replica and a loaded one agree that it exists.
func NewDocument(sid SessionID) *Document {
	return &Document{
		sessionID: sid,
		vector:    NewStateVector(),
		text:      newTextSequence(),
		comments:  newCommentMap(),
	}
}

// SessionID returns the replica's session id.
func (d *Document) SessionID() SessionID {
	return d.sessionID
}

// Vector returns a copy of the replica's state vector.
func (d *Document) Vector() StateVector {
	return d.vector.Clone()
}

// Text returns the visible text.
func (d *Document) Text() string {
	return d.text.text()
}

// Length returns the visible text length in runes.
func (d *Document) Length() int {
	return d.text.visibleLength()
}

// Comments returns the live comment records ordered by creation time.
// Records whose anchors have been fully tombstoned are marked detached.
func (d *Document) Comments() []*Comment {
	records := d.comments.visible()
	out := make([]*Comment, len(records))
	for i, rec := range records {
		c := rec.clone()
		c.Detached = d.anchorLost(c.Anchor)
		out[i] = c
	}
	return out
}

// GetComment returns the live record with the given id, or nil.
func (d *Document) GetComment(id string) *Comment {
	rec := d.comments.get(id)
	if rec == nil {
		return nil
	}
	c := rec.clone()
	c.Detached = d.anchorLost(c.Anchor)
	return c
}

// CommentCount returns the number of live comments.
func (d *Document) CommentCount() int {
	return d.comments.size()
}

func (d *Document) anchorLost(a *Anchor) bool {
	if a == nil {
		return false
	}
	return d.text.isTombstoned(a.Start) && d.text.isTombstoned(a.End)
}

// nextTimestamp allocates span consecutive counters above everything the
// replica has observed.
func (d *Document) nextTimestamp(span uint64) LogicalTimestamp {
	ts := LogicalTimestamp{SID: d.sessionID, Counter: d.clock + 1}
	d.clock += span
	d.vector.ObserveSpan(ts, span)
	return ts
}

// observe folds a remote operation's timestamps into the vector and the
// Lamport clock.
func (d *Document) observe(ts LogicalTimestamp, span uint64) {
	if span == 0 {
		span = 1
	}
	last := ts.Counter + span - 1
	d.vector.ObserveSpan(ts, span)
	if last > d.clock {
		d.clock = last
	}
}

// SeedText initializes an empty replica from a stored text projection.
func (d *Document) SeedText(s string) error {
	if s == "" {
		return nil
	}
	_, err := d.InsertText(0, s)
	return err
}

// InsertText inserts s at the visible rune position pos and returns the
// patch carrying the mutation for fan-out.
func (d *Document) InsertText(pos int, s string) (*Patch, error) {
	if s == "" {
		return NewPatch(), nil
	}

	origin, err := d.text.originAt(pos)
	if err != nil {
		return nil, err
	}

	op := &InsOperation{
		OpID:  d.nextTimestamp(uint64(len([]rune(s)))),
		After: origin,
		Value: s,
	}
	if _, err := op.apply(d); err != nil {
		return nil, err
	}
	return NewPatch(op), nil
}

// DeleteText tombstones n visible runes starting at pos.
func (d *Document) DeleteText(pos, n int) (*Patch, error) {
	if n == 0 {
		return NewPatch(), nil
	}

	ids, err := d.text.visibleRange(pos, n)
	if err != nil {
		return nil, err
	}

	op := &DelOperation{
		OpID:    d.nextTimestamp(1),
		Targets: ids,
	}
	if _, err := op.apply(d); err != nil {
		return nil, err
	}
	return NewPatch(op), nil
}

// SetText replaces the whole visible text, the shape non-realtime writes
// take when routed through a live session.
func (d *Document) SetText(s string) (*Patch, error) {
	if d.Text() == s {
		return NewPatch(), nil
	}

	patch := NewPatch()
	if ids := d.text.visibleIDs(); len(ids) > 0 {
		op := &DelOperation{
			OpID:    d.nextTimestamp(1),
			Targets: ids,
		}
		if _, err := op.apply(d); err != nil {
			return nil, err
		}
		patch.AddOperation(op)
	}
	if s != "" {
		op := &InsOperation{
			OpID:  d.nextTimestamp(uint64(len([]rune(s)))),
			After: HeadID,
			Value: s,
		}
		if _, err := op.apply(d); err != nil {
			return nil, err
		}
		patch.AddOperation(op)
	}
	return patch, nil
}

// PutComment sets a record in the comment map.
func (d *Document) PutComment(c *Comment) (*Patch, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	op := &CommentSetOperation{
		OpID:   d.nextTimestamp(1),
		Key:    c.ID,
		Record: c.clone(),
	}
	if _, err := op.apply(d); err != nil {
		return nil, err
	}
	return NewPatch(op), nil
}

// RemoveComment deletes a record from the comment map.
func (d *Document) RemoveComment(id string) (*Patch, error) {
	if id == "" {
		return nil, ErrInvalidComment{Message: "missing id"}
	}

	op := &CommentDeleteOperation{
		OpID: d.nextTimestamp(1),
		Key:  id,
	}
	if _, err := op.apply(d); err != nil {
		return nil, err
	}
	return NewPatch(op), nil
}

// ApplyUpdate merges update bytes into the replica. Updates are either a
// patch of operations or a full snapshot; both are recognized by shape.
func (d *Document) ApplyUpdate(data []byte) (*ApplyResult, error) {
	var probe struct {
		Ops    json.RawMessage `json:"ops"`
		Vector json.RawMessage `json:"vector"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, ErrInvalidEncoding{Message: err.Error()}
	}

	switch {
	case probe.Ops != nil:
		var patch Patch
		if err := json.Unmarshal(data, &patch); err != nil {
			return nil, err
		}
		return d.ApplyPatch(&patch)
	case probe.Vector != nil:
		var snap snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, ErrInvalidEncoding{Message: err.Error()}
		}
		return d.applySnapshot(&snap)
	default:
		return nil, ErrInvalidEncoding{Message: "update is neither a patch nor a snapshot"}
	}
}

// ApplyPatch applies each operation in order. Operations the replica has
// already seen are skipped, so replays and echoes are harmless.
func (d *Document) ApplyPatch(p *Patch) (*ApplyResult, error) {
	result := &ApplyResult{}
	for _, op := range p.Operations() {
		res, err := op.apply(d)
		if err != nil {
			return result, errors.Wrapf(err, "apply %s", op.Type())
		}
		d.observe(op.ID(), op.Span())
		result.TextChanged = result.TextChanged || res.textChanged
		result.CommentsChanged = result.CommentsChanged || res.commentsChanged
	}
	return result, nil
}

// EncodeUpdate encodes a patch as update bytes for fan-out.
func EncodeUpdate(p *Patch) ([]byte, error) {
	return json.Marshal(p)
}

// snapshot is the verbose JSON form of a full replica.
type snapshot struct {
	Vector   StateVector              `json:"vector"`
	Text     []snapshotElement        `json:"text"`
	Comments map[string]snapshotEntry `json:"comments"`
}

type snapshotElement struct {
	ID      LogicalTimestamp  `json:"id"`
	Origin  LogicalTimestamp  `json:"origin"`
	Value   string            `json:"value"`
	Deleted bool              `json:"deleted,omitempty"`
	By      *LogicalTimestamp `json:"by,omitempty"`
}

type snapshotEntry struct {
	ID     LogicalTimestamp `json:"id"`
	Record *Comment         `json:"record"`
}

// EncodeState serializes the full replica, tombstones included, as the
// durable snapshot form. The encoding is deterministic, so equal states
// produce equal bytes.
func (d *Document) EncodeState() ([]byte, error) {
	snap := snapshot{
		Vector:   d.vector,
		Text:     make([]snapshotElement, len(d.text.elements)),
		Comments: make(map[string]snapshotEntry, len(d.comments.entries)),
	}

	for i, elem := range d.text.elements {
		se := snapshotElement{
			ID:      elem.ID,
			Origin:  elem.Origin,
			Value:   string(elem.Value),
			Deleted: elem.Deleted,
		}
		if elem.Deleted {
			by := elem.DeletedBy
			se.By = &by
		}
		snap.Text[i] = se
	}

	for key, entry := range d.comments.entries {
		snap.Comments[key] = snapshotEntry{ID: entry.ID, Record: entry.Record}
	}

	return json.Marshal(snap)
}

// DecodeState builds a replica from snapshot bytes.
func DecodeState(data []byte, sid SessionID) (*Document, error) {
	doc := NewDocument(sid)

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, ErrInvalidEncoding{Message: err.Error()}
	}
	if snap.Vector == nil {
		return nil, ErrInvalidEncoding{Message: "snapshot missing vector"}
	}

	if _, err := doc.applySnapshot(&snap); err != nil {
		return nil, err
	}
	return doc, nil
}

// applySnapshot merges a full snapshot: unseen elements integrate through
// the normal RGA rule, tombstones union, comment entries fold in by LWW,
// and the vectors merge.
func (d *Document) applySnapshot(snap *snapshot) (*ApplyResult, error) {
	result := &ApplyResult{}

	// Elements appear in document order, so an element's origin is always
	// either already integrated or earlier in the slice.
	for _, se := range snap.Text {
		runes := []rune(se.Value)
		if len(runes) != 1 {
			return result, ErrInvalidEncoding{Message: "snapshot element must hold a single rune"}
		}

		applied, err := d.text.integrate(&textElement{
			ID:     se.ID,
			Origin: se.Origin,
			Value:  runes[0],
		})
		if err != nil {
			return result, errors.Wrap(err, "snapshot element")
		}
		if applied {
			result.TextChanged = true
		}

		if se.Deleted {
			by := se.ID
			if se.By != nil {
				by = *se.By
			}
			tombstoned, err := d.text.tombstone(se.ID, by)
			if err != nil {
				return result, errors.Wrap(err, "snapshot tombstone")
			}
			if tombstoned {
				result.TextChanged = true
			}
			d.observe(by, 1)
		}
	}

	for key, entry := range snap.Comments {
		if entry.Record != nil {
			if err := entry.Record.Validate(); err != nil {
				return result, err
			}
			if d.comments.set(key, entry.Record, entry.ID) {
				result.CommentsChanged = true
			}
		} else {
			if d.comments.remove(key, entry.ID) {
				result.CommentsChanged = true
			}
		}
		d.observe(entry.ID, 1)
	}

	d.vector.Merge(snap.Vector)
	if max := d.vector.MaxCounter(); max > d.clock {
		d.clock = max
	}
	return result, nil
}

// DiffAgainstVector produces update bytes holding every operation the
// remote vector has not observed: the second half of the sync handshake.
func (d *Document) DiffAgainstVector(remote StateVector) ([]byte, error) {
	patch := NewPatch()

	// Unseen inserts, in document order so origins resolve on the remote.
	// Consecutive elements from one typing run collapse back into a
	// single ins operation.
	var run *InsOperation
	var runLast LogicalTimestamp
	flush := func() {
		if run != nil {
			patch.AddOperation(run)
			run = nil
		}
	}
	for _, elem := range d.text.elements {
		if remote.Covers(elem.ID) {
			flush()
			continue
		}
		if run != nil && elem.Origin == runLast && elem.ID.SID == runLast.SID && elem.ID.Counter == runLast.Counter+1 {
			run.Value += string(elem.Value)
			runLast = elem.ID
			continue
		}
		flush()
		run = &InsOperation{OpID: elem.ID, After: elem.Origin, Value: string(elem.Value)}
		runLast = elem.ID
	}
	flush()

	// Unseen deletes, grouped by the mutation that performed them.
	delGroups := make(map[LogicalTimestamp][]LogicalTimestamp)
	for _, elem := range d.text.elements {
		if elem.Deleted && !remote.Covers(elem.DeletedBy) {
			delGroups[elem.DeletedBy] = append(delGroups[elem.DeletedBy], elem.ID)
		}
	}
	delIDs := make([]LogicalTimestamp, 0, len(delGroups))
	for by := range delGroups {
		delIDs = append(delIDs, by)
	}
	sort.Slice(delIDs, func(i, j int) bool { return delIDs[i].Compare(delIDs[j]) < 0 })
	for _, by := range delIDs {
		patch.AddOperation(&DelOperation{OpID: by, Targets: delGroups[by]})
	}

	// Unseen comment mutations.
	keys := make([]string, 0, len(d.comments.entries))
	for key := range d.comments.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		entry := d.comments.entries[key]
		if remote.Covers(entry.ID) {
			continue
		}
		if entry.Record != nil {
			patch.AddOperation(&CommentSetOperation{OpID: entry.ID, Key: key, Record: entry.Record})
		} else {
			patch.AddOperation(&CommentDeleteOperation{OpID: entry.ID, Key: key})
		}
	}

	return EncodeUpdate(patch)
}

package crdt

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// OperationType represents the type of a patch operation.
type OperationType string

const (
	// OpInsert inserts a run of text after an origin element.
	OpInsert OperationType = "ins"
	// OpDelete tombstones text elements by id.
	OpDelete OperationType = "del"
	// OpCommentSet puts a record into the comment map.
	OpCommentSet OperationType = "cset"
	// OpCommentDelete removes a record from the comment map.
	OpCommentDelete OperationType = "cdel"
)

// opResult reports what an operation touched, so callers can route
// persistence decisions.
type opResult struct {
	textChanged     bool
	commentsChanged bool
}

// Operation is a single replica mutation. Every operation carries its own
// logical timestamp; applying the same operation twice is harmless.
type Operation interface {
	Type() OperationType
	ID() LogicalTimestamp
	// Span is the number of consecutive counters the operation consumes.
	Span() uint64

	apply(doc *Document) (opResult, error)
	json.Marshaler
}

// InsOperation inserts a run of runes after the After element. Rune i of
// Value takes timestamp ID+i and chains its origin to rune i-1, so a typed
// run stays contiguous under concurrent edits.
type InsOperation struct {
	OpID  LogicalTimestamp
	After LogicalTimestamp
	Value string
}

// Type returns the operation type.
func (op *InsOperation) Type() OperationType { return OpInsert }

// ID returns the timestamp of the first inserted rune.
func (op *InsOperation) ID() LogicalTimestamp { return op.OpID }

// Span returns the number of runes inserted.
func (op *InsOperation) Span() uint64 { return uint64(len([]rune(op.Value))) }

func (op *InsOperation) apply(doc *Document) (opResult, error) {
	var res opResult
	origin := op.After
	for i, r := range []rune(op.Value) {
		elem := &textElement{
			ID:     op.OpID.Increment(uint64(i)),
			Origin: origin,
			Value:  r,
		}
		applied, err := doc.text.integrate(elem)
		if err != nil {
			return res, errors.Wrap(err, "insert")
		}
		if applied {
			res.textChanged = true
		}
		origin = elem.ID
	}
	return res, nil
}

// MarshalJSON implements the json.Marshaler interface.
func (op *InsOperation) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Op    string           `json:"op"`
		ID    LogicalTimestamp `json:"id"`
		After LogicalTimestamp `json:"after"`
		Value string           `json:"value"`
	}{
		Op:    string(OpInsert),
		ID:    op.OpID,
		After: op.After,
		Value: op.Value,
	})
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (op *InsOperation) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID    LogicalTimestamp `json:"id"`
		After LogicalTimestamp `json:"after"`
		Value string           `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Value == "" {
		return ErrInvalidOperation{Message: "ins with empty value"}
	}
	op.OpID = raw.ID
	op.After = raw.After
	op.Value = raw.Value
	return nil
}

// DelOperation tombstones the listed elements. The operation's own
// timestamp records who removed them, so diffs can replay the removal to
// replicas that saw the inserts but not the delete.
type DelOperation struct {
	OpID    LogicalTimestamp
	Targets []LogicalTimestamp
}

// Type returns the operation type.
func (op *DelOperation) Type() OperationType { return OpDelete }

// ID returns the delete's own timestamp.
func (op *DelOperation) ID() LogicalTimestamp { return op.OpID }

// Span returns 1; a delete consumes a single counter.
func (op *DelOperation) Span() uint64 { return 1 }

func (op *DelOperation) apply(doc *Document) (opResult, error) {
	var res opResult
	for _, target := range op.Targets {
		applied, err := doc.text.tombstone(target, op.OpID)
		if err != nil {
			return res, errors.Wrap(err, "delete")
		}
		if applied {
			res.textChanged = true
		}
	}
	return res, nil
}

// MarshalJSON implements the json.Marshaler interface.
func (op *DelOperation) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Op      string             `json:"op"`
		ID      LogicalTimestamp   `json:"id"`
		Targets []LogicalTimestamp `json:"ids"`
	}{
		Op:      string(OpDelete),
		ID:      op.OpID,
		Targets: op.Targets,
	})
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (op *DelOperation) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID      LogicalTimestamp   `json:"id"`
		Targets []LogicalTimestamp `json:"ids"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw.Targets) == 0 {
		return ErrInvalidOperation{Message: "del with no targets"}
	}
	op.OpID = raw.ID
	op.Targets = raw.Targets
	return nil
}

// CommentSetOperation puts a record into the comment map, last writer wins.
type CommentSetOperation struct {
	OpID   LogicalTimestamp
	Key    string
	Record *Comment
}

// Type returns the operation type.
func (op *CommentSetOperation) Type() OperationType { return OpCommentSet }

// ID returns the operation timestamp.
func (op *CommentSetOperation) ID() LogicalTimestamp { return op.OpID }

// Span returns 1.
func (op *CommentSetOperation) Span() uint64 { return 1 }

func (op *CommentSetOperation) apply(doc *Document) (opResult, error) {
	var res opResult
	if doc.comments.set(op.Key, op.Record, op.OpID) {
		res.commentsChanged = true
	}
	return res, nil
}

// MarshalJSON implements the json.Marshaler interface.
func (op *CommentSetOperation) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Op     string           `json:"op"`
		ID     LogicalTimestamp `json:"id"`
		Key    string           `json:"key"`
		Record *Comment         `json:"record"`
	}{
		Op:     string(OpCommentSet),
		ID:     op.OpID,
		Key:    op.Key,
		Record: op.Record,
	})
}

// UnmarshalJSON implements the json.Unmarshaler interface. The record is
// decoded strictly: unknown keys are rejected.
func (op *CommentSetOperation) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID     LogicalTimestamp `json:"id"`
		Key    string           `json:"key"`
		Record json.RawMessage  `json:"record"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Key == "" {
		return ErrInvalidOperation{Message: "cset with empty key"}
	}
	if len(raw.Record) == 0 {
		return ErrInvalidOperation{Message: "cset with no record"}
	}

	rec, err := decodeComment(raw.Record)
	if err != nil {
		return err
	}
	if rec.ID != raw.Key {
		return ErrInvalidComment{Message: "record id does not match map key"}
	}

	op.OpID = raw.ID
	op.Key = raw.Key
	op.Record = rec
	return nil
}

// CommentDeleteOperation removes a record from the comment map.
type CommentDeleteOperation struct {
	OpID LogicalTimestamp
	Key  string
}

// Type returns the operation type.
func (op *CommentDeleteOperation) Type() OperationType { return OpCommentDelete }

// ID returns the operation timestamp.
func (op *CommentDeleteOperation) ID() LogicalTimestamp { return op.OpID }

// Span returns 1.
func (op *CommentDeleteOperation) Span() uint64 { return 1 }

func (op *CommentDeleteOperation) apply(doc *Document) (opResult, error) {
	var res opResult
	if doc.comments.remove(op.Key, op.OpID) {
		res.commentsChanged = true
	}
	return res, nil
}

// MarshalJSON implements the json.Marshaler interface.
func (op *CommentDeleteOperation) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Op  string           `json:"op"`
		ID  LogicalTimestamp `json:"id"`
		Key string           `json:"key"`
	}{
		Op:  string(OpCommentDelete),
		ID:  op.OpID,
		Key: op.Key,
	})
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (op *CommentDeleteOperation) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID  LogicalTimestamp `json:"id"`
		Key string           `json:"key"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Key == "" {
		return ErrInvalidOperation{Message: "cdel with empty key"}
	}
	op.OpID = raw.ID
	op.Key = raw.Key
	return nil
}

// Patch is an ordered list of operations, the unit carried by Update
// frames.
type Patch struct {
	operations []Operation
}

// NewPatch creates an empty patch.
func NewPatch(ops ...Operation) *Patch {
	return &Patch{operations: ops}
}

// Operations returns the operations in the patch.
func (p *Patch) Operations() []Operation {
	return p.operations
}

// AddOperation appends an operation to the patch.
func (p *Patch) AddOperation(op Operation) {
	p.operations = append(p.operations, op)
}

// IsEmpty reports whether the patch carries no operations.
func (p *Patch) IsEmpty() bool {
	return len(p.operations) == 0
}

// TouchesComments reports whether any operation mutates the comment map.
func (p *Patch) TouchesComments() bool {
	for _, op := range p.operations {
		switch op.Type() {
		case OpCommentSet, OpCommentDelete:
			return true
		}
	}
	return false
}

// MarshalJSON implements the json.Marshaler interface.
func (p *Patch) MarshalJSON() ([]byte, error) {
	ops := make([]json.RawMessage, len(p.operations))
	for i, op := range p.operations {
		opJSON, err := json.Marshal(op)
		if err != nil {
			return nil, err
		}
		ops[i] = opJSON
	}

	return json.Marshal(struct {
		Ops []json.RawMessage `json:"ops"`
	}{Ops: ops})
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (p *Patch) UnmarshalJSON(data []byte) error {
	var raw struct {
		Ops []json.RawMessage `json:"ops"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return ErrInvalidEncoding{Message: err.Error()}
	}

	p.operations = make([]Operation, len(raw.Ops))
	for i, opJSON := range raw.Ops {
		op, err := decodeOperation(opJSON)
		if err != nil {
			return err
		}
		p.operations[i] = op
	}
	return nil
}

// decodeOperation decodes one operation by its "op" discriminator.
func decodeOperation(data []byte) (Operation, error) {
	var meta struct {
		Op string `json:"op"`
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, ErrInvalidEncoding{Message: err.Error()}
	}

	var op Operation
	switch OperationType(meta.Op) {
	case OpInsert:
		op = &InsOperation{}
	case OpDelete:
		op = &DelOperation{}
	case OpCommentSet:
		op = &CommentSetOperation{}
	case OpCommentDelete:
		op = &CommentDeleteOperation{}
	default:
		return nil, ErrInvalidOperation{Message: "unknown op type: " + meta.Op}
	}

	if err := json.Unmarshal(data, op); err != nil {
		return nil, err
	}
	return op, nil
}

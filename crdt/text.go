package crdt

import (
	"strings"
)

// textElement is a single rune in the RGA sequence. Deleted elements stay
// in place as tombstones; DeletedBy records the mutation that removed them
// so diffs can replay the removal.
type textElement struct {
	ID        LogicalTimestamp
	Origin    LogicalTimestamp
	Value     rune
	Deleted   bool
	DeletedBy LogicalTimestamp
}

// textSequence is a Replicated Growable Array over runes. An element is
// integrated after its origin, skipping concurrent elements with greater
// timestamps, which makes the final order independent of arrival order.
type textSequence struct {
	elements []*textElement
	byID     map[LogicalTimestamp]*textElement
}

func newTextSequence() *textSequence {
	return &textSequence{
		elements: make([]*textElement, 0),
		byID:     make(map[LogicalTimestamp]*textElement),
	}
}

// contains reports whether an element with the given id has been integrated.
func (s *textSequence) contains(id LogicalTimestamp) bool {
	_, ok := s.byID[id]
	return ok
}

// find returns the position of the element with the given id, or -1.
func (s *textSequence) find(id LogicalTimestamp) int {
	for i, elem := range s.elements {
		if elem.ID == id {
			return i
		}
	}
	return -1
}

// integrate places a new element into the sequence. Elements already
// present are skipped, which makes replayed updates harmless.
func (s *textSequence) integrate(e *textElement) (bool, error) {
	if s.contains(e.ID) {
		return false, nil
	}

	pos := -1
	if e.Origin != HeadID {
		pos = s.find(e.Origin)
		if pos == -1 {
			return false, ErrElementNotFound{ID: e.Origin}
		}
	}

	// Skip concurrent elements that sort after the new one. Elements
	// inserted with the same origin end up ordered by descending
	// timestamp, so every replica agrees on the result.
	i := pos + 1
	for i < len(s.elements) && s.elements[i].ID.Compare(e.ID) > 0 {
		i++
	}

	s.elements = append(s.elements, nil)
	copy(s.elements[i+1:], s.elements[i:])
	s.elements[i] = e
	s.byID[e.ID] = e
	return true, nil
}

// tombstone marks the element as deleted. The first delete wins the
// DeletedBy slot; later deletes of the same element are no-ops.
func (s *textSequence) tombstone(id, by LogicalTimestamp) (bool, error) {
	elem, ok := s.byID[id]
	if !ok {
		return false, ErrElementNotFound{ID: id}
	}
	if elem.Deleted {
		return false, nil
	}
	elem.Deleted = true
	elem.DeletedBy = by
	return true, nil
}

// isTombstoned reports whether the element exists and has been deleted.
// Unknown elements count as tombstoned so anchors to garbage-collected
// history read as detached rather than valid.
func (s *textSequence) isTombstoned(id LogicalTimestamp) bool {
	elem, ok := s.byID[id]
	if !ok {
		return true
	}
	return elem.Deleted
}

// visibleLength returns the number of live elements.
func (s *textSequence) visibleLength() int {
	n := 0
	for _, elem := range s.elements {
		if !elem.Deleted {
			n++
		}
	}
	return n
}

// text materializes the visible runes.
func (s *textSequence) text() string {
	var b strings.Builder
	for _, elem := range s.elements {
		if !elem.Deleted {
			b.WriteRune(elem.Value)
		}
	}
	return b.String()
}

// originAt returns the id of the visible element preceding visible
// position pos, or HeadID when pos is 0. An insert at visible position pos
// uses this as its origin.
func (s *textSequence) originAt(pos int) (LogicalTimestamp, error) {
	if pos < 0 {
		return HeadID, ErrOutOfRange{Pos: pos, Len: s.visibleLength()}
	}
	if pos == 0 {
		return HeadID, nil
	}

	seen := 0
	for _, elem := range s.elements {
		if elem.Deleted {
			continue
		}
		seen++
		if seen == pos {
			return elem.ID, nil
		}
	}
	return HeadID, ErrOutOfRange{Pos: pos, Len: s.visibleLength()}
}

// visibleRange returns the ids of n visible elements starting at visible
// position pos.
func (s *textSequence) visibleRange(pos, n int) ([]LogicalTimestamp, error) {
	if pos < 0 || n < 0 || pos+n > s.visibleLength() {
		return nil, ErrOutOfRange{Pos: pos + n, Len: s.visibleLength()}
	}

	ids := make([]LogicalTimestamp, 0, n)
	seen := 0
	for _, elem := range s.elements {
		if elem.Deleted {
			continue
		}
		if seen >= pos {
			ids = append(ids, elem.ID)
			if len(ids) == n {
				break
			}
		}
		seen++
	}
	return ids, nil
}

// visibleIDs returns the ids of all visible elements in document order.
func (s *textSequence) visibleIDs() []LogicalTimestamp {
	ids := make([]LogicalTimestamp, 0, len(s.elements))
	for _, elem := range s.elements {
		if !elem.Deleted {
			ids = append(ids, elem.ID)
		}
	}
	return ids
}

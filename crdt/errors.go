package crdt

import (
	"fmt"
)

// ErrElementNotFound is returned when a text element with the given
// timestamp is not present in the sequence.
type ErrElementNotFound struct {
	ID LogicalTimestamp
}

func (e ErrElementNotFound) Error() string {
	return fmt.Sprintf("text element not found: %v", e.ID)
}

// ErrInvalidOperation is returned when a patch operation is malformed.
type ErrInvalidOperation struct {
	Message string
}

func (e ErrInvalidOperation) Error() string {
	return fmt.Sprintf("invalid operation: %s", e.Message)
}

// ErrInvalidEncoding is returned when update or snapshot bytes cannot be
// decoded.
type ErrInvalidEncoding struct {
	Message string
}

func (e ErrInvalidEncoding) Error() string {
	return fmt.Sprintf("invalid encoding: %s", e.Message)
}

// ErrInvalidComment is returned when a comment record fails validation.
type ErrInvalidComment struct {
	Message string
}

func (e ErrInvalidComment) Error() string {
	return fmt.Sprintf("invalid comment: %s", e.Message)
}

// ErrOutOfRange is returned when a text position or span falls outside the
// visible sequence.
type ErrOutOfRange struct {
	Pos int
	Len int
}

func (e ErrOutOfRange) Error() string {
	return fmt.Sprintf("position %d out of range for text of length %d", e.Pos, e.Len)
}

package core

import (
	"fmt"

	"github.com/segmentio/ksuid"
)

// ID is an internally generated identifier, used as a dispatch generation
// marker. It is never used for a caller-supplied messageId or userId, which
// remain plain strings.
type ID string

func (id ID) String() string {
	return string(id)
}

func (id ID) IsZero() bool {
	return id == ""
}

// NewID generates a new time-sortable ID.
func NewID() (ID, error) {
	id, err := ksuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate new ID: %w", err)
	}
	return ID(id.String()), nil
}

// MustNewID is NewID that panics if ID generation fails. The batching
// engine calls it once per dispatch.
func MustNewID() ID {
	id, err := NewID()
	if err != nil {
		panic(err)
	}
	return id
}

package model

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string for use as an execution identifier.
func NewID() string {
	return ulid.Make().String()
}

// NewEventID generates a time-ordered UUIDv7 for steps, delegations and
// tool calls. These ids only need to be unique within one execution.
func NewEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

package ids

import (
	"github.com/google/uuid"
)

// New returns a fresh random 128-bit identifier. Used for users,
// devices, communities, rooms and messages alike; identifiers are
// opaque, globally unique and never reused.
func New() uuid.UUID {
	return uuid.New()
}

// Parse parses the canonical textual form of an identifier.
func Parse(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

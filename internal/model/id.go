package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string. The worker mints one per process as its
// session identifier.
func NewID() string {
	return ulid.Make().String()
}

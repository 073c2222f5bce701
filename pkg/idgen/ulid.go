// Package idgen generates aggregate identifiers.
package idgen

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID returns a new ULID. IDs generated by one process sort in creation
// order, even within the same millisecond.
func NewID() string {
	return ulid.Make().String()
}

// Timestamp returns the creation time encoded in id.
func Timestamp(id string) (time.Time, error) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid id %q: %w", id, err)
	}
	return ulid.Time(parsed.Time()), nil
}

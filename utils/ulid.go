package utils

import (
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID returns a new time-ordered ID.
func NewID() string {
	return ulid.Make().String()
}

// GetTimeFromID returns the creation time encoded in an ID. A file
// extension on name is ignored so object keys named after IDs parse too.
func GetTimeFromID(name string) (time.Time, error) {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[:i]
	}
	id, err := ulid.Parse(name)
	if err != nil {
		return time.Time{}, fmt.Errorf("unable to ulid parse %q: %w", name, err)
	}
	return ulid.Time(id.Time()), nil
}

// Package clock provides an injectable time and ID source so the
// iteration driver and its tests do not depend on the wall clock or
// the global math/rand source directly.
package clock

import (
	"time"

	"github.com/google/uuid"
)

// Clock abstracts "now" and ID generation for components that need
// deterministic behavior under test.
type Clock interface {
	// Now returns the current time in UTC.
	Now() time.Time

	// NewID returns a new random identifier (UUIDv4 string form).
	NewID() string
}

// System is the real Clock, backed by time.Now and uuid.New.
type System struct{}

// Now returns time.Now().UTC().
func (System) Now() time.Time { return time.Now().UTC() }

// NewID returns a fresh uuid.New().String().
func (System) NewID() string { return uuid.New().String() }

// Format renders t in the RFC 3339 form forge persists to SQLite and
// emits in ledger entries.
func Format(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Parse is the inverse of Format.
func Parse(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// Frozen is a Clock that always returns the same instant, for tests
// that assert on exact timestamps. IDs still increment so uniqueness
// invariants can be exercised.
type Frozen struct {
	At      time.Time
	counter int
}

// Now returns the frozen instant.
func (f *Frozen) Now() time.Time { return f.At }

// NewID returns a deterministic, incrementing fake UUID-shaped string.
func (f *Frozen) NewID() string {
	f.counter++
	return uuid.NewSHA1(uuid.Nil, []byte{byte(f.counter >> 8), byte(f.counter)}).String()
}

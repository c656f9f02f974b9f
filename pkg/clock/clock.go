// Package clock provides the injectable time and identity source used
// throughout the intent lifecycle: every timestamp an intent, event, or
// escalation carries, and every UUID assigned to them, passes through
// here so tests can substitute a fixed clock and a deterministic ID
// sequence.
package clock

import (
	"time"

	"github.com/google/uuid"
)

// Source is the time/identity boundary domain services depend on instead
// of calling time.Now/uuid.New directly.
type Source interface {
	Now() time.Time
	NewID() string
}

// System is the production Source backed by the wall clock and
// google/uuid's v4 generator.
type System struct{}

func New() System { return System{} }

func (System) Now() time.Time { return time.Now().UTC() }

func (System) NewID() string { return uuid.New().String() }

// Fixed is a deterministic Source for tests: Now always returns the same
// instant, and NewID walks a caller-supplied sequence before falling back
// to generating fresh UUIDs once the sequence is exhausted.
type Fixed struct {
	At   time.Time
	IDs  []string
	next int
}

func NewFixed(at time.Time, ids ...string) *Fixed {
	return &Fixed{At: at, IDs: ids}
}

func (f *Fixed) Now() time.Time { return f.At }

func (f *Fixed) NewID() string {
	if f.next < len(f.IDs) {
		id := f.IDs[f.next]
		f.next++
		return id
	}
	return uuid.New().String()
}

// Advance moves a Fixed clock forward, for tests asserting SLA/timeout
// behavior across a simulated interval.
func (f *Fixed) Advance(d time.Duration) {
	f.At = f.At.Add(d)
}

// DedupeWindowBucket floors t to the given window (seconds) for the
// deduplication fingerprint's replay-limiting bucket component (§4.1 step 4).
func DedupeWindowBucket(t time.Time, window time.Duration) int64 {
	if window <= 0 {
		return t.Unix()
	}
	sec := int64(window.Seconds())
	if sec <= 0 {
		sec = 1
	}
	return t.Unix() / sec
}

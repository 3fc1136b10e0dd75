package clock

import (
	"fmt"
	"time"
)

// Clock is the single source of wall-clock time for scheduling arithmetic.
// All slot and reminder math happens in the business timezone it carries.
type Clock interface {
	Now() time.Time
	Location() *time.Location
	Today() time.Time
}

type businessClock struct {
	loc *time.Location
}

// NewBusiness returns a clock pinned to the given IANA timezone.
func NewBusiness(timezone string) (Clock, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("clock: load timezone %q: %w", timezone, err)
	}
	return &businessClock{loc: loc}, nil
}

func (c *businessClock) Now() time.Time {
	return time.Now().In(c.loc)
}

func (c *businessClock) Location() *time.Location {
	return c.loc
}

func (c *businessClock) Today() time.Time {
	now := c.Now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, c.loc)
}

// NewUTC returns a clock pinned to UTC, for components that have no
// business timezone of their own.
func NewUTC() Clock {
	return &businessClock{loc: time.UTC}
}

// Fixed is a test clock frozen at a single instant.
type Fixed struct {
	Instant time.Time
}

// NewFixed returns a clock that always reports the given instant.
func NewFixed(instant time.Time) *Fixed {
	return &Fixed{Instant: instant}
}

func (f *Fixed) Now() time.Time {
	return f.Instant
}

func (f *Fixed) Location() *time.Location {
	return f.Instant.Location()
}

func (f *Fixed) Today() time.Time {
	return time.Date(f.Instant.Year(), f.Instant.Month(), f.Instant.Day(), 0, 0, 0, 0, f.Instant.Location())
}

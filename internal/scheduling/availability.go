package scheduling

import (
	"sort"
	"time"

	"github.com/citamed/citamed-platform/internal/directory"
)

// NoSlotsReason explains an empty availability result.
type NoSlotsReason string

const (
	ReasonNone        NoSlotsReason = ""
	ReasonNoTemplates NoSlotsReason = "no_templates"
	ReasonNoBlocks    NoSlotsReason = "no_time_blocks"
	ReasonFullyBooked NoSlotsReason = "fully_booked"
	ReasonAllInPast   NoSlotsReason = "all_in_past"
)

// AvailabilityInput carries everything FreeSlots needs. The computation is
// pure: same input, same output.
type AvailabilityInput struct {
	Now          time.Time
	Date         time.Time // any instant on the target day, business timezone
	SlotDuration time.Duration
	Templates    []directory.ScheduleTemplate
	Appointments []Appointment // non-cancelled, same doctor, overlapping the day
}

// FreeSlots generates the bookable slot starts for one doctor-day.
//
// Candidates run back-to-back at the slot-duration stride inside each active
// time block; a trailing partial slot is never emitted. Slots that begin in
// the past are dropped, as are slots whose half-open interval intersects an
// existing non-cancelled appointment. A weekday whose wall-clock time is
// destroyed by a DST transition yields no slot for that time.
func FreeSlots(in AvailabilityInput) ([]time.Time, NoSlotsReason) {
	if len(in.Templates) == 0 {
		return nil, ReasonNoTemplates
	}
	d := in.SlotDuration
	if d <= 0 {
		return nil, ReasonNoBlocks
	}
	stride := int(d / time.Minute)

	loc := in.Date.Location()
	year, month, day := in.Date.Date()

	hadBlocks := false
	hadCandidates := false
	hadFuture := false
	seen := map[int64]struct{}{}
	var slots []time.Time

	for _, tpl := range in.Templates {
		if !tpl.Active {
			continue
		}
		for _, block := range tpl.Blocks {
			hadBlocks = true
			for minute := block.StartMinute; minute+stride <= block.EndMinute; minute += stride {
				hadCandidates = true
				start, ok := wallClock(year, month, day, minute, loc)
				if !ok {
					continue
				}
				if start.Before(in.Now) {
					continue
				}
				hadFuture = true
				if taken(start, start.Add(d), in.Appointments) {
					continue
				}
				key := start.Unix()
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				slots = append(slots, start)
			}
		}
	}

	sort.Slice(slots, func(i, j int) bool { return slots[i].Before(slots[j]) })

	if len(slots) > 0 {
		return slots, ReasonNone
	}
	switch {
	case !hadBlocks || !hadCandidates:
		return nil, ReasonNoBlocks
	case !hadFuture:
		return nil, ReasonAllInPast
	default:
		return nil, ReasonFullyBooked
	}
}

// SlotFree reports whether [start, start+d) is free of the given
// non-cancelled appointments. This is the same intersection rule the store
// enforces transactionally.
func SlotFree(start time.Time, d time.Duration, appointments []Appointment) bool {
	return !taken(start, start.Add(d), appointments)
}

// wallClock builds the instant for the given minutes past local midnight.
// It reports false when a DST transition destroys that wall-clock time.
func wallClock(year int, month time.Month, day, minute int, loc *time.Location) (time.Time, bool) {
	t := time.Date(year, month, day, minute/60, minute%60, 0, 0, loc)
	if t.Day() != day || t.Hour()*60+t.Minute() != minute {
		return time.Time{}, false
	}
	return t, true
}

func taken(start, end time.Time, appointments []Appointment) bool {
	for i := range appointments {
		a := &appointments[i]
		if a.Status == StatusCancelled {
			continue
		}
		if a.Overlaps(start, end) {
			return true
		}
	}
	return false
}

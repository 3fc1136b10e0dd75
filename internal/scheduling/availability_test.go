package scheduling

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citamed/citamed-platform/internal/directory"
)

var mexicoCity = mustLoadLocation("America/Mexico_City")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

func template(blocks ...directory.TimeBlock) directory.ScheduleTemplate {
	return directory.ScheduleTemplate{
		ID:       uuid.New(),
		DoctorID: uuid.New(),
		OfficeID: uuid.New(),
		Weekday:  time.Monday,
		Active:   true,
		Blocks:   blocks,
	}
}

func TestFreeSlotsBackToBack(t *testing.T) {
	date := time.Date(2025, 3, 10, 0, 0, 0, 0, mexicoCity)
	in := AvailabilityInput{
		Now:          date.Add(6 * time.Hour),
		Date:         date,
		SlotDuration: 30 * time.Minute,
		Templates:    []directory.ScheduleTemplate{template(directory.TimeBlock{StartMinute: 540, EndMinute: 660})}, // 09:00-11:00
	}

	slots, reason := FreeSlots(in)
	require.Equal(t, ReasonNone, reason)
	require.Len(t, slots, 4)
	assert.Equal(t, 9, slots[0].Hour())
	assert.Equal(t, 30, slots[1].Minute())
	assert.Equal(t, 10, slots[2].Hour())
}

func TestFreeSlotsPartialTrailingSlotNotEmitted(t *testing.T) {
	date := time.Date(2025, 3, 10, 0, 0, 0, 0, mexicoCity)
	in := AvailabilityInput{
		Now:          date,
		Date:         date,
		SlotDuration: 30 * time.Minute,
		// 09:00-09:50: only one full 30m slot fits
		Templates: []directory.ScheduleTemplate{template(directory.TimeBlock{StartMinute: 540, EndMinute: 590})},
	}

	slots, reason := FreeSlots(in)
	require.Equal(t, ReasonNone, reason)
	require.Len(t, slots, 1)
	assert.Equal(t, 9, slots[0].Hour())
	assert.Equal(t, 0, slots[0].Minute())
}

func TestFreeSlotsDropsPast(t *testing.T) {
	date := time.Date(2025, 3, 10, 0, 0, 0, 0, mexicoCity)
	in := AvailabilityInput{
		Now:          date.Add(10 * time.Hour), // 10:00
		Date:         date,
		SlotDuration: 30 * time.Minute,
		Templates:    []directory.ScheduleTemplate{template(directory.TimeBlock{StartMinute: 540, EndMinute: 660})},
	}

	slots, reason := FreeSlots(in)
	require.Equal(t, ReasonNone, reason)
	require.Len(t, slots, 2)
	assert.Equal(t, 10, slots[0].Hour())
	assert.Equal(t, 10, slots[1].Hour())
	assert.Equal(t, 30, slots[1].Minute())
}

func TestFreeSlotsAllInPast(t *testing.T) {
	date := time.Date(2025, 3, 10, 0, 0, 0, 0, mexicoCity)
	in := AvailabilityInput{
		Now:          date.Add(20 * time.Hour),
		Date:         date,
		SlotDuration: 30 * time.Minute,
		Templates:    []directory.ScheduleTemplate{template(directory.TimeBlock{StartMinute: 540, EndMinute: 660})},
	}

	slots, reason := FreeSlots(in)
	assert.Empty(t, slots)
	assert.Equal(t, ReasonAllInPast, reason)
}

func TestFreeSlotsExcludesOverlaps(t *testing.T) {
	date := time.Date(2025, 3, 10, 0, 0, 0, 0, mexicoCity)
	tenAM := date.Add(10 * time.Hour)
	in := AvailabilityInput{
		Now:          date.Add(6 * time.Hour),
		Date:         date,
		SlotDuration: 30 * time.Minute,
		Templates:    []directory.ScheduleTemplate{template(directory.TimeBlock{StartMinute: 540, EndMinute: 690})}, // 09:00-11:30
		Appointments: []Appointment{
			{StartsAt: tenAM, EndsAt: tenAM.Add(30 * time.Minute), Status: StatusConfirmed},
			{StartsAt: tenAM.Add(30 * time.Minute), EndsAt: tenAM.Add(time.Hour), Status: StatusCancelled},
		},
	}

	slots, reason := FreeSlots(in)
	require.Equal(t, ReasonNone, reason)
	for _, s := range slots {
		assert.NotEqual(t, tenAM, s, "10:00 must be excluded")
	}
	// cancelled appointment does not block 10:30
	var has1030 bool
	for _, s := range slots {
		if s.Equal(tenAM.Add(30 * time.Minute)) {
			has1030 = true
		}
	}
	assert.True(t, has1030)
}

func TestFreeSlotsEmptyTemplates(t *testing.T) {
	date := time.Date(2025, 3, 10, 0, 0, 0, 0, mexicoCity)
	slots, reason := FreeSlots(AvailabilityInput{Now: date, Date: date, SlotDuration: 30 * time.Minute})
	assert.Empty(t, slots)
	assert.Equal(t, ReasonNoTemplates, reason)

	slots, reason = FreeSlots(AvailabilityInput{
		Now: date, Date: date, SlotDuration: 30 * time.Minute,
		Templates: []directory.ScheduleTemplate{template()},
	})
	assert.Empty(t, slots)
	assert.Equal(t, ReasonNoBlocks, reason)
}

func TestFreeSlotsFullyBooked(t *testing.T) {
	date := time.Date(2025, 3, 10, 0, 0, 0, 0, mexicoCity)
	nineAM := date.Add(9 * time.Hour)
	in := AvailabilityInput{
		Now:          date.Add(6 * time.Hour),
		Date:         date,
		SlotDuration: 30 * time.Minute,
		Templates:    []directory.ScheduleTemplate{template(directory.TimeBlock{StartMinute: 540, EndMinute: 600})}, // 09:00-10:00
		Appointments: []Appointment{
			{StartsAt: nineAM, EndsAt: nineAM.Add(time.Hour), Status: StatusPending},
		},
	}

	slots, reason := FreeSlots(in)
	assert.Empty(t, slots)
	assert.Equal(t, ReasonFullyBooked, reason)
}

func TestFreeSlotsDSTSpringForward(t *testing.T) {
	// US DST: 2025-03-09 02:00 local does not exist in America/New_York.
	ny := mustLoadLocation("America/New_York")
	date := time.Date(2025, 3, 9, 0, 0, 0, 0, ny)
	in := AvailabilityInput{
		Now:          date,
		Date:         date,
		SlotDuration: 30 * time.Minute,
		Templates:    []directory.ScheduleTemplate{template(directory.TimeBlock{StartMinute: 90, EndMinute: 210})}, // 01:30-03:30
	}

	slots, reason := FreeSlots(in)
	require.Equal(t, ReasonNone, reason)
	for _, s := range slots {
		assert.NotEqual(t, 2, s.Hour(), "destroyed 02:xx wall times must not be emitted")
	}
}

func TestSlotFree(t *testing.T) {
	start := time.Date(2025, 3, 10, 10, 0, 0, 0, mexicoCity)
	appts := []Appointment{{StartsAt: start, EndsAt: start.Add(30 * time.Minute), Status: StatusPending}}

	assert.False(t, SlotFree(start, 30*time.Minute, appts))
	assert.True(t, SlotFree(start.Add(30*time.Minute), 30*time.Minute, appts))
	// back-to-back half-open intervals do not overlap
	assert.True(t, SlotFree(start.Add(-30*time.Minute), 30*time.Minute, appts))
}

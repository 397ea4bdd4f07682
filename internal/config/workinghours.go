package config

import (
	"fmt"
	"time"
)

// WorkingHours gates when the daemon's automatic mode may run. Times are
// interpreted in the configured timezone.
type WorkingHours struct {
	StartHour    int
	StartMinute  int
	EndHour      int
	EndMinute    int
	WeekdaysOnly bool
	Timezone     string
}

// DefaultWorkingHours is Mon-Fri 09:00-17:00 local time.
func DefaultWorkingHours() WorkingHours {
	return WorkingHours{
		StartHour:    9,
		StartMinute:  0,
		EndHour:      17,
		EndMinute:    0,
		WeekdaysOnly: true,
		Timezone:     "Local",
	}
}

// Validate checks bounds and that the timezone resolves.
func (w WorkingHours) Validate() error {
	if w.StartHour < 0 || w.StartHour > 23 || w.EndHour < 0 || w.EndHour > 23 {
		return fmt.Errorf("working hours: hour out of range")
	}
	if w.StartMinute < 0 || w.StartMinute > 59 || w.EndMinute < 0 || w.EndMinute > 59 {
		return fmt.Errorf("working hours: minute out of range")
	}
	start := w.StartHour*60 + w.StartMinute
	end := w.EndHour*60 + w.EndMinute
	if start >= end {
		return fmt.Errorf("working hours: start %02d:%02d is not before end %02d:%02d",
			w.StartHour, w.StartMinute, w.EndHour, w.EndMinute)
	}
	if _, err := w.location(); err != nil {
		return fmt.Errorf("working hours: timezone %q: %w", w.Timezone, err)
	}
	return nil
}

// Within reports whether t falls inside the configured window, respecting
// weekday gating and the configured timezone. The window is half-open:
// [start, end).
func (w WorkingHours) Within(t time.Time) bool {
	loc, err := w.location()
	if err != nil {
		loc = time.Local
	}
	local := t.In(loc)

	if w.WeekdaysOnly {
		switch local.Weekday() {
		case time.Saturday, time.Sunday:
			return false
		}
	}

	minutes := local.Hour()*60 + local.Minute()
	start := w.StartHour*60 + w.StartMinute
	end := w.EndHour*60 + w.EndMinute
	return minutes >= start && minutes < end
}

func (w WorkingHours) location() (*time.Location, error) {
	if w.Timezone == "" || w.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(w.Timezone)
}

// String renders the window for status output, e.g. "Mon-Fri 09:00-17:00 Europe/Berlin".
func (w WorkingHours) String() string {
	days := "Every day"
	if w.WeekdaysOnly {
		days = "Mon-Fri"
	}
	tz := w.Timezone
	if tz == "" {
		tz = "Local"
	}
	return fmt.Sprintf("%s %02d:%02d-%02d:%02d %s", days, w.StartHour, w.StartMinute, w.EndHour, w.EndMinute, tz)
}

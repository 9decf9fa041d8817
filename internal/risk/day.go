package risk

import "time"

// DayWindow resolves trading-day and month boundaries in one timezone.
type DayWindow struct {
	loc *time.Location
}

// NewDayWindow loads tz; an empty name means UTC.
func NewDayWindow(tz string) (DayWindow, error) {
	if tz == "" {
		return DayWindow{loc: time.UTC}, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return DayWindow{}, err
	}
	return DayWindow{loc: loc}, nil
}

// DayStart returns local midnight of the day containing now.
func (w DayWindow) DayStart(now time.Time) time.Time {
	y, m, d := now.In(w.Location()).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, w.Location())
}

// Month returns the ledger month key for now.
func (w DayWindow) Month(now time.Time) string {
	return now.In(w.Location()).Format("2006-01")
}

// Location is the window's timezone.
func (w DayWindow) Location() *time.Location {
	if w.loc == nil {
		return time.UTC
	}
	return w.loc
}

package lib

import "time"

const DayLayout = "2006-01-02"

// DayKey is the calendar day of now in loc, the unit daily quotas roll over on.
func DayKey(now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return now.In(loc).Format(DayLayout)
}

// ParseDayKey parses a DayKey back to midnight of that day in loc.
func ParseDayKey(day string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	return time.ParseInLocation(DayLayout, day, loc)
}

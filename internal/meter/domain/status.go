package domain

import "time"

// Classify derives percentage and status. A non-positive limit is always
// exceeded.
func Classify(usage, limit, warningPercent float64) (float64, Status) {
	if limit <= 0 {
		return 100, StatusExceeded
	}
	pct := usage / limit * 100
	switch {
	case pct >= 100:
		return pct, StatusExceeded
	case pct >= warningPercent:
		return pct, StatusWarning
	default:
		return pct, StatusOK
	}
}

// NextReset is the first instant of the calendar month after t, in UTC.
func NextReset(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}

// Period formats the monthly bucket a usage counter belongs to.
func Period(t time.Time) string {
	return t.UTC().Format("2006-01")
}

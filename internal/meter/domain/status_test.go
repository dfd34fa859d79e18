package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		usage, limit float64
		pct          float64
		status       Status
	}{
		{0, 1000, 0, StatusOK},
		{799, 1000, 79.9, StatusOK},
		{800, 1000, 80, StatusWarning},
		{999, 1000, 99.9, StatusWarning},
		{1000, 1000, 100, StatusExceeded},
		{1500, 1000, 150, StatusExceeded},
		{0, 0, 100, StatusExceeded},
	}
	for _, tc := range cases {
		pct, status := Classify(tc.usage, tc.limit, 80)
		assert.InDelta(t, tc.pct, pct, 1e-9)
		assert.Equal(t, tc.status, status, "usage %v limit %v", tc.usage, tc.limit)
	}
}

func TestNextResetRollsYear(t *testing.T) {
	got := NextReset(time.Date(2026, 12, 31, 23, 59, 59, 0, time.UTC))
	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), got)
	assert.Equal(t, "2026-12", Period(time.Date(2026, 12, 31, 23, 0, 0, 0, time.UTC)))
}

package timefmt_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/codetether/codetether/internal/util/timefmt"
)

func TestMinutes(t *testing.T) {
	assert.Equal(t, "0m", timefmt.Minutes(0))
	assert.Equal(t, "7m", timefmt.Minutes(7))
	assert.Equal(t, "59m", timefmt.Minutes(59))
	assert.Equal(t, "1h00m", timefmt.Minutes(60))
	assert.Equal(t, "1h05m", timefmt.Minutes(65))
	assert.Equal(t, "25h13m", timefmt.Minutes(25*60+13))
}

func TestAgo(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)

	assert.Equal(t, "just now", timefmt.Ago(now.Add(-5*time.Second), now))
	assert.Equal(t, "just now", timefmt.Ago(now, now))
	assert.Equal(t, "1m ago", timefmt.Ago(now.Add(-90*time.Second), now))
	assert.Equal(t, "45m ago", timefmt.Ago(now.Add(-45*time.Minute), now))
	assert.Equal(t, "3h ago", timefmt.Ago(now.Add(-3*time.Hour-20*time.Minute), now))
	assert.Equal(t, "2d ago", timefmt.Ago(now.Add(-49*time.Hour), now))
}

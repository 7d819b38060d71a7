package timefmt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"upnext/internal/model"
)

func TestFormatSigned(t *testing.T) {
	tests := []struct {
		secs float64
		want string
	}{
		{0, "0s"},
		{45, "45s"},
		{59.4, "59s"},
		{60, "1m 00s"},
		{150, "2m 30s"},
		{150.2, "2m 31s"},
		{119.5, "2m 00s"},
		{299, "4m 59s"},
		{300, "5m"},
		{30 * 60, "30m"},
		{59*60 + 40, "60m"},
		{60 * 60, "1h 00m"},
		{7200, "2h 00m"},
		{2*3600 + 5*60, "2h 05m"},
		{3*3600 + 59*60 + 30, "4h 00m"},
		{4 * 3600, "4h"},
		{23 * 3600, "23h"},
		{24 * 3600, "1d"},
		{60 * 3600, "3d"},
	}

	for _, tc := range tests {
		d := time.Duration(tc.secs * float64(time.Second))
		assert.Equal(t, tc.want, Format(d, Signed), "secs=%v", tc.secs)
		if tc.secs != 0 {
			assert.Equal(t, "-"+tc.want, Format(-d, Signed), "secs=-%v", tc.secs)
		}
	}
}

func TestFormatRelative(t *testing.T) {
	assert.Equal(t, "in 45s", Format(45*time.Second, Relative))
	assert.Equal(t, "45s ago", Format(-45*time.Second, Relative))
	assert.Equal(t, "in 2m 30s", Format(150*time.Second, Relative))
	assert.Equal(t, "2h 00m ago", Format(-2*time.Hour, Relative))
	assert.Equal(t, "in 0s", Format(0, Relative))
}

func TestFormatRemaining(t *testing.T) {
	assert.Equal(t, "12m remaining", Format(12*time.Minute, Remaining))
	assert.Equal(t, "12m remaining", Format(-12*time.Minute, Remaining))
}

func TestFormatSymmetric(t *testing.T) {
	for secs := 0; secs < 3*24*3600; secs += 37 {
		d := time.Duration(secs) * time.Second
		pos := Format(d, Relative)
		neg := Format(-d, Relative)
		if d == 0 {
			continue
		}
		assert.Equal(t, pos[len("in "):], neg[:len(neg)-len(" ago")], "secs=%d", secs)
	}
}

func TestDescribe(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	upcoming := model.NewEvent("a", "", "cal", "Standup", now.Add(90*time.Second), now.Add(30*time.Minute), model.StatusAccepted, now)
	assert.Equal(t, "in 1m 30s", Describe(upcoming, now))

	running := model.NewEvent("b", "", "cal", "Review", now.Add(-10*time.Minute), now.Add(20*time.Minute), model.StatusAccepted, now)
	assert.Equal(t, "20m remaining", Describe(running, now))
}

package connmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAtLeast(t *testing.T) {
	tests := []struct {
		s      Status
		target Status
		want   bool
	}{
		{StatusNone, StatusNone, true},
		{StatusNone, StatusStationDown, false},
		{StatusStationDown, StatusStationUp, false},
		{StatusStationUp, StatusStationUp, true},
		{StatusStationGotIP, StatusStationUp, true},
		{StatusStationGotIP, StatusStationDown, true},
		{StatusAPUp, StatusStationUp, false},
		{StatusAPUp, StatusStationDown, false},
		{StatusAPDown, StatusAPUp, false},
		{StatusAPUp, StatusAPDown, true},
		{StatusStationGotIP, StatusAPDown, false},
		{StatusAPDown, StatusNone, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.s.AtLeast(tt.target), "%s >= %s", tt.s, tt.target)
	}
}

func TestStatusFromLink(t *testing.T) {
	s, ok := statusFromLink(3)
	assert.True(t, ok)
	assert.Equal(t, StatusStationGotIP, s)

	_, ok = statusFromLink(42)
	assert.False(t, ok)
	assert.Equal(t, "unknown", Status(42).String())
}

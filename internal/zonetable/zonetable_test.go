package zonetable

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rallie-app/rallie/internal/protocol"
	"github.com/rallie-app/rallie/internal/zone"
)

func TestDefault(t *testing.T) {
	tbl := Default()
	assert.Equal(t, 16, tbl.Len())
	assert.Empty(t, tbl.Missing(zone.DefaultGrid()))

	tests := []struct {
		id   zone.ID
		want protocol.Command
	}{
		{0, protocol.Command{UpperWheelSpeed: 70, LowerWheelSpeed: 70, PitchAngle: 30, YawAngle: 20, FeedSpeed: 60, ControlBit: 1}},
		{3, protocol.Command{UpperWheelSpeed: 70, LowerWheelSpeed: 70, PitchAngle: 30, YawAngle: 80, FeedSpeed: 60, ControlBit: 1}},
		{6, protocol.Command{UpperWheelSpeed: 60, LowerWheelSpeed: 60, PitchAngle: 40, YawAngle: 60, FeedSpeed: 50, ControlBit: 1}},
		{9, protocol.Command{UpperWheelSpeed: 50, LowerWheelSpeed: 50, PitchAngle: 50, YawAngle: 40, FeedSpeed: 40, ControlBit: 1}},
		{15, protocol.Command{UpperWheelSpeed: 40, LowerWheelSpeed: 40, PitchAngle: 60, YawAngle: 80, FeedSpeed: 30, ControlBit: 1}},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, tbl.Lookup(tt.id)); diff != "" {
			t.Errorf("Lookup(%d) mismatch (-want +got):\n%s", tt.id, diff)
		}
	}

	// The first zone encodes to the reference frame.
	f := protocol.Encode(tbl.Lookup(0))
	assert.Equal(t, protocol.CommandFrame{0x5A, 0xA5, 0x83, 70, 70, 30, 20, 60, 1, 0x4B}, f)
}

func TestLookupFallback(t *testing.T) {
	tbl := Default()
	want := protocol.Command{UpperWheelSpeed: 50, LowerWheelSpeed: 50, PitchAngle: 45, YawAngle: 45, FeedSpeed: 50, ControlBit: 0}
	assert.Equal(t, want, tbl.Lookup(zone.None))
	assert.Equal(t, want, tbl.Lookup(16))
	assert.Equal(t, want, tbl.FallbackCommand())
}

func TestNewCopiesAndClamps(t *testing.T) {
	in := map[zone.ID]protocol.Command{
		0: {UpperWheelSpeed: 150, PitchAngle: 95, ControlBit: 1},
	}
	tbl, err := New(in, protocol.Command{FeedSpeed: -3})
	require.NoError(t, err)

	in[0] = protocol.Command{}
	in[1] = protocol.Command{FeedSpeed: 1}

	assert.Equal(t, protocol.Command{UpperWheelSpeed: 100, PitchAngle: 90, ControlBit: 1}, tbl.Lookup(0))
	assert.False(t, tbl.Has(1))
	assert.Equal(t, protocol.Command{}, tbl.Lookup(1))

	_, err = New(map[zone.ID]protocol.Command{zone.None: {}}, Fallback)
	assert.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	entries := []Entry{
		{Zone: 2, Command: protocol.Command{UpperWheelSpeed: 10}},
		{Zone: 0, Command: protocol.Command{UpperWheelSpeed: 20}},
	}
	tbl, err := FromConfig(entries, nil)
	require.NoError(t, err)
	assert.Equal(t, Fallback, tbl.FallbackCommand())
	assert.Equal(t, []zone.ID{1, 3}, tbl.Missing(zone.Grid{Width: 1, Height: 1, Cols: 2, Rows: 2}))

	got := tbl.Entries()
	require.Len(t, got, 2)
	assert.Equal(t, zone.ID(0), got[0].Zone)
	assert.Equal(t, zone.ID(2), got[1].Zone)

	fb := protocol.Command{YawAngle: 10}
	tbl, err = FromConfig(entries, &fb)
	require.NoError(t, err)
	assert.Equal(t, fb, tbl.Lookup(zone.None))

	_, err = FromConfig(append(entries, Entry{Zone: 2}), nil)
	assert.Error(t, err)
}

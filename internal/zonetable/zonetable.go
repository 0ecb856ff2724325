// Package zonetable maps target zones to launcher commands.
//
// A Table is built once and never mutated. Lookups for zones that are off
// the grid or absent from the table return the fallback command.
package zonetable

import (
	"fmt"
	"sort"

	"github.com/rallie-app/rallie/internal/protocol"
	"github.com/rallie-app/rallie/internal/zone"
)

// Fallback is the command sent when no zone applies.
var Fallback = protocol.Command{
	UpperWheelSpeed: 50,
	LowerWheelSpeed: 50,
	PitchAngle:      45,
	YawAngle:        45,
	FeedSpeed:       50,
	ControlBit:      0,
}

// Entry is one row of a table.
type Entry struct {
	Zone    zone.ID          `json:"zone" yaml:"zone"`
	Command protocol.Command `json:"command" yaml:"command"`
}

// Table is an immutable zone-to-command mapping.
type Table struct {
	entries  map[zone.ID]protocol.Command
	fallback protocol.Command
}

// New builds a table from entries. Commands are clamped on the way in and
// the map is copied.
func New(entries map[zone.ID]protocol.Command, fallback protocol.Command) (*Table, error) {
	t := &Table{
		entries:  make(map[zone.ID]protocol.Command, len(entries)),
		fallback: fallback.Clamp(),
	}
	for id, cmd := range entries {
		if id < 0 {
			return nil, fmt.Errorf("zone table: invalid zone id %d", id)
		}
		t.entries[id] = cmd.Clamp()
	}
	return t, nil
}

// FromConfig builds a table from a configured entry list. Duplicate zones
// are rejected. A nil fallback uses Fallback.
func FromConfig(entries []Entry, fallback *protocol.Command) (*Table, error) {
	m := make(map[zone.ID]protocol.Command, len(entries))
	for _, e := range entries {
		if _, dup := m[e.Zone]; dup {
			return nil, fmt.Errorf("zone table: zone %d listed twice", e.Zone)
		}
		m[e.Zone] = e.Command
	}
	fb := Fallback
	if fallback != nil {
		fb = *fallback
	}
	return New(m, fb)
}

// Default returns the built-in table for the 4×4 grid. Rows nearer the
// baseline get less wheel speed and feed and more pitch; columns sweep the
// yaw from left to right.
func Default() *Table {
	wheel := [4]int{70, 60, 50, 40}
	pitch := [4]int{30, 40, 50, 60}
	feed := [4]int{60, 50, 40, 30}
	yaw := [4]int{20, 40, 60, 80}

	entries := make(map[zone.ID]protocol.Command, 16)
	for row := 0; row < 4; row++ {
		for col := 0; col < 4; col++ {
			entries[zone.ID(row*4+col)] = protocol.Command{
				UpperWheelSpeed: wheel[row],
				LowerWheelSpeed: wheel[row],
				PitchAngle:      pitch[row],
				YawAngle:        yaw[col],
				FeedSpeed:       feed[row],
				ControlBit:      1,
			}
		}
	}
	t, err := New(entries, Fallback)
	if err != nil {
		panic(err) // unreachable: every id is non-negative
	}
	return t
}

// Lookup returns the command for id, or the fallback when id is zone.None or
// not in the table.
func (t *Table) Lookup(id zone.ID) protocol.Command {
	if cmd, ok := t.entries[id]; ok {
		return cmd
	}
	return t.fallback
}

// Has reports whether id has its own entry.
func (t *Table) Has(id zone.ID) bool {
	_, ok := t.entries[id]
	return ok
}

// FallbackCommand returns the table's fallback.
func (t *Table) FallbackCommand() protocol.Command {
	return t.fallback
}

// Len is the number of zones with an entry.
func (t *Table) Len() int { return len(t.entries) }

// Entries returns the table sorted by zone.
func (t *Table) Entries() []Entry {
	out := make([]Entry, 0, len(t.entries))
	for id, cmd := range t.entries {
		out = append(out, Entry{Zone: id, Command: cmd})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Zone < out[j].Zone })
	return out
}

// Missing lists the zones of g that have no entry.
func (t *Table) Missing(g zone.Grid) []zone.ID {
	var missing []zone.ID
	for id := zone.ID(0); int(id) < g.Count(); id++ {
		if !t.Has(id) {
			missing = append(missing, id)
		}
	}
	return missing
}

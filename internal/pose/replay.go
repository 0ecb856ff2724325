package pose

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rallie-app/rallie/internal/timeutil"
)

// ReadReplay parses JSON-lines observations. Blank lines and lines starting
// with '#' are skipped.
func ReadReplay(r io.Reader) ([]Observation, error) {
	var out []Observation
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var o Observation
		if err := json.Unmarshal([]byte(text), &o); err != nil {
			return nil, fmt.Errorf("replay line %d: %w", line, err)
		}
		out = append(out, o)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading replay: %w", err)
	}
	return out, nil
}

// LoadReplay reads a JSON-lines replay file.
func LoadReplay(path string) ([]Observation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open replay: %w", err)
	}
	defer f.Close()
	return ReadReplay(f)
}

// ReplayOracle plays back recorded observations, one per tick of Interval.
// It stands in for a live detector during development.
type ReplayOracle struct {
	Records  []Observation
	Interval time.Duration
	Loop     bool
	Clock    timeutil.Clock
}

// NewReplayOracle returns an oracle replaying records at interval.
func NewReplayOracle(records []Observation, interval time.Duration, clock timeutil.Clock) *ReplayOracle {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if interval <= 0 {
		interval = time.Second / 30
	}
	return &ReplayOracle{Records: records, Interval: interval, Clock: clock}
}

// Observations emits the records in order. Frame numbers count up from 1
// and timestamps come from the clock, so looped playback stays monotonic.
func (r *ReplayOracle) Observations(ctx context.Context) <-chan Observation {
	out := make(chan Observation)
	if len(r.Records) == 0 {
		close(out)
		return out
	}
	ticker := r.Clock.NewTicker(r.Interval)

	go func() {
		defer close(out)
		defer ticker.Stop()

		var frame uint64
		for {
			for _, rec := range r.Records {
				select {
				case <-ctx.Done():
					return
				case now := <-ticker.C():
					frame++
					rec.Frame = frame
					rec.Timestamp = now
					select {
					case out <- rec:
					case <-ctx.Done():
						return
					}
				}
			}
			if !r.Loop {
				return
			}
		}
	}()
	return out
}

package monitoring

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetLoggerRestores(t *testing.T) {
	var got []string
	restore := SetLogger(func(format string, v ...interface{}) {
		got = append(got, fmt.Sprintf(format, v...))
	})
	Logf("calibration %d installed", 3)

	mute := SetLogger(nil)
	Logf("dropped")
	mute()
	Logf("back")
	restore()

	assert.Equal(t, []string{"calibration 3 installed", "back"}, got)
	assert.NotNil(t, Logf)
}

func TestCountersSnapshot(t *testing.T) {
	var c Counters
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Dispatches.Add(1)
			c.Fallbacks.Add(2)
		}()
	}
	wg.Wait()
	c.DroppedFrames.Add(1)

	s := c.Snapshot()
	assert.Equal(t, uint64(10), s.Dispatches)
	assert.Equal(t, uint64(20), s.Fallbacks)
	assert.Equal(t, uint64(1), s.DroppedFrames)

	var nilCounters *Counters
	assert.Equal(t, CounterSnapshot{}, nilCounters.Snapshot())
}

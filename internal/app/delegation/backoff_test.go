package delegation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJitter_StaysWithinBounds(t *testing.T) {
	j := newJitter(10*time.Millisecond, 50*time.Millisecond)

	seen := make(map[time.Duration]struct{})
	for range 500 {
		d := j.Delay()
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
		assert.Less(t, d, 50*time.Millisecond)
		seen[d] = struct{}{}
	}
	assert.Greater(t, len(seen), 1, "jitter must not degrade into a fixed sleep")
}

func TestJitter_NormalizesBounds(t *testing.T) {
	j := newJitter(-time.Second, -2*time.Second)
	assert.Equal(t, time.Duration(0), j.Delay())

	fixed := newJitter(20*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, 20*time.Millisecond, fixed.Delay())
}

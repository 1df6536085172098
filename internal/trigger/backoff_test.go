package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoff_CapsAtMax(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, time.Second)
	for attempt := 0; attempt < 20; attempt++ {
		d := b.Delay(attempt)
		require.LessOrEqual(t, d, time.Second+time.Second/5)
	}
}

func TestBackoff_GrowsWithAttempt(t *testing.T) {
	b := NewBackoff(10*time.Millisecond, time.Minute)
	require.Less(t, b.Delay(0), b.Delay(5))
}

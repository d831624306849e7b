package perfstats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimer(t *testing.T) {
	tm := Timer{}
	require.Equal(t, time.Duration(0), tm.Average())
	tm.AddSample(10 * time.Millisecond)
	require.Equal(t, 10*time.Millisecond, tm.Recent())
	tm.AddSample(20 * time.Millisecond)
	require.Equal(t, int64(2), tm.Samples())
	require.Equal(t, 15*time.Millisecond, tm.Average())
	require.InDelta(t, float64(11*time.Millisecond), float64(tm.Recent()), 1000)
	tm.Reset()
	require.Equal(t, int64(0), tm.Samples())
}

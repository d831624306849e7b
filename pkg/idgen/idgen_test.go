package idgen

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type thingID uint32

func TestCounterSkipsZero(t *testing.T) {
	c := Counter[thingID]{}
	require.Equal(t, thingID(1), c.Next())
	c.next.Store(^uint32(0) - 1)
	require.Equal(t, thingID(^uint32(0)), c.Next())
	require.Equal(t, thingID(1), c.Next())
}

func TestSequenceIsUnique(t *testing.T) {
	s := Sequence{}
	seen := sync.Map{}
	wg := sync.WaitGroup{}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, dup := seen.LoadOrStore(s.Next(), true)
				require.False(t, dup)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int64(800), s.Next())
}

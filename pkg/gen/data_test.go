package gen

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeleteFirst(t *testing.T) {
	a := []int{1, 2, 3}
	b := DeleteFirst(a, -1)
	require.Equal(t, a, b)

	a = []int{1, 2, 3}
	b = DeleteFirst(a, 1)
	require.Equal(t, []int{2, 3}, b)

	a = []int{1, 2, 3}
	b = DeleteFirst(a, 2)
	require.Equal(t, []int{1, 3}, b)

	a = []int{1, 2, 3}
	b = DeleteFirst(a, 3)
	require.Equal(t, []int{1, 2}, b)

	a = []int{1, 2, 1}
	b = DeleteFirst(a, 1)
	require.Equal(t, []int{2, 1}, b)

	a = []int{1}
	b = DeleteFirst(a, 1)
	require.Equal(t, []int{}, b)
}

func TestClamp(t *testing.T) {
	require.Equal(t, 0, Clamp(-3, 0, 10))
	require.Equal(t, 10, Clamp(13, 0, 10))
	require.Equal(t, 0.5, Clamp(0.5, 0.0, 1.0))
}

func TestDrainChannel(t *testing.T) {
	ch := make(chan int, 5)
	ch <- 1
	ch <- 2
	require.Equal(t, []int{1, 2}, DrainChannelIntoSlice(ch))
	require.Equal(t, 0, len(ch))
}

package event

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type collector struct {
	got []int
}

func (c *collector) OnEvent(v int) {
	c.got = append(c.got, v)
}

type unsubscriber struct {
	sender *Sender[int]
	count  int
}

func (u *unsubscriber) OnEvent(v int) {
	u.count++
	u.sender.RemoveListener(u)
}

func TestSender(t *testing.T) {
	s := Sender[int]{}
	a := &collector{}
	b := &collector{}
	s.AddListener(a)
	s.AddListener(a)
	s.AddListener(b)
	require.Equal(t, 2, s.NumListeners())
	s.Send(1)
	s.RemoveListener(a)
	s.Send(2)
	require.Equal(t, []int{1}, a.got)
	require.Equal(t, []int{1, 2}, b.got)
}

func TestRemoveDuringSend(t *testing.T) {
	s := Sender[int]{}
	u := &unsubscriber{sender: &s}
	c := &collector{}
	s.AddListener(u)
	s.AddListener(c)
	s.Send(1)
	s.Send(2)
	require.Equal(t, 1, u.count)
	require.Equal(t, []int{1, 2}, c.got)
}

package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/miladsoleymani/batchmux/core"
)

func TestLedger_TrackTake(t *testing.T) {
	l := NewLedger[string]()

	a := l.Track("a")
	b := l.Track("b")
	assert.Equal(t, core.DeliveryTag(1), a)
	assert.Equal(t, core.DeliveryTag(2), b)
	assert.Equal(t, 2, l.Len())

	v, ok := l.Take(a)
	assert.True(t, ok)
	assert.Equal(t, "a", v)

	_, ok = l.Take(a)
	assert.False(t, ok, "a tag settles once")
	assert.Equal(t, 1, l.Len())
}

func TestLedger_Drain(t *testing.T) {
	l := NewLedger[int]()
	l.Track(1)
	l.Track(2)

	assert.ElementsMatch(t, []int{1, 2}, l.Drain())
	assert.Zero(t, l.Len())
	assert.Equal(t, core.DeliveryTag(3), l.Track(3), "tags are not reused")
}

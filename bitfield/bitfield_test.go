package bitfield_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gorent/gorent/bitfield"
)

func TestSetAndHas(t *testing.T) {
	bt := bitfield.New(17)
	assert.Equal(t, 2, len(bt))

	bt.Set(0)
	bt.Set(9)
	bt.Set(16)

	assert.True(t, bt.Has(0))
	assert.True(t, bt.Has(9))
	assert.True(t, bt.Has(16))
	assert.False(t, bt.Has(1))
	assert.False(t, bt.Has(15))
}

func TestHighBitFirst(t *testing.T) {
	bt := bitfield.New(8)
	bt.Set(0)
	assert.Equal(t, byte(0x80), bt[0])
}

func TestHasOutOfRangeIsFalse(t *testing.T) {
	bt := bitfield.New(4)
	assert.False(t, bt.Has(100))
}

package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEntryDeepCopy(t *testing.T) {
	e := &Entry{
		Key:        []byte("key"),
		Value:      []byte("value"),
		NextKey:    []byte("next"),
		Height:     10,
		LastHeight: 9,
		SerialNum:  42,
	}
	c := e.DeepCopy()
	assert.Equal(t, e, c)

	c.Key[0] = 'X'
	c.Value[0] = 'X'
	c.NextKey[0] = 'X'
	assert.Equal(t, byte('k'), e.Key[0])
	assert.Equal(t, byte('v'), e.Value[0])
	assert.Equal(t, byte('n'), e.NextKey[0])
}

func TestEntryDeepCopyNil(t *testing.T) {
	var e *Entry
	assert.Nil(t, e.DeepCopy())
}

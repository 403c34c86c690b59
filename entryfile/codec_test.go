package entryfile

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ardaglobal/qmdb/types"
)

func TestEncodeDecodeEntryRoundTrip(t *testing.T) {
	entry := types.Entry{
		Key:        []byte("account-0001"),
		Value:      []byte("balance=100"),
		NextKey:    []byte("account-0002"),
		Height:     7,
		LastHeight: 3,
		SerialNum:  55,
	}
	deactivated := []int64{1, 2, 3}

	b := EncodeEntry(entry, deactivated)
	got, gotSNs := DecodeEntry(b)

	assert.Equal(t, entry.Key, got.Key)
	assert.Equal(t, entry.Value, got.Value)
	assert.Equal(t, entry.NextKey, got.NextKey)
	assert.Equal(t, entry.Height, got.Height)
	assert.Equal(t, entry.LastHeight, got.LastHeight)
	assert.Equal(t, entry.SerialNum, got.SerialNum)
	assert.Equal(t, deactivated, gotSNs)
}

func TestEncodeDecodeEntryNoDeactivated(t *testing.T) {
	entry := types.Entry{Key: []byte("k"), Value: []byte("v"), NextKey: []byte("n")}
	b := EncodeEntry(entry, nil)
	got, gotSNs := DecodeEntry(b)
	assert.Nil(t, gotSNs)
	assert.Equal(t, entry.Key, got.Key)
}

func TestEncodeEntryTooManyDeactivatedPanics(t *testing.T) {
	snList := make([]int64, 256)
	assert.Panics(t, func() {
		EncodeEntry(types.Entry{}, snList)
	})
}

func TestIsDummy(t *testing.T) {
	d := DummyEntry(9)
	assert.True(t, IsDummy(d))
	real := &types.Entry{Height: 1}
	assert.False(t, IsDummy(real))
}

func TestNullEntry(t *testing.T) {
	n := NullEntry()
	assert.Equal(t, int64(-1), n.Height)
	assert.Equal(t, int64(-1), n.SerialNum)
}

package dhcp

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientIndex_InsertFindRemove(t *testing.T) {
	idx := NewClientIndex()
	hw := net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	tx := newTransaction(hw, 0x1111, nil)

	require.NoError(t, idx.Insert(tx))
	assert.Equal(t, 1, idx.Len())

	found, ok := idx.Find(hw, 0x1111)
	require.True(t, ok)
	assert.Same(t, tx, found)
	assert.EqualValues(t, 2, tx.Refs())
	found.Release()

	_, ok = idx.Find(hw, 0x2222)
	assert.False(t, ok)

	dup := newTransaction(hw, 0x1111, nil)
	assert.ErrorIs(t, idx.Insert(dup), ErrAlreadyExists)
	assert.EqualValues(t, 1, tx.Refs(), "existing entry must not be touched")

	assert.ErrorIs(t, idx.Remove(dup), ErrNotFound, "removal matches identity, not key")
	require.NoError(t, idx.Remove(tx))
	assert.ErrorIs(t, idx.Remove(tx), ErrNotFound)
	assert.Zero(t, idx.Len())
}

func TestClientIndex_OrdersByLengthFirst(t *testing.T) {
	idx := NewClientIndex()
	long := newTransaction(net.HardwareAddr{0x00, 0x00, 0x00, 0x00, 0x00, 0x01}, 1, nil)
	short := newTransaction(net.HardwareAddr{0xff, 0xff, 0xff, 0xff}, 1, nil)
	sameHWLaterXid := newTransaction(net.HardwareAddr{0x00, 0x00, 0x00, 0x00, 0x00, 0x01}, 2, nil)

	for _, tx := range []*Transaction{sameHWLaterXid, long, short} {
		require.NoError(t, idx.Insert(tx))
	}

	var order []*Transaction
	require.NoError(t, idx.ForEach(func(tx *Transaction) error {
		order = append(order, tx)
		return nil
	}))
	assert.Equal(t, []*Transaction{short, long, sameHWLaterXid}, order)
}

func TestClientIndex_ForEachStops(t *testing.T) {
	idx := NewClientIndex()
	for xid := uint32(1); xid <= 5; xid++ {
		require.NoError(t, idx.Insert(newTransaction(net.HardwareAddr{1, 2, 3, 4, 5, 6}, xid, nil)))
	}

	stop := errors.New("stop")
	visited := 0
	err := idx.ForEach(func(tx *Transaction) error {
		visited++
		if tx.Xid() == 3 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 3, visited)
}

func TestTransaction_RefCounting(t *testing.T) {
	freed := 0
	tx := newTransaction(net.HardwareAddr{1, 2, 3, 4, 5, 6}, 7, func(*Transaction) { freed++ })

	tx.Retain()
	tx.Release()
	assert.Zero(t, freed)
	tx.Release()
	assert.Equal(t, 1, freed)

	assert.Panics(t, func() { tx.Release() })
	assert.Panics(t, func() { tx.Retain() })
}

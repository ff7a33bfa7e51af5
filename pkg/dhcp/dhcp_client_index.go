package dhcp

import (
	"bytes"
	"net"
	"sync"

	"github.com/google/btree"
)

const clientIndexDegree = 32

// compareClients orders transactions by hardware address length, then
// address bytes, then xid.
func compareClients(a, b *Transaction) int {
	if la, lb := len(a.hw), len(b.hw); la != lb {
		if la < lb {
			return -1
		}
		return 1
	}
	if c := bytes.Compare(a.hw, b.hw); c != 0 {
		return c
	}
	switch {
	case a.xid < b.xid:
		return -1
	case a.xid > b.xid:
		return 1
	}
	return 0
}

// ClientIndex is the authoritative set of live transactions. A single mutex
// serialises every operation.
type ClientIndex struct {
	mu   sync.Mutex
	tree *btree.BTreeG[*Transaction]
}

func NewClientIndex() *ClientIndex {
	return &ClientIndex{
		tree: btree.NewG(clientIndexDegree, func(a, b *Transaction) bool {
			return compareClients(a, b) < 0
		}),
	}
}

// Find returns the transaction for (hw, xid) with a reference taken for
// the caller.
func (c *ClientIndex) Find(hw net.HardwareAddr, xid uint32) (*Transaction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, ok := c.tree.Get(&Transaction{hw: hw, xid: xid})
	if !ok {
		return nil, false
	}
	tx.Retain()
	return tx, true
}

// Insert stores tx. The caller hands over the reference being stored. If
// the key is already present ErrAlreadyExists is returned and neither
// transaction is touched.
func (c *ClientIndex) Insert(tx *Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tree.Has(tx) {
		return ErrAlreadyExists
	}
	c.tree.ReplaceOrInsert(tx)
	return nil
}

// Remove unlinks tx if it is the transaction stored under its key. The
// index's reference passes back to the caller.
func (c *ClientIndex) Remove(tx *Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := c.tree.Get(tx)
	if !ok || cur != tx {
		return ErrNotFound
	}
	c.tree.Delete(tx)
	return nil
}

// ForEach calls fn for every transaction in key order with the index
// locked. A non-nil error from fn stops the walk and is returned.
func (c *ClientIndex) ForEach(fn func(tx *Transaction) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	c.tree.Ascend(func(tx *Transaction) bool {
		err = fn(tx)
		return err == nil
	})
	return err
}

// Len returns the number of indexed transactions.
func (c *ClientIndex) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tree.Len()
}

// Package addrindex maps leased IPv4 addresses to the hardware addresses
// that held them, each with its own lease history tree.
package addrindex

import (
	"bytes"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/gaissmai/bart"
	"github.com/pkg/errors"

	"github.com/a-light-win/radhcp/pkg/interval"
)

var ErrNotFound = errors.New("no lease for address")

// Lease is what the index stores: a reference counted value that knows
// the hardware address it belongs to.
type Lease interface {
	interval.Handle
	HardwareAddr() net.HardwareAddr
}

// Entry is one search hit.
type Entry[V Lease] struct {
	interval.Interval[V]
	Addr netip.Addr
	HW   net.HardwareAddr
}

type binding[V Lease] struct {
	hw   net.HardwareAddr
	tree *interval.Tree[V]
}

// l2List is the object hung off one /32 in the table.
type l2List[V Lease] struct {
	bindings []*binding[V]
}

func (l *l2List[V]) find(hw net.HardwareAddr) (int, *binding[V]) {
	for i, b := range l.bindings {
		if bytes.Equal(b.hw, hw) {
			return i, b
		}
	}
	return -1, nil
}

// Stats counts live objects in the index.
type Stats struct {
	Addresses int
	Bindings  int
	Intervals int
}

// Index is safe for concurrent use.
type Index[V Lease] struct {
	mu    sync.Mutex
	table bart.Table[*l2List[V]]
	tie   func(a, b V) int
}

// New returns an empty index. tie is passed to every per pair tree.
func New[V Lease](tie func(a, b V) int) *Index[V] {
	return &Index[V]{tie: tie}
}

func hostPrefix(addr netip.Addr) netip.Prefix {
	return netip.PrefixFrom(addr.Unmap(), 32)
}

// Insert records the lease [low, low+d) of v on addr. The per address list
// and the per pair tree are created on demand. The caller's reference to v
// is consumed.
func (x *Index[V]) Insert(addr netip.Addr, low time.Time, d time.Duration, v V) interval.Result {
	x.mu.Lock()
	defer x.mu.Unlock()

	pfx := hostPrefix(addr)
	list, ok := x.table.Get(pfx)
	if !ok || list == nil {
		list = &l2List[V]{}
		x.table.Insert(pfx, list)
	}

	hw := v.HardwareAddr()
	_, b := list.find(hw)
	if b == nil {
		b = &binding[V]{
			hw:   append(net.HardwareAddr(nil), hw...),
			tree: interval.New(x.tie),
		}
		list.bindings = append(list.bindings, b)
	}
	return b.tree.Upsert(low, d, v)
}

// Remove drops one lease and releases the reference the index held.
// Empty trees, lists and table entries are released with it.
func (x *Index[V]) Remove(addr netip.Addr, hw net.HardwareAddr, low time.Time, v V) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	pfx := hostPrefix(addr)
	list, ok := x.table.Get(pfx)
	if !ok || list == nil {
		return ErrNotFound
	}
	i, b := list.find(hw)
	if b == nil {
		return ErrNotFound
	}
	if err := b.tree.Remove(low, v); err != nil {
		return errors.Wrapf(err, "address %s", addr)
	}
	x.collapse(pfx, list, i)
	return nil
}

func (x *Index[V]) collapse(pfx netip.Prefix, list *l2List[V], i int) {
	if list.bindings[i].tree.Len() > 0 {
		return
	}
	list.bindings = append(list.bindings[:i], list.bindings[i+1:]...)
	if len(list.bindings) == 0 {
		x.table.Delete(pfx)
	}
}

// Search copies the leases overlapping [start, end) of every address
// inside pfx into buf and returns how many were written. A /32 scans only
// that address. A non empty hw skips the bindings of other hardware
// addresses before they take space in buf.
func (x *Index[V]) Search(pfx netip.Prefix, start, end time.Time, hw net.HardwareAddr, buf []Entry[V]) int {
	x.mu.Lock()
	defer x.mu.Unlock()

	pfx = pfx.Masked()
	if pfx.Bits() == 32 {
		list, ok := x.table.Get(pfx)
		if !ok || list == nil {
			return 0
		}
		return scan(pfx.Addr(), list, start, end, hw, buf, 0)
	}

	n := 0
	for p, list := range x.table.Subnets(pfx) {
		if n >= len(buf) {
			break
		}
		if list == nil {
			continue
		}
		n = scan(p.Addr(), list, start, end, hw, buf, n)
	}
	return n
}

func scan[V Lease](addr netip.Addr, list *l2List[V], start, end time.Time, hw net.HardwareAddr, buf []Entry[V], n int) int {
	var tmp []interval.Interval[V]
	for _, b := range list.bindings {
		if n >= len(buf) {
			return n
		}
		if len(hw) > 0 && !bytes.Equal(b.hw, hw) {
			continue
		}
		if cap(tmp) < len(buf)-n {
			tmp = make([]interval.Interval[V], len(buf)-n)
		}
		tmp = tmp[:len(buf)-n]
		k := b.tree.Overlaps(start, end, tmp, nil)
		for _, iv := range tmp[:k] {
			buf[n] = Entry[V]{Interval: iv, Addr: addr, HW: b.hw}
			n++
		}
	}
	return n
}

// Holders returns the hardware addresses with history on the most specific
// indexed prefix covering addr.
func (x *Index[V]) Holders(addr netip.Addr) []net.HardwareAddr {
	x.mu.Lock()
	defer x.mu.Unlock()

	list, ok := x.table.Lookup(addr.Unmap())
	if !ok || list == nil {
		return nil
	}
	out := make([]net.HardwareAddr, 0, len(list.bindings))
	for _, b := range list.bindings {
		out = append(out, b.hw)
	}
	return out
}

// Prune removes leases that ended at or before cutoff from every tree.
func (x *Index[V]) Prune(cutoff time.Time) int {
	x.mu.Lock()
	defer x.mu.Unlock()

	type hit struct {
		pfx  netip.Prefix
		list *l2List[V]
	}
	var lists []hit
	for p, list := range x.table.All() {
		if list != nil {
			lists = append(lists, hit{p, list})
		}
	}

	total := 0
	for _, h := range lists {
		for i := len(h.list.bindings) - 1; i >= 0; i-- {
			total += h.list.bindings[i].tree.Prune(cutoff, nil)
			x.collapse(h.pfx, h.list, i)
		}
	}
	return total
}

// Stats walks the index and counts its objects.
func (x *Index[V]) Stats() Stats {
	x.mu.Lock()
	defer x.mu.Unlock()

	var s Stats
	for _, list := range x.table.All() {
		if list == nil {
			continue
		}
		s.Addresses++
		s.Bindings += len(list.bindings)
		for _, b := range list.bindings {
			s.Intervals += b.tree.Len()
		}
	}
	return s
}

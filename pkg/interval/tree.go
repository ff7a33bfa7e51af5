// Package interval implements an augmented balanced search tree over lease
// validity windows. Nodes are ordered by their start time and every node
// carries the largest end time found in its subtree, which lets overlap
// queries skip whole subtrees.
//
// Times are kept at second resolution.
package interval

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrExists   = errors.New("interval already exists")
	ErrNotFound = errors.New("interval not found")
)

// Handle is a reference counted value. A tree holds exactly one reference
// for every node that points at the value.
type Handle interface {
	Retain()
	Release()
}

// Interval is a copy of one tree node: the half open window [Low, High)
// and the value it describes.
type Interval[V Handle] struct {
	Low   time.Time
	High  time.Time
	Value V
}

// Contains reports whether t lies inside the window.
func (iv Interval[V]) Contains(t time.Time) bool {
	return !t.Before(iv.Low) && t.Before(iv.High)
}

// Result tells an Upsert caller what happened to the reference it passed in.
type Result int

const (
	// Inserted means a new node now owns the reference.
	Inserted Result = iota
	// Updated means an existing node was changed in place and the passed
	// reference has already been released.
	Updated
)

func (r Result) String() string {
	if r == Updated {
		return "updated"
	}
	return "inserted"
}

const nilIdx int32 = -1

type node[V Handle] struct {
	low, high int64
	max       int64
	value     V
	left      int32
	right     int32
	height    int8
}

// Tree is safe for concurrent use. Nodes live in an arena addressed by
// index; freed slots are recycled.
type Tree[V Handle] struct {
	mu    sync.Mutex
	nodes []node[V]
	free  []int32
	root  int32
	size  int
	tie   func(a, b V) int
}

// New returns an empty tree. tie orders values that share a start second;
// when it is nil, two intervals starting in the same second are the same
// key.
func New[V Handle](tie func(a, b V) int) *Tree[V] {
	return &Tree[V]{root: nilIdx, tie: tie}
}

// Len returns the number of intervals in the tree.
func (t *Tree[V]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

// InsertNew adds [low, low+d) for v. The caller's reference to v is always
// consumed: on ErrExists it is released before returning.
func (t *Tree[V]) InsertNew(low time.Time, d time.Duration, v V) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	root, _, err := t.insert(t.root, low.Unix(), low.Add(d).Unix(), v, false)
	t.root = root
	if err != nil {
		v.Release()
		return err
	}
	t.size++
	return nil
}

// Upsert adds [low, low+d) for v, or moves the end of the existing interval
// with the same key. The caller's reference is always consumed.
func (t *Tree[V]) Upsert(low time.Time, d time.Duration, v V) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	root, res, _ := t.insert(t.root, low.Unix(), low.Add(d).Unix(), v, true)
	t.root = root
	if res == Updated {
		v.Release()
	} else {
		t.size++
	}
	return res
}

// Remove deletes the interval starting at low that belongs to v and drops
// the tree's reference to it.
func (t *Tree[V]) Remove(low time.Time, v V) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed V
	root, ok := t.remove(t.root, low.Unix(), v, &removed)
	t.root = root
	if !ok {
		return ErrNotFound
	}
	t.size--
	removed.Release()
	return nil
}

// Find returns the leftmost interval starting in the same second as low.
// The returned value carries a new reference owned by the caller.
func (t *Tree[V]) Find(low time.Time) (Interval[V], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := low.Unix()
	found := nilIdx
	for i := t.root; i != nilIdx; {
		n := &t.nodes[i]
		switch {
		case key < n.low:
			i = n.left
		case key > n.low:
			i = n.right
		default:
			found = i
			i = n.left
		}
	}
	if found == nilIdx {
		return Interval[V]{}, false
	}
	iv := t.interval(found)
	iv.Value.Retain()
	return iv, true
}

// Overlaps copies into buf every interval intersecting [start, end) whose
// value passes filter (nil accepts all), stopping when buf is full. It
// returns the number of intervals written. No references are taken.
func (t *Tree[V]) Overlaps(start, end time.Time, buf []Interval[V], filter func(V) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !start.Before(end) {
		return 0
	}
	return t.overlaps(t.root, start.Unix(), end.Unix(), buf, 0, filter)
}

// Walk visits intervals in start order until fn returns false.
func (t *Tree[V]) Walk(fn func(Interval[V]) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.walk(t.root, fn)
}

// Prune removes every interval that ended at or before cutoff and returns
// how many were removed.
func (t *Tree[V]) Prune(cutoff time.Time, fn func(Interval[V])) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	limit := cutoff.Unix()
	var stale []int32
	t.collectEnded(t.root, limit, &stale)

	type key struct {
		low, high int64
		value     V
	}
	keys := make([]key, 0, len(stale))
	for _, i := range stale {
		n := &t.nodes[i]
		keys = append(keys, key{n.low, n.high, n.value})
	}
	pruned := 0
	for _, k := range keys {
		var removed V
		root, ok := t.remove(t.root, k.low, k.value, &removed)
		t.root = root
		if !ok {
			continue
		}
		t.size--
		pruned++
		if fn != nil {
			fn(Interval[V]{Low: time.Unix(k.low, 0), High: time.Unix(k.high, 0), Value: removed})
		}
		removed.Release()
	}
	return pruned
}

func (t *Tree[V]) interval(i int32) Interval[V] {
	n := &t.nodes[i]
	return Interval[V]{
		Low:   time.Unix(n.low, 0),
		High:  time.Unix(n.high, 0),
		Value: n.value,
	}
}

// compare orders by start second first. Only the sign of the difference
// matters.
func (t *Tree[V]) compare(low int64, v V, i int32) int {
	n := &t.nodes[i]
	if d := low - n.low; d != 0 {
		if d < 0 {
			return -1
		}
		return 1
	}
	if t.tie == nil {
		return 0
	}
	return t.tie(v, n.value)
}

func (t *Tree[V]) alloc(low, high int64, v V) int32 {
	n := node[V]{low: low, high: high, max: high, value: v, left: nilIdx, right: nilIdx, height: 1}
	if k := len(t.free); k > 0 {
		i := t.free[k-1]
		t.free = t.free[:k-1]
		t.nodes[i] = n
		return i
	}
	t.nodes = append(t.nodes, n)
	return int32(len(t.nodes) - 1)
}

func (t *Tree[V]) dealloc(i int32) {
	var zero V
	t.nodes[i].value = zero
	t.free = append(t.free, i)
}

func (t *Tree[V]) height(i int32) int8 {
	if i == nilIdx {
		return 0
	}
	return t.nodes[i].height
}

// fix recomputes the height and subtree maximum of i from its children.
func (t *Tree[V]) fix(i int32) {
	n := &t.nodes[i]
	hl, hr := t.height(n.left), t.height(n.right)
	if hl > hr {
		n.height = hl + 1
	} else {
		n.height = hr + 1
	}
	n.max = n.high
	if n.left != nilIdx && t.nodes[n.left].max > n.max {
		n.max = t.nodes[n.left].max
	}
	if n.right != nilIdx && t.nodes[n.right].max > n.max {
		n.max = t.nodes[n.right].max
	}
}

func (t *Tree[V]) rotateRight(i int32) int32 {
	l := t.nodes[i].left
	t.nodes[i].left = t.nodes[l].right
	t.nodes[l].right = i
	t.fix(i)
	t.fix(l)
	return l
}

func (t *Tree[V]) rotateLeft(i int32) int32 {
	r := t.nodes[i].right
	t.nodes[i].right = t.nodes[r].left
	t.nodes[r].left = i
	t.fix(i)
	t.fix(r)
	return r
}

// rebalance restores the AVL shape at i and its augmentation. It runs on
// every node of the path back to the root after a mutation.
func (t *Tree[V]) rebalance(i int32) int32 {
	t.fix(i)
	n := &t.nodes[i]
	bal := int(t.height(n.left)) - int(t.height(n.right))
	switch {
	case bal > 1:
		l := n.left
		if t.height(t.nodes[l].left) < t.height(t.nodes[l].right) {
			t.nodes[i].left = t.rotateLeft(l)
		}
		return t.rotateRight(i)
	case bal < -1:
		r := n.right
		if t.height(t.nodes[r].right) < t.height(t.nodes[r].left) {
			t.nodes[i].right = t.rotateRight(r)
		}
		return t.rotateLeft(i)
	}
	return i
}

func (t *Tree[V]) insert(i int32, low, high int64, v V, upsert bool) (int32, Result, error) {
	if i == nilIdx {
		return t.alloc(low, high, v), Inserted, nil
	}
	c := t.compare(low, v, i)
	if c == 0 {
		if !upsert {
			return i, Inserted, ErrExists
		}
		t.nodes[i].high = high
		t.fix(i)
		return i, Updated, nil
	}

	var (
		child int32
		res   Result
		err   error
	)
	if c < 0 {
		child, res, err = t.insert(t.nodes[i].left, low, high, v, upsert)
		t.nodes[i].left = child
	} else {
		child, res, err = t.insert(t.nodes[i].right, low, high, v, upsert)
		t.nodes[i].right = child
	}
	return t.rebalance(i), res, err
}

func (t *Tree[V]) remove(i int32, low int64, v V, removed *V) (int32, bool) {
	if i == nilIdx {
		return nilIdx, false
	}
	c := t.compare(low, v, i)
	var ok bool
	switch {
	case c < 0:
		var child int32
		child, ok = t.remove(t.nodes[i].left, low, v, removed)
		t.nodes[i].left = child
	case c > 0:
		var child int32
		child, ok = t.remove(t.nodes[i].right, low, v, removed)
		t.nodes[i].right = child
	default:
		*removed = t.nodes[i].value
		left, right := t.nodes[i].left, t.nodes[i].right
		if left == nilIdx || right == nilIdx {
			t.dealloc(i)
			if left == nilIdx {
				return right, true
			}
			return left, true
		}
		// Pull the successor's payload up and unlink the successor.
		m := right
		for t.nodes[m].left != nilIdx {
			m = t.nodes[m].left
		}
		t.nodes[i].low = t.nodes[m].low
		t.nodes[i].high = t.nodes[m].high
		t.nodes[i].value = t.nodes[m].value
		t.nodes[i].right = t.removeMin(right)
		ok = true
	}
	if !ok {
		return i, false
	}
	return t.rebalance(i), true
}

func (t *Tree[V]) removeMin(i int32) int32 {
	if t.nodes[i].left == nilIdx {
		r := t.nodes[i].right
		t.dealloc(i)
		return r
	}
	t.nodes[i].left = t.removeMin(t.nodes[i].left)
	return t.rebalance(i)
}

func (t *Tree[V]) overlaps(i int32, start, end int64, buf []Interval[V], n int, filter func(V) bool) int {
	if i == nilIdx || n >= len(buf) {
		return n
	}
	nd := &t.nodes[i]
	if nd.max <= start {
		return n
	}
	n = t.overlaps(nd.left, start, end, buf, n, filter)
	if n >= len(buf) || nd.low >= end {
		// Everything to the right starts even later.
		return n
	}
	if nd.high > start && (filter == nil || filter(nd.value)) {
		buf[n] = t.interval(i)
		n++
	}
	return t.overlaps(nd.right, start, end, buf, n, filter)
}

func (t *Tree[V]) walk(i int32, fn func(Interval[V]) bool) bool {
	if i == nilIdx {
		return true
	}
	if !t.walk(t.nodes[i].left, fn) {
		return false
	}
	if !fn(t.interval(i)) {
		return false
	}
	return t.walk(t.nodes[i].right, fn)
}

func (t *Tree[V]) collectEnded(i int32, limit int64, out *[]int32) {
	if i == nilIdx {
		return
	}
	n := &t.nodes[i]
	t.collectEnded(n.left, limit, out)
	if n.high <= limit {
		*out = append(*out, i)
	}
	// Right subtree lows are later; they can still have ended.
	t.collectEnded(n.right, limit, out)
}

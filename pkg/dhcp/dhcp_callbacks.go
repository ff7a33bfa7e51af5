package dhcp

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/a-light-win/radhcp/pkg/wheel"
)

// Event selects a callback list.
type Event int

const (
	// EventStateChange fires before a new protocol state is committed.
	EventStateChange Event = iota
	// EventXIDNew fires after the first message of a transaction is merged.
	EventXIDNew
	// EventXIDUpdate fires after a later message is merged.
	EventXIDUpdate
	// EventLeaseExpired fires when the lease timer runs out.
	EventLeaseExpired
	// EventRemoved fires when a timer retires a transaction from the
	// client index.
	EventRemoved
	eventCount
)

func (e Event) String() string {
	switch e {
	case EventStateChange:
		return "statechange"
	case EventXIDNew:
		return "xidnew"
	case EventXIDUpdate:
		return "xidupdate"
	case EventLeaseExpired:
		return "leaseexpired"
	case EventRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Change describes one event. Callbacks run with the wheel lock and the
// transaction lock held: they may read and write Txn fields through the
// Locked helpers and Sched, but must not block or call methods that take
// either lock.
type Change struct {
	Event Event
	Txn   *Transaction
	// Msg is the message being processed, nil for timer events.
	Msg   *Parsed
	From  State
	To    State
	Now   time.Time
	Sched *wheel.Scheduler
}

// Info snapshots the transaction without taking its lock.
func (c *Change) Info() TransactionInfo {
	return c.Txn.infoLocked()
}

// Callback is a listener. A returned error is logged; the remaining
// listeners still run.
type Callback func(c *Change) error

type registration struct {
	id   int
	name string
	fn   Callback
}

// Registry keeps ordered listener lists per event.
type Registry struct {
	mu     sync.RWMutex
	nextID int
	lists  [eventCount][]registration
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends fn to the list for ev and returns an id for Unregister.
func (r *Registry) Register(ev Event, name string, fn Callback) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	r.lists[ev] = append(r.lists[ev], registration{id: r.nextID, name: name, fn: fn})
	return r.nextID
}

// Unregister removes a listener. It reports whether the id was found.
func (r *Registry) Unregister(ev Event, id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.lists[ev]
	for i, reg := range list {
		if reg.id == id {
			r.lists[ev] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of listeners for ev.
func (r *Registry) Len(ev Event) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.lists[ev])
}

// Fire runs the listeners of c.Event in registration order and returns the
// first error.
func (r *Registry) Fire(c *Change) error {
	r.mu.RLock()
	list := r.lists[c.Event]
	r.mu.RUnlock()

	var first error
	for _, reg := range list {
		if err := reg.fn(c); err != nil {
			log.Warn().Err(err).
				Str("Listener", reg.name).
				Str("Event", c.Event.String()).
				Stringer("Transaction", c.Txn).
				Msg("Listener failed")
			if first == nil {
				first = err
			}
		}
	}
	return first
}

package dhcp

import (
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	config "github.com/a-light-win/radhcp/configs/radhcp"
	"github.com/a-light-win/radhcp/pkg/addrindex"
	"github.com/a-light-win/radhcp/pkg/interval"
	"github.com/a-light-win/radhcp/pkg/wheel"
)

const retentionSweep = time.Minute

// Engine folds decoded messages into transactions and keeps the lease
// indexes in step with them.
type Engine struct {
	cfg       *config.RadhcpConfig
	clients   *ClientIndex
	leases    *interval.Tree[*Transaction]
	addrs     *addrindex.Index[*Transaction]
	wheel     *wheel.Wheel
	callbacks *Registry
	alerts    AlertSink

	live      atomic.Int64
	retention *wheel.Timer
}

type EngineOption func(*Engine)

// WithAlertSink replaces the default logging alert sink.
func WithAlertSink(s AlertSink) EngineOption {
	return func(e *Engine) { e.alerts = s }
}

// NewEngine wires an engine to a timer wheel and a callback registry. The
// interval, address index and timer listeners are registered on reg ahead
// of anything the caller adds later.
func NewEngine(cfg *config.RadhcpConfig, w *wheel.Wheel, reg *Registry, opts ...EngineOption) *Engine {
	e := &Engine{
		cfg:       cfg,
		clients:   NewClientIndex(),
		leases:    interval.New(compareClients),
		addrs:     addrindex.New(compareClients),
		wheel:     w,
		callbacks: reg,
		alerts:    LogAlerts,
	}
	for _, opt := range opts {
		opt(e)
	}

	reg.Register(EventStateChange, "interval", e.indexLease)
	reg.Register(EventStateChange, "addrindex", e.indexAddress)
	reg.Register(EventXIDNew, "timers", e.rearm)
	reg.Register(EventXIDUpdate, "timers", e.rearm)
	return e
}

// Live returns the number of transactions not yet freed.
func (e *Engine) Live() int64 { return e.live.Load() }

// Clients returns the client index.
func (e *Engine) Clients() *ClientIndex { return e.clients }

// Leases returns the global lease history tree.
func (e *Engine) Leases() *interval.Tree[*Transaction] { return e.leases }

// Addresses returns the per address lease index.
func (e *Engine) Addresses() *addrindex.Index[*Transaction] { return e.addrs }

func (e *Engine) free(tx *Transaction) {
	e.live.Add(-1)
	log.Trace().Stringer("Transaction", tx).Msg("Transaction freed")
}

// Process applies one message. It returns the transaction the message
// belongs to and whether this call created it. The caller holds no
// reference to the returned transaction.
func (e *Engine) Process(m *Parsed) (*Transaction, bool, error) {
	tx, isNew, err := e.lookupOrCreate(m.Chaddr, m.Xid)
	if err != nil {
		return nil, false, err
	}

	e.wheel.Update(func(s *wheel.Scheduler) {
		tx.mu.Lock()
		defer tx.mu.Unlock()
		e.update(s, tx, m, isNew)
	})
	tx.Release()
	return tx, isNew, nil
}

// lookupOrCreate returns the indexed transaction for (hw, xid) with a
// reference for the caller, creating it when absent.
func (e *Engine) lookupOrCreate(hw net.HardwareAddr, xid uint32) (*Transaction, bool, error) {
	for {
		if tx, ok := e.clients.Find(hw, xid); ok {
			return tx, false, nil
		}
		// Records kept only by lease history do not count.
		if int64(e.clients.Len()) >= e.cfg.Engine.MaxTransactions {
			return nil, false, ErrExhausted
		}

		e.live.Add(1)
		tx := newTransaction(hw, xid, e.free)
		if err := e.clients.Insert(tx); err != nil {
			// Lost a race with another insert of the same key.
			tx.Release()
			continue
		}
		tx.Retain()
		return tx, true, nil
	}
}

func (e *Engine) update(s *wheel.Scheduler, tx *Transaction, m *Parsed, isNew bool) {
	now := m.Timestamp
	if now.IsZero() {
		now = s.Now()
	}

	if m.Op == OpRequest && tx.firstReq.IsZero() {
		tx.firstReq = now
	}
	tx.msgTypes.Set(m.MsgType)

	from := tx.state
	to, err := NextState(from, m)
	if err != nil {
		log.Debug().Err(err).Stringer("Transaction", tx).Msg("State unchanged")
		to = from
	}
	if to != from {
		if to == StateBound {
			if tx.firstBind.IsZero() || tx.movedTo(m.Yiaddr) {
				tx.firstBind = now
				tx.windows = append(tx.windows, bindWindow{start: now, addr: m.Yiaddr})
			}
			tx.lastBind = now
			tx.bind(m)
		}
		e.callbacks.Fire(&Change{
			Event: EventStateChange,
			Txn:   tx,
			Msg:   m,
			From:  from,
			To:    to,
			Now:   now,
			Sched: s,
		})
		tx.state = to
	}

	tx.merge(m, e.alerts)

	ev := EventXIDUpdate
	if isNew {
		ev = EventXIDNew
	}
	e.callbacks.Fire(&Change{Event: ev, Txn: tx, Msg: m, From: from, To: to, Now: now, Sched: s})

	switch m.Op {
	case OpRequest:
		tx.requests++
	case OpReply:
		tx.responses++
	default:
		tx.unknownOps++
	}
	tx.lastModified = now
}

// bind records what an ACK handed out. Replies merged earlier supply the
// lease time when the ACK itself lacks one.
func (tx *Transaction) bind(m *Parsed) {
	tx.boundAddr = m.Yiaddr
	tx.boundServer = m.ServerKey()
	tx.boundLease = m.Reply.LeaseTime
	if tx.boundLease == 0 {
		if r := tx.findReply(tx.boundServer); r != nil {
			tx.boundLease = r.LeaseTime
		}
	}
}

// movedTo reports whether an ACK for addr ends the current binding
// window. The old window keeps its history under the old address.
func (tx *Transaction) movedTo(addr netip.Addr) bool {
	return isSet(tx.boundAddr) && isSet(addr) && addr != tx.boundAddr
}

// addrAt returns the address of the binding window starting at low. Tree
// times are whole seconds.
func (tx *Transaction) addrAt(low time.Time) netip.Addr {
	for i := len(tx.windows) - 1; i >= 0; i-- {
		if tx.windows[i].start.Unix() <= low.Unix() {
			return tx.windows[i].addr
		}
	}
	return tx.boundAddr
}

// leaseSpan is the window of the current binding, from the first bind to
// the end of the latest lease.
func (tx *Transaction) leaseSpan() time.Duration {
	return tx.lastBind.Sub(tx.firstBind) + tx.boundLease
}

func (e *Engine) indexLease(c *Change) error {
	if c.To != StateBound {
		return nil
	}
	tx := c.Txn
	tx.Retain()
	e.leases.Upsert(tx.firstBind, tx.leaseSpan(), tx)
	return nil
}

func (e *Engine) indexAddress(c *Change) error {
	tx := c.Txn
	if c.To != StateBound || !isSet(tx.boundAddr) {
		return nil
	}
	tx.Retain()
	e.addrs.Insert(tx.boundAddr, tx.firstBind, tx.leaseSpan(), tx)
	return nil
}

// Transactions returns a snapshot of every indexed transaction.
func (e *Engine) Transactions() []TransactionInfo {
	txs := e.collect()
	out := make([]TransactionInfo, 0, len(txs))
	for _, tx := range txs {
		out = append(out, tx.Info())
		tx.Release()
	}
	return out
}

// collect returns every indexed transaction with a reference taken. The
// transaction locks are not touched while the index is locked since timer
// callbacks take them in the opposite order.
func (e *Engine) collect() []*Transaction {
	var txs []*Transaction
	_ = e.clients.ForEach(func(tx *Transaction) error {
		tx.Retain()
		txs = append(txs, tx)
		return nil
	})
	return txs
}

// Start arms the retention sweep when a retention period is configured.
func (e *Engine) Start() {
	if e.cfg.Engine.Retention <= 0 {
		return
	}
	e.wheel.Update(func(s *wheel.Scheduler) {
		if e.retention == nil {
			e.retention = s.Start(retentionSweep, e.sweep, nil)
		}
	})
}

func (e *Engine) sweep(s *wheel.Scheduler, t *wheel.Timer) (wheel.Action, time.Duration) {
	cutoff := s.Now().Add(-e.cfg.Engine.Retention)
	n := e.Prune(cutoff)
	if n > 0 {
		log.Debug().Int("Intervals", n).Time("Cutoff", cutoff).Msg("Pruned lease history")
	}
	return wheel.Reschedule, retentionSweep
}

// Prune drops lease history that ended at or before cutoff from both
// indexes.
func (e *Engine) Prune(cutoff time.Time) int {
	return e.leases.Prune(cutoff, nil) + e.addrs.Prune(cutoff)
}

// Close stops every timer and empties every index, dropping the references
// they held. Transactions still referenced elsewhere stay alive.
func (e *Engine) Close() {
	e.wheel.Update(func(s *wheel.Scheduler) {
		if e.retention != nil {
			s.Stop(e.retention)
			e.retention = nil
		}
		for _, tx := range e.collect() {
			tx.mu.Lock()
			e.stopTimers(s, tx)
			if err := e.clients.Remove(tx); err == nil {
				tx.Release()
			}
			tx.mu.Unlock()
			tx.Release()
		}
	})
	end := time.Unix(1<<40, 0)
	e.leases.Prune(end, nil)
	e.addrs.Prune(end)
}

package dhcp

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/a-light-win/radhcp/pkg/wheel"
)

// Each armed timer holds one reference to its transaction and is recorded
// in the transaction. Whoever clears the field releases that reference.

func (e *Engine) rearm(c *Change) error {
	tx, s := c.Txn, c.Sched
	switch {
	case c.To == StateBound && c.From != StateBound:
		e.stopHold(s, tx)
		e.armLease(s, tx)
	case c.To != StateBound:
		e.armHold(s, tx)
	}
	return nil
}

func (e *Engine) armHold(s *wheel.Scheduler, tx *Transaction) {
	d := e.cfg.Timer.DiscoverHolddown
	if tx.holdTimer != nil && s.Reset(tx.holdTimer, d) {
		return
	}
	tx.Retain()
	tx.holdTimer = s.Start(d, e.holdExpired, tx)
}

func (e *Engine) stopHold(s *wheel.Scheduler, tx *Transaction) {
	if tx.holdTimer == nil {
		return
	}
	s.Stop(tx.holdTimer)
	tx.holdTimer = nil
	tx.Release()
}

func (e *Engine) armLease(s *wheel.Scheduler, tx *Transaction) {
	tx.leaseExpired = false
	if tx.leaseTimer != nil && s.Reset(tx.leaseTimer, tx.boundLease) {
		return
	}
	tx.Retain()
	tx.leaseTimer = s.Start(tx.boundLease, e.leaseExpiredTimer, tx)
}

func (e *Engine) stopTimers(s *wheel.Scheduler, tx *Transaction) {
	e.stopHold(s, tx)
	if tx.leaseTimer != nil {
		s.Stop(tx.leaseTimer)
		tx.leaseTimer = nil
		tx.Release()
	}
}

// holdExpired retires a transaction that never got bound.
func (e *Engine) holdExpired(s *wheel.Scheduler, t *wheel.Timer) (wheel.Action, time.Duration) {
	tx := t.Arg().(*Transaction)
	tx.mu.Lock()
	if tx.holdTimer != t {
		// Cancelled after it was picked for this tick.
		tx.mu.Unlock()
		return wheel.Finished, 0
	}
	tx.holdTimer = nil
	if tx.state != StateBound && tx.leaseTimer == nil {
		e.retire(s, tx)
	}
	tx.mu.Unlock()
	tx.Release()
	return wheel.Finished, 0
}

// leaseExpiredTimer fires twice: once when the lease runs out and again
// after the hold down, when the transaction is retired.
func (e *Engine) leaseExpiredTimer(s *wheel.Scheduler, t *wheel.Timer) (wheel.Action, time.Duration) {
	tx := t.Arg().(*Transaction)
	tx.mu.Lock()
	if tx.leaseTimer != t {
		tx.mu.Unlock()
		return wheel.Finished, 0
	}

	if !tx.leaseExpired {
		tx.leaseExpired = true
		from := tx.state
		if from == StateBound {
			e.callbacks.Fire(&Change{
				Event: EventStateChange,
				Txn:   tx,
				From:  from,
				To:    StateInit,
				Now:   s.Now(),
				Sched: s,
			})
			tx.state = StateInit
		}
		e.callbacks.Fire(&Change{
			Event: EventLeaseExpired,
			Txn:   tx,
			From:  from,
			To:    tx.state,
			Now:   s.Now(),
			Sched: s,
		})
		tx.mu.Unlock()
		return wheel.Reschedule, e.cfg.Timer.LeaseHolddown
	}

	tx.leaseTimer = nil
	e.stopHold(s, tx)
	e.retire(s, tx)
	tx.mu.Unlock()
	tx.Release()
	return wheel.Finished, 0
}

// retire unlinks tx from the client index. tx.mu is held.
func (e *Engine) retire(s *wheel.Scheduler, tx *Transaction) {
	if err := e.clients.Remove(tx); err != nil {
		log.Debug().Err(err).Stringer("Transaction", tx).Msg("Transaction already retired")
		return
	}
	e.callbacks.Fire(&Change{
		Event: EventRemoved,
		Txn:   tx,
		From:  tx.state,
		To:    tx.state,
		Now:   s.Now(),
		Sched: s,
	})
	tx.Release()
}

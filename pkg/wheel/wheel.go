// Package wheel provides a slotted timer wheel advanced by a single
// scheduling goroutine.
package wheel

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultResolution = time.Second
	DefaultSlots      = 60
)

// Action is returned by a timer callback.
type Action int

const (
	// Finished retires the timer.
	Finished Action = iota
	// Reschedule re-arms the timer after the returned delay.
	Reschedule
)

// Func is a timer callback. It runs on the wheel goroutine with the wheel
// lock held, so it may take locks that rank below the wheel but must not
// call back into Update. s may be used to stop or reset other timers.
type Func func(s *Scheduler, t *Timer) (Action, time.Duration)

// Timer is a handle into the wheel.
type Timer struct {
	fn      Func
	arg     any
	slot    int
	rounds  int
	expires time.Time
	active  bool
	// due is set while the timer sits in the fire list of the current tick.
	due bool
}

// Arg returns the closure argument the timer was started with.
func (t *Timer) Arg() any { return t.arg }

// Expires returns when the timer is due.
func (t *Timer) Expires() time.Time { return t.expires }

// Active reports whether the timer is still armed.
func (t *Timer) Active() bool { return t.active }

// Wheel keeps timers in Slots buckets, one bucket per Resolution. Timers
// further away than one revolution wait out whole rounds in their slot.
type Wheel struct {
	mu         sync.Mutex
	resolution time.Duration
	slots      [][]*Timer
	cur        int
	now        time.Time
	pending    int

	sleep func(context.Context, time.Duration) error
}

// Option customises a Wheel.
type Option func(*Wheel)

// WithSleep replaces the function used to wait between ticks.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(w *Wheel) { w.sleep = fn }
}

// WithStart sets the wheel's notion of the current time.
func WithStart(t time.Time) Option {
	return func(w *Wheel) { w.now = t }
}

// New returns a wheel with the given tick resolution and slot count. Zero
// values select the defaults.
func New(resolution time.Duration, slots int, opts ...Option) *Wheel {
	if resolution <= 0 {
		resolution = DefaultResolution
	}
	if slots <= 0 {
		slots = DefaultSlots
	}
	w := &Wheel{
		resolution: resolution,
		slots:      make([][]*Timer, slots),
		now:        time.Now(),
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Resolution returns the tick length.
func (w *Wheel) Resolution() time.Duration { return w.resolution }

// Now returns the time of the last tick.
func (w *Wheel) Now() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.now
}

// Pending returns the number of armed timers.
func (w *Wheel) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending
}

// Scheduler is the view of a locked wheel handed to Update closures.
type Scheduler struct {
	w *Wheel
}

// Update runs fn with the wheel lock held. Any lock taken inside fn ranks
// below the wheel lock, which is the same order timer callbacks observe.
func (w *Wheel) Update(fn func(s *Scheduler)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fn(&Scheduler{w: w})
}

// Now returns the wheel time.
func (s *Scheduler) Now() time.Time { return s.w.now }

// Start arms a new timer firing after d.
func (s *Scheduler) Start(d time.Duration, fn Func, arg any) *Timer {
	t := &Timer{fn: fn, arg: arg}
	s.w.arm(t, d)
	return t
}

// Reset moves an armed timer so that it fires after d. It reports false
// if the timer already fired or was stopped.
func (s *Scheduler) Reset(t *Timer, d time.Duration) bool {
	if t == nil || !t.active {
		return false
	}
	s.w.unlink(t)
	s.w.arm(t, d)
	return true
}

// Stop disarms t. It reports false if the timer was not armed.
func (s *Scheduler) Stop(t *Timer) bool {
	if t == nil || !t.active {
		return false
	}
	s.w.unlink(t)
	return true
}

func (w *Wheel) arm(t *Timer, d time.Duration) {
	ticks := int((d + w.resolution - 1) / w.resolution)
	if ticks < 1 {
		ticks = 1
	}
	n := len(w.slots)
	t.slot = (w.cur + ticks) % n
	t.rounds = (ticks - 1) / n
	t.expires = w.now.Add(time.Duration(ticks) * w.resolution)
	t.active = true
	w.slots[t.slot] = append(w.slots[t.slot], t)
	w.pending++
}

func (w *Wheel) unlink(t *Timer) {
	if t.due {
		t.due = false
	} else {
		bucket := w.slots[t.slot]
		for i, x := range bucket {
			if x == t {
				bucket[i] = bucket[len(bucket)-1]
				bucket[len(bucket)-1] = nil
				w.slots[t.slot] = bucket[:len(bucket)-1]
				break
			}
		}
	}
	t.active = false
	w.pending--
}

// Tick advances the wheel by one slot and fires the timers due in it.
// Run calls Tick once per resolution; tests may call it directly.
func (w *Wheel) Tick() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.cur = (w.cur + 1) % len(w.slots)
	w.now = w.now.Add(w.resolution)

	bucket := w.slots[w.cur]
	w.slots[w.cur] = nil
	var due []*Timer
	for _, t := range bucket {
		if t.rounds > 0 {
			t.rounds--
			w.slots[w.cur] = append(w.slots[w.cur], t)
			continue
		}
		t.due = true
		due = append(due, t)
	}

	s := &Scheduler{w: w}
	for _, t := range due {
		if !t.due {
			// Stopped or reset by an earlier callback in this tick.
			continue
		}
		t.due = false
		t.active = false
		w.pending--
		action, d := t.fn(s, t)
		if action == Reschedule && !t.active {
			w.arm(t, d)
		}
	}
	return len(due)
}

// Advance ticks the wheel n times.
func (w *Wheel) Advance(n int) {
	for i := 0; i < n; i++ {
		w.Tick()
	}
}

// AdvanceTo ticks the wheel until the next tick would pass t and returns
// how many timers fired. With no timer armed the wheel jumps straight to t.
func (w *Wheel) AdvanceTo(t time.Time) int {
	fired := 0
	for {
		w.mu.Lock()
		if w.now.Add(w.resolution).After(t) {
			w.mu.Unlock()
			return fired
		}
		if w.pending == 0 {
			w.now = t
			w.mu.Unlock()
			return fired
		}
		w.mu.Unlock()
		fired += w.Tick()
	}
}

// Run ticks the wheel once per resolution until ctx is done.
func (w *Wheel) Run(ctx context.Context) {
	log.Debug().Dur("Resolution", w.resolution).Int("Slots", len(w.slots)).Msg("Timer wheel started")
	for {
		if err := w.sleep(ctx, w.resolution); err != nil {
			log.Debug().Err(err).Msg("Timer wheel stopped")
			return
		}
		w.Tick()
	}
}

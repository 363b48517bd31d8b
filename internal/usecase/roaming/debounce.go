package roaming

import (
	"sync"
	"sync/atomic"
	"time"
)

// Debouncer runs fn once after delay has passed without a new Touch. The
// pending deadline lives in one atomic word of monotonic nanoseconds; Touch
// only moves it forward, and a single goroutine sleeps until it stops moving.
type Debouncer struct {
	delay time.Duration
	fn    func()
	epoch time.Time

	deadline atomic.Int64 // 0 when idle
	sleeping atomic.Bool
	stopped  atomic.Bool

	runMu sync.Mutex

	// lifeMu orders goroutine starts against Stop.
	lifeMu sync.Mutex
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewDebouncer creates an idle debouncer.
func NewDebouncer(delay time.Duration, fn func()) *Debouncer {
	return &Debouncer{
		delay: delay,
		fn:    fn,
		epoch: time.Now(),
		stop:  make(chan struct{}),
	}
}

func (d *Debouncer) now() int64 {
	return int64(time.Since(d.epoch))
}

// Touch pushes the deadline to now+delay.
func (d *Debouncer) Touch() {
	if d.stopped.Load() {
		return
	}
	next := d.now() + int64(d.delay)
	if next <= 0 {
		next = 1
	}
	for {
		cur := d.deadline.Load()
		if cur >= next || d.deadline.CompareAndSwap(cur, next) {
			break
		}
	}
	d.wake()
}

// Pending reports whether a run is scheduled.
func (d *Debouncer) Pending() bool {
	return d.deadline.Load() != 0
}

func (d *Debouncer) wake() {
	if !d.sleeping.CompareAndSwap(false, true) {
		return
	}
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()
	if d.stopped.Load() {
		d.deadline.Store(0)
		return
	}
	d.wg.Add(1)
	go d.sleep()
}

func (d *Debouncer) sleep() {
	defer d.wg.Done()
	for {
		if d.waitDeadline() {
			d.run()
		}
		d.sleeping.Store(false)
		// A Touch that landed after the deadline was claimed saw sleeping
		// set and did not start a goroutine.
		if d.stopped.Load() || d.deadline.Load() == 0 || !d.sleeping.CompareAndSwap(false, true) {
			return
		}
	}
}

// waitDeadline sleeps until the deadline stops moving and claims it. It
// returns false when the deadline was cleared by Flush or on Stop.
func (d *Debouncer) waitDeadline() bool {
	for {
		dl := d.deadline.Load()
		if dl == 0 {
			return false
		}
		wait := time.Duration(dl - d.now())
		if wait <= 0 {
			if d.deadline.CompareAndSwap(dl, 0) {
				return true
			}
			continue
		}
		t := time.NewTimer(wait)
		select {
		case <-d.stop:
			t.Stop()
			return false
		case <-t.C:
		}
	}
}

func (d *Debouncer) run() {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	d.fn()
}

// Flush runs fn now if a run was pending and reports whether it did.
func (d *Debouncer) Flush() bool {
	if d.deadline.Swap(0) == 0 {
		return false
	}
	d.run()
	return true
}

// Stop cancels any pending run and waits for a running fn to return.
func (d *Debouncer) Stop() {
	d.lifeMu.Lock()
	if d.stopped.Swap(true) {
		d.lifeMu.Unlock()
		return
	}
	close(d.stop)
	d.lifeMu.Unlock()
	d.wg.Wait()
	d.deadline.Store(0)
}

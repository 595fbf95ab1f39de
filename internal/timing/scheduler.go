// Package timing provides the round clockwork: the repeating progress tick,
// the cancellable exact-stop, and the randomized offset selection. Both
// timer primitives share one injectable clock so tests can drive them
// virtually.
package timing

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type Scheduler struct {
	clock clockwork.Clock
}

func NewScheduler(clock clockwork.Clock) *Scheduler {
	return &Scheduler{clock: clock}
}

func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// RepeatEvery invokes fn with the elapsed time since scheduling, every
// interval, until the returned stop function is called. The tick drives
// progress display only; it has no authority over the exact stop.
func (s *Scheduler) RepeatEvery(interval time.Duration, fn func(elapsed time.Duration)) (stop func()) {
	origin := s.clock.Now()
	ticker := s.clock.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				// stop may race a tick already in flight
				select {
				case <-done:
					return
				default:
				}
				fn(s.clock.Since(origin))
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
	}
}

// Once invokes fn a single time after d, unless the returned cancel
// function runs first. Cancel is idempotent and safe after firing.
func (s *Scheduler) Once(d time.Duration, fn func()) (cancel func()) {
	timer := s.clock.NewTimer(d)
	done := make(chan struct{})

	go func() {
		select {
		case <-timer.Chan():
			select {
			case <-done:
				return
			default:
			}
			fn()
		case <-done:
			stopAndDrainTimer(timer)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
	}
}

func stopAndDrainTimer(t clockwork.Timer) {
	if !t.Stop() {
		select {
		case <-t.Chan():
		default:
		}
	}
}

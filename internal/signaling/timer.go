package signaling

import (
	"time"

	"github.com/arzzra/doorbell-sip/internal/ports"
)

// stoppableTimer wraps the Clock collaborator's After() so timers are
// cancellable and idempotent: rearming always replaces rather than stacks
// (spec.md §5).
type stoppableTimer struct {
	C      <-chan time.Time
	stopCh chan struct{}
}

func newStoppableTimer(clock ports.Clock, d time.Duration) *stoppableTimer {
	out := make(chan time.Time, 1)
	stop := make(chan struct{})
	t := &stoppableTimer{C: out, stopCh: stop}
	go func() {
		select {
		case fired := <-clock.After(d):
			select {
			case out <- fired:
			case <-stop:
			}
		case <-stop:
		}
	}()
	return t
}

// Stop cancels the timer. Safe to call even if the timer already fired;
// the fired value is simply never consumed.
func (t *stoppableTimer) Stop() {
	close(t.stopCh)
}

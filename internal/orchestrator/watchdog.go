package orchestrator

import (
	"sync"
	"time"
)

// watchdog keeps one timer per job with an outstanding token. Firing calls
// fire with the job id; the timer is forgotten before fire runs.
type watchdog struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	fire   func(jobID string)
}

func newWatchdog(fire func(jobID string)) *watchdog {
	return &watchdog{
		timers: make(map[string]*time.Timer),
		fire:   fire,
	}
}

// arm schedules fire for jobID at deadline, replacing any earlier timer.
// A deadline in the past fires right away.
func (w *watchdog) arm(jobID string, deadline time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if old, ok := w.timers[jobID]; ok {
		old.Stop()
	}

	var t *time.Timer
	t = time.AfterFunc(time.Until(deadline), func() {
		w.mu.Lock()
		current := w.timers[jobID] == t
		if current {
			delete(w.timers, jobID)
		}
		w.mu.Unlock()

		if current {
			w.fire(jobID)
		}
	})
	w.timers[jobID] = t
}

// disarm cancels the timer for jobID. It reports whether one was pending.
func (w *watchdog) disarm(jobID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	t, ok := w.timers[jobID]
	if !ok {
		return false
	}
	delete(w.timers, jobID)
	return t.Stop()
}

// stop cancels every pending timer.
func (w *watchdog) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for id, t := range w.timers {
		t.Stop()
		delete(w.timers, id)
	}
}

// has reports whether a timer is pending for jobID.
func (w *watchdog) has(jobID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.timers[jobID]
	return ok
}

func (w *watchdog) pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.timers)
}

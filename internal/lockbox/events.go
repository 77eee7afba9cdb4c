package lockbox

import "time"

// EventType classifies lockbox events.
type EventType string

const (
	EventStateChanged    EventType = "state_changed"
	EventRunStarted      EventType = "run_started"
	EventRunFinished     EventType = "run_finished"
	EventRunCancelled    EventType = "run_cancelled"
	EventRunPaused       EventType = "run_paused"
	EventRunResumed      EventType = "run_resumed"
	EventSequenceChanged EventType = "sequence_changed"
	EventStrategyChanged EventType = "strategy_changed"
)

// Event describes a change observed on the lockbox.
type Event struct {
	Type      EventType     `json:"type"`
	At        time.Time     `json:"at"`
	State     State         `json:"state"`
	Previous  State         `json:"previous"`
	RunID     string        `json:"run_id,omitempty"`
	Stage     string        `json:"stage,omitempty"`
	Locked    bool          `json:"locked"`
	Reason    string        `json:"reason,omitempty"`
	Error     string        `json:"error,omitempty"`
	Elapsed   time.Duration `json:"elapsed,omitempty"`
	Overrides Overrides     `json:"overrides,omitempty"`
}

// Observer receives events in order, outside the lockbox lock. Observers may
// call back into the lockbox; events raised meanwhile are delivered after
// the current batch.
type Observer func(Event)

// Subscribe registers fn and returns a function that removes it.
func (lb *Lockbox) Subscribe(fn Observer) func() {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	id := lb.nextObserver
	lb.nextObserver++
	lb.observers[id] = fn
	return func() {
		lb.mu.Lock()
		defer lb.mu.Unlock()
		delete(lb.observers, id)
	}
}

func (lb *Lockbox) emitLocked(e Event) {
	if e.At.IsZero() {
		e.At = lb.sched.Now()
	}
	if e.Type != EventStateChanged {
		e.State = lb.state
	}
	lb.pending = append(lb.pending, e)
}

// release unlocks lb.mu and delivers pending events. Only one goroutine
// delivers at a time so observers see events in emission order.
func (lb *Lockbox) release() {
	if lb.dispatching || len(lb.pending) == 0 {
		lb.mu.Unlock()
		return
	}
	lb.dispatching = true
	for len(lb.pending) > 0 {
		events := lb.pending
		lb.pending = nil
		observers := make([]Observer, 0, len(lb.observers))
		for id := uint64(0); id < lb.nextObserver; id++ {
			if fn, ok := lb.observers[id]; ok {
				observers = append(observers, fn)
			}
		}
		lb.mu.Unlock()
		for _, e := range events {
			for _, fn := range observers {
				fn(e)
			}
		}
		lb.mu.Lock()
	}
	lb.dispatching = false
	lb.mu.Unlock()
}

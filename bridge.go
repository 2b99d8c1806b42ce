package p2p

import "sync"

// maxBridgedEvents caps the event log. When an append pushes the log past the
// cap, the oldest half is discarded in a single batch so trimming stays cheap.
const maxBridgedEvents = 1000

// eventBridge is the bounded, ordered event log shared between the scheduler
// (which appends) and callers (which drain). The lock is only ever held around
// the append or the drain, never across a blocking call.
type eventBridge struct {
	mu     sync.Mutex
	events []Event
}

// push appends an event, evicting the oldest half of the log when the cap is
// exceeded. Relative order of survivors is preserved.
func (b *eventBridge) push(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events = append(b.events, evt)
	if len(b.events) > maxBridgedEvents {
		kept := make([]Event, len(b.events)-maxBridgedEvents/2)
		copy(kept, b.events[maxBridgedEvents/2:])
		b.events = kept
	}
}

// drain returns the full current log in occurrence order and empties it.
// Each event is delivered to at most one caller.
func (b *eventBridge) drain() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	events := b.events
	b.events = nil

	return events
}

// length reports the current number of buffered events.
func (b *eventBridge) length() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.events)
}

package engine

import (
	"sync"
	"time"
)

// EventKind identifies an entry on the observer event stream.
type EventKind string

const (
	EventSyncStarted      EventKind = "syncStarted"
	EventSyncCompleted    EventKind = "syncCompleted"
	EventSyncFailed       EventKind = "syncFailed"
	EventConflictDetected EventKind = "conflictDetected"
	EventConflictResolved EventKind = "conflictResolved"
	EventOperationRetried EventKind = "operationRetried"
	EventDeviceRegistered EventKind = "deviceRegistered"
)

// Event is one observer notification. Reason carries a human-readable
// description for failures; raw transport errors never reach observers.
type Event struct {
	Kind          EventKind
	Reason        string
	RecordID      string
	DeviceID      string
	AffectedItems int
	At            time.Time
}

// eventChanSize buffers each subscriber so a slow observer cannot
// stall a sync run. Events beyond the buffer are dropped for that
// subscriber only.
const eventChanSize = 32

type broadcaster struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan Event)}
}

// subscribe returns a receive channel and a cancel function. Cancel
// closes the channel and removes the subscription.
func (b *broadcaster) subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, eventChanSize)
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber buffer full. Drop rather than block the run.
		}
	}
}

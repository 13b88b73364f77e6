package embedded

import (
	"sync"
	"time"

	"github.com/go-i2p/tunlock/lib/tunnelstate"
)

// EventType categorizes VPN events.
type EventType int

const (
	EventStarted EventType = iota
	EventStopped
	// EventTunnelState carries every tunnel state transition.
	EventTunnelState
	// EventError reports a failure that did not stop the VPN, or the reason
	// it stopped unexpectedly.
	EventError
	// EventStateChanged reports a VPN lifecycle change, see [StateChange].
	EventStateChanged
)

var eventTypeNames = map[EventType]string{
	EventStarted:      "started",
	EventStopped:      "stopped",
	EventTunnelState:  "tunnel_state",
	EventError:        "error",
	EventStateChanged: "state_changed",
}

func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// StateChange is the payload of EventStateChanged.
type StateChange struct {
	Old, New State
}

// Event is one item on the [VPN.Events] stream. Only the fields belonging
// to Type are set.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Message   string

	Transition *tunnelstate.TunnelStateTransition
	Change     *StateChange
	Error      error
}

// eventEmitter is a bounded event queue that never blocks the daemon. When
// the buffer is full the oldest event is discarded, so a slow consumer
// still ends up with the latest tunnel state.
type eventEmitter struct {
	mu      sync.Mutex
	events  chan Event
	closed  bool
	dropped uint64
}

func newEventEmitter(bufferSize int) *eventEmitter {
	if bufferSize < 1 {
		bufferSize = DefaultConfig().EventBufferSize
	}
	return &eventEmitter{events: make(chan Event, bufferSize)}
}

func (e *eventEmitter) emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	for {
		select {
		case e.events <- ev:
			return
		default:
		}
		select {
		case <-e.events:
			e.dropped++
		default:
		}
	}
}

func (e *eventEmitter) emitSimple(t EventType, message string) {
	e.emit(Event{Type: t, Message: message})
}

func (e *eventEmitter) emitError(err error, message string) {
	e.emit(Event{Type: EventError, Error: err, Message: message})
}

func (e *eventEmitter) emitTransition(t tunnelstate.TunnelStateTransition) {
	e.emit(Event{Type: EventTunnelState, Transition: &t, Message: "tunnel " + t.State.String()})
}

func (e *eventEmitter) emitStateChange(oldState, newState State, message string) {
	e.emit(Event{Type: EventStateChanged, Change: &StateChange{Old: oldState, New: newState}, Message: message})
}

func (e *eventEmitter) channel() <-chan Event {
	return e.events
}

func (e *eventEmitter) droppedEvents() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

func (e *eventEmitter) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.events)
	}
}

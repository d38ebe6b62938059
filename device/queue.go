package device

import (
	"sync"

	"github.com/ardnew/softusb/device/hal"
	"github.com/ardnew/softusb/pkg"
)

// EventKind identifies the kind of data an Event carries.
type EventKind uint8

// Event kinds dispatched by the device task.
const (
	EventBusReset EventKind = iota
	EventUnplugged
	EventSuspend
	EventResume
	EventSOF
	EventSetupReceived
	EventXferComplete
	EventFuncCall
)

// String returns a human-readable event kind name.
func (k EventKind) String() string {
	switch k {
	case EventBusReset:
		return "BusReset"
	case EventUnplugged:
		return "Unplugged"
	case EventSuspend:
		return "Suspend"
	case EventResume:
		return "Resume"
	case EventSOF:
		return "SOF"
	case EventSetupReceived:
		return "SetupReceived"
	case EventXferComplete:
		return "XferComplete"
	case EventFuncCall:
		return "FuncCall"
	default:
		return "Unknown"
	}
}

// Event is a single record placed on the event queue. It is a tagged union:
// only the fields relevant to Kind are meaningful. Events are copied by
// value into and out of the queue so the queue itself never allocates past
// its initial backing array.
type Event struct {
	Kind EventKind

	// EventBusReset
	Speed hal.Speed

	// EventSetupReceived
	Setup hal.SetupPacket

	// EventXferComplete
	EPAddr     uint8
	XferLength int
	Status     pkg.TransferStatus

	// EventFuncCall. A closure is not zero-allocation in the strict firmware
	// sense, but it is the idiomatic Go equivalent of the reference core's
	// (fn, param) pair and keeps call sites simple.
	Fn func()
}

// EventQueue is a bounded, multi-producer single-consumer ring buffer of
// Events. Producers (the DCD, running from whatever context it calls back
// from) call TryPush; only the device task calls Pop.
type EventQueue struct {
	mutex sync.Mutex
	buf   []Event
	head  int // next slot to Pop
	tail  int // next slot to TryPush
	count int

	connected     bool
	sofSubscribed bool
}

// NewEventQueue creates a queue with the given depth. depth <= 0 falls back
// to DefaultTaskQueueSize.
func NewEventQueue(depth int) *EventQueue {
	if depth <= 0 {
		depth = DefaultTaskQueueSize
	}
	return &EventQueue{buf: make([]Event, depth)}
}

// SetConnected updates the connection state used by the inline Unplugged /
// Suspend / Resume filters. The task calls this on BusReset (true) and
// Unplugged (false).
func (q *EventQueue) SetConnected(connected bool) {
	q.mutex.Lock()
	q.connected = connected
	q.mutex.Unlock()
}

// SetSOFSubscribed controls whether SOF events are kept or dropped. A device
// with no class driver registering a SOF hook need not pay for every frame
// event.
func (q *EventQueue) SetSOFSubscribed(subscribed bool) {
	q.mutex.Lock()
	q.sofSubscribed = subscribed
	q.mutex.Unlock()
}

// PushResult reports the outcome of a TryPush call. Only PushFull indicates
// the task has fallen behind the DCD; PushFiltered is the inline host-quirk
// rules doing their job and is not a loss worth a log line.
type PushResult uint8

// TryPush outcomes.
const (
	PushOK PushResult = iota
	PushFiltered
	PushFull
)

// TryPush enqueues ev. It never blocks. PushFiltered means the event was
// dropped on purpose by the inline host-quirk rules (Unplugged while already
// disconnected, Suspend/Resume while disconnected, SOF with no subscriber);
// PushFull means the queue had no room and ev was lost.
func (q *EventQueue) TryPush(ev Event, inISR bool) PushResult {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	switch ev.Kind {
	case EventUnplugged:
		if !q.connected {
			return PushFiltered
		}
		q.connected = false
	case EventSuspend, EventResume:
		if !q.connected {
			return PushFiltered
		}
	case EventSOF:
		if !q.sofSubscribed {
			return PushFiltered
		}
	case EventBusReset:
		q.connected = true
	}

	if q.count == len(q.buf) {
		return PushFull
	}
	q.buf[q.tail] = ev
	q.tail = (q.tail + 1) % len(q.buf)
	q.count++
	return PushOK
}

// Pop removes and returns the oldest event. The second return value is
// false if the queue was empty.
func (q *EventQueue) Pop() (Event, bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.count == 0 {
		return Event{}, false
	}
	ev := q.buf[q.head]
	q.buf[q.head] = Event{}
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return ev, true
}

// Len returns the number of events currently queued.
func (q *EventQueue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.count
}

// Cap returns the queue's fixed capacity.
func (q *EventQueue) Cap() int {
	return len(q.buf)
}

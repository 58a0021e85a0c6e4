package collab

import (
	"sync"

	"collabdocs-server/presence"

	"github.com/sirupsen/logrus"
)

// Emitter writes one event to a live connection. A socket.io socket satisfies
// it directly.
type Emitter interface {
	Emit(event string, args ...any) error
}

// Dispatcher fans events out to sessions. Every attached session owns an
// outbox drained by its own goroutine, so delivery to one session is FIFO and
// a slow connection never stalls the caller or other sessions.
type Dispatcher struct {
	presence *presence.Registry

	mu       sync.RWMutex
	outboxes map[string]*outbox
}

func NewDispatcher(registry *presence.Registry) *Dispatcher {
	return &Dispatcher{
		presence: registry,
		outboxes: make(map[string]*outbox),
	}
}

// Attach starts delivery to sessionID. Re-attaching replaces the previous
// emitter after discarding anything still queued for it.
func (d *Dispatcher) Attach(sessionID string, emitter Emitter) {
	ob := newOutbox(sessionID, emitter)

	d.mu.Lock()
	prev := d.outboxes[sessionID]
	d.outboxes[sessionID] = ob
	d.mu.Unlock()

	if prev != nil {
		prev.close()
	}
	go ob.run()
}

// Detach stops delivery to sessionID. Queued events are dropped.
func (d *Dispatcher) Detach(sessionID string) {
	d.mu.Lock()
	ob := d.outboxes[sessionID]
	delete(d.outboxes, sessionID)
	d.mu.Unlock()

	if ob != nil {
		ob.close()
	}
}

// BroadcastToRoom delivers ev to every session currently viewing documentID.
func (d *Dispatcher) BroadcastToRoom(documentID string, ev Event) {
	d.Deliver(d.presence.Members(documentID), ev)
}

// BroadcastToRoomExcept is BroadcastToRoom without excludedSessionID.
func (d *Dispatcher) BroadcastToRoomExcept(documentID string, ev Event, excludedSessionID string) {
	members := d.presence.Members(documentID)
	targets := make([]string, 0, len(members))
	for _, id := range members {
		if id != excludedSessionID {
			targets = append(targets, id)
		}
	}
	d.Deliver(targets, ev)
}

// SendToSession delivers ev to exactly one session.
func (d *Dispatcher) SendToSession(sessionID string, ev Event) {
	d.Deliver([]string{sessionID}, ev)
}

// Deliver enqueues ev for each listed session. Sessions without an outbox are
// skipped. It never blocks on network I/O.
func (d *Dispatcher) Deliver(sessionIDs []string, ev Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, id := range sessionIDs {
		ob, ok := d.outboxes[id]
		if !ok {
			logrus.WithFields(logrus.Fields{
				"session_id": id,
				"event":      ev.Name(),
			}).Debug("Dropping event for detached session")
			continue
		}
		ob.push(ev)
	}
}

type outbox struct {
	sessionID string
	emitter   Emitter

	mu     sync.Mutex
	queue  []Event
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newOutbox(sessionID string, emitter Emitter) *outbox {
	return &outbox{
		sessionID: sessionID,
		emitter:   emitter,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

func (o *outbox) push(ev Event) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.queue = append(o.queue, ev)
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *outbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	o.queue = nil
	close(o.done)
}

func (o *outbox) run() {
	for {
		select {
		case <-o.done:
			return
		case <-o.wake:
		}

		for {
			o.mu.Lock()
			if o.closed || len(o.queue) == 0 {
				o.mu.Unlock()
				break
			}
			batch := o.queue
			o.queue = nil
			o.mu.Unlock()

			for _, ev := range batch {
				if err := o.emitter.Emit(ev.Name(), ev.Payload()); err != nil {
					logrus.WithFields(logrus.Fields{
						"session_id": o.sessionID,
						"event":      ev.Name(),
					}).WithError(err).Warn("Failed to emit event")
				}
			}
		}
	}
}

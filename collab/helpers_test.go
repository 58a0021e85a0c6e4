package collab

import (
	"context"
	"sync"
	"testing"
	"time"

	"collabdocs-server/core"

	"github.com/stretchr/testify/require"
)

type emitted struct {
	name    string
	payload any
}

// recordingEmitter captures everything delivered to one session.
type recordingEmitter struct {
	mu     sync.Mutex
	events []emitted
	err    error
	gate   chan struct{}
}

func (e *recordingEmitter) Emit(event string, args ...any) error {
	if e.gate != nil {
		<-e.gate
	}
	var payload any
	if len(args) > 0 {
		payload = args[0]
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, emitted{name: event, payload: payload})
	return e.err
}

func (e *recordingEmitter) all() []emitted {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]emitted, len(e.events))
	copy(out, e.events)
	return out
}

// named returns the payloads of every event called name, in delivery order.
func (e *recordingEmitter) named(name string) []any {
	var out []any
	for _, ev := range e.all() {
		if ev.name == name {
			out = append(out, ev.payload)
		}
	}
	return out
}

const flushMarker = "flush-marker"

// flush waits until everything queued for sessionID so far has been emitted.
// It relies on per-session FIFO: a marker pushed now arrives last.
func flush(t *testing.T, d *Dispatcher, sessionID string, e *recordingEmitter) {
	t.Helper()
	d.SendToSession(sessionID, OperationFailed{Reason: flushMarker})
	require.Eventually(t, func() bool {
		for _, p := range e.named(EventError) {
			if p == flushMarker {
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)
	e.mu.Lock()
	kept := e.events[:0]
	for _, ev := range e.events {
		if !(ev.name == EventError && ev.payload == flushMarker) {
			kept = append(kept, ev)
		}
	}
	e.events = kept
	e.mu.Unlock()
}

// faultyStore wraps a real store and injects failures.
type faultyStore struct {
	core.DocumentStore

	mu        sync.Mutex
	findErr   error
	writeErr  error
	beforeCAS func(id string)
	finds     int
	writes    int
}

func (s *faultyStore) FindID(ctx context.Context, id string) (*core.Document, error) {
	s.mu.Lock()
	s.finds++
	err := s.findErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.DocumentStore.FindID(ctx, id)
}

func (s *faultyStore) CompareAndWrite(ctx context.Context, id string, expectedVersion int64, content string) (*core.Document, error) {
	s.mu.Lock()
	s.writes++
	err, hook := s.writeErr, s.beforeCAS
	s.beforeCAS = nil
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if hook != nil {
		hook(id)
	}
	return s.DocumentStore.CompareAndWrite(ctx, id, expectedVersion, content)
}

func (s *faultyStore) counts() (finds, writes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finds, s.writes
}

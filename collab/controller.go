package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"collabdocs-server/core"
	"collabdocs-server/locks"
	"collabdocs-server/presence"

	"github.com/sirupsen/logrus"
)

var (
	ErrSessionExists    = errors.New("session already connected")
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionClosed    = errors.New("session disconnected")
	ErrInvalidRoomState = errors.New("document is not joined by this session")
	ErrInvalidRequest   = errors.New("invalid request")
)

// Reasons sent to the originating session in an error event.
const (
	ReasonDocumentNotFound = "Document not found"
	ReasonInternal         = "Internal server error processing edit"
	ReasonNotJoined        = "Document is not joined"
	ReasonMissingDocument  = "document id is required"
	ReasonInvalidVersion   = "invalid version"
	ReasonMalformed        = "malformed payload"
)

type State int

const (
	StateConnected State = iota
	StateViewing
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateViewing:
		return "viewing"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type session struct {
	id string

	mu         sync.Mutex
	state      State
	documentID string
}

// Controller drives the per-connection state machine
// connected -> viewing(doc) -> disconnected and wires each inbound event to
// the presence registry, the resolver and the dispatcher.
type Controller struct {
	registry   *presence.Registry
	dispatcher *Dispatcher
	resolver   *Resolver
	rooms      core.RoomRegistry
	edits      *locks.Keyed

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewController builds a controller. rooms is optional; when set, joins and
// accepted edits record room activity.
func NewController(registry *presence.Registry, dispatcher *Dispatcher, resolver *Resolver, rooms core.RoomRegistry) *Controller {
	return &Controller{
		registry:   registry,
		dispatcher: dispatcher,
		resolver:   resolver,
		rooms:      rooms,
		edits:      locks.NewKeyed(),
		sessions:   make(map[string]*session),
	}
}

// Connect registers a new connection and starts delivery to it.
func (c *Controller) Connect(sessionID string, emitter Emitter) error {
	c.mu.Lock()
	if _, exists := c.sessions[sessionID]; exists {
		c.mu.Unlock()
		return fmt.Errorf("connect %s: %w", sessionID, ErrSessionExists)
	}
	c.sessions[sessionID] = &session{id: sessionID, state: StateConnected}
	c.mu.Unlock()

	c.dispatcher.Attach(sessionID, emitter)
	logrus.WithField("session_id", sessionID).Info("Client connected")
	return nil
}

// Join moves the session into documentID's room, leaving any room it was
// viewing before, and announces the new count to the room. It returns the
// room size after the join.
func (c *Controller) Join(ctx context.Context, sessionID, documentID string) (int, error) {
	s, err := c.lookup(sessionID)
	if err != nil {
		return 0, err
	}
	if documentID == "" {
		c.fail(sessionID, ReasonMissingDocument)
		return 0, fmt.Errorf("join: %w: %s", ErrInvalidRequest, ReasonMissingDocument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateDisconnected {
		return 0, ErrSessionClosed
	}
	if s.state == StateViewing && s.documentID != documentID {
		c.registry.Leave(s.documentID, s.id, c.announce)
		logrus.WithFields(logrus.Fields{
			"session_id":  s.id,
			"document_id": s.documentID,
		}).Info("Session left document")
	}

	count := c.registry.Join(documentID, s.id, c.announce)
	s.state = StateViewing
	s.documentID = documentID

	logrus.WithFields(logrus.Fields{
		"session_id":   s.id,
		"document_id":  documentID,
		"active_users": count,
	}).Info("Session joined document")

	c.touchKnown(ctx, documentID)
	return count, nil
}

// SubmitEdit resolves p and fans out the result: the new canonical state to
// the whole room on accept, the current state to the originator only on
// reject. Failures are reported to the originator as an error event.
func (c *Controller) SubmitEdit(ctx context.Context, sessionID string, p EditProposal) (Resolution, error) {
	s, err := c.lookup(sessionID)
	if err != nil {
		return Resolution{}, err
	}

	s.mu.Lock()
	state, viewing := s.state, s.documentID
	s.mu.Unlock()

	if state == StateDisconnected {
		return Resolution{}, ErrSessionClosed
	}

	log := logrus.WithFields(logrus.Fields{
		"session_id":  sessionID,
		"document_id": p.DocumentID,
	})

	switch {
	case p.DocumentID == "":
		c.fail(sessionID, ReasonMissingDocument)
		return Resolution{}, fmt.Errorf("edit: %w: %s", ErrInvalidRequest, ReasonMissingDocument)
	case p.BaseVersion < 0:
		c.fail(sessionID, ReasonInvalidVersion)
		return Resolution{}, fmt.Errorf("edit: %w: %s", ErrInvalidRequest, ReasonInvalidVersion)
	case state != StateViewing || viewing != p.DocumentID:
		log.WithField("viewing", viewing).Warn("Edit submitted for a document the session is not viewing")
		c.fail(sessionID, ReasonNotJoined)
		return Resolution{}, ErrInvalidRoomState
	}

	unlock := c.edits.Lock(p.DocumentID)
	defer unlock()

	res, err := c.resolver.Resolve(ctx, p)
	if err != nil {
		if errors.Is(err, core.ErrDocumentNotFound) {
			log.Warn("Edit targets a missing document")
			c.fail(sessionID, ReasonDocumentNotFound)
			return Resolution{}, err
		}
		log.WithError(err).Error("Error processing edit")
		c.fail(sessionID, ReasonInternal)
		return Resolution{}, err
	}

	update := StateUpdated{Content: res.State.Content, Version: res.State.Version}
	if res.Accepted {
		c.dispatcher.BroadcastToRoom(p.DocumentID, update)
		c.touch(ctx, p.DocumentID)
	} else {
		c.dispatcher.SendToSession(sessionID, update)
	}
	return res, nil
}

// Typing relays a typing signal to everyone else viewing documentID. Signals
// for a document the session is not viewing are dropped.
func (c *Controller) Typing(sessionID, documentID string) error {
	s, err := c.lookup(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	state, viewing := s.state, s.documentID
	s.mu.Unlock()

	if state == StateDisconnected {
		return ErrSessionClosed
	}
	if state != StateViewing || viewing != documentID {
		logrus.WithFields(logrus.Fields{
			"session_id":  sessionID,
			"document_id": documentID,
		}).Debug("Dropping typing signal for unjoined document")
		return ErrInvalidRoomState
	}

	c.dispatcher.BroadcastToRoomExcept(documentID, TypingObserved{OriginSessionID: sessionID}, sessionID)
	return nil
}

// Disconnect removes the session from its room, announces the count after
// removal and stops delivery. Calling it again is a no-op.
func (c *Controller) Disconnect(sessionID string) {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	delete(c.sessions, sessionID)
	c.mu.Unlock()

	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateDisconnected {
		return
	}

	c.dispatcher.Detach(s.id)
	left := c.registry.LeaveAll(s.id, c.announce)
	s.state = StateDisconnected

	logrus.WithFields(logrus.Fields{
		"session_id": s.id,
		"rooms":      left,
	}).Info("Client disconnected")
}

// Reject reports a request the transport could not decode. The reason is
// queued behind anything already pending for the session.
func (c *Controller) Reject(sessionID, reason string) {
	if _, err := c.lookup(sessionID); err != nil {
		return
	}
	c.fail(sessionID, reason)
}

// ActiveUsers returns how many sessions view documentID.
func (c *Controller) ActiveUsers(documentID string) int {
	return c.registry.Count(documentID)
}

// SessionState reports the state and viewed document of a live session.
func (c *Controller) SessionState(sessionID string) (State, string, error) {
	s, err := c.lookup(sessionID)
	if err != nil {
		return StateDisconnected, "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.documentID, nil
}

func (c *Controller) lookup(sessionID string) (*session, error) {
	c.mu.RLock()
	s, ok := c.sessions[sessionID]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", sessionID, ErrSessionNotFound)
	}
	return s, nil
}

// announce runs under the room lock, so counts reach each member in the order
// the room changed.
func (c *Controller) announce(_ string, members []string) {
	c.dispatcher.Deliver(members, PresenceChanged{Count: len(members)})
}

func (c *Controller) fail(sessionID, reason string) {
	c.dispatcher.SendToSession(sessionID, OperationFailed{Reason: reason})
}

func (c *Controller) touch(ctx context.Context, documentID string) {
	if c.rooms == nil {
		return
	}
	if err := c.rooms.TouchRoom(ctx, documentID); err != nil {
		logrus.WithField("room_id", documentID).WithError(err).Warn("Failed to record room activity")
	}
}

// touchKnown records activity only for documents that exist, so ids made up
// by a client never reach the room registry.
func (c *Controller) touchKnown(ctx context.Context, documentID string) {
	if c.rooms == nil {
		return
	}
	if _, err := c.resolver.store.FindID(ctx, documentID); err != nil {
		logrus.WithField("room_id", documentID).WithError(err).Debug("Skipping room activity")
		return
	}
	c.touch(ctx, documentID)
}

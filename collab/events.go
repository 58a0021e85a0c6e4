package collab

// Outbound socket event names.
const (
	EventActiveUsers     = "active-users"
	EventDocumentUpdated = "document-updated"
	EventUserTyping      = "user-typing"
	EventError           = "error"
)

// Event is a message delivered to one or more sessions.
type Event interface {
	Name() string
	Payload() any
}

type (
	PresenceChanged struct {
		Count int
	}

	StateUpdated struct {
		Content string `json:"content"`
		Version int64  `json:"version"`
	}

	TypingObserved struct {
		OriginSessionID string
	}

	OperationFailed struct {
		Reason string
	}
)

func (e PresenceChanged) Name() string { return EventActiveUsers }
func (e PresenceChanged) Payload() any { return e.Count }

func (e StateUpdated) Name() string { return EventDocumentUpdated }
func (e StateUpdated) Payload() any {
	return map[string]any{
		"content": e.Content,
		"version": e.Version,
	}
}

func (e TypingObserved) Name() string { return EventUserTyping }
func (e TypingObserved) Payload() any { return e.OriginSessionID }

func (e OperationFailed) Name() string { return EventError }
func (e OperationFailed) Payload() any { return e.Reason }

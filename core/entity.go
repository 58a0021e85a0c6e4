package core

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrVersionMismatch  = errors.New("document version mismatch")
)

type (
	// Document is the canonical state of a shared text document. Version is
	// incremented exactly once per accepted write.
	Document struct {
		ID        string    `json:"id"`
		Content   string    `json:"content"`
		Version   int64     `json:"version"`
		CreatedAt time.Time `json:"createdAt"`
		UpdatedAt time.Time `json:"updatedAt"`
	}

	// VersionStore is the narrow read / conditional-write surface the edit
	// path depends on.
	VersionStore interface {
		FindID(ctx context.Context, id string) (*Document, error)
		// CompareAndWrite replaces the content and bumps the version only if the
		// stored version still equals expectedVersion. Implementations must be
		// atomic with respect to other writers of the same id.
		CompareAndWrite(ctx context.Context, id string, expectedVersion int64, content string) (*Document, error)
	}

	DocumentStore interface {
		VersionStore
		Create(ctx context.Context, content string) (*Document, error)
		List(ctx context.Context) ([]Document, error)
		Delete(ctx context.Context, id string) error
	}

	Room struct {
		ID         string
		LastActive int64
	}

	RoomRegistry interface {
		ListRooms(ctx context.Context) ([]Room, error)
		TouchRoom(ctx context.Context, roomID string) error
	}
)

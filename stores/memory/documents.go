package memory

import (
	"collabdocs-server/core"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

type documentStore struct {
	mu        sync.RWMutex
	documents map[string]core.Document
	rooms     map[string]int64
}

func NewDocumentStore() core.DocumentStore {
	return &documentStore{
		documents: make(map[string]core.Document),
		rooms:     make(map[string]int64),
	}
}

func (s *documentStore) FindID(ctx context.Context, id string) (*core.Document, error) {
	log := logrus.WithField("document_id", id)

	s.mu.RLock()
	doc, ok := s.documents[id]
	s.mu.RUnlock()

	if ok {
		log.Debug("Document retrieved successfully")
		return &doc, nil
	}

	log.WithField("error", "document not found").Warn("Document with specified ID not found")
	return nil, fmt.Errorf("document with id %s: %w", id, core.ErrDocumentNotFound)
}

func (s *documentStore) Create(ctx context.Context, content string) (*core.Document, error) {
	now := time.Now().UTC()
	doc := core.Document{
		ID:        ulid.Make().String(),
		Content:   content,
		Version:   0,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.documents[doc.ID] = doc
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"document_id": doc.ID,
		"data_length": len(content),
	}).Info("Document created successfully")

	return &doc, nil
}

func (s *documentStore) CompareAndWrite(ctx context.Context, id string, expectedVersion int64, content string) (*core.Document, error) {
	log := logrus.WithFields(logrus.Fields{
		"document_id":      id,
		"expected_version": expectedVersion,
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[id]
	if !ok {
		log.Warn("Document with specified ID not found")
		return nil, fmt.Errorf("document with id %s: %w", id, core.ErrDocumentNotFound)
	}
	if doc.Version != expectedVersion {
		log.WithField("version", doc.Version).Debug("Version mismatch on write")
		return nil, fmt.Errorf("document with id %s at version %d: %w", id, doc.Version, core.ErrVersionMismatch)
	}

	doc.Content = content
	doc.Version++
	doc.UpdatedAt = time.Now().UTC()
	s.documents[id] = doc

	log.WithField("version", doc.Version).Debug("Document written")
	return &doc, nil
}

func (s *documentStore) List(ctx context.Context) ([]core.Document, error) {
	s.mu.RLock()
	docs := make([]core.Document, 0, len(s.documents))
	for _, doc := range s.documents {
		docs = append(docs, doc)
	}
	s.mu.RUnlock()

	sort.Slice(docs, func(i, j int) bool {
		if docs[i].UpdatedAt.Equal(docs[j].UpdatedAt) {
			return docs[i].ID > docs[j].ID
		}
		return docs[i].UpdatedAt.After(docs[j].UpdatedAt)
	})
	return docs, nil
}

func (s *documentStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.documents[id]; !ok {
		return fmt.Errorf("document with id %s: %w", id, core.ErrDocumentNotFound)
	}
	delete(s.documents, id)
	delete(s.rooms, id)

	logrus.WithField("document_id", id).Info("Document deleted successfully")
	return nil
}

func (s *documentStore) TouchRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}

	s.mu.Lock()
	s.rooms[roomID] = time.Now().UnixMilli()
	s.mu.Unlock()

	return nil
}

func (s *documentStore) ListRooms(ctx context.Context) ([]core.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rooms := make([]core.Room, 0, len(s.rooms))
	for id, last := range s.rooms {
		rooms = append(rooms, core.Room{ID: id, LastActive: last})
	}

	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].LastActive == rooms[j].LastActive {
			return rooms[i].ID < rooms[j].ID
		}
		return rooms[i].LastActive > rooms[j].LastActive
	})

	return rooms, nil
}

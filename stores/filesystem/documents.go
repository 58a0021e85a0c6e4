package filesystem

import (
	"collabdocs-server/core"
	"collabdocs-server/locks"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

const fileExt = ".json"

type documentStore struct {
	basePath string
	locks    *locks.Keyed
}

// NewDocumentStore stores each document as a JSON file under basePath. Writes
// to one document are serialized by a per-id lock and land via rename, so a
// reader never sees a partial file.
func NewDocumentStore(basePath string) core.DocumentStore {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		log.Fatalf("failed to create base directory: %v", err)
	}
	return &documentStore{basePath: basePath, locks: locks.NewKeyed()}
}

func (s *documentStore) path(id string) (string, error) {
	if id == "" || id == "." || id == ".." || filepath.Base(id) != id || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("invalid document id %q", id)
	}
	return filepath.Join(s.basePath, id+fileExt), nil
}

func (s *documentStore) FindID(ctx context.Context, id string) (*core.Document, error) {
	log := logrus.WithField("document_id", id)

	filePath, err := s.path(id)
	if err != nil {
		log.WithError(err).Warn("Rejected document ID")
		return nil, fmt.Errorf("document with id %s: %w", id, core.ErrDocumentNotFound)
	}

	doc, err := readDocument(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.WithField("error", "document not found").Warn("Document with specified ID not found")
			return nil, fmt.Errorf("document with id %s: %w", id, core.ErrDocumentNotFound)
		}
		log.WithError(err).Error("Failed to retrieve document")
		return nil, err
	}

	log.Debug("Document retrieved successfully")
	return doc, nil
}

func (s *documentStore) Create(ctx context.Context, content string) (*core.Document, error) {
	now := time.Now().UTC()
	doc := &core.Document{
		ID:        ulid.Make().String(),
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	}
	filePath, err := s.path(doc.ID)
	if err != nil {
		return nil, err
	}
	log := logrus.WithFields(logrus.Fields{
		"document_id": doc.ID,
		"file_path":   filePath,
	})

	if err := writeDocument(filePath, doc); err != nil {
		log.WithError(err).Error("Failed to create document")
		return nil, err
	}

	log.Info("Document created successfully")
	return doc, nil
}

func (s *documentStore) CompareAndWrite(ctx context.Context, id string, expectedVersion int64, content string) (*core.Document, error) {
	log := logrus.WithFields(logrus.Fields{
		"document_id":      id,
		"expected_version": expectedVersion,
	})

	filePath, err := s.path(id)
	if err != nil {
		return nil, fmt.Errorf("document with id %s: %w", id, core.ErrDocumentNotFound)
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	doc, err := readDocument(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Warn("Document with specified ID not found")
			return nil, fmt.Errorf("document with id %s: %w", id, core.ErrDocumentNotFound)
		}
		return nil, err
	}
	if doc.Version != expectedVersion {
		log.WithField("version", doc.Version).Debug("Version mismatch on write")
		return nil, fmt.Errorf("document with id %s at version %d: %w", id, doc.Version, core.ErrVersionMismatch)
	}

	doc.Content = content
	doc.Version++
	doc.UpdatedAt = time.Now().UTC()
	if err := writeDocument(filePath, doc); err != nil {
		log.WithError(err).Error("Failed to write document")
		return nil, err
	}

	log.WithField("version", doc.Version).Debug("Document written")
	return doc, nil
}

func (s *documentStore) List(ctx context.Context) ([]core.Document, error) {
	log := logrus.WithField("path", s.basePath)

	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		log.WithError(err).Error("Failed to read storage directory")
		return nil, err
	}

	docs := make([]core.Document, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != fileExt {
			continue
		}
		doc, err := readDocument(filepath.Join(s.basePath, entry.Name()))
		if err != nil {
			log.WithError(err).Warnf("Failed to read document file %s, skipping", entry.Name())
			continue
		}
		docs = append(docs, *doc)
	}

	sort.Slice(docs, func(i, j int) bool {
		if docs[i].UpdatedAt.Equal(docs[j].UpdatedAt) {
			return docs[i].ID > docs[j].ID
		}
		return docs[i].UpdatedAt.After(docs[j].UpdatedAt)
	})
	return docs, nil
}

func (s *documentStore) Delete(ctx context.Context, id string) error {
	log := logrus.WithField("document_id", id)

	filePath, err := s.path(id)
	if err != nil {
		return fmt.Errorf("document with id %s: %w", id, core.ErrDocumentNotFound)
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	if err := os.Remove(filePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("document with id %s: %w", id, core.ErrDocumentNotFound)
		}
		log.WithError(err).Error("Failed to delete document file")
		return err
	}

	log.Info("Document deleted successfully")
	return nil
}

func readDocument(filePath string) (*core.Document, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	var doc core.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(filePath), err)
	}
	return &doc, nil
}

func writeDocument(filePath string, doc *core.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(filePath), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, filePath)
}

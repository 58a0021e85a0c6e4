package sqlite

import (
	"collabdocs-server/core"
	"context"
	"database/sql"
	"errors"
	"fmt"
	stdlog "log"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const DefaultMaxRevisions = 50

type documentStore struct {
	db           *sql.DB
	maxRevisions int
}

type Option func(*documentStore)

// WithMaxRevisions bounds how many revisions are kept per document. Values
// below one fall back to DefaultMaxRevisions.
func WithMaxRevisions(n int) Option {
	return func(s *documentStore) {
		if n > 0 {
			s.maxRevisions = n
		}
	}
}

// Revision is the content of a document as of one accepted write.
type Revision struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	Version    int64  `json:"version"`
	Content    string `json:"content,omitempty"`
	CreatedAt  int64  `json:"created_at"`
}

func NewDocumentStore(dataSourceName string, opts ...Option) core.DocumentStore {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		stdlog.Fatalf("failed to open sqlite database: %v", err)
	}
	// One connection serializes writers inside SQLite and keeps :memory:
	// databases shared.
	db.SetMaxOpenConns(1)

	documentsTable := `CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`
	if _, err = db.Exec(documentsTable); err != nil {
		stdlog.Fatalf("failed to create documents table: %v", err)
	}

	revisionsTable := `CREATE TABLE IF NOT EXISTS document_revisions (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE (document_id, version)
	);`
	if _, err = db.Exec(revisionsTable); err != nil {
		stdlog.Fatalf("failed to create document_revisions table: %v", err)
	}

	roomsTable := `CREATE TABLE IF NOT EXISTS rooms (
		room_id TEXT PRIMARY KEY,
		last_active INTEGER NOT NULL
	);`
	if _, err = db.Exec(roomsTable); err != nil {
		stdlog.Fatalf("failed to create rooms table: %v", err)
	}

	s := &documentStore{db: db, maxRevisions: DefaultMaxRevisions}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *documentStore) Close() error {
	return s.db.Close()
}

func (s *documentStore) FindID(ctx context.Context, id string) (*core.Document, error) {
	log := logrus.WithField("document_id", id)
	log.Debug("Retrieving document by ID")

	doc, err := scanDocument(s.db.QueryRowContext(ctx,
		"SELECT id, content, version, created_at, updated_at FROM documents WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.WithField("error", "document not found").Warn("Document with specified ID not found")
			return nil, fmt.Errorf("document with id %s: %w", id, core.ErrDocumentNotFound)
		}
		log.WithError(err).Error("Failed to retrieve document")
		return nil, err
	}
	return doc, nil
}

func (s *documentStore) Create(ctx context.Context, content string) (*core.Document, error) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	doc := &core.Document{
		ID:        ulid.Make().String(),
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	}
	log := logrus.WithFields(logrus.Fields{
		"document_id": doc.ID,
		"data_length": len(content),
	})

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO documents (id, content, version, created_at, updated_at) VALUES (?, ?, 0, ?, ?)",
		doc.ID, content, now.UnixMilli(), now.UnixMilli())
	if err != nil {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			log.WithError(rerr).Warn("Failed to roll back write")
		}
	}()

	now := time.Now().UTC().Truncate(time.Millisecond)
	result, err := tx.ExecContext(ctx,
		"UPDATE documents SET content = ?, version = version + 1, updated_at = ? WHERE id = ? AND version = ?",
		content, now.UnixMilli(), id, expectedVersion)
	if err != nil {
		log.WithError(err).Error("Failed to write document")
		return nil, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}

	if rows == 0 {
		var current int64
		err = tx.QueryRowContext(ctx, "SELECT version FROM documents WHERE id = ?", id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			log.Warn("Document with specified ID not found")
			return nil, fmt.Errorf("document with id %s: %w", id, core.ErrDocumentNotFound)
		}
		if err != nil {
			return nil, err
		}
		log.WithField("version", current).Debug("Version mismatch on write")
		return nil, fmt.Errorf("document with id %s at version %d: %w", id, current, core.ErrVersionMismatch)
	}

	doc, err := scanDocument(tx.QueryRowContext(ctx,
		"SELECT id, content, version, created_at, updated_at FROM documents WHERE id = ?", id))
	if err != nil {
		return nil, err
	}

	if err := s.recordRevision(ctx, tx, doc); err != nil {
		log.WithError(err).Error("Failed to record revision")
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		log.WithError(err).Error("Failed to commit write")
		return nil, err
	}

	log.WithField("version", doc.Version).Debug("Document written")
	return doc, nil
}

func (s *documentStore) recordRevision(ctx context.Context, tx *sql.Tx, doc *core.Document) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO document_revisions (id, document_id, version, content, created_at) VALUES (?, ?, ?, ?, ?)",
		ulid.Make().String(), doc.ID, doc.Version, doc.Content, doc.UpdatedAt.UnixMilli())
	if err != nil {
		return err
	}

	// Keep only the newest maxRevisions rows for this document.
	_, err = tx.ExecContext(ctx,
		`DELETE FROM document_revisions WHERE document_id = ? AND version <= (
			SELECT version FROM document_revisions WHERE document_id = ? ORDER BY version DESC LIMIT 1 OFFSET ?
		)`,
		doc.ID, doc.ID, s.maxRevisions)
	return err
}

func (s *documentStore) List(ctx context.Context) ([]core.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, content, version, created_at, updated_at FROM documents ORDER BY updated_at DESC, id DESC")
	if err != nil {
		logrus.WithError(err).Error("Failed to list documents")
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			logrus.WithError(cerr).Warn("Failed to close document rows")
		}
	}()

	docs := make([]core.Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

func (s *documentStore) Delete(ctx context.Context, id string) error {
	log := logrus.WithField("document_id", id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			log.WithError(rerr).Warn("Failed to roll back delete")
		}
	}()

	result, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", id)
	if err != nil {
		log.WithError(err).Error("Failed to delete document")
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("document with id %s: %w", id, core.ErrDocumentNotFound)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM document_revisions WHERE document_id = ?", id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM rooms WHERE room_id = ?", id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	log.Info("Document deleted successfully")
	return nil
}

// ListRevisions lists the retained revisions of a document, newest first,
// without their content.
func (s *documentStore) ListRevisions(ctx context.Context, documentID string) ([]Revision, error) {
	log := logrus.WithField("document_id", documentID)
	log.Debug("Listing revisions for document")

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, document_id, version, created_at FROM document_revisions WHERE document_id = ? ORDER BY version DESC",
		documentID)
	if err != nil {
		log.WithError(err).Error("Failed to list revisions")
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			log.WithError(cerr).Warn("Failed to close revision rows")
		}
	}()

	revisions := make([]Revision, 0)
	for rows.Next() {
		var rev Revision
		if err := rows.Scan(&rev.ID, &rev.DocumentID, &rev.Version, &rev.CreatedAt); err != nil {
			log.WithError(err).Error("Failed to scan revision")
			continue
		}
		revisions = append(revisions, rev)
	}
	return revisions, rows.Err()
}

// GetRevision returns one retained revision including its content.
func (s *documentStore) GetRevision(ctx context.Context, documentID string, version int64) (*Revision, error) {
	log := logrus.WithFields(logrus.Fields{
		"document_id": documentID,
		"version":     version,
	})

	var rev Revision
	err := s.db.QueryRowContext(ctx,
		"SELECT id, document_id, version, content, created_at FROM document_revisions WHERE document_id = ? AND version = ?",
		documentID, version).Scan(&rev.ID, &rev.DocumentID, &rev.Version, &rev.Content, &rev.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Warn("Revision not found")
			return nil, fmt.Errorf("revision %d of document %s: %w", version, documentID, core.ErrDocumentNotFound)
		}
		log.WithError(err).Error("Failed to retrieve revision")
		return nil, err
	}
	return &rev, nil
}

func (s *documentStore) TouchRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO rooms (room_id, last_active) VALUES (?, ?) ON CONFLICT(room_id) DO UPDATE SET last_active = excluded.last_active",
		roomID, time.Now().UnixMilli())
	return err
}

func (s *documentStore) ListRooms(ctx context.Context) ([]core.Room, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT room_id, last_active FROM rooms ORDER BY last_active DESC, room_id ASC")
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			logrus.WithError(cerr).Warn("Failed to close room rows")
		}
	}()

	rooms := make([]core.Room, 0)
	for rows.Next() {
		var room core.Room
		if err := rows.Scan(&room.ID, &room.LastActive); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*core.Document, error) {
	var (
		doc                  core.Document
		createdAt, updatedAt int64
	)
	if err := row.Scan(&doc.ID, &doc.Content, &doc.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	doc.CreatedAt = time.UnixMilli(createdAt).UTC()
	doc.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &doc, nil
}

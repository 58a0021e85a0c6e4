package revisions

import (
	"collabdocs-server/core"
	"collabdocs-server/stores/sqlite"
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

// RevisionStore is implemented by stores that keep accepted writes.
type RevisionStore interface {
	ListRevisions(ctx context.Context, documentID string) ([]sqlite.Revision, error)
	GetRevision(ctx context.Context, documentID string, version int64) (*sqlite.Revision, error)
}

// HandleListRevisions lists the retained revisions of a document, newest first
func HandleListRevisions(store RevisionStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		documentID := chi.URLParam(r, "id")

		revisions, err := store.ListRevisions(r.Context(), documentID)
		if err != nil {
			logrus.WithField("document_id", documentID).WithError(err).Error("Failed to list revisions")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"error": "Failed to list revisions"})
			return
		}

		if revisions == nil {
			revisions = []sqlite.Revision{}
		}

		render.JSON(w, r, revisions)
	}
}

// HandleGetRevision returns one revision including its content
func HandleGetRevision(store RevisionStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		documentID := chi.URLParam(r, "id")
		version, err := strconv.ParseInt(chi.URLParam(r, "version"), 10, 64)
		if err != nil || version < 1 {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "Invalid version"})
			return
		}

		revision, err := store.GetRevision(r.Context(), documentID, version)
		if err != nil {
			if errors.Is(err, core.ErrDocumentNotFound) {
				render.Status(r, http.StatusNotFound)
				render.JSON(w, r, map[string]string{"error": "Revision not found"})
				return
			}
			logrus.WithFields(logrus.Fields{
				"document_id": documentID,
				"version":     version,
			}).WithError(err).Error("Failed to get revision")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"error": "Failed to get revision"})
			return
		}

		render.JSON(w, r, revision)
	}
}

package documents

import (
	"collabdocs-server/core"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

// PresenceCounter reports how many sessions are viewing a document.
type PresenceCounter interface {
	Count(documentID string) int
}

type DocumentCreateRequest struct {
	Content string `json:"content"`
}

func HandleCreate(documentStore core.DocumentStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req DocumentCreateRequest
		if err := render.DecodeJSON(r.Body, &req); err != nil && !errors.Is(err, io.EOF) {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "Invalid request body"})
			return
		}

		doc, err := documentStore.Create(r.Context(), req.Content)
		if err != nil {
			logrus.WithError(err).Error("Failed to create document")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"error": "Failed to create document"})
			return
		}

		render.Status(r, http.StatusCreated)
		render.JSON(w, r, doc)
	}
}

func HandleList(documentStore core.DocumentStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docs, err := documentStore.List(r.Context())
		if err != nil {
			logrus.WithError(err).Error("Failed to list documents")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"error": "Failed to list documents"})
			return
		}

		if docs == nil {
			docs = []core.Document{}
		}
		render.JSON(w, r, docs)
	}
}

func HandleGet(documentStore core.DocumentStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		log := logrus.WithField("document_id", id)

		doc, err := documentStore.FindID(r.Context(), id)
		if err != nil {
			if errors.Is(err, core.ErrDocumentNotFound) {
				render.Status(r, http.StatusNotFound)
				render.JSON(w, r, map[string]string{"error": "Document not found"})
				return
			}
			log.WithError(err).Error("Failed to get document")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"error": "Failed to get document"})
			return
		}

		render.JSON(w, r, doc)
	}
}

// HandleDelete refuses to delete a document while anyone other than the
// caller still has it open.
func HandleDelete(documentStore core.DocumentStore, presence PresenceCounter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		log := logrus.WithField("document_id", id)

		if active := presence.Count(id); active > 1 {
			log.WithField("active_users", active).Info("Refusing to delete document in use")
			render.Status(r, http.StatusConflict)
			render.JSON(w, r, map[string]string{"error": "Cannot delete document while other users are active."})
			return
		}

		if err := documentStore.Delete(r.Context(), id); err != nil {
			if errors.Is(err, core.ErrDocumentNotFound) {
				render.Status(r, http.StatusNotFound)
				render.JSON(w, r, map[string]string{"error": "Document not found"})
				return
			}
			log.WithError(err).Error("Failed to delete document")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"error": "Failed to delete document"})
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

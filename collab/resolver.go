package collab

import (
	"context"
	"errors"
	"fmt"

	"collabdocs-server/core"

	"github.com/sirupsen/logrus"
)

// EditProposal is one submitted edit: the full new content plus the version
// the editor last saw.
type EditProposal struct {
	DocumentID  string `mapstructure:"documentId"`
	Content     string `mapstructure:"content"`
	BaseVersion int64  `mapstructure:"version"`
}

// Resolution is the outcome of resolving a proposal. State is the canonical
// document after the decision: the new state when Accepted, otherwise the
// current server state the editor must resynchronize to.
type Resolution struct {
	Accepted bool
	State    core.Document
}

// Resolver implements versioned last-write-wins: a proposal is written only
// when its base version equals the stored version, and that check is
// enforced by the store's compare-and-write.
type Resolver struct {
	store core.VersionStore
}

func NewResolver(store core.VersionStore) *Resolver {
	return &Resolver{store: store}
}

// Resolve reads current state and accepts or rejects p. It returns an error
// wrapping core.ErrDocumentNotFound when the document is absent; any other
// error comes from the store and is not retried.
func (r *Resolver) Resolve(ctx context.Context, p EditProposal) (Resolution, error) {
	log := logrus.WithFields(logrus.Fields{
		"document_id":  p.DocumentID,
		"base_version": p.BaseVersion,
	})

	current, err := r.store.FindID(ctx, p.DocumentID)
	if err != nil {
		return Resolution{}, fmt.Errorf("read document %s: %w", p.DocumentID, err)
	}

	if p.BaseVersion != current.Version {
		log.WithField("version", current.Version).Warn("Conflict detected, rejecting stale edit")
		return Resolution{Accepted: false, State: *current}, nil
	}

	next, err := r.store.CompareAndWrite(ctx, p.DocumentID, current.Version, p.Content)
	switch {
	case err == nil:
		log.WithField("version", next.Version).Info("Edit accepted")
		return Resolution{Accepted: true, State: *next}, nil
	case errors.Is(err, core.ErrVersionMismatch):
		// Another writer won between the read and the write.
		latest, rerr := r.store.FindID(ctx, p.DocumentID)
		if rerr != nil {
			return Resolution{}, fmt.Errorf("reread document %s: %w", p.DocumentID, rerr)
		}
		log.WithField("version", latest.Version).Warn("Lost write race, rejecting edit")
		return Resolution{Accepted: false, State: *latest}, nil
	default:
		return Resolution{}, fmt.Errorf("write document %s: %w", p.DocumentID, err)
	}
}

package collab

import (
	"context"
	"errors"
	"testing"

	"collabdocs-server/core"
	"collabdocs-server/stores/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_AcceptsMatchingVersion(t *testing.T) {
	store := memory.NewDocumentStore()
	doc, err := store.Create(context.Background(), "")
	require.NoError(t, err)

	res, err := NewResolver(store).Resolve(context.Background(), EditProposal{DocumentID: doc.ID, Content: "hello", BaseVersion: 0})
	require.NoError(t, err)

	assert.True(t, res.Accepted)
	assert.Equal(t, int64(1), res.State.Version)
	assert.Equal(t, "hello", res.State.Content)
}

func TestResolve_RejectsStaleVersionWithoutWriting(t *testing.T) {
	store := &faultyStore{DocumentStore: memory.NewDocumentStore()}
	doc, err := store.Create(context.Background(), "")
	require.NoError(t, err)
	_, err = store.DocumentStore.CompareAndWrite(context.Background(), doc.ID, 0, "winner")
	require.NoError(t, err)

	res, err := NewResolver(store).Resolve(context.Background(), EditProposal{DocumentID: doc.ID, Content: "loser", BaseVersion: 0})
	require.NoError(t, err)

	assert.False(t, res.Accepted)
	assert.Equal(t, int64(1), res.State.Version)
	assert.Equal(t, "winner", res.State.Content)
	_, writes := store.counts()
	assert.Zero(t, writes)
}

func TestResolve_FutureVersionIsRejected(t *testing.T) {
	store := memory.NewDocumentStore()
	doc, err := store.Create(context.Background(), "base")
	require.NoError(t, err)

	res, err := NewResolver(store).Resolve(context.Background(), EditProposal{DocumentID: doc.ID, Content: "x", BaseVersion: 7})
	require.NoError(t, err)

	assert.False(t, res.Accepted)
	assert.Equal(t, int64(0), res.State.Version)
	assert.Equal(t, "base", res.State.Content)
}

func TestResolve_LostRaceReturnsLatestState(t *testing.T) {
	store := &faultyStore{DocumentStore: memory.NewDocumentStore()}
	doc, err := store.Create(context.Background(), "")
	require.NoError(t, err)

	store.beforeCAS = func(id string) {
		_, err := store.DocumentStore.CompareAndWrite(context.Background(), id, 0, "sneaky")
		require.NoError(t, err)
	}

	res, err := NewResolver(store).Resolve(context.Background(), EditProposal{DocumentID: doc.ID, Content: "mine", BaseVersion: 0})
	require.NoError(t, err)

	assert.False(t, res.Accepted)
	assert.Equal(t, int64(1), res.State.Version)
	assert.Equal(t, "sneaky", res.State.Content)
}

func TestResolve_NotFound(t *testing.T) {
	_, err := NewResolver(memory.NewDocumentStore()).Resolve(context.Background(), EditProposal{DocumentID: "missing"})
	assert.ErrorIs(t, err, core.ErrDocumentNotFound)
}

func TestResolve_StoreErrors(t *testing.T) {
	boom := errors.New("disk on fire")

	store := &faultyStore{DocumentStore: memory.NewDocumentStore(), findErr: boom}
	_, err := NewResolver(store).Resolve(context.Background(), EditProposal{DocumentID: "x"})
	assert.ErrorIs(t, err, boom)

	store = &faultyStore{DocumentStore: memory.NewDocumentStore()}
	doc, err := store.Create(context.Background(), "")
	require.NoError(t, err)
	store.writeErr = boom
	_, err = NewResolver(store).Resolve(context.Background(), EditProposal{DocumentID: doc.ID, BaseVersion: 0})
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, core.ErrVersionMismatch)
}

// Package storetest holds the behaviour every core.DocumentStore backend must
// share. Backend test files call Run with a constructor for a fresh store.
package storetest

import (
	"collabdocs-server/core"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func Run(t *testing.T, newStore func(t *testing.T) core.DocumentStore) {
	t.Helper()

	t.Run("CreateStartsAtVersionZero", func(t *testing.T) { testCreate(t, newStore(t)) })
	t.Run("FindIDNotFound", func(t *testing.T) { testFindIDNotFound(t, newStore(t)) })
	t.Run("CompareAndWriteAccepts", func(t *testing.T) { testCompareAndWriteAccepts(t, newStore(t)) })
	t.Run("CompareAndWriteStale", func(t *testing.T) { testCompareAndWriteStale(t, newStore(t)) })
	t.Run("CompareAndWriteNotFound", func(t *testing.T) { testCompareAndWriteNotFound(t, newStore(t)) })
	t.Run("CompareAndWriteRaceOneWinner", func(t *testing.T) { testRaceOneWinner(t, newStore(t)) })
	t.Run("ListNewestFirst", func(t *testing.T) { testList(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("DataIntegrity", func(t *testing.T) { testDataIntegrity(t, newStore(t)) })
}

func testCreate(t *testing.T, store core.DocumentStore) {
	ctx := context.Background()

	doc, err := store.Create(ctx, "")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if doc.ID == "" {
		t.Fatal("Create() returned empty ID")
	}
	if len(doc.ID) != 26 {
		t.Errorf("Create() returned invalid ID length: got %d, want 26", len(doc.ID))
	}
	if doc.Version != 0 {
		t.Errorf("Create() version: got %d, want 0", doc.Version)
	}

	found, err := store.FindID(ctx, doc.ID)
	if err != nil {
		t.Fatalf("FindID() failed: %v", err)
	}
	if found.Content != "" || found.Version != 0 {
		t.Errorf("FindID() state mismatch: got (%q, %d)", found.Content, found.Version)
	}
}

func testFindIDNotFound(t *testing.T, store core.DocumentStore) {
	_, err := store.FindID(context.Background(), "01HZZZZZZZZZZZZZZZZZZZZZZZ")
	if !errors.Is(err, core.ErrDocumentNotFound) {
		t.Fatalf("FindID() error: got %v, want ErrDocumentNotFound", err)
	}
}

func testCompareAndWriteAccepts(t *testing.T, store core.DocumentStore) {
	ctx := context.Background()
	doc := mustCreate(t, store, "")

	updated, err := store.CompareAndWrite(ctx, doc.ID, 0, "hello")
	if err != nil {
		t.Fatalf("CompareAndWrite() failed: %v", err)
	}
	if updated.Content != "hello" || updated.Version != 1 {
		t.Errorf("CompareAndWrite() result: got (%q, %d), want (%q, 1)", updated.Content, updated.Version, "hello")
	}

	updated, err = store.CompareAndWrite(ctx, doc.ID, 1, "hello world")
	if err != nil {
		t.Fatalf("second CompareAndWrite() failed: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("second CompareAndWrite() version: got %d, want 2", updated.Version)
	}

	found, err := store.FindID(ctx, doc.ID)
	if err != nil {
		t.Fatalf("FindID() failed: %v", err)
	}
	if found.Content != "hello world" || found.Version != 2 {
		t.Errorf("stored state: got (%q, %d), want (%q, 2)", found.Content, found.Version, "hello world")
	}
}

func testCompareAndWriteStale(t *testing.T, store core.DocumentStore) {
	ctx := context.Background()
	doc := mustCreate(t, store, "base")

	if _, err := store.CompareAndWrite(ctx, doc.ID, 0, "first"); err != nil {
		t.Fatalf("CompareAndWrite() failed: %v", err)
	}

	_, err := store.CompareAndWrite(ctx, doc.ID, 0, "stale")
	if !errors.Is(err, core.ErrVersionMismatch) {
		t.Fatalf("stale CompareAndWrite() error: got %v, want ErrVersionMismatch", err)
	}

	found, err := store.FindID(ctx, doc.ID)
	if err != nil {
		t.Fatalf("FindID() failed: %v", err)
	}
	if found.Content != "first" || found.Version != 1 {
		t.Errorf("rejected write altered state: got (%q, %d)", found.Content, found.Version)
	}
}

func testCompareAndWriteNotFound(t *testing.T, store core.DocumentStore) {
	_, err := store.CompareAndWrite(context.Background(), "01HZZZZZZZZZZZZZZZZZZZZZZZ", 0, "x")
	if !errors.Is(err, core.ErrDocumentNotFound) {
		t.Fatalf("CompareAndWrite() error: got %v, want ErrDocumentNotFound", err)
	}
}

func testRaceOneWinner(t *testing.T, store core.DocumentStore) {
	ctx := context.Background()
	doc := mustCreate(t, store, "")

	const writers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  []string
		failures []error
	)
	start := make(chan struct{})
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			content := "writer-" + string(rune('a'+i))
			_, err := store.CompareAndWrite(ctx, doc.ID, 0, content)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, content)
			case errors.Is(err, core.ErrVersionMismatch):
			default:
				failures = append(failures, err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	for _, err := range failures {
		t.Errorf("unexpected CompareAndWrite() error: %v", err)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %d", len(winners))
	}

	found, err := store.FindID(ctx, doc.ID)
	if err != nil {
		t.Fatalf("FindID() failed: %v", err)
	}
	if found.Version != 1 || found.Content != winners[0] {
		t.Errorf("stored state: got (%q, %d), want (%q, 1)", found.Content, found.Version, winners[0])
	}
}

func testList(t *testing.T, store core.DocumentStore) {
	ctx := context.Background()

	docs, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List() failed on empty store: %v", err)
	}
	if len(docs) != 0 {
		t.Fatalf("List() on empty store: got %d documents", len(docs))
	}

	older := mustCreate(t, store, "older")
	time.Sleep(5 * time.Millisecond)
	newer := mustCreate(t, store, "newer")

	docs, err = store.List(ctx)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("List() count: got %d, want 2", len(docs))
	}
	if docs[0].ID != newer.ID || docs[1].ID != older.ID {
		t.Errorf("List() order: got [%s %s], want [%s %s]", docs[0].ID, docs[1].ID, newer.ID, older.ID)
	}

	time.Sleep(5 * time.Millisecond)
	if _, err := store.CompareAndWrite(ctx, older.ID, 0, "touched"); err != nil {
		t.Fatalf("CompareAndWrite() failed: %v", err)
	}
	docs, err = store.List(ctx)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if docs[0].ID != older.ID {
		t.Errorf("List() after update: got %s first, want %s", docs[0].ID, older.ID)
	}
}

func testDelete(t *testing.T, store core.DocumentStore) {
	ctx := context.Background()
	doc := mustCreate(t, store, "bye")

	if err := store.Delete(ctx, doc.ID); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, err := store.FindID(ctx, doc.ID); !errors.Is(err, core.ErrDocumentNotFound) {
		t.Errorf("FindID() after Delete(): got %v, want ErrDocumentNotFound", err)
	}
	if err := store.Delete(ctx, doc.ID); !errors.Is(err, core.ErrDocumentNotFound) {
		t.Errorf("second Delete(): got %v, want ErrDocumentNotFound", err)
	}
}

func testDataIntegrity(t *testing.T, store core.DocumentStore) {
	ctx := context.Background()

	testCases := []struct {
		name string
		data string
	}{
		{"ASCII", "Hello World"},
		{"UTF-8", "Hello 世界 🌍"},
		{"Special chars", "!@#$%^&*()_+-=[]{}|;':\",./<>?"},
		{"Newlines", "line1\nline2\nline3"},
		{"Large", strings.Repeat("x", 256*1024)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			doc := mustCreate(t, store, "")
			if _, err := store.CompareAndWrite(ctx, doc.ID, 0, tc.data); err != nil {
				t.Fatalf("CompareAndWrite() failed: %v", err)
			}

			found, err := store.FindID(ctx, doc.ID)
			if err != nil {
				t.Fatalf("FindID() failed: %v", err)
			}
			if found.Content != tc.data {
				t.Errorf("Data integrity failed for %s: got %d bytes, want %d", tc.name, len(found.Content), len(tc.data))
			}
		})
	}
}

func mustCreate(t *testing.T, store core.DocumentStore, content string) *core.Document {
	t.Helper()
	doc, err := store.Create(context.Background(), content)
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	return doc
}

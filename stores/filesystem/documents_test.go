package filesystem

import (
	"collabdocs-server/core"
	"collabdocs-server/stores/storetest"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDocumentStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) core.DocumentStore {
		return NewDocumentStore(t.TempDir())
	})
}

func TestNewDocumentStore_CreatesDirectory(t *testing.T) {
	tempDir := filepath.Join(t.TempDir(), "nested", "path", "test")
	store := NewDocumentStore(tempDir)

	if store == nil {
		t.Fatal("NewDocumentStore() returned nil")
	}

	// Verify nested directory was created
	if _, err := os.Stat(tempDir); os.IsNotExist(err) {
		t.Error("NewDocumentStore() did not create nested directory structure")
	}
}

func TestCreate_WritesFile(t *testing.T) {
	tempDir := t.TempDir()
	store := NewDocumentStore(tempDir)

	doc, err := store.Create(context.Background(), "")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(tempDir, doc.ID+".json")); os.IsNotExist(err) {
		t.Error("Create() did not create file on disk")
	}
}

func TestFindID_PathTraversal(t *testing.T) {
	tempDir := t.TempDir()
	store := NewDocumentStore(filepath.Join(tempDir, "docs"))

	secret := filepath.Join(tempDir, "secret.json")
	if err := os.WriteFile(secret, []byte(`{"id":"secret","content":"x"}`), 0644); err != nil {
		t.Fatalf("failed to write secret file: %v", err)
	}

	for _, id := range []string{"../secret", "..", ".", "a/b", ""} {
		if _, err := store.FindID(context.Background(), id); !errors.Is(err, core.ErrDocumentNotFound) {
			t.Errorf("FindID(%q): got %v, want ErrDocumentNotFound", id, err)
		}
	}
}

func TestList_SkipsForeignFiles(t *testing.T) {
	tempDir := t.TempDir()
	store := NewDocumentStore(tempDir)
	ctx := context.Background()

	if _, err := store.Create(ctx, "real"); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tempDir, "notes.txt"), []byte("ignore me"), 0644); err != nil {
		t.Fatalf("failed to write foreign file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tempDir, "broken.json"), []byte("{"), 0644); err != nil {
		t.Fatalf("failed to write broken file: %v", err)
	}
	if err := os.Mkdir(filepath.Join(tempDir, "subdir"), 0755); err != nil {
		t.Fatalf("failed to create subdir: %v", err)
	}

	docs, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(docs) != 1 || docs[0].Content != "real" {
		t.Errorf("List() returned %+v, want only the real document", docs)
	}
}

func TestCompareAndWrite_LeavesNoTempFiles(t *testing.T) {
	tempDir := t.TempDir()
	store := NewDocumentStore(tempDir)
	ctx := context.Background()

	doc, err := store.Create(ctx, "")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	for i := int64(0); i < 5; i++ {
		if _, err := store.CompareAndWrite(ctx, doc.ID, i, "edit"); err != nil {
			t.Fatalf("CompareAndWrite() failed: %v", err)
		}
	}

	entries, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatalf("ReadDir() failed: %v", err)
	}
	if len(entries) != 1 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("expected only the document file, found %v", names)
	}
}

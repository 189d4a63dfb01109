package slideindex_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/podiumlabs/lectern/pkg/slideindex"
)

func writeDoc(t *testing.T, dir string, doc slideindex.Document) {
	t.Helper()
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, doc.PresentationID+".json"), data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// ─── TestDir ─────────────────────────────────────────────────────────────────

func TestDir_Load(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeDoc(t, root, twoSlideDoc())

	d := slideindex.NewDir(root)
	ix, err := d.Load(context.Background(), "deck-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := ix.Lookup("cats"); len(got) != 1 || got[0].SlideID != 1 {
		t.Errorf("Lookup(cats): got %+v", got)
	}

	// Second load comes from cache and returns the same index.
	again, err := d.Load(context.Background(), "deck-1")
	if err != nil {
		t.Fatalf("Load (cached): %v", err)
	}
	if again != ix {
		t.Error("cached load returned a different index")
	}

	if _, err := d.Load(context.Background(), "deck-missing"); err == nil {
		t.Error("missing file: want error")
	}
}

func TestDir_RejectsPathTraversal(t *testing.T) {
	t.Parallel()

	d := slideindex.NewDir(t.TempDir())
	for _, id := range []string{"", "../escape", "a/b", `a\b`} {
		if _, err := d.Load(context.Background(), id); err == nil {
			t.Errorf("Load(%q): want error", id)
		}
	}
}

func TestDir_MismatchedPresentationID(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	doc := twoSlideDoc() // declares deck-1
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "deck-2.json"), data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := slideindex.NewDir(root).Load(context.Background(), "deck-2"); err == nil {
		t.Error("want error for mismatched presentation_id")
	}
}

func TestDir_Ping(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	if err := slideindex.NewDir(root).Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	if err := slideindex.NewDir(filepath.Join(root, "nope")).Ping(context.Background()); err == nil {
		t.Error("Ping on missing dir: want error")
	}
}

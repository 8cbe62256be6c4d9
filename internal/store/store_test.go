package store

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/xiy/recall/internal/embeddings"
	"github.com/xiy/recall/pkg/types"
)

func newTestStore(t *testing.T, dim int) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	logger := log.NewWithOptions(io.Discard, log.Options{})
	st, err := Open(Options{
		Dir:      dir,
		UserID:   "u1",
		Dim:      dim,
		Embedder: embeddings.NewHash(dim),
	}, logger)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return st, dir
}

func mustAdd(t *testing.T, st *Store, content string, importance float64) int64 {
	t.Helper()
	vec, err := embeddings.NewHash(8).Embed(context.Background(), content)
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	id, err := st.Add(context.Background(), vec, types.StoredRecord{
		Content:    content,
		Importance: importance,
	})
	if err != nil {
		t.Fatalf("Add(%q) error = %v", content, err)
	}
	return id
}

func TestStore_AddRejectsWrongDimension(t *testing.T) {
	t.Parallel()
	st, _ := newTestStore(t, 512)

	_, err := st.Add(context.Background(), make([]float32, 384), types.StoredRecord{Content: "x"})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	if st.Count() != 0 {
		t.Fatalf("count changed after rejected add: %d", st.Count())
	}
}

func TestStore_SearchOrderingAndImportanceFilter(t *testing.T) {
	t.Parallel()
	st, _ := newTestStore(t, 8)
	ctx := context.Background()

	mustAdd(t, st, "critical shader error in pipeline", 0.9)
	mustAdd(t, st, "trivial chatter about weather", 0.1)
	mustAdd(t, st, "config path for textures", 0.6)

	query, _ := embeddings.NewHash(8).Embed(ctx, "shader error")
	results := st.Search(ctx, query, 3, 0.4)

	if len(results) != 2 {
		t.Fatalf("expected 2 results above min importance, got %d", len(results))
	}
	for _, r := range results {
		if r.Content == "trivial chatter about weather" {
			t.Fatal("low-importance record leaked into results")
		}
	}
	for i := 1; i < len(results); i++ {
		if results[i].Similarity > results[i-1].Similarity {
			t.Fatalf("similarity not non-increasing: %+v", results)
		}
	}
	for _, r := range results {
		if r.Similarity <= 0 || r.Similarity > 1 {
			t.Fatalf("similarity out of (0,1]: %f", r.Similarity)
		}
	}
}

func TestStore_SearchEmptyAndWrongDimFailClosed(t *testing.T) {
	t.Parallel()
	st, _ := newTestStore(t, 8)
	ctx := context.Background()

	if got := st.Search(ctx, make([]float32, 8), 5, 0); len(got) != 0 {
		t.Fatalf("expected empty result on empty store, got %d", len(got))
	}

	mustAdd(t, st, "something", 0.5)
	if got := st.Search(ctx, make([]float32, 3), 5, 0); len(got) != 0 {
		t.Fatalf("expected empty result on bad query dim, got %d", len(got))
	}
}

func TestStore_DeleteRebuildsAndExcludes(t *testing.T) {
	t.Parallel()
	st, _ := newTestStore(t, 8)
	ctx := context.Background()

	ids := make([]int64, 0, 5)
	contents := []string{"alpha", "beta", "gamma", "delta", "epsilon"}
	for _, c := range contents {
		ids = append(ids, mustAdd(t, st, c, 0.5))
	}
	if st.Count() != 5 {
		t.Fatalf("expected count 5, got %d", st.Count())
	}

	if err := st.Delete(ctx, ids[2]); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if st.Count() != 4 {
		t.Fatalf("expected count 4 after delete, got %d", st.Count())
	}

	query, _ := embeddings.NewHash(8).Embed(ctx, "gamma")
	for _, r := range st.Search(ctx, query, 10, 0) {
		if r.Content == "gamma" {
			t.Fatal("deleted record appeared in search results")
		}
	}

	if err := st.Delete(ctx, ids[2]); err == nil {
		t.Fatal("expected error deleting already-deleted id")
	}
}

func TestStore_UpdateMetadataInPlace(t *testing.T) {
	t.Parallel()
	st, _ := newTestStore(t, 8)
	ctx := context.Background()

	id := mustAdd(t, st, "user prefers dark theme", 0.5)
	imp := 1.7 // deliberately out of range; must be clamped
	if err := st.Update(ctx, id, types.UpdateInput{
		Metadata:   map[string]string{"tags": "preference"},
		Importance: &imp,
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	query, _ := embeddings.NewHash(8).Embed(ctx, "user prefers dark theme")
	results := st.Search(ctx, query, 1, 0.99)
	if len(results) != 1 {
		t.Fatalf("expected clamped importance 1.0 to pass filter, got %d results", len(results))
	}
	if results[0].Metadata["tags"] != "preference" {
		t.Fatalf("metadata update lost: %+v", results[0].Metadata)
	}
}

func TestStore_UpdateContentRebuilds(t *testing.T) {
	t.Parallel()
	st, _ := newTestStore(t, 8)
	ctx := context.Background()

	id := mustAdd(t, st, "old content", 0.5)
	mustAdd(t, st, "untouched neighbor", 0.5)

	newContent := "fresh content about render settings"
	if err := st.Update(ctx, id, types.UpdateInput{Content: &newContent}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if st.Count() != 2 {
		t.Fatalf("count invariant broken after rebuild: %d", st.Count())
	}

	query, _ := embeddings.NewHash(8).Embed(ctx, newContent)
	results := st.Search(ctx, query, 1, 0)
	if len(results) != 1 || results[0].Content != newContent {
		t.Fatalf("expected updated content nearest to itself, got %+v", results)
	}
}

func TestStore_PersistLoadRoundTrip(t *testing.T) {
	t.Parallel()
	st, dir := newTestStore(t, 8)
	ctx := context.Background()

	mustAdd(t, st, "likes strategy games", 0.8)
	mustAdd(t, st, "works on a renderer", 0.6)
	mustAdd(t, st, "uses linux", 0.7)
	if err := st.Persist(); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}

	for _, name := range []string{"u1_index.bin", "u1_metadata.bin", "u1_backup.json"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected artifact %s: %v", name, err)
		}
	}

	logger := log.NewWithOptions(io.Discard, log.Options{})
	reloaded, err := Open(Options{
		Dir:      dir,
		UserID:   "u1",
		Dim:      8,
		Embedder: embeddings.NewHash(8),
	}, logger)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	if reloaded.Count() != 3 {
		t.Fatalf("expected 3 records after reload, got %d", reloaded.Count())
	}

	query, _ := embeddings.NewHash(8).Embed(ctx, "likes strategy games")
	results := reloaded.Search(ctx, query, 1, 0)
	if len(results) != 1 || results[0].Content != "likes strategy games" {
		t.Fatalf("round-trip lost content: %+v", results)
	}

	// New ids must continue past persisted ones, never reusing old ones.
	id := mustAdd(t, reloaded, "new fact", 0.5)
	if id < 3 {
		t.Fatalf("expected id >= 3 after reload, got %d", id)
	}
}

func TestStore_LoadCorruptArtifactsStartsEmpty(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "u1_metadata.bin"), []byte("not a gob"), 0o644); err != nil {
		t.Fatalf("write corrupt blob: %v", err)
	}

	logger := log.NewWithOptions(io.Discard, log.Options{})
	st, err := Open(Options{
		Dir:      dir,
		UserID:   "u1",
		Dim:      8,
		Embedder: embeddings.NewHash(8),
	}, logger)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if st.Count() != 0 {
		t.Fatalf("expected empty store after corrupt load, got %d", st.Count())
	}
}

func TestStore_MissingIndexRecoveredFromMetadata(t *testing.T) {
	t.Parallel()
	st, dir := newTestStore(t, 8)

	mustAdd(t, st, "survives index loss", 0.5)
	if err := st.Persist(); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	if err := os.Remove(filepath.Join(dir, "u1_index.bin")); err != nil {
		t.Fatalf("remove index: %v", err)
	}

	logger := log.NewWithOptions(io.Discard, log.Options{})
	reloaded, err := Open(Options{
		Dir:      dir,
		UserID:   "u1",
		Dim:      8,
		Embedder: embeddings.NewHash(8),
	}, logger)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	if reloaded.Count() != 1 {
		t.Fatalf("expected re-encoded index with 1 vector, got %d", reloaded.Count())
	}
}

func TestStore_PeriodicFlushAfterNAdds(t *testing.T) {
	t.Parallel()
	st, dir := newTestStore(t, 8)

	for i := 0; i < 10; i++ {
		mustAdd(t, st, "memory number "+string(rune('a'+i)), 0.5)
	}

	// The tenth add crosses the flush threshold; artifacts must exist
	// without an explicit Persist call.
	if _, err := os.Stat(filepath.Join(dir, "u1_index.bin")); err != nil {
		t.Fatalf("expected flushed index artifact: %v", err)
	}
}

package knowledge

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alpacapurpura/fieldline/internal/checkpoint"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	cp, err := checkpoint.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { cp.Close() })
	return NewStore(cp.DB())
}

func seedDocs(t *testing.T, s *Store) {
	t.Helper()
	docs := []Document{
		{
			ID:      "doc-pump",
			Name:    "Pump maintenance guide",
			DocType: "manual",
			Content: "Inspect the centrifugal pump seals and bearing temperature before startup.",
		},
		{
			ID:      "doc-compressor",
			Name:    "Compressor checklist",
			DocType: "checklist",
			Content: "Verify compressor oil pressure and drain the condensate trap.",
		},
		{
			ID:      "doc-safety",
			Name:    "Site safety procedures",
			DocType: "procedure",
			Content: "Lockout tagout is required before servicing any powered equipment.",
		},
	}
	if err := s.Insert(context.Background(), docs); err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func TestSearchRanksByTermOverlap(t *testing.T) {
	s := openTestStore(t)
	seedDocs(t, s)

	results, err := s.Search(context.Background(), "pump bearing temperature", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one result")
	}
	if results[0].DocumentID != "doc-pump" {
		t.Fatalf("top result %s, want doc-pump", results[0].DocumentID)
	}
	for _, r := range results {
		if r.Similarity < 0 || r.Similarity > 1 {
			t.Fatalf("similarity %f outside [0,1]", r.Similarity)
		}
	}
}

func TestSearchCarriesMetadata(t *testing.T) {
	s := openTestStore(t)
	docs := []Document{{
		ID:      "doc-boiler",
		Name:    "Boiler manual",
		DocType: "manual",
		Content: "Flush the boiler heat exchanger annually.",
		Metadata: map[string]string{
			"source_path": "/manuals/boiler.md",
			"chunk":       "1/2",
		},
	}}
	if err := s.Insert(context.Background(), docs); err != nil {
		t.Fatalf("insert: %v", err)
	}

	results, err := s.Search(context.Background(), "boiler heat exchanger", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if got := results[0].Metadata["source_path"]; got != "/manuals/boiler.md" {
		t.Errorf("metadata source_path = %v, want /manuals/boiler.md", got)
	}
	if got := results[0].Metadata["chunk"]; got != "1/2" {
		t.Errorf("metadata chunk = %v, want 1/2", got)
	}
}

func TestSearchDeterministic(t *testing.T) {
	s := openTestStore(t)
	seedDocs(t, s)

	first, err := s.Search(context.Background(), "equipment pressure", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := s.Search(context.Background(), "equipment pressure", 5)
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		if len(again) != len(first) {
			t.Fatalf("run %d returned %d results, want %d", i, len(again), len(first))
		}
		for j := range again {
			if again[j].DocumentID != first[j].DocumentID {
				t.Fatalf("run %d rank %d: %s, want %s", i, j, again[j].DocumentID, first[j].DocumentID)
			}
		}
	}
}

func TestSearchNoMatches(t *testing.T) {
	s := openTestStore(t)
	seedDocs(t, s)

	results, err := s.Search(context.Background(), "zzzz qqqq", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("got %d results for an unmatched query, want 0", len(results))
	}
}

func TestSearchTopKBound(t *testing.T) {
	s := openTestStore(t)
	seedDocs(t, s)

	results, err := s.Search(context.Background(), "the pump compressor equipment safety", 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) > 2 {
		t.Fatalf("got %d results, want at most 2", len(results))
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	s := openTestStore(t)
	seedDocs(t, s)

	results, err := s.Search(context.Background(), "   ", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if results != nil {
		t.Fatalf("got %v for an empty query, want nil", results)
	}
}

func TestIndexPathTextFiles(t *testing.T) {
	s := openTestStore(t)
	dir := t.TempDir()

	if err := os.WriteFile(filepath.Join(dir, "boiler.md"), []byte("# Boiler descaling\nFlush the heat exchanger annually."), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("Recalibrate the flow meter after every replacement."), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ignored.bin"), []byte{0x00, 0x01}, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	n, err := NewIndexer(s).IndexPath(context.Background(), dir, "manual")
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	if n != 2 {
		t.Fatalf("indexed %d documents, want 2", n)
	}

	results, err := s.Search(context.Background(), "boiler heat exchanger", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) == 0 || results[0].DocumentName != "boiler.md" {
		t.Fatalf("expected boiler.md as top result, got %+v", results)
	}
}

func TestChunkText(t *testing.T) {
	long := strings.Repeat("word ", 100) // ~500 chars per paragraph
	content := long + "\n\n" + long + "\n\n" + long

	chunks := chunkText(content, 600)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	for i, c := range chunks {
		if strings.TrimSpace(c) == "" {
			t.Errorf("chunk %d is empty", i)
		}
	}

	// Everything fits in one chunk when the limit allows.
	chunks = chunkText(content, 10000)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}

	// An oversized single paragraph still comes through whole.
	chunks = chunkText(long, 100)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks for one paragraph, want 1", len(chunks))
	}

	if got := chunkText("  \n\n  ", 100); len(got) != 0 {
		t.Fatalf("expected no chunks for blank content, got %d", len(got))
	}
}

func TestIndexPathUnsupportedFile(t *testing.T) {
	s := openTestStore(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "image.png")
	if err := os.WriteFile(path, []byte("not text"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewIndexer(s).IndexPath(context.Background(), path, "manual"); err == nil {
		t.Fatal("expected an error for an unsupported file")
	}
}

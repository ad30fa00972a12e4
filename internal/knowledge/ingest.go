package knowledge

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"
)

// maxChunkLen bounds one stored document chunk. Long files split on
// paragraph boundaries so search hits stay focused.
const maxChunkLen = 2000

// Indexer loads documentation files into the knowledge store.
type Indexer struct {
	store *Store
}

func NewIndexer(store *Store) *Indexer {
	return &Indexer{store: store}
}

// IndexPath ingests a file, or every supported file under a directory.
// Supported formats: plain text, markdown, PDF. Returns the number of
// documents stored.
func (ix *Indexer) IndexPath(ctx context.Context, path, docType string) (int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stating %s: %w", path, err)
	}

	var files []string
	if info.IsDir() {
		err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && supported(p) {
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("walking %s: %w", path, err)
		}
	} else {
		if !supported(path) {
			return 0, fmt.Errorf("unsupported file type: %s", path)
		}
		files = []string{path}
	}

	var docs []Document
	for _, f := range files {
		content, err := extractText(f)
		if err != nil {
			return 0, err
		}
		if strings.TrimSpace(content) == "" {
			continue
		}
		chunks := chunkText(content, maxChunkLen)
		for i, chunk := range chunks {
			meta := map[string]string{"source_path": f}
			if len(chunks) > 1 {
				meta["chunk"] = fmt.Sprintf("%d/%d", i+1, len(chunks))
			}
			docs = append(docs, Document{
				ID:       uuid.New().String(),
				Name:     filepath.Base(f),
				DocType:  docType,
				Content:  chunk,
				Metadata: meta,
			})
		}
	}
	if len(docs) == 0 {
		return 0, nil
	}
	if err := ix.store.Insert(ctx, docs); err != nil {
		return 0, err
	}
	return len(docs), nil
}

// chunkText splits content on blank lines, packing paragraphs into chunks
// of at most maxLen. A single paragraph longer than maxLen becomes its own
// chunk rather than being cut mid-sentence.
func chunkText(content string, maxLen int) []string {
	paragraphs := strings.Split(content, "\n\n")

	var chunks []string
	var current strings.Builder
	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if current.Len() > 0 && current.Len()+len(p)+2 > maxLen {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(p)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

func supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md", ".markdown", ".pdf":
		return true
	}
	return false
}

func extractText(path string) (string, error) {
	if strings.ToLower(filepath.Ext(path)) == ".pdf" {
		return extractPDF(path)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return string(b), nil
}

func extractPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening pdf %s: %w", path, err)
	}
	defer f.Close()

	reader, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting text from %s: %w", path, err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(reader); err != nil {
		return "", fmt.Errorf("reading pdf text from %s: %w", path, err)
	}
	return buf.String(), nil
}

// Package knowledge stores service documentation and answers ranked
// keyword searches over it. Ranking is deterministic: term overlap against
// the query, scores bounded to [0,1], ties broken by document id.
package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/alpacapurpura/fieldline/internal/conversation"
)

// Document is one searchable knowledge entry.
type Document struct {
	ID        string
	Name      string
	DocType   string
	Content   string
	Metadata  map[string]string
	CreatedAt time.Time
}

// Store wraps the shared database for document operations. The documents
// table is created by the checkpoint store's migrations.
type Store struct {
	db *sql.DB
}

// NewStore wraps an existing handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert adds documents in one transaction.
func (s *Store) Insert(ctx context.Context, docs []Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO documents (id, name, doc_type, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for _, d := range docs {
		metadata := "{}"
		if len(d.Metadata) > 0 {
			b, err := json.Marshal(d.Metadata)
			if err != nil {
				tx.Rollback()
				return fmt.Errorf("marshaling metadata for %s: %w", d.ID, err)
			}
			metadata = string(b)
		}
		createdAt := d.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		docType := d.DocType
		if docType == "" {
			docType = "manual"
		}
		if _, err := stmt.Exec(d.ID, d.Name, docType, d.Content, metadata, createdAt.Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting document %s: %w", d.ID, err)
		}
	}

	return tx.Commit()
}

// Count returns the number of stored documents.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting documents: %w", err)
	}
	return n, nil
}

type scoredDoc struct {
	id    string
	score float64
}

// Search returns the topK documents most relevant to the query. A document
// scores by the fraction of distinct query terms it contains; zero-score
// documents are dropped.
func (s *Store) Search(ctx context.Context, query string, topK int) ([]conversation.RAGResult, error) {
	queryTerms := tokenize(query)
	if len(queryTerms) == 0 || topK <= 0 {
		return nil, nil
	}

	// Phase 1: scan id + content only, keep topK candidate ids.
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, content FROM documents`)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	defer rows.Close()

	var scored []scoredDoc
	for rows.Next() {
		var id, name, content string
		if err := rows.Scan(&id, &name, &content); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		score := overlapScore(queryTerms, tokenize(name+" "+content))
		if score > 0 {
			scored = append(scored, scoredDoc{id: id, score: score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating documents: %w", err)
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].id < scored[j].id
	})
	if len(scored) > topK {
		scored = scored[:topK]
	}

	// Phase 2: fetch full records for the winners, preserving rank order.
	results := make([]conversation.RAGResult, 0, len(scored))
	for _, sd := range scored {
		doc, err := s.get(ctx, sd.id)
		if err != nil {
			return nil, err
		}
		results = append(results, conversation.RAGResult{
			DocumentID:   doc.ID,
			DocumentName: doc.Name,
			DocumentType: doc.DocType,
			Content:      doc.Content,
			Similarity:   sd.score,
			Metadata:     metadataValues(doc.Metadata),
		})
	}
	return results, nil
}

func metadataValues(m map[string]string) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *Store) get(ctx context.Context, id string) (Document, error) {
	var d Document
	var metadata, createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, doc_type, content, metadata, created_at FROM documents WHERE id = ?`, id).
		Scan(&d.ID, &d.Name, &d.DocType, &d.Content, &metadata, &createdAt)
	if err != nil {
		return Document{}, fmt.Errorf("fetching document %s: %w", id, err)
	}
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &d.Metadata); err != nil {
			return Document{}, fmt.Errorf("decoding metadata for %s: %w", id, err)
		}
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		d.CreatedAt = t
	}
	return d, nil
}

// overlapScore is |query ∩ doc| / |query|, always within [0,1].
func overlapScore(queryTerms, docTerms map[string]struct{}) float64 {
	matched := 0
	for term := range queryTerms {
		if _, ok := docTerms[term]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTerms))
}

func tokenize(text string) map[string]struct{} {
	terms := make(map[string]struct{})
	for _, word := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		if len(word) < 2 {
			continue
		}
		terms[word] = struct{}{}
	}
	return terms
}

// Package postgres provides pgx-backed persistence for documents and crawl
// runs.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/docsift/docsift/internal/chunk"
	"github.com/docsift/docsift/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// pgxPool is the subset of pgxpool.Pool the stores use; pgxmock satisfies it
// for tests.
type pgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// DocumentStoreConfig names the tables the store writes to.
type DocumentStoreConfig struct {
	// DocumentsTable defaults to "documents".
	DocumentsTable string
	// ChunksTable defaults to "document_chunks". The table is expected to
	// reference DocumentsTable(id) with ON DELETE CASCADE.
	ChunksTable string
}

// DocumentStore persists documents and chunks in Postgres.
//
// Expected schema:
//
//	CREATE TABLE documents (
//	    id UUID PRIMARY KEY,
//	    job_id UUID NOT NULL,
//	    source_id TEXT NOT NULL,
//	    url TEXT NOT NULL,
//	    title TEXT,
//	    description TEXT,
//	    content_hash TEXT NOT NULL,
//	    blob_uri TEXT,
//	    quality_score DOUBLE PRECISION NOT NULL,
//	    security_status TEXT NOT NULL,
//	    chunk_count INT NOT NULL,
//	    fetched_at TIMESTAMPTZ NOT NULL,
//	    UNIQUE (source_id, url)
//	);
//	CREATE TABLE document_chunks (
//	    document_id UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
//	    position INT NOT NULL,
//	    total_chunks INT NOT NULL,
//	    content TEXT NOT NULL,
//	    overlap TEXT NOT NULL DEFAULT '',
//	    char_count INT NOT NULL,
//	    word_count INT NOT NULL,
//	    has_code BOOLEAN NOT NULL,
//	    has_heading BOOLEAN NOT NULL,
//	    quality_score DOUBLE PRECISION NOT NULL,
//	    security_status TEXT NOT NULL,
//	    PRIMARY KEY (document_id, position)
//	);
type DocumentStore struct {
	pool        pgxPool
	docsTable   string
	chunksTable string
}

var chunkColumns = []string{
	"document_id", "position", "total_chunks", "content", "overlap",
	"char_count", "word_count", "has_code", "has_heading",
	"quality_score", "security_status",
}

// NewDocumentStore wraps an existing pool. The pool's lifecycle belongs to
// the caller.
func NewDocumentStore(pool pgxPool, cfg DocumentStoreConfig) (*DocumentStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if cfg.DocumentsTable == "" {
		cfg.DocumentsTable = "documents"
	}
	if cfg.ChunksTable == "" {
		cfg.ChunksTable = "document_chunks"
	}
	for _, table := range []string{cfg.DocumentsTable, cfg.ChunksTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &DocumentStore{
		pool:        pool,
		docsTable:   cfg.DocumentsTable,
		chunksTable: cfg.ChunksTable,
	}, nil
}

// SaveDocument replaces any previous ingestion of (source, url) and writes
// the document row plus its chunk rows in one transaction.
func (s *DocumentStore) SaveDocument(ctx context.Context, doc store.Document, chunks []chunk.Chunk) error {
	if doc.ID == "" {
		return fmt.Errorf("document id is required")
	}
	if doc.URL == "" {
		return fmt.Errorf("document url is required")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save document: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	deleteSQL := fmt.Sprintf(`DELETE FROM %s WHERE source_id = $1 AND url = $2`, s.docsTable)
	if _, err := tx.Exec(ctx, deleteSQL, doc.SourceID, doc.URL); err != nil {
		return fmt.Errorf("replace previous document: %w", err)
	}

	insertSQL := fmt.Sprintf(`
INSERT INTO %s (
	id, job_id, source_id, url, title, description,
	content_hash, blob_uri, quality_score, security_status,
	chunk_count, fetched_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`, s.docsTable)
	_, err = tx.Exec(ctx, insertSQL,
		doc.ID,
		doc.JobID,
		doc.SourceID,
		doc.URL,
		doc.Title,
		doc.Description,
		doc.ContentHash,
		doc.BlobURI,
		doc.QualityScore,
		doc.SecurityStatus,
		doc.ChunkCount,
		doc.FetchedAt,
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}

	if len(chunks) > 0 {
		rows := make([][]any, 0, len(chunks))
		for _, c := range chunks {
			rows = append(rows, []any{
				doc.ID, c.Position, c.TotalChunks, c.Content, c.Overlap,
				c.CharCount, c.WordCount, c.HasCode, c.HasHeading,
				c.QualityScore, c.SecurityStatus,
			})
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{s.chunksTable}, chunkColumns, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("copy chunks: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit save document: %w", err)
	}
	return nil
}

// GetDocument loads one document with its chunks ordered by position.
func (s *DocumentStore) GetDocument(ctx context.Context, id string) (store.Document, []chunk.Chunk, error) {
	docSQL := fmt.Sprintf(`
SELECT id, job_id, source_id, url, title, description,
	content_hash, blob_uri, quality_score, security_status,
	chunk_count, fetched_at
FROM %s WHERE id = $1`, s.docsTable)

	var doc store.Document
	err := s.pool.QueryRow(ctx, docSQL, id).Scan(
		&doc.ID,
		&doc.JobID,
		&doc.SourceID,
		&doc.URL,
		&doc.Title,
		&doc.Description,
		&doc.ContentHash,
		&doc.BlobURI,
		&doc.QualityScore,
		&doc.SecurityStatus,
		&doc.ChunkCount,
		&doc.FetchedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Document{}, nil, store.ErrNotFound
		}
		return store.Document{}, nil, fmt.Errorf("get document: %w", err)
	}

	chunkSQL := fmt.Sprintf(`
SELECT position, total_chunks, content, overlap,
	char_count, word_count, has_code, has_heading,
	quality_score, security_status
FROM %s WHERE document_id = $1 ORDER BY position`, s.chunksTable)
	rows, err := s.pool.Query(ctx, chunkSQL, id)
	if err != nil {
		return store.Document{}, nil, fmt.Errorf("get document chunks: %w", err)
	}
	defer rows.Close()

	var chunks []chunk.Chunk
	for rows.Next() {
		var c chunk.Chunk
		if err := rows.Scan(
			&c.Position,
			&c.TotalChunks,
			&c.Content,
			&c.Overlap,
			&c.CharCount,
			&c.WordCount,
			&c.HasCode,
			&c.HasHeading,
			&c.QualityScore,
			&c.SecurityStatus,
		); err != nil {
			return store.Document{}, nil, fmt.Errorf("scan chunk row: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return store.Document{}, nil, fmt.Errorf("iterate chunk rows: %w", err)
	}
	return doc, chunks, nil
}

// ListDocuments returns documents newest-first; sourceID "" matches all.
func (s *DocumentStore) ListDocuments(ctx context.Context, sourceID string, limit, offset int) ([]store.Document, error) {
	listSQL := fmt.Sprintf(`
SELECT id, job_id, source_id, url, title, description,
	content_hash, blob_uri, quality_score, security_status,
	chunk_count, fetched_at
FROM %s
WHERE ($1 = '' OR source_id = $1)
ORDER BY fetched_at DESC
LIMIT $2 OFFSET $3`, s.docsTable)
	rows, err := s.pool.Query(ctx, listSQL, sourceID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []store.Document
	for rows.Next() {
		var doc store.Document
		if err := rows.Scan(
			&doc.ID,
			&doc.JobID,
			&doc.SourceID,
			&doc.URL,
			&doc.Title,
			&doc.Description,
			&doc.ContentHash,
			&doc.BlobURI,
			&doc.QualityScore,
			&doc.SecurityStatus,
			&doc.ChunkCount,
			&doc.FetchedAt,
		); err != nil {
			return nil, fmt.Errorf("scan document row: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate document rows: %w", err)
	}
	return docs, nil
}

// Close releases the underlying pool.
func (s *DocumentStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

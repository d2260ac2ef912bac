package store

import (
	"context"
	"errors"
	"time"

	"github.com/docsift/docsift/internal/chunk"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Document is one ingested page, persisted together with its chunks.
type Document struct {
	// ID is the document primary key (UUID string).
	ID string
	// JobID is the crawl job that produced this document.
	JobID string
	// SourceID names the documentation source the page belongs to.
	SourceID string
	// URL is the normalized page URL.
	URL string
	// Title and Description come from the extractor, fallbacks included.
	Title       string
	Description string
	// ContentHash is the SHA-256 of the raw page body.
	ContentHash string
	// BlobURI points at the stored raw HTML snapshot.
	BlobURI string
	// QualityScore is the validator's 0..1 score for the page.
	QualityScore float64
	// SecurityStatus is clean, suspicious, or dangerous.
	SecurityStatus string
	// ChunkCount is the number of chunks persisted with the document.
	ChunkCount int
	// FetchedAt is when the page body was retrieved.
	FetchedAt time.Time
}

// DocumentStore persists documents and their chunks.
type DocumentStore interface {
	// SaveDocument writes the document row and its chunk rows in one
	// transaction. Re-saving the same (source, url) replaces the previous
	// document and chunks.
	SaveDocument(ctx context.Context, doc Document, chunks []chunk.Chunk) error
	// GetDocument loads one document with its chunks, or ErrNotFound.
	GetDocument(ctx context.Context, id string) (Document, []chunk.Chunk, error)
	// ListDocuments returns documents newest-first, optionally filtered by
	// source; sourceID "" matches all.
	ListDocuments(ctx context.Context, sourceID string, limit, offset int) ([]Document, error)
}

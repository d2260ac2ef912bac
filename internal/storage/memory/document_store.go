package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/docsift/docsift/internal/chunk"
	"github.com/docsift/docsift/internal/store"
)

// DocumentStore is an in-memory store.DocumentStore for one-shot runs and
// tests. Semantics mirror the Postgres store: re-saving a (source, url)
// replaces the previous document and its chunks.
type DocumentStore struct {
	mu     sync.RWMutex
	docs   map[string]store.Document
	chunks map[string][]chunk.Chunk
	byPage map[pageKey]string
}

type pageKey struct {
	sourceID string
	url      string
}

// NewDocumentStore creates an empty in-memory document store.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{
		docs:   make(map[string]store.Document),
		chunks: make(map[string][]chunk.Chunk),
		byPage: make(map[pageKey]string),
	}
}

// SaveDocument stores the document and chunks, replacing any previous
// ingestion of the same page.
func (s *DocumentStore) SaveDocument(_ context.Context, doc store.Document, chunks []chunk.Chunk) error {
	if doc.ID == "" {
		return errRequired("document id")
	}
	if doc.URL == "" {
		return errRequired("document url")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pageKey{sourceID: doc.SourceID, url: doc.URL}
	if oldID, ok := s.byPage[key]; ok {
		delete(s.docs, oldID)
		delete(s.chunks, oldID)
	}
	s.docs[doc.ID] = doc
	s.chunks[doc.ID] = append([]chunk.Chunk(nil), chunks...)
	s.byPage[key] = doc.ID
	return nil
}

// GetDocument loads one document with its chunks, or store.ErrNotFound.
func (s *DocumentStore) GetDocument(_ context.Context, id string) (store.Document, []chunk.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return store.Document{}, nil, store.ErrNotFound
	}
	return doc, append([]chunk.Chunk(nil), s.chunks[id]...), nil
}

// ListDocuments returns documents newest-first; sourceID "" matches all.
func (s *DocumentStore) ListDocuments(_ context.Context, sourceID string, limit, offset int) ([]store.Document, error) {
	s.mu.RLock()
	matched := make([]store.Document, 0, len(s.docs))
	for _, doc := range s.docs {
		if sourceID == "" || doc.SourceID == sourceID {
			matched = append(matched, doc)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].FetchedAt.After(matched[j].FetchedAt)
	})
	return page(matched, limit, offset), nil
}

// Len reports how many documents are stored.
func (s *DocumentStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// page applies SQL-style LIMIT/OFFSET to a sorted slice.
func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	out := make([]T, len(items))
	copy(out, items)
	return out
}

type errRequired string

func (e errRequired) Error() string { return string(e) + " is required" }

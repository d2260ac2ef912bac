package crawler

import (
	"context"
	"io"
	"time"
)

// Fetcher retrieves one URL over plain HTTP.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (Page, error)
}

// Renderer retrieves one URL through a scripted browser session.
type Renderer interface {
	Render(ctx context.Context, rawURL string) (Page, error)
}

// RenderDetector decides whether a fetched page needs script execution
// before its content is trustworthy.
type RenderDetector interface {
	NeedsRender(ctx context.Context, page Page) bool
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes ingestion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

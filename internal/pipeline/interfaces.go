package pipeline

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by store implementations so callers can branch
// without knowing the backend.
var (
	ErrBlobNotFound   = errors.New("blob not found")
	ErrPageNotFound   = errors.New("page not found")
	ErrDomainNotFound = errors.New("domain not found")
)

// PageStore persists page and domain records. Every mutation targets a single
// row by primary key; the pipeline never spans rows in one transaction.
type PageStore interface {
	CreatePage(ctx context.Context, page PageRecord) error
	GetPage(ctx context.Context, pageID string) (PageRecord, error)
	// SetPreviews writes both preview assets in one update. The orchestrator
	// only calls this with terminal values.
	SetPreviews(ctx context.Context, pageID string, wide, narrow Asset) error
	SetIcon(ctx context.Context, pageID string, icon Asset) error
	SetPublished(ctx context.Context, pageID string, artifactURL string, at time.Time) error
	IncAttempt(ctx context.Context, pageID string, stage Stage) error
	DeletePage(ctx context.Context, pageID string) error

	GetDomain(ctx context.Context, hostname string) (DomainRecord, error)
	UpsertDomain(ctx context.Context, domain DomainRecord) error
}

// BlobStore writes artifacts to durable, CDN-fronted storage. Put is
// idempotent on key: repeated writes overwrite and return a stable URL.
type BlobStore interface {
	Put(ctx context.Context, key string, contentType string, data []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Capturer produces raster previews of a third-party URL. Implementations
// must return within their configured ceiling and never panic; a failed
// capture yields nil bytes, not an error the caller has to branch on per
// variant.
type Capturer interface {
	Capture(ctx context.Context, url string) (CaptureResult, error)
}

// IconResolver finds a site icon URL for a page, with a deterministic
// fallback when the page declares none.
type IconResolver interface {
	Resolve(ctx context.Context, url string) (string, error)
}

// Renderer produces the final static artifact. Must be deterministic: equal
// inputs yield byte-identical output.
type Renderer interface {
	Render(page PageRecord, assets RenderAssets) ([]byte, error)
}

// RouteRegistrar updates the per-hostname edge routing config.
type RouteRegistrar interface {
	Register(ctx context.Context, hostname, path string) error
	Remove(ctx context.Context, hostname, path string) error
	Deactivate(ctx context.Context, hostname string) error
}

// EventPublisher pushes completion events to Pub/Sub (or similar).
type EventPublisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for publish tasks.
type Queue interface {
	Enqueue(ctx context.Context, task PublishTask) error
	Dequeue(ctx context.Context) (PublishTask, error)
}

// CNAMEResolver looks up the canonical name for a hostname. Used by the
// domain verification action, not by the pipeline itself.
type CNAMEResolver interface {
	LookupCNAME(ctx context.Context, host string) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces page IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// RetryPolicy bounds per-stage retries.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

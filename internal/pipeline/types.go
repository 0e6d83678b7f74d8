package pipeline

import (
	"time"
)

// PageType selects the template family used to render a page.
type PageType string

// Page types supported by the renderer.
const (
	PageTypePresell PageType = "presell"
	PageTypeReview  PageType = "review"
)

// PageStatus represents the lifecycle state of a page.
type PageStatus string

// Lifecycle states persisted in the page store.
const (
	PageStatusDraft     PageStatus = "draft"
	PageStatusPublished PageStatus = "published"
)

// PublishState is the client-facing aggregate reported by the status endpoint.
type PublishState string

// Aggregate publish states derived from the preview assets.
const (
	PublishStateProcessing PublishState = "processing"
	PublishStateCompleted  PublishState = "completed"
	PublishStateFailed     PublishState = "failed"
)

// AssetState tracks one captured asset through its lifecycle. Assets are
// written exactly once to a terminal state (ready or failed); pending is the
// only non-terminal value.
type AssetState string

// Asset states.
const (
	AssetPending AssetState = "pending"
	AssetReady   AssetState = "ready"
	AssetFailed  AssetState = "failed"
)

// Asset is a tri-state reference to a stored artifact (preview image or icon).
type Asset struct {
	State AssetState `json:"state"`
	URL   string     `json:"url,omitempty"`
}

// PendingAsset returns an asset awaiting its terminal write.
func PendingAsset() Asset { return Asset{State: AssetPending} }

// ReadyAsset returns a terminal asset pointing at a public URL.
func ReadyAsset(url string) Asset { return Asset{State: AssetReady, URL: url} }

// FailedAsset returns a terminal asset with no artifact behind it.
func FailedAsset() Asset { return Asset{State: AssetFailed} }

// Terminal reports whether the asset has reached ready or failed.
func (a Asset) Terminal() bool { return a.State == AssetReady || a.State == AssetFailed }

// URLOrNil collapses the tri-state into the url|null shape the polling
// endpoint exposes to clients.
func (a Asset) URLOrNil() *string {
	if a.State != AssetReady {
		return nil
	}
	u := a.URL
	return &u
}

// Stage names the pipeline stages; attempt counters are keyed by stage.
type Stage string

// Pipeline stages.
const (
	StageCapture Stage = "capture"
	StageIcon    Stage = "icon"
	StageRender  Stage = "render"
	StagePublish Stage = "publish"
	StageEdge    Stage = "edge_register"
)

// StageAttempts counts how many times each retryable stage has run for a
// page. Persisted so retries survive a process restart.
type StageAttempts struct {
	Capture int `json:"capture"`
	Publish int `json:"publish"`
	Edge    int `json:"edge_register"`
}

// PageRecord is the persisted entity representing one presell/review page and
// its publish state. It is the single source of truth for the pipeline: every
// stage's only side effect on shared state is a write to its own fields.
type PageRecord struct {
	ID        string   `json:"id"`
	OwnerID   string   `json:"owner_id"`
	Type      PageType `json:"type"`
	Locale    string   `json:"locale"`
	TargetURL string   `json:"target_url"`
	SourceURL string   `json:"source_url"`
	Hostname  string   `json:"hostname,omitempty"`

	Icon          Asset `json:"icon"`
	PreviewWide   Asset `json:"preview_wide"`
	PreviewNarrow Asset `json:"preview_narrow"`

	ArtifactURL string        `json:"artifact_url,omitempty"`
	Status      PageStatus    `json:"status"`
	Attempts    StageAttempts `json:"attempts"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// PreviewTerminal reports whether both preview assets reached a terminal
// state. The orchestrator guarantees this within the capture ceiling.
func (p PageRecord) PreviewTerminal() bool {
	return p.PreviewWide.Terminal() && p.PreviewNarrow.Terminal()
}

// DomainRecord is a custom hostname attached to pages by its owner.
type DomainRecord struct {
	Hostname  string    `json:"hostname"`
	OwnerID   string    `json:"owner_id"`
	Verified  bool      `json:"verified"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// EdgeRouteConfig is the per-hostname routing blob read by the external edge
// router. It is eventually consistent and not transactionally tied to any
// PageRecord.
type EdgeRouteConfig struct {
	Active   bool     `json:"active"`
	Presells []string `json:"presells"`
}

// HasPath reports whether the config already serves the given path.
func (c EdgeRouteConfig) HasPath(path string) bool {
	for _, p := range c.Presells {
		if p == path {
			return true
		}
	}
	return false
}

// CaptureResult holds the raster previews produced by the capture service.
// Either or both slices may be nil; capture is best-effort.
type CaptureResult struct {
	Wide   []byte
	Narrow []byte
}

// RenderAssets carries the resolved asset references into the renderer.
// Empty strings mean "render degraded" for that asset.
type RenderAssets struct {
	IconURL    string
	PreviewURL string
}

// PublishTask wraps one page publish ready to run on the worker pool.
type PublishTask struct {
	PageID    string
	Attempt   int
	Submitted int64
}

// PublishStatus is the wire shape returned by the polling endpoint.
type PublishStatus struct {
	IsProcessing  bool    `json:"is_processing"`
	PreviewWide   *string `json:"preview_wide"`
	PreviewMobile *string `json:"preview_mobile"`
}

package pipeline

import "fmt"

// PreviewVariant names one of the two capture viewports.
type PreviewVariant string

// Preview variants.
const (
	PreviewVariantWide   PreviewVariant = "wide"
	PreviewVariantNarrow PreviewVariant = "narrow"
)

// ArtifactKey returns the blob key for a page's rendered HTML. Keys are a
// pure function of the page ID so re-publishes overwrite in place.
func ArtifactKey(pageID string) string {
	return fmt.Sprintf("pages/%s/index.html", pageID)
}

// PreviewKey returns the blob key for one preview variant.
func PreviewKey(pageID string, variant PreviewVariant) string {
	return fmt.Sprintf("pages/%s/preview-%s.png", pageID, variant)
}

// IconKey returns the blob key for a stored page icon.
func IconKey(pageID string) string {
	return fmt.Sprintf("pages/%s/icon.png", pageID)
}

// EdgeConfigKey returns the blob key of a hostname's edge routing config.
func EdgeConfigKey(hostname string) string {
	return fmt.Sprintf("edge/%s.json", hostname)
}

// PublishedPath is the path under which the edge router serves the page on a
// custom domain.
func PublishedPath(pageID string) string {
	return fmt.Sprintf("/p/%s", pageID)
}

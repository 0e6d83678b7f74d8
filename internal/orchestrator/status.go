package orchestrator

import (
	"time"

	"github.com/pagepress/pagepress/internal/pipeline"
)

// ComputeState derives the client-facing publish state from the preview
// assets. deadline is the capture ceiling plus a grace period: a page whose
// previews are still pending past it is reported failed, which covers a
// worker that died mid-capture and never wrote terminal states.
func ComputeState(page pipeline.PageRecord, now time.Time, deadline time.Duration) pipeline.PublishState {
	wide, narrow := page.PreviewWide, page.PreviewNarrow

	if wide.State == pipeline.AssetFailed || narrow.State == pipeline.AssetFailed {
		return pipeline.PublishStateFailed
	}
	if wide.State == pipeline.AssetReady && narrow.State == pipeline.AssetReady {
		return pipeline.PublishStateCompleted
	}
	if now.Sub(page.CreatedAt) > deadline {
		return pipeline.PublishStateFailed
	}
	return pipeline.PublishStateProcessing
}

// PublishStatusFor collapses the record into the polling endpoint's wire
// shape. Asset URLs surface as soon as each asset is ready, even while the
// overall state is still processing.
func PublishStatusFor(page pipeline.PageRecord, now time.Time, deadline time.Duration) pipeline.PublishStatus {
	state := ComputeState(page, now, deadline)
	return pipeline.PublishStatus{
		IsProcessing:  state == pipeline.PublishStateProcessing,
		PreviewWide:   page.PreviewWide.URLOrNil(),
		PreviewMobile: page.PreviewNarrow.URLOrNil(),
	}
}

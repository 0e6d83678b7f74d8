// Package orchestrator coordinates the publish pipeline: preview capture,
// icon resolution, artifact rendering, durable publish and edge registration.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pagepress/pagepress/internal/metrics"
	"github.com/pagepress/pagepress/internal/pipeline"
)

// Config controls Orchestrator behavior.
type Config struct {
	// StageTimeout bounds each publish and edge registration attempt.
	StageTimeout time.Duration
	// IconFetchTimeout bounds the icon mirror download.
	IconFetchTimeout time.Duration
	// EdgeOpTimeout bounds edge route removal during delete, which runs
	// outside the retry loop.
	EdgeOpTimeout time.Duration
	// ArtifactContentType is sent with the published HTML artifact.
	ArtifactContentType string
	// EventTopic receives completion events. Empty disables event publishing.
	EventTopic string
}

// Orchestrator runs the publish pipeline for one page at a time. It is safe
// for concurrent use; every worker in the pool shares one instance.
type Orchestrator struct {
	store      pipeline.PageStore
	blobs      pipeline.BlobStore
	capturer   pipeline.Capturer
	icons      pipeline.IconResolver
	renderer   pipeline.Renderer
	routes     pipeline.RouteRegistrar
	events     pipeline.EventPublisher
	queue      pipeline.Queue
	retry      pipeline.RetryPolicy
	clock      pipeline.Clock
	httpClient *http.Client
	cfg        Config
	logger     *zap.Logger
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Store    pipeline.PageStore
	Blobs    pipeline.BlobStore
	Capturer pipeline.Capturer
	Icons    pipeline.IconResolver
	Renderer pipeline.Renderer
	Routes   pipeline.RouteRegistrar
	Events   pipeline.EventPublisher
	Queue    pipeline.Queue
	Retry    pipeline.RetryPolicy
	Clock    pipeline.Clock
	// HTTPClient downloads resolved icons for mirroring. Defaults to a
	// client bounded by IconFetchTimeout.
	HTTPClient *http.Client
}

// New constructs an Orchestrator.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("page store is required")
	case deps.Blobs == nil:
		return nil, fmt.Errorf("blob store is required")
	case deps.Capturer == nil:
		return nil, fmt.Errorf("capturer is required")
	case deps.Icons == nil:
		return nil, fmt.Errorf("icon resolver is required")
	case deps.Renderer == nil:
		return nil, fmt.Errorf("renderer is required")
	case deps.Routes == nil:
		return nil, fmt.Errorf("route registrar is required")
	case deps.Queue == nil:
		return nil, fmt.Errorf("queue is required")
	case deps.Retry == nil:
		return nil, fmt.Errorf("retry policy is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 30 * time.Second
	}
	if cfg.IconFetchTimeout <= 0 {
		cfg.IconFetchTimeout = 10 * time.Second
	}
	if cfg.EdgeOpTimeout <= 0 {
		cfg.EdgeOpTimeout = 10 * time.Second
	}
	if cfg.ArtifactContentType == "" {
		cfg.ArtifactContentType = "text/html; charset=utf-8"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.IconFetchTimeout}
	}
	return &Orchestrator{
		store:      deps.Store,
		blobs:      deps.Blobs,
		capturer:   deps.Capturer,
		icons:      deps.Icons,
		renderer:   deps.Renderer,
		routes:     deps.Routes,
		events:     deps.Events,
		queue:      deps.Queue,
		retry:      deps.Retry,
		clock:      deps.Clock,
		httpClient: httpClient,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// Publish validates the page and submits it to the worker pool. It returns
// as soon as the task is queued; clients follow up on the polling endpoint.
func (o *Orchestrator) Publish(ctx context.Context, pageID string) error {
	page, err := o.store.GetPage(ctx, pageID)
	if err != nil {
		return fmt.Errorf("load page %s: %w", pageID, err)
	}
	if err := pipeline.ValidateURL(page.TargetURL); err != nil {
		return fmt.Errorf("page %s target url: %w", pageID, err)
	}
	task := pipeline.PublishTask{
		PageID:    pageID,
		Attempt:   page.Attempts.Publish,
		Submitted: o.clock.Now().Unix(),
	}
	if err := o.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("enqueue publish task: %w", err)
	}
	o.logger.Info("publish task queued", zap.String("page_id", pageID))
	return nil
}

// HandlePublish executes one publish task. Cosmetic stage failures (capture,
// icon) degrade the artifact but do not fail the task; only render and the
// durable artifact write are fatal.
func (o *Orchestrator) HandlePublish(ctx context.Context, task pipeline.PublishTask) error {
	page, err := o.store.GetPage(ctx, task.PageID)
	if err != nil {
		return fmt.Errorf("load page %s: %w", task.PageID, err)
	}
	logger := o.logger.With(zap.String("page_id", page.ID))

	// Capture and icon resolution run concurrently; render only waits on
	// capture. A slow icon patches the record when it lands, without
	// re-rendering the artifact.
	captureDone := make(chan pipeline.CaptureResult, 1)
	iconDone := make(chan string, 1)

	go func() {
		captureDone <- o.runCapture(ctx, logger, page)
	}()
	go func() {
		iconDone <- o.runIcon(ctx, logger, page)
	}()

	var captured pipeline.CaptureResult
	select {
	case captured = <-captureDone:
	case <-ctx.Done():
		return fmt.Errorf("publish canceled: %w", ctx.Err())
	}
	previews := o.storePreviews(ctx, logger, page.ID, captured)

	var iconURL string
	select {
	case iconURL = <-iconDone:
	default:
		// Icon still in flight; render without it.
	}

	artifact, err := o.runRender(ctx, logger, page, pipeline.RenderAssets{
		IconURL:    iconURL,
		PreviewURL: previewForRender(previews),
	})
	if err != nil {
		return err
	}

	artifactURL, err := o.publishArtifact(ctx, logger, page.ID, artifact)
	if err != nil {
		return err
	}
	publishedAt := o.clock.Now()
	if err := o.store.SetPublished(ctx, page.ID, artifactURL, publishedAt); err != nil {
		return fmt.Errorf("mark page published: %w", err)
	}
	logger.Info("page published", zap.String("artifact_url", artifactURL))

	o.registerEdgeRoute(ctx, logger, page)
	o.publishEvent(ctx, logger, page.ID, artifactURL, publishedAt)
	return nil
}

// runCapture drives the capture service and counts the attempt. Capture is
// best-effort: every failure path returns an empty result.
func (o *Orchestrator) runCapture(ctx context.Context, logger *zap.Logger, page pipeline.PageRecord) pipeline.CaptureResult {
	start := time.Now()
	if err := o.store.IncAttempt(ctx, page.ID, pipeline.StageCapture); err != nil {
		logger.Warn("capture attempt count failed", zap.Error(err))
	}
	result, err := o.capturer.Capture(ctx, page.TargetURL)
	if err != nil {
		logger.Warn("capture failed", zap.String("url", page.TargetURL), zap.Error(err))
		metrics.ObserveStage(string(pipeline.StageCapture), "error", time.Since(start))
		return pipeline.CaptureResult{}
	}
	metrics.ObserveStage(string(pipeline.StageCapture), "ok", time.Since(start))
	return result
}

// storePreviews uploads whatever capture produced and writes both preview
// assets to a terminal state in one update.
func (o *Orchestrator) storePreviews(ctx context.Context, logger *zap.Logger, pageID string, captured pipeline.CaptureResult) [2]pipeline.Asset {
	wide := o.storePreview(ctx, logger, pageID, pipeline.PreviewVariantWide, captured.Wide)
	narrow := o.storePreview(ctx, logger, pageID, pipeline.PreviewVariantNarrow, captured.Narrow)
	if err := o.store.SetPreviews(ctx, pageID, wide, narrow); err != nil {
		logger.Error("store previews failed", zap.Error(err))
	}
	return [2]pipeline.Asset{wide, narrow}
}

func (o *Orchestrator) storePreview(ctx context.Context, logger *zap.Logger, pageID string, variant pipeline.PreviewVariant, data []byte) pipeline.Asset {
	if len(data) == 0 {
		return pipeline.FailedAsset()
	}
	url, err := o.blobs.Put(ctx, pipeline.PreviewKey(pageID, variant), "image/png", data)
	if err != nil {
		logger.Warn("preview upload failed", zap.String("variant", string(variant)), zap.Error(err))
		return pipeline.FailedAsset()
	}
	return pipeline.ReadyAsset(url)
}

// runIcon resolves the page's icon, mirrors it into blob storage and patches
// the record. Returns the mirrored URL, or "" on any failure.
func (o *Orchestrator) runIcon(ctx context.Context, logger *zap.Logger, page pipeline.PageRecord) string {
	start := time.Now()
	url, err := o.mirrorIcon(ctx, page)
	if err != nil {
		logger.Warn("icon resolution failed", zap.String("url", page.TargetURL), zap.Error(err))
		metrics.ObserveStage(string(pipeline.StageIcon), "error", time.Since(start))
		if err := o.store.SetIcon(ctx, page.ID, pipeline.FailedAsset()); err != nil {
			logger.Warn("store icon state failed", zap.Error(err))
		}
		return ""
	}
	metrics.ObserveStage(string(pipeline.StageIcon), "ok", time.Since(start))
	if err := o.store.SetIcon(ctx, page.ID, pipeline.ReadyAsset(url)); err != nil {
		logger.Warn("store icon state failed", zap.Error(err))
	}
	return url
}

func (o *Orchestrator) mirrorIcon(ctx context.Context, page pipeline.PageRecord) (string, error) {
	sourceURL := page.SourceURL
	if sourceURL == "" {
		sourceURL = page.TargetURL
	}
	resolved, err := o.icons.Resolve(ctx, sourceURL)
	if err != nil {
		return "", fmt.Errorf("resolve icon: %w", err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, o.cfg.IconFetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, resolved, nil)
	if err != nil {
		return "", fmt.Errorf("build icon request: %w", err)
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download icon: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read path, close error carries no data
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download icon: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read icon body: %w", err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("icon body is empty")
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/png"
	}
	url, err := o.blobs.Put(ctx, pipeline.IconKey(page.ID), contentType, data)
	if err != nil {
		return "", fmt.Errorf("store icon: %w", err)
	}
	return url, nil
}

func (o *Orchestrator) runRender(ctx context.Context, logger *zap.Logger, page pipeline.PageRecord, assets pipeline.RenderAssets) ([]byte, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("render canceled: %w", err)
	}
	artifact, err := o.renderer.Render(page, assets)
	if err != nil {
		metrics.ObserveStage(string(pipeline.StageRender), "error", time.Since(start))
		return nil, fmt.Errorf("render artifact: %w", err)
	}
	metrics.ObserveStage(string(pipeline.StageRender), "ok", time.Since(start))
	logger.Debug("artifact rendered",
		zap.Int("bytes", len(artifact)),
		zap.Bool("with_icon", assets.IconURL != ""),
		zap.Bool("with_preview", assets.PreviewURL != ""),
	)
	return artifact, nil
}

// publishArtifact writes the rendered HTML to its durable key, retrying per
// the policy. Attempt counts persist across process restarts.
func (o *Orchestrator) publishArtifact(ctx context.Context, logger *zap.Logger, pageID string, artifact []byte) (string, error) {
	var url string
	err := o.withRetry(ctx, pageID, pipeline.StagePublish, func(stageCtx context.Context) error {
		var putErr error
		url, putErr = o.blobs.Put(stageCtx, pipeline.ArtifactKey(pageID), o.cfg.ArtifactContentType, artifact)
		return putErr
	})
	if err != nil {
		logger.Error("artifact publish failed", zap.Error(err))
		return "", fmt.Errorf("publish artifact: %w", err)
	}
	return url, nil
}

// registerEdgeRoute makes the page reachable on its custom domain. It runs
// only after the artifact is durable and only for verified active domains;
// failures are logged, never fatal, since the page is already live on the
// default path.
func (o *Orchestrator) registerEdgeRoute(ctx context.Context, logger *zap.Logger, page pipeline.PageRecord) {
	if page.Hostname == "" {
		return
	}
	domain, err := o.store.GetDomain(ctx, page.Hostname)
	if err != nil {
		logger.Warn("edge skipped, domain not found", zap.String("hostname", page.Hostname), zap.Error(err))
		return
	}
	if !domain.Verified || !domain.Active {
		logger.Info("edge skipped, domain not serving",
			zap.String("hostname", page.Hostname),
			zap.Bool("verified", domain.Verified),
			zap.Bool("active", domain.Active),
		)
		return
	}

	start := time.Now()
	err = o.withRetry(ctx, page.ID, pipeline.StageEdge, func(stageCtx context.Context) error {
		return o.routes.Register(stageCtx, page.Hostname, pipeline.PublishedPath(page.ID))
	})
	if err != nil {
		logger.Error("edge registration failed",
			zap.String("hostname", page.Hostname),
			zap.Error(err),
		)
		metrics.ObserveStage(string(pipeline.StageEdge), "error", time.Since(start))
		return
	}
	metrics.ObserveStage(string(pipeline.StageEdge), "ok", time.Since(start))
	logger.Info("edge route registered",
		zap.String("hostname", page.Hostname),
		zap.String("path", pipeline.PublishedPath(page.ID)),
	)
}

func (o *Orchestrator) publishEvent(ctx context.Context, logger *zap.Logger, pageID, artifactURL string, at time.Time) {
	if o.events == nil || o.cfg.EventTopic == "" {
		return
	}
	payload := map[string]any{
		"page_id":      pageID,
		"artifact_url": artifactURL,
		"published_at": at.Format(time.RFC3339),
	}
	if _, err := o.events.Publish(ctx, o.cfg.EventTopic, payload); err != nil {
		logger.Warn("completion event publish failed", zap.Error(err))
	}
}

// Delete removes a page and its artifacts. Blob and edge cleanup are
// best-effort; the record delete is the authoritative step.
func (o *Orchestrator) Delete(ctx context.Context, pageID string) error {
	page, err := o.store.GetPage(ctx, pageID)
	if err != nil {
		return fmt.Errorf("load page %s: %w", pageID, err)
	}
	logger := o.logger.With(zap.String("page_id", pageID))

	for _, key := range []string{
		pipeline.ArtifactKey(pageID),
		pipeline.PreviewKey(pageID, pipeline.PreviewVariantWide),
		pipeline.PreviewKey(pageID, pipeline.PreviewVariantNarrow),
		pipeline.IconKey(pageID),
	} {
		if err := o.blobs.Delete(ctx, key); err != nil {
			logger.Warn("blob cleanup failed", zap.String("key", key), zap.Error(err))
		}
	}
	if page.Hostname != "" {
		edgeCtx, cancel := context.WithTimeout(ctx, o.cfg.EdgeOpTimeout)
		err := o.routes.Remove(edgeCtx, page.Hostname, pipeline.PublishedPath(pageID))
		cancel()
		if err != nil {
			logger.Warn("edge route cleanup failed", zap.String("hostname", page.Hostname), zap.Error(err))
		}
	}
	if err := o.store.DeletePage(ctx, pageID); err != nil {
		return fmt.Errorf("delete page %s: %w", pageID, err)
	}
	logger.Info("page deleted")
	return nil
}

func (o *Orchestrator) withRetry(ctx context.Context, pageID string, stage pipeline.Stage, fn func(context.Context) error) error {
	attempt := 0
	for {
		attempt++
		if err := o.store.IncAttempt(ctx, pageID, stage); err != nil {
			o.logger.Warn("attempt count failed",
				zap.String("page_id", pageID),
				zap.String("stage", string(stage)),
				zap.Error(err),
			)
		}
		stageCtx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
		err := fn(stageCtx)
		cancel()
		if err == nil {
			return nil
		}
		// A dead parent context means shutdown or an upstream deadline;
		// retrying would only burn the backoff against a lost cause. An
		// expired stageCtx with a live parent is the per-attempt timeout
		// and goes through the policy like any other transient failure.
		if ctx.Err() != nil {
			return err
		}
		if !o.retry.ShouldRetry(err, attempt) {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry canceled: %w", ctx.Err())
		case <-time.After(o.retry.Backoff(attempt)):
		}
	}
}

func previewForRender(previews [2]pipeline.Asset) string {
	for _, asset := range previews {
		if asset.State == pipeline.AssetReady {
			return asset.URL
		}
	}
	return ""
}

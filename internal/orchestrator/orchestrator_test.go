package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pagepress/pagepress/internal/clock/system"
	"github.com/pagepress/pagepress/internal/edge"
	"github.com/pagepress/pagepress/internal/pipeline"
	publishermem "github.com/pagepress/pagepress/internal/publisher/memory"
	queuemem "github.com/pagepress/pagepress/internal/queue/memory"
	"github.com/pagepress/pagepress/internal/render"
	storagemem "github.com/pagepress/pagepress/internal/storage/memory"
	storemem "github.com/pagepress/pagepress/internal/store/memory"
)

type fakeCapturer struct {
	wide, narrow []byte
	err          error
	calls        int
}

func (f *fakeCapturer) Capture(context.Context, string) (pipeline.CaptureResult, error) {
	f.calls++
	if f.err != nil {
		return pipeline.CaptureResult{}, f.err
	}
	return pipeline.CaptureResult{Wide: f.wide, Narrow: f.narrow}, nil
}

type stubIcons struct {
	url string
	err error
}

func (s stubIcons) Resolve(context.Context, string) (string, error) {
	return s.url, s.err
}

type harness struct {
	orch   *Orchestrator
	store  *storemem.PageStore
	blobs  *storagemem.BlobStore
	queue  *queuemem.Queue
	events *publishermem.Publisher
}

func newHarness(t *testing.T, capturer pipeline.Capturer, icons pipeline.IconResolver) *harness {
	t.Helper()
	store := storemem.NewPageStore()
	blobs := storagemem.NewBlobStore()
	q := queuemem.NewQueue(16)
	events := publishermem.New()
	renderer, err := render.New(render.Config{})
	require.NoError(t, err)

	orch, err := New(Deps{
		Store:    store,
		Blobs:    blobs,
		Capturer: capturer,
		Icons:    icons,
		Renderer: renderer,
		Routes:   edge.NewRegistrar(blobs, zap.NewNop()),
		Events:   events,
		Queue:    q,
		Retry:    pipeline.NewExponentialRetryPolicy(),
		Clock:    system.New(),
	}, Config{StageTimeout: 5 * time.Second, EventTopic: "page-events"}, zap.NewNop())
	require.NoError(t, err)
	return &harness{orch: orch, store: store, blobs: blobs, queue: q, events: events}
}

func seedPage(t *testing.T, h *harness, page pipeline.PageRecord) pipeline.PageRecord {
	t.Helper()
	if page.ID == "" {
		page.ID = "0192d7a0-0000-7000-8000-00000000aaaa"
	}
	if page.Type == "" {
		page.Type = pipeline.PageTypePresell
	}
	if page.Locale == "" {
		page.Locale = "en"
	}
	if page.TargetURL == "" {
		page.TargetURL = "https://example.com/offer"
	}
	page.Icon = pipeline.PendingAsset()
	page.PreviewWide = pipeline.PendingAsset()
	page.PreviewNarrow = pipeline.PendingAsset()
	page.Status = pipeline.PageStatusDraft
	page.CreatedAt = time.Now().UTC()
	require.NoError(t, h.store.CreatePage(context.Background(), page))
	return page
}

func iconServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png-bytes"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPublishEndToEnd(t *testing.T) {
	srv := iconServer(t)
	capturer := &fakeCapturer{wide: []byte("wide-png"), narrow: []byte("narrow-png")}
	h := newHarness(t, capturer, stubIcons{url: srv.URL + "/favicon.ico"})
	ctx := context.Background()

	require.NoError(t, h.store.UpsertDomain(ctx, pipeline.DomainRecord{
		Hostname: "shop.example.org", Verified: true, Active: true,
	}))
	page := seedPage(t, h, pipeline.PageRecord{Hostname: "shop.example.org"})

	require.NoError(t, h.orch.Publish(ctx, page.ID))
	task, err := h.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, page.ID, task.PageID)

	require.NoError(t, h.orch.HandlePublish(ctx, task))

	got, err := h.store.GetPage(ctx, page.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.PageStatusPublished, got.Status)
	require.NotEmpty(t, got.ArtifactURL)
	require.NotNil(t, got.PublishedAt)
	require.Equal(t, pipeline.AssetReady, got.PreviewWide.State)
	require.Equal(t, pipeline.AssetReady, got.PreviewNarrow.State)

	// The rendered artifact is durable under its deterministic key.
	artifact, err := h.blobs.Get(ctx, pipeline.ArtifactKey(page.ID))
	require.NoError(t, err)
	require.Contains(t, string(artifact), "window.location.replace")

	// The custom domain serves the published path.
	data, err := h.blobs.Get(ctx, pipeline.EdgeConfigKey("shop.example.org"))
	require.NoError(t, err)
	var cfg pipeline.EdgeRouteConfig
	require.NoError(t, json.Unmarshal(data, &cfg))
	require.True(t, cfg.HasPath(pipeline.PublishedPath(page.ID)))

	// Completion event went out with the published page in the payload.
	msgs := h.events.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "page-events", msgs[0].Topic)
	var event map[string]string
	require.NoError(t, json.Unmarshal(msgs[0].Data, &event))
	require.Equal(t, page.ID, event["page_id"])
	require.Equal(t, got.ArtifactURL, event["artifact_url"])

	status := PublishStatusFor(got, time.Now().UTC(), time.Minute)
	require.False(t, status.IsProcessing)
	require.NotNil(t, status.PreviewWide)
	require.NotNil(t, status.PreviewMobile)
}

func TestPublishDegradedWhenCaptureFails(t *testing.T) {
	h := newHarness(t, &fakeCapturer{err: errors.New("browser crashed")}, stubIcons{err: errors.New("unreachable")})
	ctx := context.Background()
	page := seedPage(t, h, pipeline.PageRecord{})

	require.NoError(t, h.orch.HandlePublish(ctx, pipeline.PublishTask{PageID: page.ID}))

	got, err := h.store.GetPage(ctx, page.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.PageStatusPublished, got.Status, "cosmetic failures must not block publish")
	require.Equal(t, pipeline.AssetFailed, got.PreviewWide.State)
	require.Equal(t, pipeline.AssetFailed, got.PreviewNarrow.State)
	require.Equal(t, pipeline.AssetFailed, got.Icon.State)

	artifact, err := h.blobs.Get(ctx, pipeline.ArtifactKey(page.ID))
	require.NoError(t, err)
	require.Contains(t, string(artifact), "linear-gradient", "artifact renders degraded without a preview")
}

func TestPublishPartialCapture(t *testing.T) {
	srv := iconServer(t)
	h := newHarness(t, &fakeCapturer{wide: []byte("wide-png")}, stubIcons{url: srv.URL})
	ctx := context.Background()
	page := seedPage(t, h, pipeline.PageRecord{})

	require.NoError(t, h.orch.HandlePublish(ctx, pipeline.PublishTask{PageID: page.ID}))

	got, err := h.store.GetPage(ctx, page.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.AssetReady, got.PreviewWide.State)
	require.Equal(t, pipeline.AssetFailed, got.PreviewNarrow.State)
	require.Equal(t, pipeline.PageStatusPublished, got.Status)
}

func TestRepublishOverwritesInPlace(t *testing.T) {
	srv := iconServer(t)
	h := newHarness(t, &fakeCapturer{wide: []byte("w"), narrow: []byte("n")}, stubIcons{url: srv.URL})
	ctx := context.Background()
	page := seedPage(t, h, pipeline.PageRecord{})

	require.NoError(t, h.orch.HandlePublish(ctx, pipeline.PublishTask{PageID: page.ID}))
	first, err := h.store.GetPage(ctx, page.ID)
	require.NoError(t, err)

	require.NoError(t, h.orch.HandlePublish(ctx, pipeline.PublishTask{PageID: page.ID}))
	second, err := h.store.GetPage(ctx, page.ID)
	require.NoError(t, err)

	require.Equal(t, first.ArtifactURL, second.ArtifactURL, "artifact URL is a pure function of the page ID")
	require.Equal(t, 2, h.blobs.PutCount(pipeline.ArtifactKey(page.ID)))
}

// stallingBlobStore blocks the first artifact write until its context
// expires, then behaves like the wrapped store.
type stallingBlobStore struct {
	*storagemem.BlobStore
	artifactKey  string
	artifactPuts int
}

func (s *stallingBlobStore) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	if key == s.artifactKey {
		s.artifactPuts++
		if s.artifactPuts == 1 {
			<-ctx.Done()
			return "", ctx.Err()
		}
	}
	return s.BlobStore.Put(ctx, key, contentType, data)
}

func TestPublishRetriesTimedOutArtifactWrite(t *testing.T) {
	store := storemem.NewPageStore()
	blobs := &stallingBlobStore{
		BlobStore:   storagemem.NewBlobStore(),
		artifactKey: pipeline.ArtifactKey("0192d7a0-0000-7000-8000-00000000bbbb"),
	}
	renderer, err := render.New(render.Config{})
	require.NoError(t, err)

	orch, err := New(Deps{
		Store:    store,
		Blobs:    blobs,
		Capturer: &fakeCapturer{wide: []byte("w"), narrow: []byte("n")},
		Icons:    stubIcons{err: errors.New("unreachable")},
		Renderer: renderer,
		Routes:   edge.NewRegistrar(blobs, zap.NewNop()),
		Queue:    queuemem.NewQueue(1),
		Retry:    pipeline.NewExponentialRetryPolicy(),
		Clock:    system.New(),
	}, Config{StageTimeout: 50 * time.Millisecond, EventTopic: "page-events"}, zap.NewNop())
	require.NoError(t, err)

	h := &harness{orch: orch, store: store}
	ctx := context.Background()
	page := seedPage(t, h, pipeline.PageRecord{ID: "0192d7a0-0000-7000-8000-00000000bbbb"})

	require.NoError(t, h.orch.HandlePublish(ctx, pipeline.PublishTask{PageID: page.ID}))
	require.Equal(t, 2, blobs.artifactPuts, "the timed-out write must be retried")

	got, err := h.store.GetPage(ctx, page.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.PageStatusPublished, got.Status)
}

func TestEdgeSkippedForUnverifiedDomain(t *testing.T) {
	srv := iconServer(t)
	h := newHarness(t, &fakeCapturer{wide: []byte("w"), narrow: []byte("n")}, stubIcons{url: srv.URL})
	ctx := context.Background()

	require.NoError(t, h.store.UpsertDomain(ctx, pipeline.DomainRecord{
		Hostname: "shop.example.org", Verified: false, Active: true,
	}))
	page := seedPage(t, h, pipeline.PageRecord{Hostname: "shop.example.org"})

	require.NoError(t, h.orch.HandlePublish(ctx, pipeline.PublishTask{PageID: page.ID}))

	_, err := h.blobs.Get(ctx, pipeline.EdgeConfigKey("shop.example.org"))
	require.ErrorIs(t, err, pipeline.ErrBlobNotFound, "no edge config may be written for unverified domains")
}

func TestPublishRejectsInvalidTarget(t *testing.T) {
	h := newHarness(t, &fakeCapturer{}, stubIcons{})
	page := seedPage(t, h, pipeline.PageRecord{TargetURL: "ftp://example.com/x"})

	err := h.orch.Publish(context.Background(), page.ID)
	require.ErrorIs(t, err, pipeline.ErrInvalidURL)
}

func TestDeleteCleansUp(t *testing.T) {
	srv := iconServer(t)
	h := newHarness(t, &fakeCapturer{wide: []byte("w"), narrow: []byte("n")}, stubIcons{url: srv.URL})
	ctx := context.Background()

	require.NoError(t, h.store.UpsertDomain(ctx, pipeline.DomainRecord{
		Hostname: "shop.example.org", Verified: true, Active: true,
	}))
	page := seedPage(t, h, pipeline.PageRecord{Hostname: "shop.example.org"})
	require.NoError(t, h.orch.HandlePublish(ctx, pipeline.PublishTask{PageID: page.ID}))

	require.NoError(t, h.orch.Delete(ctx, page.ID))

	_, err := h.store.GetPage(ctx, page.ID)
	require.ErrorIs(t, err, storemem.ErrPageNotFound)
	_, err = h.blobs.Get(ctx, pipeline.ArtifactKey(page.ID))
	require.ErrorIs(t, err, pipeline.ErrBlobNotFound)

	data, err := h.blobs.Get(ctx, pipeline.EdgeConfigKey("shop.example.org"))
	require.NoError(t, err)
	var cfg pipeline.EdgeRouteConfig
	require.NoError(t, json.Unmarshal(data, &cfg))
	require.False(t, cfg.HasPath(pipeline.PublishedPath(page.ID)))
}

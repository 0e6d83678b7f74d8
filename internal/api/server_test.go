package api

import (
	"bytes"
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
	"github.com/pagepress/pagepress/internal/config"
	iduuid "github.com/pagepress/pagepress/internal/id/uuid"
	"github.com/pagepress/pagepress/internal/pipeline"
	storemem "github.com/pagepress/pagepress/internal/store/memory"
)

type fakePipeline struct {
	published  []string
	deleted    []string
	publishErr error
	deleteErr  error
}

func (f *fakePipeline) Publish(_ context.Context, pageID string) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, pageID)
	return nil
}

func (f *fakePipeline) Delete(_ context.Context, pageID string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, pageID)
	return nil
}

type fakeVerifier struct {
	verified bool
	err      error
}

func (f fakeVerifier) Verify(context.Context, string) (bool, error) {
	return f.verified, f.err
}

type testServer struct {
	srv   *Server
	store *storemem.PageStore
	pipe  *fakePipeline
}

func newTestServer(t *testing.T, mutate func(*config.Config), verifier DomainVerifier) *testServer {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	if mutate != nil {
		mutate(&cfg)
	}
	store := storemem.NewPageStore()
	pipe := &fakePipeline{}
	srv := NewServer(store, pipe, verifier, iduuid.New(), system.New(), cfg, zap.NewNop())
	return &testServer{srv: srv, store: store, pipe: pipe}
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestCreatePageQueuesPublish(t *testing.T) {
	ts := newTestServer(t, nil, fakeVerifier{})

	rec := doJSON(t, ts.srv, http.MethodPost, "/v1/pages", map[string]string{
		"owner_id":   "owner-1",
		"type":       "presell",
		"target_url": "https://example.com/offer",
		"hostname":   "shop.example.org",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp createPageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	pageID := resp.PageID
	require.NotEmpty(t, pageID)
	require.Equal(t, 2000, resp.PollIntervalMs, "clients learn the polling cadence on create")
	require.Equal(t, 35, resp.PollLimit)
	require.Equal(t, []string{pageID}, ts.pipe.published)

	page, err := ts.store.GetPage(context.Background(), pageID)
	require.NoError(t, err)
	require.Equal(t, pipeline.PageStatusDraft, page.Status)
	require.Equal(t, pipeline.AssetPending, page.PreviewWide.State)
	require.Equal(t, pipeline.AssetPending, page.PreviewNarrow.State)
	require.Equal(t, "en", page.Locale, "empty locale falls back to the configured default")
}

func TestCreatePageNormalizesTargetURL(t *testing.T) {
	ts := newTestServer(t, nil, fakeVerifier{})

	rec := doJSON(t, ts.srv, http.MethodPost, "/v1/pages", map[string]string{
		"owner_id":   "owner-1",
		"type":       "presell",
		"target_url": "HTTPS://Example.COM:443/offer?b=2&a=1#frag",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp createPageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	page, err := ts.store.GetPage(context.Background(), resp.PageID)
	require.NoError(t, err)
	require.Equal(t, "https://example.com/offer?a=1&b=2", page.TargetURL)
}

func TestCreatePageValidation(t *testing.T) {
	ts := newTestServer(t, nil, fakeVerifier{})

	tests := []struct {
		name string
		body map[string]string
	}{
		{name: "bad type", body: map[string]string{"type": "landing", "target_url": "https://example.com"}},
		{name: "bad scheme", body: map[string]string{"type": "review", "target_url": "ftp://example.com"}},
		{name: "missing url", body: map[string]string{"type": "review"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, ts.srv, http.MethodPost, "/v1/pages", tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Empty(t, ts.pipe.published)
		})
	}
}

func TestGetPage(t *testing.T) {
	ts := newTestServer(t, nil, fakeVerifier{})
	page := pipeline.PageRecord{
		ID:        "p1",
		Type:      pipeline.PageTypeReview,
		Locale:    "en",
		TargetURL: "https://example.com",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, ts.store.CreatePage(context.Background(), page))

	rec := doJSON(t, ts.srv, http.MethodGet, "/v1/pages/p1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, ts.srv, http.MethodGet, "/v1/pages/ghost", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPublishStatusContract(t *testing.T) {
	ts := newTestServer(t, nil, fakeVerifier{})
	ctx := context.Background()

	processing := pipeline.PageRecord{
		ID: "processing", Type: pipeline.PageTypePresell, Locale: "en",
		TargetURL:   "https://example.com",
		PreviewWide: pipeline.PendingAsset(), PreviewNarrow: pipeline.PendingAsset(),
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, ts.store.CreatePage(ctx, processing))

	rec := doJSON(t, ts.srv, http.MethodGet, "/v1/pages/processing/publish-status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		IsProcessing  bool    `json:"is_processing"`
		PreviewWide   *string `json:"preview_wide"`
		PreviewMobile *string `json:"preview_mobile"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.True(t, status.IsProcessing)
	require.Nil(t, status.PreviewWide)
	require.Nil(t, status.PreviewMobile)

	done := pipeline.PageRecord{
		ID: "done", Type: pipeline.PageTypePresell, Locale: "en",
		TargetURL:   "https://example.com",
		PreviewWide: pipeline.ReadyAsset("https://cdn/w.png"), PreviewNarrow: pipeline.ReadyAsset("https://cdn/n.png"),
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, ts.store.CreatePage(ctx, done))

	rec = doJSON(t, ts.srv, http.MethodGet, "/v1/pages/done/publish-status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.False(t, status.IsProcessing)
	require.NotNil(t, status.PreviewWide)
	require.Equal(t, "https://cdn/w.png", *status.PreviewWide)
}

func TestDeletePage(t *testing.T) {
	ts := newTestServer(t, nil, fakeVerifier{})
	rec := doJSON(t, ts.srv, http.MethodDelete, "/v1/pages/p1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"p1"}, ts.pipe.deleted)

	ts.pipe.deleteErr = pipeline.ErrPageNotFound
	rec = doJSON(t, ts.srv, http.MethodDelete, "/v1/pages/ghost", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVerifyDomain(t *testing.T) {
	ts := newTestServer(t, nil, fakeVerifier{verified: true})

	rec := doJSON(t, ts.srv, http.MethodPost, "/v1/domains/verify", map[string]string{
		"hostname": "shop.example.org",
		"owner_id": "owner-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	domain, err := ts.store.GetDomain(context.Background(), "shop.example.org")
	require.NoError(t, err)
	require.True(t, domain.Verified)
	require.True(t, domain.Active)
}

func TestVerifyDomainDNSFailure(t *testing.T) {
	ts := newTestServer(t, nil, fakeVerifier{err: errors.New("no such host")})

	rec := doJSON(t, ts.srv, http.MethodPost, "/v1/domains/verify", map[string]string{
		"hostname": "shop.example.org",
	})
	require.Equal(t, http.StatusBadGateway, rec.Code)

	_, err := ts.store.GetDomain(context.Background(), "shop.example.org")
	require.ErrorIs(t, err, pipeline.ErrDomainNotFound, "failed lookups must not record the domain")
}

func TestAPIKeyGuardsV1Only(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Auth.Enabled = true
		cfg.Auth.APIKey = "secret"
	}, fakeVerifier{})

	rec := doJSON(t, ts.srv, http.MethodGet, "/v1/pages/p1", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/pages/p1", nil)
	req.Header.Set("X-API-Key", "secret")
	auth := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(auth, req)
	require.Equal(t, http.StatusNotFound, auth.Code)

	health := doJSON(t, ts.srv, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, health.Code)
}

func TestRequestIDHeader(t *testing.T) {
	ts := newTestServer(t, nil, fakeVerifier{})
	rec := doJSON(t, ts.srv, http.MethodGet, "/healthz", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

package capture

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pagepress/pagepress/internal/pipeline"
)

func TestNewRejectsZeroParallelism(t *testing.T) {
	t.Parallel()

	_, err := New(Config{MaxParallel: 0}, zap.NewNop())
	require.Error(t, err)
}

func TestNewAppliesDefaults(t *testing.T) {
	t.Parallel()

	svc, err := New(Config{MaxParallel: 1}, nil)
	require.NoError(t, err)
	defer svc.Close()

	require.Equal(t, 60*time.Second, svc.cfg.Ceiling)
	require.Equal(t, 30*time.Second, svc.cfg.NavTimeout)
	require.Equal(t, Viewport{Width: 1440, Height: 900}, svc.cfg.Wide)
	require.Equal(t, Viewport{Width: 390, Height: 844}, svc.cfg.Narrow)
}

func TestCaptureRejectsInvalidURLWithoutBrowser(t *testing.T) {
	t.Parallel()

	svc, err := New(Config{MaxParallel: 1}, zap.NewNop())
	require.NoError(t, err)
	defer svc.Close()

	_, err = svc.Capture(context.Background(), "not-a-url")
	require.ErrorIs(t, err, pipeline.ErrInvalidURL)

	_, err = svc.Capture(context.Background(), "ftp://example.com")
	require.ErrorIs(t, err, pipeline.ErrInvalidURL)
}

func TestCaptureHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	svc, err := New(Config{MaxParallel: 1}, zap.NewNop())
	require.NoError(t, err)
	defer svc.Close()

	// Occupy the only slot so the next call blocks on acquire.
	svc.sem <- struct{}{}
	defer func() { <-svc.sem }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = svc.Capture(ctx, "https://example.com")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCaptureBothViewports(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<!doctype html><html><body><h1>Offer</h1><img loading="lazy" alt="x"></body></html>`)
	}))
	defer srv.Close()

	svc, err := New(Config{
		MaxParallel: 1,
		Ceiling:     30 * time.Second,
		NavTimeout:  10 * time.Second,
		SettleDelay: 100 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)
	defer svc.Close()

	result, err := svc.Capture(context.Background(), srv.URL)
	if err != nil {
		t.Skipf("chromedp unavailable: %v", err)
	}
	if result.Wide == nil && result.Narrow == nil {
		t.Skip("no browser in test environment")
	}
	require.NotEmpty(t, result.Wide)
	require.NotEmpty(t, result.Narrow)
}

// Package capture drives headless Chrome to produce raster previews of
// third-party pages.
package capture

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pagepress/pagepress/internal/metrics"
	"github.com/pagepress/pagepress/internal/pipeline"
)

// Viewport is one capture resolution.
type Viewport struct {
	Width  int64
	Height int64
}

// Config controls the behavior of the capture service.
type Config struct {
	MaxParallel    int
	Ceiling        time.Duration
	NavTimeout     time.Duration
	SettleDelay    time.Duration
	UserAgent      string
	AcceptLanguage string
	DomainQPS      float64
	Wide           Viewport
	Narrow         Viewport
}

// Service implements pipeline.Capturer using chromedp and headless Chrome.
// Each call gets a fresh, isolated browser tab; no state is shared between
// captures.
type Service struct {
	cfg            Config
	allocator      context.Context
	allocCancel    context.CancelFunc
	sem            chan struct{}
	domainLimiters sync.Map
	logger         *zap.Logger
}

// forceEagerMediaJS strips lazy-loading hints and walks the full document
// height so media below the fold is fetched before the screenshot.
const forceEagerMediaJS = `(async () => {
	document.querySelectorAll('[loading="lazy"]').forEach((el) => el.removeAttribute('loading'));
	const height = Math.max(document.body.scrollHeight, document.documentElement.scrollHeight);
	const step = Math.max(window.innerHeight, 200);
	for (let y = 0; y <= height; y += step) {
		window.scrollTo(0, y);
		await new Promise((r) => setTimeout(r, 100));
	}
	window.scrollTo(0, 0);
})()`

// contentSelector is the generic signal that the page has meaningful
// structure on screen.
const contentSelector = "img, h1, h2, main, article"

// New creates a capture service backed by a shared exec allocator.
func New(cfg Config, logger *zap.Logger) (*Service, error) {
	if cfg.MaxParallel <= 0 {
		return nil, fmt.Errorf("max parallel must be > 0")
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = 60 * time.Second
	}
	if cfg.NavTimeout <= 0 || cfg.NavTimeout > cfg.Ceiling {
		cfg.NavTimeout = 30 * time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 1500 * time.Millisecond
	}
	if cfg.Wide == (Viewport{}) {
		cfg.Wide = Viewport{Width: 1440, Height: 900}
	}
	if cfg.Narrow == (Viewport{}) {
		cfg.Narrow = Viewport{Width: 390, Height: 844}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Service{
		cfg:         cfg,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		sem:         make(chan struct{}, cfg.MaxParallel),
		logger:      logger,
	}, nil
}

// Close cancels the allocator context, tearing down any remaining browsers.
func (s *Service) Close() {
	s.allocCancel()
}

// Capture renders the URL at the wide and narrow viewports and returns the
// screenshots. Capture is best-effort: any failure past input validation
// yields nil bytes for the affected variants, never an error the pipeline
// has to unwind. The call observes a hard wall-clock ceiling.
func (s *Service) Capture(ctx context.Context, rawURL string) (pipeline.CaptureResult, error) {
	if err := pipeline.ValidateURL(rawURL); err != nil {
		return pipeline.CaptureResult{}, err
	}
	if err := s.acquire(ctx); err != nil {
		return pipeline.CaptureResult{}, err
	}
	defer s.release()

	if err := s.waitDomainBudget(ctx, rawURL); err != nil {
		return pipeline.CaptureResult{}, fmt.Errorf("capture rate limit: %w", err)
	}

	ceilingCtx, cancelCeiling := context.WithTimeout(ctx, s.cfg.Ceiling)
	defer cancelCeiling()

	result := s.run(ceilingCtx, rawURL)
	return result, nil
}

// run owns the browser session. All exit paths, including panics inside
// chromedp, release the tab via the deferred cancels.
func (s *Service) run(ctx context.Context, rawURL string) (result pipeline.CaptureResult) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("capture panicked", zap.String("url", rawURL), zap.Any("panic", r))
			result = pipeline.CaptureResult{}
		}
	}()

	browserCtx, cancelTab := chromedp.NewContext(s.allocator)
	defer cancelTab()

	// Tie the tab to the ceiling so a hung navigation cannot outlive it.
	tabCtx, cancelDeadline := context.WithDeadline(browserCtx, deadlineOf(ctx))
	defer cancelDeadline()

	stopForward := forwardCancel(ctx, cancelDeadline)
	defer stopForward()

	if err := s.prepare(tabCtx); err != nil {
		s.logger.Warn("capture session setup failed", zap.String("url", rawURL), zap.Error(err))
		return pipeline.CaptureResult{}
	}

	if err := s.navigate(tabCtx, rawURL); err != nil {
		s.logger.Warn("capture navigation failed", zap.String("url", rawURL), zap.Error(err))
		return pipeline.CaptureResult{}
	}

	s.settle(tabCtx)

	wide, err := s.screenshot(tabCtx, s.cfg.Wide)
	if err != nil {
		s.logger.Warn("wide screenshot failed", zap.String("url", rawURL), zap.Error(err))
	}
	narrow, err := s.screenshot(tabCtx, s.cfg.Narrow)
	if err != nil {
		s.logger.Warn("narrow screenshot failed", zap.String("url", rawURL), zap.Error(err))
	}

	return pipeline.CaptureResult{Wide: wide, Narrow: narrow}
}

func (s *Service) prepare(ctx context.Context) error {
	return chromedp.Run(ctx,
		network.Enable(),
		page.SetLifecycleEventsEnabled(true),
		chromedp.ActionFunc(func(ctx context.Context) error {
			ua := emulation.SetUserAgentOverride(s.cfg.UserAgent)
			if s.cfg.AcceptLanguage != "" {
				ua = ua.WithAcceptLanguage(s.cfg.AcceptLanguage)
			}
			return ua.Do(ctx)
		}),
	)
}

// navigate loads the page, preferring network idle and falling back to the
// load event when idle does not arrive within the navigation timeout.
func (s *Service) navigate(ctx context.Context, rawURL string) error {
	idle := make(chan struct{}, 1)
	chromedp.ListenTarget(ctx, func(ev any) {
		if e, ok := ev.(*page.EventLifecycleEvent); ok && e.Name == "networkIdle" {
			select {
			case idle <- struct{}{}:
			default:
			}
		}
	})

	navCtx, cancelNav := context.WithTimeout(ctx, s.cfg.NavTimeout)
	defer cancelNav()

	if err := chromedp.Run(navCtx, chromedp.Navigate(rawURL)); err != nil {
		if navCtx.Err() != nil && ctx.Err() == nil {
			// Navigation exceeded its own budget but the session is still
			// alive; fall through and capture whatever loaded.
			s.logger.Debug("navigation timed out, capturing partial page", zap.String("url", rawURL))
		} else {
			return fmt.Errorf("navigate: %w", err)
		}
	}

	select {
	case <-idle:
	case <-navCtx.Done():
		// Idle never fired; the load event already completed (or timed out
		// above), which is the weaker condition we fall back to.
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// settle waits for a generic content signal, applies the fixed settle delay,
// and force-loads lazy media. Failures here are ignored: a capture of a
// not-quite-settled page beats no capture.
func (s *Service) settle(ctx context.Context) {
	waitCtx, cancelWait := context.WithTimeout(ctx, 5*time.Second)
	defer cancelWait()
	if err := chromedp.Run(waitCtx,
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.WaitVisible(contentSelector, chromedp.ByQuery),
	); err != nil {
		s.logger.Debug("content signal not observed", zap.Error(err))
	}

	if err := chromedp.Run(ctx,
		chromedp.Sleep(s.cfg.SettleDelay),
		chromedp.Evaluate(forceEagerMediaJS, nil, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}),
	); err != nil {
		s.logger.Debug("settle script failed", zap.Error(err))
	}
}

func (s *Service) screenshot(ctx context.Context, vp Viewport) ([]byte, error) {
	var buf []byte
	if err := chromedp.Run(ctx,
		chromedp.EmulateViewport(vp.Width, vp.Height),
		chromedp.Sleep(250*time.Millisecond),
		chromedp.CaptureScreenshot(&buf),
	); err != nil {
		return nil, fmt.Errorf("screenshot %dx%d: %w", vp.Width, vp.Height, err)
	}
	return buf, nil
}

func (s *Service) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("acquire capture slot: %w", ctx.Err())
	}
}

func (s *Service) release() {
	select {
	case <-s.sem:
	default:
	}
}

func (s *Service) waitDomainBudget(ctx context.Context, rawURL string) error {
	if s.cfg.DomainQPS <= 0 {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse capture url: %w", err)
	}
	host := strings.ToLower(parsed.Host)
	val, _ := s.domainLimiters.LoadOrStore(host, rate.NewLimiter(rate.Limit(s.cfg.DomainQPS), 1))
	limiter, ok := val.(*rate.Limiter)
	if !ok {
		return fmt.Errorf("unexpected limiter type %T", val)
	}
	waitStart := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait limiter: %w", err)
	}
	metrics.ObserveCaptureRateLimitDelay(host, time.Since(waitStart))
	return nil
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

func deadlineOf(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(60 * time.Second)
}

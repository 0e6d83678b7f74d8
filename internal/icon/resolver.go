// Package icon resolves a site icon URL for a page, with a deterministic
// fallback when the page declares none.
package icon

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/pagepress/pagepress/internal/pipeline"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Resolver implements pipeline.IconResolver using a Colly collector to fetch
// the page and goquery to inspect its head.
type Resolver struct {
	cfg           Config
	baseCollector *colly.Collector
	logger        *zap.Logger
}

// New builds a Resolver.
func New(cfg Config, logger *zap.Logger) *Resolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	return &Resolver{
		cfg:           cfg,
		baseCollector: c,
		logger:        logger,
	}
}

// Resolve returns the best icon URL declared by the page, or the
// conventional /favicon.ico under the page's origin when the page fetch
// fails or declares no icon. The fallback is deterministic: the same input
// URL always yields the same icon reference.
func (r *Resolver) Resolve(ctx context.Context, rawURL string) (string, error) {
	if err := pipeline.ValidateURL(rawURL); err != nil {
		return "", err
	}
	base, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("%w: %v", pipeline.ErrInvalidURL, err)
	}
	fallback := fmt.Sprintf("%s://%s/favicon.ico", base.Scheme, base.Host)

	body, finalURL, err := r.fetch(ctx, rawURL)
	if err != nil {
		r.logger.Debug("icon page fetch failed, using fallback",
			zap.String("url", rawURL), zap.Error(err))
		return fallback, nil
	}

	resolved := base
	if finalURL != "" {
		if u, parseErr := url.Parse(finalURL); parseErr == nil {
			resolved = u
		}
	}

	if href := bestIconHref(body, resolved); href != "" {
		return href, nil
	}
	return fallback, nil
}

func (r *Resolver) fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	collector := r.baseCollector.Clone()
	if r.cfg.UserAgent != "" {
		collector.UserAgent = r.cfg.UserAgent
	}
	collector.SetRequestTimeout(r.cfg.Timeout)

	var (
		body     []byte
		finalURL string
		fetchErr error
	)
	collector.OnResponse(func(resp *colly.Response) {
		body = append([]byte(nil), resp.Body...)
		finalURL = resp.Request.URL.String()
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return nil, "", fmt.Errorf("icon fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, "", fmt.Errorf("icon visit failed: %w", err)
		}
		if fetchErr != nil {
			return nil, "", fmt.Errorf("icon response failed: %w", fetchErr)
		}
	}
	if len(body) == 0 {
		return nil, "", fmt.Errorf("empty icon page body")
	}
	return body, finalURL, nil
}

// bestIconHref picks the declared icon with the largest advertised size,
// resolving relative hrefs against the final page URL.
func bestIconHref(body []byte, base *url.URL) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}

	var (
		best     string
		bestSize int
	)
	doc.Find("link[rel]").Each(func(_ int, sel *goquery.Selection) {
		rel, _ := sel.Attr("rel")
		if !strings.Contains(strings.ToLower(rel), "icon") {
			return
		}
		href, ok := sel.Attr("href")
		href = strings.TrimSpace(href)
		if !ok || href == "" {
			return
		}
		size := declaredSize(sel)
		if best == "" || size > bestSize {
			best = href
			bestSize = size
		}
	})
	if best == "" {
		return ""
	}

	ref, err := url.Parse(best)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

// declaredSize parses a sizes attribute like "32x32" into a comparable
// pixel count; undeclared sizes rank lowest.
func declaredSize(sel *goquery.Selection) int {
	sizes, ok := sel.Attr("sizes")
	if !ok {
		return 0
	}
	first := strings.Fields(strings.ToLower(sizes))
	if len(first) == 0 {
		return 0
	}
	parts := strings.SplitN(first[0], "x", 2)
	if len(parts) != 2 {
		return 0
	}
	w, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0
	}
	h, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0
	}
	return w * h
}

// Package render produces the final static HTML artifact for a page.
package render

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"strings"
	"time"

	"github.com/pagepress/pagepress/internal/pipeline"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// Config controls rendering behavior.
type Config struct {
	// DefaultLocale is the locale tried when a page's own locale has no
	// template for its type.
	DefaultLocale string
	// RedirectDelay applies to ungated templates; gated templates redirect
	// on click-through instead.
	RedirectDelay time.Duration
}

// Renderer implements pipeline.Renderer with an embedded template set keyed
// by (type, locale). Rendering is deterministic: identical inputs produce
// byte-identical output, so re-renders are safe to re-publish.
type Renderer struct {
	cfg       Config
	templates map[string]*template.Template
}

// templateData is the single input handed to every page template.
type templateData struct {
	Title         string
	TargetURL     string
	IconURL       string
	PreviewURL    string
	HasIcon       bool
	HasPreview    bool
	Gated         bool
	RedirectDelay int
	Locale        string
}

// gatedTypes require an interstitial: the artifact redirects immediately on
// click-through rather than after the fixed delay.
var gatedTypes = map[pipeline.PageType]bool{
	pipeline.PageTypePresell: true,
}

// New parses the embedded template set.
func New(cfg Config) (*Renderer, error) {
	if cfg.DefaultLocale == "" {
		cfg.DefaultLocale = "en"
	}
	if cfg.RedirectDelay <= 0 {
		cfg.RedirectDelay = 4 * time.Second
	}

	templates := make(map[string]*template.Template)
	entries, err := fs.Glob(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("glob templates: %w", err)
	}
	for _, path := range entries {
		// templates/<type>_<locale>.html.tmpl
		name := strings.TrimSuffix(strings.TrimPrefix(path, "templates/"), ".html.tmpl")
		tmpl, parseErr := template.ParseFS(templateFS, path)
		if parseErr != nil {
			return nil, fmt.Errorf("parse template %s: %w", path, parseErr)
		}
		templates[name] = tmpl
	}
	if len(templates) == 0 {
		return nil, fmt.Errorf("no templates embedded")
	}
	return &Renderer{cfg: cfg, templates: templates}, nil
}

// Render produces the artifact bytes for the page and its resolved assets.
// Missing assets degrade the output (no icon tag, placeholder background)
// but never fail the render.
func (r *Renderer) Render(page pipeline.PageRecord, assets pipeline.RenderAssets) ([]byte, error) {
	tmpl, err := r.lookup(page.Type, page.Locale)
	if err != nil {
		return nil, err
	}

	data := templateData{
		Title:         pageTitle(page),
		TargetURL:     page.TargetURL,
		IconURL:       assets.IconURL,
		PreviewURL:    assets.PreviewURL,
		HasIcon:       assets.IconURL != "",
		HasPreview:    assets.PreviewURL != "",
		Gated:         gatedTypes[page.Type],
		RedirectDelay: int(r.cfg.RedirectDelay / time.Second),
		Locale:        page.Locale,
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("execute template: %w", err)
	}
	return buf.Bytes(), nil
}

// lookup selects the template for (type, locale), falling back to the
// default locale before failing.
func (r *Renderer) lookup(pageType pipeline.PageType, locale string) (*template.Template, error) {
	if tmpl, ok := r.templates[templateKey(pageType, locale)]; ok {
		return tmpl, nil
	}
	if tmpl, ok := r.templates[templateKey(pageType, r.cfg.DefaultLocale)]; ok {
		return tmpl, nil
	}
	return nil, fmt.Errorf("no template for type %q locale %q", pageType, locale)
}

func templateKey(pageType pipeline.PageType, locale string) string {
	return fmt.Sprintf("%s_%s", pageType, strings.ToLower(locale))
}

func pageTitle(page pipeline.PageRecord) string {
	switch page.Type {
	case pipeline.PageTypeReview:
		return "Review"
	default:
		return "Special Offer"
	}
}

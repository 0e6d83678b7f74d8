// Package memory provides an in-memory PageStore for development/testing.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pagepress/pagepress/internal/pipeline"
)

// Errors returned by the in-memory store.
var (
	ErrPageNotFound   = pipeline.ErrPageNotFound
	ErrDomainNotFound = pipeline.ErrDomainNotFound
)

// PageStore keeps page and domain records in process memory.
type PageStore struct {
	mu      sync.RWMutex
	pages   map[string]pipeline.PageRecord
	domains map[string]pipeline.DomainRecord
}

// NewPageStore constructs a PageStore.
func NewPageStore() *PageStore {
	return &PageStore{
		pages:   make(map[string]pipeline.PageRecord),
		domains: make(map[string]pipeline.DomainRecord),
	}
}

// CreatePage stores a new page record.
func (s *PageStore) CreatePage(_ context.Context, page pipeline.PageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pages[page.ID]; exists {
		return errors.New("page already exists")
	}
	s.pages[page.ID] = page
	return nil
}

// GetPage fetches a page by ID.
func (s *PageStore) GetPage(_ context.Context, pageID string) (pipeline.PageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	page, ok := s.pages[pageID]
	if !ok {
		return pipeline.PageRecord{}, ErrPageNotFound
	}
	return page, nil
}

// SetPreviews writes both preview assets in one update.
func (s *PageStore) SetPreviews(_ context.Context, pageID string, wide, narrow pipeline.Asset) error {
	return s.update(pageID, func(p *pipeline.PageRecord) {
		p.PreviewWide = wide
		p.PreviewNarrow = narrow
	})
}

// SetIcon writes the icon asset.
func (s *PageStore) SetIcon(_ context.Context, pageID string, icon pipeline.Asset) error {
	return s.update(pageID, func(p *pipeline.PageRecord) {
		p.Icon = icon
	})
}

// SetPublished records the artifact URL and flips the page to published.
func (s *PageStore) SetPublished(_ context.Context, pageID string, artifactURL string, at time.Time) error {
	return s.update(pageID, func(p *pipeline.PageRecord) {
		p.ArtifactURL = artifactURL
		p.Status = pipeline.PageStatusPublished
		published := at
		p.PublishedAt = &published
	})
}

// IncAttempt bumps the persisted attempt counter for a stage.
func (s *PageStore) IncAttempt(_ context.Context, pageID string, stage pipeline.Stage) error {
	return s.update(pageID, func(p *pipeline.PageRecord) {
		switch stage {
		case pipeline.StageCapture:
			p.Attempts.Capture++
		case pipeline.StagePublish:
			p.Attempts.Publish++
		case pipeline.StageEdge:
			p.Attempts.Edge++
		}
	})
}

// DeletePage removes a page record.
func (s *PageStore) DeletePage(_ context.Context, pageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pages[pageID]; !ok {
		return ErrPageNotFound
	}
	delete(s.pages, pageID)
	return nil
}

// GetDomain fetches a domain record by hostname.
func (s *PageStore) GetDomain(_ context.Context, hostname string) (pipeline.DomainRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	domain, ok := s.domains[hostname]
	if !ok {
		return pipeline.DomainRecord{}, ErrDomainNotFound
	}
	return domain, nil
}

// UpsertDomain creates or replaces a domain record.
func (s *PageStore) UpsertDomain(_ context.Context, domain pipeline.DomainRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.domains[domain.Hostname] = domain
	return nil
}

func (s *PageStore) update(pageID string, mutate func(*pipeline.PageRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	page, ok := s.pages[pageID]
	if !ok {
		return ErrPageNotFound
	}
	mutate(&page)
	page.UpdatedAt = time.Now().UTC()
	s.pages[pageID] = page
	return nil
}

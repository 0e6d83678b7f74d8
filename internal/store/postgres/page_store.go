// Package postgres provides the Postgres-backed PageStore.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pagepress/pagepress/internal/pipeline"
)

// ErrNotFound aliases the shared sentinel for single-row page updates that
// matched nothing.
var ErrNotFound = pipeline.ErrPageNotFound

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PageStore persists page and domain records in Postgres. All pipeline
// mutations are single-row updates by primary key.
type PageStore struct {
	pool dbPool
}

// New creates a PageStore backed by a new connection pool.
func New(ctx context.Context, cfg Config) (*PageStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PageStore{pool: pool}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool dbPool) (*PageStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &PageStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *PageStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreatePage inserts a page row.
func (s *PageStore) CreatePage(ctx context.Context, page pipeline.PageRecord) error {
	if page.ID == "" {
		return fmt.Errorf("page id is required")
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO pages (
	id, owner_id, page_type, locale, target_url, source_url, hostname,
	icon_state, icon_url,
	preview_wide_state, preview_wide_url,
	preview_narrow_state, preview_narrow_url,
	artifact_url, status,
	capture_attempts, publish_attempts, edge_attempts,
	created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		page.ID, page.OwnerID, string(page.Type), page.Locale,
		page.TargetURL, page.SourceURL, page.Hostname,
		string(page.Icon.State), page.Icon.URL,
		string(page.PreviewWide.State), page.PreviewWide.URL,
		string(page.PreviewNarrow.State), page.PreviewNarrow.URL,
		page.ArtifactURL, string(page.Status),
		page.Attempts.Capture, page.Attempts.Publish, page.Attempts.Edge,
		page.CreatedAt, page.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert page: %w", err)
	}
	return nil
}

// GetPage reads a page row by primary key.
func (s *PageStore) GetPage(ctx context.Context, pageID string) (pipeline.PageRecord, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, owner_id, page_type, locale, target_url, source_url, hostname,
	icon_state, icon_url,
	preview_wide_state, preview_wide_url,
	preview_narrow_state, preview_narrow_url,
	artifact_url, status,
	capture_attempts, publish_attempts, edge_attempts,
	created_at, updated_at, published_at
FROM pages WHERE id = $1`, pageID)

	var (
		page        pipeline.PageRecord
		pageType    string
		iconState   string
		wideState   string
		narrowState string
		status      string
	)
	err := row.Scan(
		&page.ID, &page.OwnerID, &pageType, &page.Locale,
		&page.TargetURL, &page.SourceURL, &page.Hostname,
		&iconState, &page.Icon.URL,
		&wideState, &page.PreviewWide.URL,
		&narrowState, &page.PreviewNarrow.URL,
		&page.ArtifactURL, &status,
		&page.Attempts.Capture, &page.Attempts.Publish, &page.Attempts.Edge,
		&page.CreatedAt, &page.UpdatedAt, &page.PublishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.PageRecord{}, pipeline.ErrPageNotFound
	}
	if err != nil {
		return pipeline.PageRecord{}, fmt.Errorf("select page: %w", err)
	}
	page.Type = pipeline.PageType(pageType)
	page.Icon.State = pipeline.AssetState(iconState)
	page.PreviewWide.State = pipeline.AssetState(wideState)
	page.PreviewNarrow.State = pipeline.AssetState(narrowState)
	page.Status = pipeline.PageStatus(status)
	return page, nil
}

// SetPreviews writes both preview assets in one update.
func (s *PageStore) SetPreviews(ctx context.Context, pageID string, wide, narrow pipeline.Asset) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE pages SET
	preview_wide_state = $2, preview_wide_url = $3,
	preview_narrow_state = $4, preview_narrow_url = $5,
	updated_at = now()
WHERE id = $1`,
		pageID, string(wide.State), wide.URL, string(narrow.State), narrow.URL)
	return checkUpdate(tag, err, "update previews")
}

// SetIcon writes the icon asset.
func (s *PageStore) SetIcon(ctx context.Context, pageID string, icon pipeline.Asset) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE pages SET icon_state = $2, icon_url = $3, updated_at = now()
WHERE id = $1`,
		pageID, string(icon.State), icon.URL)
	return checkUpdate(tag, err, "update icon")
}

// SetPublished records the artifact URL and flips the row to published.
func (s *PageStore) SetPublished(ctx context.Context, pageID string, artifactURL string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE pages SET artifact_url = $2, status = $3, published_at = $4, updated_at = now()
WHERE id = $1`,
		pageID, artifactURL, string(pipeline.PageStatusPublished), at)
	return checkUpdate(tag, err, "update published")
}

// IncAttempt bumps a stage attempt counter.
func (s *PageStore) IncAttempt(ctx context.Context, pageID string, stage pipeline.Stage) error {
	var column string
	switch stage {
	case pipeline.StageCapture:
		column = "capture_attempts"
	case pipeline.StagePublish:
		column = "publish_attempts"
	case pipeline.StageEdge:
		column = "edge_attempts"
	default:
		return fmt.Errorf("stage %q has no attempt counter", stage)
	}
	query := fmt.Sprintf(
		"UPDATE pages SET %s = %s + 1, updated_at = now() WHERE id = $1", column, column)
	tag, err := s.pool.Exec(ctx, query, pageID)
	return checkUpdate(tag, err, "increment attempt")
}

// DeletePage removes a page row.
func (s *PageStore) DeletePage(ctx context.Context, pageID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM pages WHERE id = $1`, pageID)
	return checkUpdate(tag, err, "delete page")
}

// GetDomain reads a domain row by hostname.
func (s *PageStore) GetDomain(ctx context.Context, hostname string) (pipeline.DomainRecord, error) {
	row := s.pool.QueryRow(ctx, `
SELECT hostname, owner_id, verified, active, created_at
FROM page_domains WHERE hostname = $1`, hostname)

	var domain pipeline.DomainRecord
	err := row.Scan(&domain.Hostname, &domain.OwnerID, &domain.Verified, &domain.Active, &domain.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.DomainRecord{}, pipeline.ErrDomainNotFound
	}
	if err != nil {
		return pipeline.DomainRecord{}, fmt.Errorf("select domain: %w", err)
	}
	return domain, nil
}

// UpsertDomain creates or replaces a domain row.
func (s *PageStore) UpsertDomain(ctx context.Context, domain pipeline.DomainRecord) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO page_domains (hostname, owner_id, verified, active, created_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (hostname) DO UPDATE SET
	owner_id = EXCLUDED.owner_id,
	verified = EXCLUDED.verified,
	active = EXCLUDED.active`,
		domain.Hostname, domain.OwnerID, domain.Verified, domain.Active, domain.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert domain: %w", err)
	}
	return nil
}

func checkUpdate(tag pgconn.CommandTag, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

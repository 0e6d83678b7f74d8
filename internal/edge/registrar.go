// Package edge maintains the per-hostname routing config consumed by the
// edge router, plus CNAME verification for custom domains.
package edge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/pagepress/pagepress/internal/pipeline"
)

// Registrar implements pipeline.RouteRegistrar on top of the blob store. Each
// hostname owns one JSON config object; updates are read-modify-write guarded
// by a per-hostname mutex, so concurrent writers in the same process never
// clobber each other. Writers in different processes still can; the config is
// advisory routing state and the next registration converges it.
type Registrar struct {
	blobs  pipeline.BlobStore
	logger *zap.Logger

	mu    sync.Mutex
	hosts map[string]*sync.Mutex
}

// NewRegistrar creates a Registrar backed by the given blob store.
func NewRegistrar(blobs pipeline.BlobStore, logger *zap.Logger) *Registrar {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registrar{
		blobs:  blobs,
		logger: logger,
		hosts:  make(map[string]*sync.Mutex),
	}
}

// Register adds a published path to the hostname's config, bootstrapping an
// active config when none exists yet. Registering an already-present path is
// a no-op.
func (r *Registrar) Register(ctx context.Context, hostname, path string) error {
	if hostname == "" || path == "" {
		return fmt.Errorf("hostname and path are required")
	}
	unlock := r.lockHost(hostname)
	defer unlock()

	cfg, err := r.load(ctx, hostname)
	if err != nil {
		if !errors.Is(err, pipeline.ErrBlobNotFound) {
			return fmt.Errorf("load edge config for %s: %w", hostname, err)
		}
		cfg = pipeline.EdgeRouteConfig{Active: true}
	}
	if cfg.HasPath(path) {
		return nil
	}
	cfg.Presells = append(cfg.Presells, path)

	if err := r.save(ctx, hostname, cfg); err != nil {
		return err
	}
	r.logger.Info("edge route registered",
		zap.String("hostname", hostname),
		zap.String("path", path),
		zap.Int("routes", len(cfg.Presells)),
	)
	return nil
}

// Remove drops a path from the hostname's config. A missing config or a path
// not present is a no-op; removal runs on page deletion and must tolerate
// partially cleaned state.
func (r *Registrar) Remove(ctx context.Context, hostname, path string) error {
	unlock := r.lockHost(hostname)
	defer unlock()

	cfg, err := r.load(ctx, hostname)
	if err != nil {
		if errors.Is(err, pipeline.ErrBlobNotFound) {
			return nil
		}
		return fmt.Errorf("load edge config for %s: %w", hostname, err)
	}

	kept := cfg.Presells[:0]
	for _, p := range cfg.Presells {
		if p != path {
			kept = append(kept, p)
		}
	}
	if len(kept) == len(cfg.Presells) {
		return nil
	}
	cfg.Presells = kept
	return r.save(ctx, hostname, cfg)
}

// Deactivate marks the hostname's config inactive without touching its
// routes. The edge router stops serving an inactive hostname entirely.
func (r *Registrar) Deactivate(ctx context.Context, hostname string) error {
	unlock := r.lockHost(hostname)
	defer unlock()

	cfg, err := r.load(ctx, hostname)
	if err != nil {
		if errors.Is(err, pipeline.ErrBlobNotFound) {
			cfg = pipeline.EdgeRouteConfig{}
		} else {
			return fmt.Errorf("load edge config for %s: %w", hostname, err)
		}
	}
	cfg.Active = false
	return r.save(ctx, hostname, cfg)
}

func (r *Registrar) load(ctx context.Context, hostname string) (pipeline.EdgeRouteConfig, error) {
	data, err := r.blobs.Get(ctx, pipeline.EdgeConfigKey(hostname))
	if err != nil {
		return pipeline.EdgeRouteConfig{}, err
	}
	var cfg pipeline.EdgeRouteConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return pipeline.EdgeRouteConfig{}, fmt.Errorf("decode edge config: %w", err)
	}
	return cfg, nil
}

func (r *Registrar) save(ctx context.Context, hostname string, cfg pipeline.EdgeRouteConfig) error {
	// Stable route order keeps the object byte-identical for unchanged
	// route sets, which keeps CDN caches quiet.
	sort.Strings(cfg.Presells)
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode edge config: %w", err)
	}
	if _, err := r.blobs.Put(ctx, pipeline.EdgeConfigKey(hostname), "application/json", data); err != nil {
		return fmt.Errorf("store edge config for %s: %w", hostname, err)
	}
	return nil
}

func (r *Registrar) lockHost(hostname string) func() {
	r.mu.Lock()
	lock, ok := r.hosts[hostname]
	if !ok {
		lock = &sync.Mutex{}
		r.hosts[hostname] = lock
	}
	r.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

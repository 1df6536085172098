// Package registry holds the live Service/Workflow set (spec §4.6). Lookup by
// id is the hot path for every trigger dispatch, so the registry is guarded
// by a reader/writer lock where readers dominate -- the same discipline the
// teacher's system/sandbox.Manager uses for its sandbox map.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	werrors "github.com/Lay3rLabs/wavs/infrastructure/errors"
	"github.com/Lay3rLabs/wavs/infrastructure/httputil"
	"github.com/Lay3rLabs/wavs/internal/model"
)

// Registry is the source of truth for the live service set.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*model.Service

	httpClient *http.Client
	// maxUpgradePayload bounds how much of an upgrade URI's response body is read.
	maxUpgradePayload int64
}

// Option configures a Registry.
type Option func(*Registry)

// WithHTTPClient overrides the client used to fetch upgrade manifests.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Registry) { r.httpClient = c }
}

// WithMaxUpgradePayload bounds upgrade manifest fetch size in bytes.
func WithMaxUpgradePayload(n int64) Option {
	return func(r *Registry) { r.maxUpgradePayload = n }
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		services:          make(map[string]*model.Service),
		httpClient:        http.DefaultClient,
		maxUpgradePayload: 4 << 20,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces a service wholesale.
func (r *Registry) Register(svc *model.Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[svc.ID] = svc
}

// Get returns the service for id, or ServiceUnknown.
func (r *Registry) Get(id string) (*model.Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[id]
	if !ok {
		return nil, werrors.ServiceUnknown(id)
	}
	return svc, nil
}

// List returns a snapshot of all registered services.
func (r *Registry) List() []*model.Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.Service, 0, len(r.services))
	for _, svc := range r.services {
		out = append(out, svc)
	}
	return out
}

// Pause marks a service Paused. In-flight executions already dispatched
// against the prior snapshot are unaffected (spec §4.6 "Upgrade semantics").
func (r *Registry) Pause(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.services[id]
	if !ok {
		return werrors.ServiceUnknown(id)
	}
	svc.Status = model.StatusPaused
	return nil
}

// Resume marks a service Active.
func (r *Registry) Resume(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.services[id]
	if !ok {
		return werrors.ServiceUnknown(id)
	}
	svc.Status = model.StatusActive
	return nil
}

// Delete removes a service from the registry.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services, id)
}

// Upgrade fetches the manifest at the service's new URI and swaps the
// workflow set atomically under the writer lock. The service id never
// changes; only the URI and workflow set do (spec §4.6).
func (r *Registry) Upgrade(ctx context.Context, id, newURI string) error {
	manifest, err := r.fetchManifest(ctx, newURI)
	if err != nil {
		return fmt.Errorf("fetch upgrade manifest: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.services[id]
	if !ok {
		return werrors.ServiceUnknown(id)
	}
	svc.Workflows = manifest.Workflows
	svc.URI = newURI
	return nil
}

func (r *Registry) fetchManifest(ctx context.Context, uri string) (*model.Service, error) {
	normalized, _, err := httputil.NormalizeBaseURL(uri, httputil.BaseURLOptions{})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, normalized, nil)
	if err != nil {
		return nil, err
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, werrors.Unavailable(normalized, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upgrade manifest fetch: unexpected status %d", resp.StatusCode)
	}

	body, truncated, err := httputil.ReadAllWithLimit(resp.Body, r.maxUpgradePayload)
	if err != nil {
		return nil, err
	}
	if truncated {
		return nil, fmt.Errorf("upgrade manifest exceeds %d bytes", r.maxUpgradePayload)
	}

	var manifest model.Service
	if err := json.Unmarshal(body, &manifest); err != nil {
		return nil, werrors.CorruptState("upgrade manifest", err)
	}
	return &manifest, nil
}

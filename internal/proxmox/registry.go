package proxmox

import (
	"fmt"
	"sync"

	"github.com/cpp-cyber/classlab/internal/apierr"
	"github.com/cpp-cyber/classlab/internal/store"
	"github.com/rs/zerolog/log"
)

// Registry holds one authenticated client per configured cluster. Clients
// are created lazily under the mutex and cached until a config change
// invalidates them.
type Registry struct {
	mu      sync.Mutex
	clients map[string]*Client
	store   *store.Store
}

// NewRegistry creates an empty registry backed by the cluster config table.
func NewRegistry(s *store.Store) *Registry {
	return &Registry{
		clients: make(map[string]*Client),
		store:   s,
	}
}

// Get returns the cached client for a cluster, connecting on first use.
func (r *Registry) Get(clusterID string) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if client, ok := r.clients[clusterID]; ok {
		return client, nil
	}

	cfg, err := r.store.GetCluster(clusterID)
	if err != nil {
		return nil, fmt.Errorf("%w: cluster %s is not configured", apierr.ErrNotFound, clusterID)
	}

	client, err := NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to cluster %s: %w", clusterID, err)
	}

	r.clients[clusterID] = client
	log.Info().Str("cluster", clusterID).Str("host", cfg.Host).Msg("cluster client connected")
	return client, nil
}

// GetDefault returns a client for the default cluster, or the single
// configured one when no default is flagged.
func (r *Registry) GetDefault() (*Client, error) {
	clusters, err := r.store.ListActiveClusters()
	if err != nil {
		return nil, err
	}
	if len(clusters) == 0 {
		return nil, fmt.Errorf("%w: no clusters configured", apierr.ErrNotFound)
	}

	for _, c := range clusters {
		if c.IsDefault {
			return r.Get(c.ClusterID)
		}
	}
	return r.Get(clusters[0].ClusterID)
}

// Invalidate drops the cached client for one cluster so the next Get
// rebuilds it from fresh config.
func (r *Registry) Invalidate(clusterID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, clusterID)
}

// InvalidateAll drops every cached client.
func (r *Registry) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients = make(map[string]*Client)
}

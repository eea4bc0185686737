package ipresolver

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cpp-cyber/classlab/internal/store"
)

// backgroundSweeper coalesces sweep requests from interactive paths. Any
// number of overlapping requests for a cluster merge into one pending MAC
// map, so a flurry of listing calls produces a single sweep.
type backgroundSweeper struct {
	resolver *Resolver

	mu       sync.Mutex
	pending  map[string]map[int]string // cluster_id -> vmid -> mac
	clusters map[string]*store.Cluster

	kick chan struct{}
	done chan struct{}
}

func newBackgroundSweeper(r *Resolver) *backgroundSweeper {
	b := &backgroundSweeper{
		resolver: r,
		pending:  make(map[string]map[int]string),
		clusters: make(map[string]*store.Cluster),
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go b.loop()
	return b
}

func (b *backgroundSweeper) stop() {
	close(b.done)
}

// enqueue merges wanted MACs into the pending map and nudges the loop. The
// channel has a buffer of one, so a sweep already queued absorbs the nudge.
func (b *backgroundSweeper) enqueue(cluster *store.Cluster, want map[int]string) {
	b.mu.Lock()
	if b.pending[cluster.ClusterID] == nil {
		b.pending[cluster.ClusterID] = make(map[int]string)
	}
	for vmid, mac := range want {
		b.pending[cluster.ClusterID][vmid] = mac
	}
	b.clusters[cluster.ClusterID] = cluster
	b.mu.Unlock()

	select {
	case b.kick <- struct{}{}:
	default:
	}
}

func (b *backgroundSweeper) loop() {
	for {
		select {
		case <-b.done:
			return
		case <-b.kick:
		}

		for {
			clusterID, cluster, want := b.take()
			if cluster == nil {
				break
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			b.resolver.resetRDPCache()
			found, err := b.resolver.sweep(ctx, cluster, want)
			cancel()
			if err != nil {
				log.Debug().Str("cluster", clusterID).Err(err).Msg("background sweep failed")
				continue
			}

			now := time.Now().UTC()
			for vmid, ip := range found {
				vm, err := b.resolver.store.GetVM(clusterID, vmid)
				if err != nil {
					continue
				}
				b.resolver.persist(cluster, vm, ip, now)
			}
		}
	}
}

// take removes and returns one cluster's pending batch.
func (b *backgroundSweeper) take() (string, *store.Cluster, map[int]string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for clusterID, want := range b.pending {
		cluster := b.clusters[clusterID]
		delete(b.pending, clusterID)
		delete(b.clusters, clusterID)
		return clusterID, cluster, want
	}
	return "", nil, nil
}

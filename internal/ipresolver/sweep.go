package ipresolver

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cpp-cyber/classlab/internal/store"
)

const (
	subnetPingTimeout = 90 * time.Second
	neighReadTimeout  = 15 * time.Second
)

// sweep maps the wanted MACs to IPv4 addresses by walking the cluster's ARP
// subnets. Each subnet gets a ping sweep on the cluster host to populate the
// neighbor table, then one neighbor read covers all subnets.
func (r *Resolver) sweep(ctx context.Context, cluster *store.Cluster, want map[int]string) (map[int]string, error) {
	if len(cluster.ARPSubnets) == 0 {
		return nil, fmt.Errorf("cluster %s has no ARP subnets configured", cluster.ClusterID)
	}

	subnets := make(chan string, len(cluster.ARPSubnets))
	for _, subnet := range cluster.ARPSubnets {
		subnets <- subnet
	}
	close(subnets)

	workers := r.workers
	if workers > len(cluster.ARPSubnets) {
		workers = len(cluster.ARPSubnets)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for subnet := range subnets {
				cmd := fmt.Sprintf("nmap -sn -n --max-retries 1 %s >/dev/null 2>&1 || true", subnet)
				if _, err := r.exec.Run(ctx, cluster.Host, cmd, subnetPingTimeout, false); err != nil {
					log.Debug().Str("cluster", cluster.ClusterID).Str("subnet", subnet).
						Err(err).Msg("subnet ping sweep failed")
				}
			}
		}()
	}
	wg.Wait()

	result, err := r.exec.Run(ctx, cluster.Host, "ip neigh show", neighReadTimeout, true)
	if err != nil {
		return nil, fmt.Errorf("failed to read neighbor table: %w", err)
	}

	neighbors := parseNeighbors(result.Stdout)
	found := make(map[int]string)
	for vmid, mac := range want {
		if ip, ok := neighbors[mac]; ok {
			found[vmid] = ip
		}
	}
	log.Debug().Str("cluster", cluster.ClusterID).
		Int("wanted", len(want)).Int("found", len(found)).Msg("ARP sweep complete")
	return found, nil
}

// parseNeighbors builds a normalized-MAC to IPv4 table from `ip neigh show`
// output. Lines look like:
//
//	10.1.2.34 dev vmbr0 lladdr bc:24:11:aa:bb:cc REACHABLE
//
// Entries without an lladdr (FAILED/INCOMPLETE) are skipped, as are IPv6
// neighbors.
func parseNeighbors(out string) map[string]string {
	table := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 || strings.Contains(fields[0], ":") {
			continue
		}
		for i := 0; i < len(fields)-1; i++ {
			if fields[i] == "lladdr" {
				if mac := NormalizeMAC(fields[i+1]); mac != "" {
					table[mac] = fields[0]
				}
				break
			}
		}
	}
	return table
}

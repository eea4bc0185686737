package ipresolver

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cpp-cyber/classlab/internal/apierr"
	"github.com/cpp-cyber/classlab/internal/proxmox"
	"github.com/cpp-cyber/classlab/internal/shell"
	"github.com/cpp-cyber/classlab/internal/store"
)

// Resolver discovers guest IPs in three tiers: the database cache, the
// guest agent (or container interface API), and finally an ARP sweep over
// the cluster's configured subnets.
type Resolver struct {
	store    *store.Store
	registry *proxmox.Registry
	exec     *shell.Executor
	cacheTTL time.Duration
	workers  int

	// probe is swappable for tests.
	probe func(addr string, timeout time.Duration) bool

	rdpMu    sync.Mutex
	rdpCache map[string]bool

	bg *backgroundSweeper
}

// New builds a resolver. workers bounds both the agent query fan-out and
// the per-subnet sweep fan-out.
func New(s *store.Store, registry *proxmox.Registry, exec *shell.Executor, cacheTTL time.Duration, workers int) *Resolver {
	r := &Resolver{
		store:    s,
		registry: registry,
		exec:     exec,
		cacheTTL: cacheTTL,
		workers:  workers,
		probe:    tcpProbe,
		rdpCache: make(map[string]bool),
	}
	r.bg = newBackgroundSweeper(r)
	return r
}

// Close stops the background sweeper.
func (r *Resolver) Close() {
	r.bg.stop()
}

// NormalizeMAC strips separators and lowercases a hardware address. Returns
// the canonical 12 hex char form, or "" when the input is not a MAC.
func NormalizeMAC(mac string) string {
	var b strings.Builder
	for _, c := range strings.ToLower(mac) {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f':
			b.WriteRune(c)
		case c == ':' || c == '-' || c == '.':
		default:
			return ""
		}
	}
	if b.Len() != 12 {
		return ""
	}
	return b.String()
}

// ResolveSync resolves IPs for the given VMs and persists every discovery.
// The sync daemon calls this after each full inventory pass; the sweep tier
// runs at most once per call, fed by the MACs that tiers 1 and 2 missed.
func (r *Resolver) ResolveSync(ctx context.Context, cluster *store.Cluster, vms []store.VMInventory) {
	if !cluster.EnableIPLookup {
		return
	}
	now := time.Now().UTC()
	r.resetRDPCache()

	want := make(map[int]string) // vmid -> normalized mac, for the sweep tier
	for i := range vms {
		vm := &vms[i]
		if vm.Status != "running" || vm.IsTemplate {
			continue
		}
		if r.cacheFresh(vm, now) {
			continue
		}

		ip, err := r.queryGuest(ctx, cluster, vm)
		if err == nil && ip != "" {
			r.persist(cluster, vm, ip, now)
			continue
		}
		if err != nil {
			log.Debug().Str("cluster", cluster.ClusterID).Int("vmid", vm.VMID).
				Err(err).Msg("guest-side IP query failed, deferring to sweep")
		}

		if mac := NormalizeMAC(vm.MACAddress); mac != "" {
			want[vm.VMID] = mac
		}
	}

	if len(want) == 0 {
		return
	}

	found, err := r.sweep(ctx, cluster, want)
	if err != nil {
		log.Warn().Str("cluster", cluster.ClusterID).Err(err).Msg("ARP sweep failed")
		return
	}
	for i := range vms {
		vm := &vms[i]
		if ip, ok := found[vm.VMID]; ok {
			r.persist(cluster, vm, ip, now)
		}
	}
}

// ResolveBackground returns immediately with whatever the cache holds and
// queues the stale VMs for an asynchronous sweep. Interactive API paths use
// this so listings never block on network scans.
func (r *Resolver) ResolveBackground(cluster *store.Cluster, vms []store.VMInventory) {
	if !cluster.EnableIPLookup {
		return
	}
	now := time.Now().UTC()

	want := make(map[int]string)
	for i := range vms {
		vm := &vms[i]
		if vm.Status != "running" || vm.IsTemplate || r.cacheFresh(vm, now) {
			continue
		}
		if mac := NormalizeMAC(vm.MACAddress); mac != "" {
			want[vm.VMID] = mac
		}
	}
	if len(want) > 0 {
		r.bg.enqueue(cluster, want)
	}
}

// cacheFresh judges the cache tier by ip_updated_at, which only the persist
// path writes. last_updated is restamped on every sync merge and would keep
// a stale address fresh forever.
func (r *Resolver) cacheFresh(vm *store.VMInventory, now time.Time) bool {
	if store.IsPlaceholderIP(vm.IP) {
		return false
	}
	if vm.IPUpdatedAt == nil {
		return false
	}
	return now.Sub(*vm.IPUpdatedAt) < r.cacheTTL
}

// queryGuest asks the hypervisor for the guest's addresses. QEMU goes
// through the guest agent, containers through the node interface API.
func (r *Resolver) queryGuest(ctx context.Context, cluster *store.Cluster, vm *store.VMInventory) (string, error) {
	// Worker paths create their own short-lived client rather than sharing
	// the registry's cached one across goroutines.
	client, err := proxmox.NewClient(cluster)
	if err != nil {
		return "", err
	}

	if vm.Type == store.TypeLXC {
		ifaces, err := client.LXCInterfaces(ctx, vm.Node, vm.VMID)
		if err != nil {
			return "", err
		}
		return lxcIPv4(ifaces), nil
	}

	ifaces, err := client.AgentNetworkInterfaces(ctx, vm.Node, vm.VMID)
	if err != nil {
		return "", err
	}
	return agentIPv4(ifaces), nil
}

// agentIPv4 picks the first non-loopback IPv4 from guest NICs named like
// eth* or ens*.
func agentIPv4(ifaces []proxmox.AgentInterface) string {
	for _, iface := range ifaces {
		name := strings.ToLower(iface.Name)
		if !strings.HasPrefix(name, "eth") && !strings.HasPrefix(name, "ens") {
			continue
		}
		for _, addr := range iface.IPAddresses {
			if addr.Type == "ipv4" && !strings.HasPrefix(addr.Address, "127.") {
				return addr.Address
			}
		}
	}
	return ""
}

// lxcIPv4 prefers eth0/veth0, else the first non-loopback address. The node
// reports inet in CIDR form.
func lxcIPv4(ifaces []proxmox.LXCInterface) string {
	pick := func(iface proxmox.LXCInterface) string {
		ip := iface.Inet
		if i := strings.IndexByte(ip, '/'); i > 0 {
			ip = ip[:i]
		}
		if ip == "" || strings.HasPrefix(ip, "127.") {
			return ""
		}
		return ip
	}

	for _, iface := range ifaces {
		if iface.Name == "eth0" || iface.Name == "veth0" {
			if ip := pick(iface); ip != "" {
				return ip
			}
		}
	}
	for _, iface := range ifaces {
		if iface.Name == "lo" {
			continue
		}
		if ip := pick(iface); ip != "" {
			return ip
		}
	}
	return ""
}

// persist writes a discovered IP through to the owning entity and updates
// the RDP signal. Class-managed VMs carry the cached IP on the assignment
// as well as the inventory row.
func (r *Resolver) persist(cluster *store.Cluster, vm *store.VMInventory, ip string, now time.Time) {
	if store.IsPlaceholderIP(ip) {
		return
	}
	vm.IP = ip
	vm.IPUpdatedAt = &now

	if cluster.EnableIPPersistence {
		if err := r.store.UpdateVMIP(cluster.ClusterID, vm.VMID, ip, now); err != nil {
			log.Warn().Int("vmid", vm.VMID).Err(err).Msg("failed to persist discovered IP")
		}
		if _, err := r.store.GetAssignmentByVMID(vm.VMID); err == nil {
			if err := r.store.UpdateAssignmentIP(vm.VMID, ip, now); err != nil {
				log.Warn().Int("vmid", vm.VMID).Err(err).Msg("failed to persist assignment IP")
			}
		} else if !errors.Is(err, apierr.ErrNotFound) {
			log.Warn().Int("vmid", vm.VMID).Err(err).Msg("assignment lookup failed during IP persist")
		}
	}

	available := r.RDPAvailable(vm)
	if err := r.store.SetRDPAvailable(cluster.ClusterID, vm.VMID, available); err != nil {
		log.Warn().Int("vmid", vm.VMID).Err(err).Msg("failed to persist RDP availability")
	}
}

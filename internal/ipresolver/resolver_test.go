package ipresolver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cpp-cyber/classlab/internal/proxmox"
	"github.com/cpp-cyber/classlab/internal/store"
)

func TestNormalizeMAC(t *testing.T) {
	cases := map[string]string{
		"BC:24:11:AA:BB:CC":    "bc2411aabbcc",
		"bc-24-11-aa-bb-cc":    "bc2411aabbcc",
		"bc24.11aa.bbcc":       "bc2411aabbcc",
		"bc2411aabbcc":         "bc2411aabbcc",
		"bc:24:11:aa:bb":       "",
		"not-a-mac":            "",
		"bc:24:11:aa:bb:cc:dd": "",
		"":                     "",
	}
	for input, want := range cases {
		require.Equal(t, want, NormalizeMAC(input), "input %q", input)
	}
}

func TestAgentIPv4PicksFirstEthernetAddress(t *testing.T) {
	ifaces := []proxmox.AgentInterface{
		{Name: "lo", IPAddresses: []proxmox.AgentIPAddress{
			{Type: "ipv4", Address: "127.0.0.1"},
		}},
		{Name: "eth0", IPAddresses: []proxmox.AgentIPAddress{
			{Type: "ipv6", Address: "fe80::1"},
			{Type: "ipv4", Address: "10.1.2.34"},
		}},
		{Name: "ens18", IPAddresses: []proxmox.AgentIPAddress{
			{Type: "ipv4", Address: "10.1.2.99"},
		}},
	}
	require.Equal(t, "10.1.2.34", agentIPv4(ifaces))
}

func TestAgentIPv4IgnoresUnknownInterfaceNames(t *testing.T) {
	ifaces := []proxmox.AgentInterface{
		{Name: "docker0", IPAddresses: []proxmox.AgentIPAddress{
			{Type: "ipv4", Address: "172.17.0.1"},
		}},
	}
	require.Empty(t, agentIPv4(ifaces))
}

func TestLXCIPv4PrefersEth0(t *testing.T) {
	ifaces := []proxmox.LXCInterface{
		{Name: "lo", Inet: "127.0.0.1/8"},
		{Name: "veth1", Inet: "10.5.0.9/24"},
		{Name: "eth0", Inet: "10.5.0.7/24"},
	}
	require.Equal(t, "10.5.0.7", lxcIPv4(ifaces))
}

func TestLXCIPv4FallsBackToFirstNonLoopback(t *testing.T) {
	ifaces := []proxmox.LXCInterface{
		{Name: "lo", Inet: "127.0.0.1/8"},
		{Name: "net1", Inet: "192.168.4.20/24"},
	}
	require.Equal(t, "192.168.4.20", lxcIPv4(ifaces))
}

func TestParseNeighbors(t *testing.T) {
	out := `10.1.2.34 dev vmbr0 lladdr bc:24:11:aa:bb:cc REACHABLE
10.1.2.50 dev vmbr0 lladdr BC:24:11:00:11:22 STALE
10.1.2.99 dev vmbr0 FAILED
fe80::be24:11ff:feaa:bbcc dev vmbr0 lladdr bc:24:11:aa:bb:cc router REACHABLE
`
	table := parseNeighbors(out)
	require.Len(t, table, 2)
	require.Equal(t, "10.1.2.34", table["bc2411aabbcc"])
	require.Equal(t, "10.1.2.50", table["bc2411001122"])
}

func TestRDPAvailableDecision(t *testing.T) {
	r := &Resolver{rdpCache: make(map[string]bool)}
	probed := 0
	r.probe = func(addr string, timeout time.Duration) bool {
		probed++
		return addr == "10.0.0.5:3389"
	}

	stopped := &store.VMInventory{Status: "stopped", IP: "10.0.0.5"}
	require.False(t, r.RDPAvailable(stopped))

	noIP := &store.VMInventory{Status: "running", IP: "N/A"}
	require.False(t, r.RDPAvailable(noIP))

	windows := &store.VMInventory{Status: "running", IP: "10.0.0.8", Category: "Windows"}
	require.True(t, r.RDPAvailable(windows))
	require.Zero(t, probed, "windows category short-circuits the probe")

	linux := &store.VMInventory{Status: "running", IP: "10.0.0.5", Category: "linux"}
	require.True(t, r.RDPAvailable(linux))
	require.True(t, r.RDPAvailable(linux))
	require.Equal(t, 1, probed, "second call served from the cycle cache")

	r.resetRDPCache()
	require.True(t, r.RDPAvailable(linux))
	require.Equal(t, 2, probed)
}

func TestBackgroundEnqueueCoalesces(t *testing.T) {
	b := &backgroundSweeper{
		pending:  make(map[string]map[int]string),
		clusters: make(map[string]*store.Cluster),
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	cluster := &store.Cluster{ClusterID: "main"}

	b.enqueue(cluster, map[int]string{101: "aa0000000001", 102: "aa0000000002"})
	b.enqueue(cluster, map[int]string{102: "aa0000000002", 103: "aa0000000003"})

	_, got, want := b.take()
	require.Equal(t, cluster, got)
	require.Len(t, want, 3)

	_, got, _ = b.take()
	require.Nil(t, got, "second take finds nothing pending")

	// Both enqueues collapsed into a single buffered nudge.
	<-b.kick
	select {
	case <-b.kick:
		t.Fatal("kick channel should hold at most one signal")
	default:
	}
}

func TestCacheFresh(t *testing.T) {
	r := &Resolver{cacheTTL: time.Hour}
	now := time.Now()
	at := func(d time.Duration) *time.Time {
		t := now.Add(d)
		return &t
	}

	fresh := &store.VMInventory{IP: "10.0.0.5", IPUpdatedAt: at(-30 * time.Minute)}
	require.True(t, r.cacheFresh(fresh, now))

	stale := &store.VMInventory{IP: "10.0.0.5", IPUpdatedAt: at(-2 * time.Hour)}
	require.False(t, r.cacheFresh(stale, now))

	placeholder := &store.VMInventory{IP: "Fetching...", IPUpdatedAt: at(0)}
	require.False(t, r.cacheFresh(placeholder, now))

	// An IP that was never resolved by us (carried in from a seed or a
	// migration) has no resolution time and must not be treated as fresh.
	unresolved := &store.VMInventory{IP: "10.0.0.5", LastUpdated: now}
	require.False(t, r.cacheFresh(unresolved, now))
}

// The full sync restamps last_updated on every pass while carrying the old
// IP forward. Freshness must follow the resolution time, not the sync time,
// or a changed guest IP would never be re-discovered.
func TestCacheExpiresDespiteSyncRestamp(t *testing.T) {
	r := &Resolver{cacheTTL: time.Hour}
	now := time.Now()
	resolved := now.Add(-24 * time.Hour)

	vm := &store.VMInventory{
		IP:          "10.0.0.5",
		IPUpdatedAt: &resolved,
		LastUpdated: now,
	}
	require.False(t, r.cacheFresh(vm, now))
}

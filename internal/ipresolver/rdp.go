package ipresolver

import (
	"net"
	"strings"
	"time"

	"github.com/cpp-cyber/classlab/internal/store"
)

const rdpProbeTimeout = 500 * time.Millisecond

// RDPAvailable derives whether a VM can be reached over RDP: it must be
// running with a known IP, and either be categorized as Windows or answer on
// port 3389. Probe results are cached until the next sweep cycle.
func (r *Resolver) RDPAvailable(vm *store.VMInventory) bool {
	if vm.Status != "running" || store.IsPlaceholderIP(vm.IP) {
		return false
	}
	if strings.EqualFold(vm.Category, "windows") {
		return true
	}

	addr := net.JoinHostPort(vm.IP, "3389")

	r.rdpMu.Lock()
	cached, ok := r.rdpCache[addr]
	r.rdpMu.Unlock()
	if ok {
		return cached
	}

	open := r.probe(addr, rdpProbeTimeout)
	r.rdpMu.Lock()
	r.rdpCache[addr] = open
	r.rdpMu.Unlock()
	return open
}

// resetRDPCache drops cached probe results; called at the start of each
// sweep cycle so availability tracks reality within one cycle.
func (r *Resolver) resetRDPCache() {
	r.rdpMu.Lock()
	r.rdpCache = make(map[string]bool)
	r.rdpMu.Unlock()
}

func tcpProbe(addr string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

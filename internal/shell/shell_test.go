package shell

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStderrTailBoundsOutput(t *testing.T) {
	var lines []string
	for i := 0; i < 20; i++ {
		lines = append(lines, "line")
	}
	long := ""
	for _, l := range lines {
		long += l + "\n"
	}

	tail := stderrTail(long)
	require.LessOrEqual(t, len(tail), 500)
	require.Equal(t, "line\nline\nline\nline\nline", tail)
}

func TestPoolEvictsOldestIdleAtCap(t *testing.T) {
	p := NewPool(Credentials{User: "root", Password: "x"}, 2, time.Hour)
	defer p.Close()

	// Seed the pool directly; dialing real hosts is out of scope here.
	old := newSession("node-a", nil)
	old.used = time.Now().Add(-30 * time.Minute)
	newer := newSession("node-b", nil)
	p.sessions["node-a@root"] = old
	p.sessions["node-b@root"] = newer

	p.mu.Lock()
	p.evictOldestLocked()
	p.mu.Unlock()

	require.NotContains(t, p.sessions, "node-a@root")
	require.Contains(t, p.sessions, "node-b@root")

	stats := p.Stats()
	require.EqualValues(t, 1, stats.Dropped)
	require.Equal(t, 1, stats.Active)
	require.InDelta(t, 50.0, stats.Utilization, 0.01)
}

func TestReapIdleClosesStaleSessions(t *testing.T) {
	p := NewPool(Credentials{User: "root", Password: "x"}, 10, 10*time.Minute)
	defer p.Close()

	stale := newSession("node-a", nil)
	stale.used = time.Now().Add(-time.Hour)
	fresh := newSession("node-b", nil)
	p.sessions["node-a@root"] = stale
	p.sessions["node-b@root"] = fresh

	p.reapIdle()

	require.NotContains(t, p.sessions, "node-a@root")
	require.Contains(t, p.sessions, "node-b@root")
	require.EqualValues(t, 1, p.Stats().Closed)
}

func TestDialRequiresAuthMethod(t *testing.T) {
	_, err := dial("localhost", Credentials{User: "root", Port: 22})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no SSH authentication method")
}

func TestDirectSessionCachesUnreachableNodes(t *testing.T) {
	// No key and no password: Acquire fails before any network dial.
	p := NewPool(Credentials{User: "root"}, 4, time.Minute)
	defer p.Close()
	e := NewExecutor(p, "gateway", time.Second)

	_, ok := e.directSession("pve9")
	require.False(t, ok)

	e.mu.Lock()
	first, recorded := e.unreachable["pve9"]
	e.mu.Unlock()
	require.True(t, recorded)

	// Within the retry interval the dial is skipped entirely, so the
	// recorded failure time does not move.
	_, ok = e.directSession("pve9")
	require.False(t, ok)

	e.mu.Lock()
	second := e.unreachable["pve9"]
	e.mu.Unlock()
	require.Equal(t, first, second)

	// Once the interval has passed the node is probed again.
	e.mu.Lock()
	e.unreachable["pve9"] = time.Now().Add(-directRetryInterval - time.Minute)
	e.mu.Unlock()

	_, ok = e.directSession("pve9")
	require.False(t, ok)

	e.mu.Lock()
	third := e.unreachable["pve9"]
	e.mu.Unlock()
	require.True(t, third.After(second), "fresh failure restamps the cache")
}

func TestFirstWord(t *testing.T) {
	require.Equal(t, "qm", firstWord("qm clone 9000 501"))
	require.Equal(t, "hostname", firstWord("hostname"))
}

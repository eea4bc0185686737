package shell

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// A node that failed a direct dial is reached through the gateway without
// re-dialing until this much time has passed.
const directRetryInterval = 5 * time.Minute

// Executor runs privileged commands on cluster nodes, routing each command
// to the right node even when the pool only holds a session to another one.
type Executor struct {
	pool    *Pool
	gateway string
	timeout time.Duration

	mu          sync.Mutex
	unreachable map[string]time.Time
}

// NewExecutor wraps a pool. The gateway is the cluster host used for
// hostname resolution and as the hop origin for nodes without a direct
// session.
func NewExecutor(pool *Pool, gateway string, defaultTimeout time.Duration) *Executor {
	return &Executor{
		pool:        pool,
		gateway:     gateway,
		timeout:     defaultTimeout,
		unreachable: make(map[string]time.Time),
	}
}

// Run executes a command directly on the given host.
func (e *Executor) Run(ctx context.Context, host, cmd string, timeout time.Duration, check bool) (*Result, error) {
	if timeout == 0 {
		timeout = e.timeout
	}
	session, err := e.pool.Acquire(host)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("host", host).Str("cmd", firstWord(cmd)).Msg("executing remote command")
	return session.Execute(ctx, cmd, timeout, check)
}

// RunOnNode executes a command on a named cluster node. When the node is
// not directly reachable, the command is tunneled through the gateway as
// `ssh <node-ip> '<cmd>'`.
func (e *Executor) RunOnNode(ctx context.Context, node, cmd string, timeout time.Duration, check bool) (*Result, error) {
	if timeout == 0 {
		timeout = e.timeout
	}

	// A node we can reach directly gets the command without a hop.
	if session, ok := e.directSession(node); ok {
		return session.Execute(ctx, cmd, timeout, check)
	}

	ip, err := e.ResolveNodeIP(ctx, node)
	if err != nil {
		return nil, err
	}

	session, err := e.pool.Acquire(e.gateway)
	if err != nil {
		return nil, err
	}

	hopCmd := fmt.Sprintf("ssh -o StrictHostKeyChecking=no %s '%s'", ip, strings.ReplaceAll(cmd, "'", `'"'"'`))
	log.Debug().Str("node", node).Str("via", e.gateway).Msg("tunneling command through gateway")
	return session.Execute(ctx, hopCmd, timeout, check)
}

// directSession acquires a pooled session to the node itself, skipping the
// dial entirely when a recent attempt already found the node unreachable.
// Without the cache every command to a gateway-only node would stall on a
// fresh dial timeout first.
func (e *Executor) directSession(node string) (*Session, bool) {
	e.mu.Lock()
	failedAt, known := e.unreachable[node]
	e.mu.Unlock()
	if known && time.Since(failedAt) < directRetryInterval {
		return nil, false
	}

	session, err := e.pool.Acquire(node)
	if err != nil {
		e.mu.Lock()
		e.unreachable[node] = time.Now()
		e.mu.Unlock()
		log.Debug().Str("node", node).Err(err).Msg("node not directly reachable, routing through gateway")
		return nil, false
	}

	e.mu.Lock()
	delete(e.unreachable, node)
	e.mu.Unlock()
	return session, true
}

// ResolveNodeIP resolves a cluster node hostname by querying the gateway's
// host database, falling back to DNS on the gateway.
func (e *Executor) ResolveNodeIP(ctx context.Context, node string) (string, error) {
	session, err := e.pool.Acquire(e.gateway)
	if err != nil {
		return "", err
	}

	result, err := session.Execute(ctx, fmt.Sprintf("getent hosts %s", node), 15*time.Second, false)
	if err == nil && result.ExitCode == 0 {
		fields := strings.Fields(result.Stdout)
		if len(fields) > 0 {
			return fields[0], nil
		}
	}

	result, err = session.Execute(ctx, fmt.Sprintf("nslookup %s", node), 15*time.Second, false)
	if err == nil && result.ExitCode == 0 {
		for _, line := range strings.Split(result.Stdout, "\n")[1:] {
			line = strings.TrimSpace(line)
			if addr, ok := strings.CutPrefix(line, "Address:"); ok {
				return strings.TrimSpace(addr), nil
			}
		}
	}

	return "", fmt.Errorf("failed to resolve node %s via gateway %s", node, e.gateway)
}

func firstWord(cmd string) string {
	if i := strings.IndexByte(cmd, ' '); i > 0 {
		return cmd[:i]
	}
	return cmd
}

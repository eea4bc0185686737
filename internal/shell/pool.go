package shell

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Credentials configure how the pool authenticates to cluster nodes.
type Credentials struct {
	User     string
	Port     int
	KeyPath  string
	Password string
}

// Stats is a snapshot of the pool counters.
type Stats struct {
	Created     int64   `json:"created"`
	Reused      int64   `json:"reused"`
	Closed      int64   `json:"closed"`
	Dropped     int64   `json:"dropped"`
	Active      int     `json:"active"`
	Utilization float64 `json:"utilization_percent"`
}

// Pool hands out authenticated shell sessions to cluster nodes, keyed by
// (host, user). Sessions are probed on acquisition, reaped after the idle
// timeout, and the oldest idle one is evicted when the cap is reached.
type Pool struct {
	mu       sync.Mutex
	sessions map[string]*Session
	creds    Credentials
	max      int
	idle     time.Duration

	created int64
	reused  int64
	closed  int64
	dropped int64

	stopReaper chan struct{}
}

// NewPool builds a session pool with the given cap and idle timeout and
// starts the background reaper.
func NewPool(creds Credentials, max int, idle time.Duration) *Pool {
	if creds.Port == 0 {
		creds.Port = 22
	}
	p := &Pool{
		sessions:   make(map[string]*Session),
		creds:      creds,
		max:        max,
		idle:       idle,
		stopReaper: make(chan struct{}),
	}
	go p.reapLoop()
	return p
}

// Close shuts down every pooled session and stops the reaper.
func (p *Pool) Close() {
	close(p.stopReaper)
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, s := range p.sessions {
		s.close()
		delete(p.sessions, key)
		p.closed++
	}
}

// Acquire returns a live session to the host, reusing a pooled one when its
// liveness probe passes and reconnecting transparently when it does not.
func (p *Pool) Acquire(host string) (*Session, error) {
	key := host + "@" + p.creds.User

	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.sessions[key]; ok {
		if s.alive() {
			s.touch()
			p.reused++
			return s, nil
		}
		// Dead connection; drop it and fall through to reconnect.
		s.close()
		delete(p.sessions, key)
		p.dropped++
	}

	if len(p.sessions) >= p.max {
		p.evictOldestLocked()
	}

	s, err := dial(host, p.creds)
	if err != nil {
		return nil, err
	}
	p.sessions[key] = s
	p.created++
	return s, nil
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Created:     p.created,
		Reused:      p.reused,
		Closed:      p.closed,
		Dropped:     p.dropped,
		Active:      len(p.sessions),
		Utilization: float64(len(p.sessions)) / float64(p.max) * 100,
	}
}

// evictOldestLocked removes the session idle the longest. Caller holds the
// mutex.
func (p *Pool) evictOldestLocked() {
	var (
		oldestKey string
		oldest    time.Time
	)
	for key, s := range p.sessions {
		if oldestKey == "" || s.lastUsed().Before(oldest) {
			oldestKey = key
			oldest = s.lastUsed()
		}
	}
	if oldestKey != "" {
		p.sessions[oldestKey].close()
		delete(p.sessions, oldestKey)
		p.dropped++
		log.Debug().Str("session", oldestKey).Msg("evicted oldest idle shell session at pool cap")
	}
}

func (p *Pool) reapLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopReaper:
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

func (p *Pool) reapIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for key, s := range p.sessions {
		if now.Sub(s.lastUsed()) > p.idle {
			s.close()
			delete(p.sessions, key)
			p.closed++
			log.Debug().Str("session", key).Msg("reaped idle shell session")
		}
	}
}

func dial(host string, creds Credentials) (*Session, error) {
	var methods []ssh.AuthMethod

	if creds.KeyPath != "" {
		keyBytes, err := os.ReadFile(creds.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read SSH key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse SSH key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if creds.Password != "" {
		methods = append(methods, ssh.Password(creds.Password))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("no SSH authentication method configured")
	}

	cfg := &ssh.ClientConfig{
		User: creds.User,
		Auth: methods,
		// Cluster nodes are provisioned with self-signed host keys.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	addr := fmt.Sprintf("%s:%d", host, creds.Port)
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	return newSession(host, client), nil
}

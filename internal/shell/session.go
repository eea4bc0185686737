package shell

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cpp-cyber/classlab/internal/apierr"
	"golang.org/x/crypto/ssh"
)

// Result carries the outcome of one remote command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Session is one pooled SSH connection to a cluster node. Commands run one
// at a time; the pool never issues concurrent commands on a session.
type Session struct {
	Host string

	mu     sync.Mutex
	client *ssh.Client
	used   time.Time
	dead   bool
}

func newSession(host string, client *ssh.Client) *Session {
	return &Session{
		Host:   host,
		client: client,
		used:   time.Now(),
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.used = time.Now()
	s.mu.Unlock()
}

func (s *Session) lastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

// alive probes the connection with a keepalive request.
func (s *Session) alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead || s.client == nil {
		return false
	}
	_, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil)
	if err != nil {
		s.dead = true
		return false
	}
	return true
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
	s.dead = true
}

// Execute runs a command with a timeout. On deadline the command is aborted
// and the session is marked dead so the pool reconnects next time. With
// check set, a non-zero exit is returned as ErrCommandFailed carrying the
// stderr tail.
func (s *Session) Execute(ctx context.Context, cmd string, timeout time.Duration, check bool) (*Result, error) {
	s.mu.Lock()
	client := s.client
	s.used = time.Now()
	s.mu.Unlock()

	if client == nil {
		return nil, fmt.Errorf("session to %s is closed", s.Host)
	}

	sess, err := client.NewSession()
	if err != nil {
		s.markDead()
		return nil, fmt.Errorf("failed to open session on %s: %w", s.Host, err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- sess.Run(cmd)
	}()

	select {
	case <-runCtx.Done():
		// Abort and poison the session; a half-finished command leaves the
		// remote shell in an unknown state.
		sess.Signal(ssh.SIGKILL)
		s.markDead()
		return nil, fmt.Errorf("%w: command timed out after %s on %s", apierr.ErrCommandFailed, timeout, s.Host)
	case err = <-done:
	}

	result := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			result.ExitCode = exitErr.ExitStatus()
		} else {
			s.markDead()
			return nil, fmt.Errorf("command transport failure on %s: %w", s.Host, err)
		}
	}

	if check && result.ExitCode != 0 {
		return result, fmt.Errorf("%w: exit %d on %s: %s",
			apierr.ErrCommandFailed, result.ExitCode, s.Host, stderrTail(result.Stderr))
	}
	return result, nil
}

func (s *Session) markDead() {
	s.mu.Lock()
	s.dead = true
	s.mu.Unlock()
}

// stderrTail keeps error messages bounded when a command dumps pages of
// output before failing.
func stderrTail(stderr string) string {
	stderr = strings.TrimSpace(stderr)
	lines := strings.Split(stderr, "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	tail := strings.Join(lines, "\n")
	if len(tail) > 500 {
		tail = tail[len(tail)-500:]
	}
	return tail
}

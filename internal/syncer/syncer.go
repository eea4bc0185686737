package syncer

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cpp-cyber/classlab/internal/ipresolver"
	"github.com/cpp-cyber/classlab/internal/proxmox"
	"github.com/cpp-cyber/classlab/internal/store"
)

const (
	wakeInterval = 60 * time.Second
	maxBackoff   = 300 * time.Second

	vmFullInterval       = 600 * time.Second
	vmQuickInterval      = 120 * time.Second
	templateFullInterval = 1800 * time.Second
	templateVerifyPeriod = 300 * time.Second
	isoFullInterval      = 1800 * time.Second
	isoVerifyPeriod      = 300 * time.Second

	quickSyncLimit = 50
)

// Offline nodes in a lab cluster are routine; errors matching these are
// logged at debug and do not count toward the backoff.
var expectedFailures = []string{
	"hostname lookup",
	"No route to host",
	"595 Errors",
}

// Syncer mirrors cluster state into the inventory tables on a fixed
// schedule. One loop, six cadenced tasks, backoff on consecutive failures.
type Syncer struct {
	store    *store.Store
	registry *proxmox.Registry
	resolver *ipresolver.Resolver

	mu       sync.Mutex
	lastRun  map[string]time.Time
	failures int

	trigger chan struct{}
}

func New(s *store.Store, registry *proxmox.Registry, resolver *ipresolver.Resolver) *Syncer {
	return &Syncer{
		store:    s,
		registry: registry,
		resolver: resolver,
		lastRun:  make(map[string]time.Time),
		trigger:  make(chan struct{}, 1),
	}
}

// TriggerSync requests a full-sync iteration as soon as possible. The
// buffered channel makes the call idempotent while a sync is pending.
func (s *Syncer) TriggerSync() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run drives the sync loop until the context is cancelled.
func (s *Syncer) Run(ctx context.Context) {
	log.Info().Msg("sync orchestrator started")
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("sync orchestrator stopped")
			return
		case <-s.trigger:
			s.markDue("vm_full")
			s.iterate(ctx)
		case <-timer.C:
			s.iterate(ctx)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.nextWake())
	}
}

// iterate runs whichever tasks are due, counting unexpected failures.
func (s *Syncer) iterate(ctx context.Context) {
	now := time.Now()
	failed := false

	tasks := []struct {
		name     string
		interval time.Duration
		run      func(context.Context) error
	}{
		{"vm_full", vmFullInterval, s.vmFullSync},
		{"vm_quick", vmQuickInterval, s.vmQuickSync},
		{"template_full", templateFullInterval, s.templateFullSync},
		{"template_verify", templateVerifyPeriod, s.templateVerify},
		{"iso_full", isoFullInterval, s.isoFullSync},
		{"iso_verify", isoVerifyPeriod, s.isoVerify},
	}

	for _, task := range tasks {
		if !s.due(task.name, task.interval, now) {
			continue
		}
		if err := task.run(ctx); err != nil {
			if isExpectedFailure(err) {
				log.Debug().Str("task", task.name).Err(err).Msg("sync task hit known-offline node")
			} else {
				log.Error().Str("task", task.name).Err(err).Msg("sync task failed")
				failed = true
			}
			continue
		}
		s.markRan(task.name, now)
	}

	s.mu.Lock()
	if failed {
		s.failures++
	} else {
		s.failures = 0
	}
	s.mu.Unlock()
}

// nextWake is the base interval, doubled per consecutive failed iteration
// and capped.
func (s *Syncer) nextWake() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return backoff(s.failures)
}

func backoff(failures int) time.Duration {
	delay := wakeInterval
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

func (s *Syncer) due(task string, interval time.Duration, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastRun[task]
	return !ok || now.Sub(last) >= interval
}

func (s *Syncer) markRan(task string, now time.Time) {
	s.mu.Lock()
	s.lastRun[task] = now
	s.mu.Unlock()
}

func (s *Syncer) markDue(task string) {
	s.mu.Lock()
	delete(s.lastRun, task)
	s.mu.Unlock()
}

func isExpectedFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range expectedFailures {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

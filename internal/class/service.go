package class

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cpp-cyber/classlab/internal/apierr"
	"github.com/cpp-cyber/classlab/internal/locking"
	"github.com/cpp-cyber/classlab/internal/proxmox"
	"github.com/cpp-cyber/classlab/internal/store"
)

// Service owns the class lifecycle: creation, settings, join tokens,
// enrollment, and the pool invariants that the schema alone cannot express.
type Service struct {
	store       *store.Store
	registry    *proxmox.Registry
	locker      *locking.Locker
	lockTimeout time.Duration
	lockRetries int
}

func NewService(s *store.Store, registry *proxmox.Registry, locker *locking.Locker, lockTimeout time.Duration, lockRetries int) *Service {
	return &Service{
		store:       s,
		registry:    registry,
		locker:      locker,
		lockTimeout: lockTimeout,
		lockRetries: lockRetries,
	}
}

// Create validates and persists a new class for a teacher.
func (s *Service) Create(cls *store.Class) (*store.Class, error) {
	if cls.Name == "" {
		return nil, fmt.Errorf("%w: class name is required", apierr.ErrInvalidInput)
	}
	if cls.DeploymentMethod == "" {
		cls.DeploymentMethod = store.DeployLinkedClone
	}
	switch cls.DeploymentMethod {
	case store.DeployLinkedClone, store.DeployConfigClone:
	default:
		return nil, fmt.Errorf("%w: unknown deployment method %q", apierr.ErrInvalidInput, cls.DeploymentMethod)
	}
	return s.store.CreateClass(cls)
}

// UpdateSettings commits class settings under both lock regimes: the
// per-class mutex against concurrent batches, and the version check against
// a stale edit form.
func (s *Service) UpdateSettings(ctx context.Context, cls *store.Class) error {
	lock, err := s.locker.ClassLock(ctx, cls.ID, s.lockTimeout, s.lockRetries, 500*time.Millisecond)
	if err != nil {
		return fmt.Errorf("%w: class %d is locked by another operation", apierr.ErrResourceBusy, cls.ID)
	}
	defer lock.Release(context.WithoutCancel(ctx))

	return s.store.UpdateClass(cls)
}

// MintJoinToken generates a fresh 256-bit join token. A positive
// expiresInDays bounds its lifetime; zero means the token never expires.
func (s *Service) MintJoinToken(classID int64, expiresInDays int) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate join token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	var expiresAt *time.Time
	if expiresInDays > 0 {
		t := time.Now().UTC().AddDate(0, 0, expiresInDays)
		expiresAt = &t
	}
	if err := s.store.SetJoinToken(classID, token, expiresAt); err != nil {
		return "", err
	}
	return token, nil
}

// RevokeJoinToken invalidates the current token immediately.
func (s *Service) RevokeJoinToken(classID int64) error {
	return s.store.RevokeJoinToken(classID)
}

// JoinResult reports what enrollment produced. AssignedVMID is zero when
// the pool was empty and the student awaits allocation.
type JoinResult struct {
	ClassID        int64 `json:"class_id"`
	AlreadyMember  bool  `json:"already_member"`
	AssignedVMID   int   `json:"assigned_vmid,omitempty"`
	AwaitingVM     bool  `json:"awaiting_vm"`
}

// JoinViaToken enrolls a student through a join token and claims the lowest
// available pool VM for them, if one exists.
func (s *Service) JoinViaToken(ctx context.Context, token string, userID int64) (*JoinResult, error) {
	// 1. The token must resolve to a class and still be valid.
	cls, err := s.store.GetClassByToken(token)
	if err != nil {
		if errors.Is(err, apierr.ErrNotFound) {
			return nil, apierr.ErrInvalidToken
		}
		return nil, err
	}
	if !cls.TokenValid(time.Now()) {
		return nil, apierr.ErrInvalidToken
	}

	// 2. Re-joining is an idempotent success.
	enrolled, err := s.store.IsEnrolled(cls.ID, userID)
	if err != nil {
		return nil, err
	}
	if enrolled {
		vmid := 0
		for _, a := range s.userAssignments(cls.ID, userID) {
			vmid = a.ProxmoxVMID
			break
		}
		return &JoinResult{ClassID: cls.ID, AlreadyMember: true, AssignedVMID: vmid, AwaitingVM: vmid == 0}, nil
	}

	if err := s.store.Enroll(cls.ID, userID); err != nil {
		return nil, err
	}

	// 3. Claim a pool VM under the class lock so two students joining at
	// once cannot grab the same one.
	lock, err := s.locker.ClassLock(ctx, cls.ID, s.lockTimeout, s.lockRetries, 500*time.Millisecond)
	if err != nil {
		// Enrollment stands; the student just waits for allocation.
		log.Warn().Int64("class", cls.ID).Err(err).Msg("could not lock class for pool claim after enrollment")
		return &JoinResult{ClassID: cls.ID, AwaitingVM: true}, nil
	}
	defer lock.Release(context.WithoutCancel(ctx))

	vmid, err := s.claimPoolVM(cls.ID, userID)
	if err != nil {
		return nil, err
	}
	return &JoinResult{ClassID: cls.ID, AssignedVMID: vmid, AwaitingVM: vmid == 0}, nil
}

// claimPoolVM assigns the lowest-VMID available pool VM to the user.
// Returns zero when the pool is empty; that is a success.
func (s *Service) claimPoolVM(classID, userID int64) (int, error) {
	for {
		candidate, err := s.store.NextPoolVM(classID)
		if err != nil {
			return 0, err
		}
		if candidate == nil {
			return 0, nil
		}

		err = s.store.ClaimAssignment(candidate.ID, userID, time.Now().UTC())
		if err == nil {
			log.Info().Int64("class", classID).Int64("user", userID).
				Int("vmid", candidate.ProxmoxVMID).Msg("pool VM claimed")
			return candidate.ProxmoxVMID, nil
		}
		if errors.Is(err, apierr.ErrResourceBusy) {
			// Lost a race outside the lock path; try the next candidate.
			continue
		}
		return 0, err
	}
}

func (s *Service) userAssignments(classID, userID int64) []store.VMAssignment {
	all, err := s.store.ListAssignmentsForUser(userID)
	if err != nil {
		return nil
	}
	var out []store.VMAssignment
	for _, a := range all {
		if a.ClassID != nil && *a.ClassID == classID {
			out = append(out, a)
		}
	}
	return out
}

// Delete removes a class. With deleteVMs set, the backing VMs are destroyed
// in the cluster first; DB rows cascade either way.
func (s *Service) Delete(ctx context.Context, classID int64, deleteVMs bool) error {
	cls, err := s.store.GetClass(classID)
	if err != nil {
		return err
	}

	lock, err := s.locker.ClassLock(ctx, classID, s.lockTimeout, s.lockRetries, 500*time.Millisecond)
	if err != nil {
		return fmt.Errorf("%w: class %d is locked by another operation", apierr.ErrResourceBusy, classID)
	}
	defer lock.Release(context.WithoutCancel(ctx))

	if deleteVMs {
		if err := s.destroyClassVMs(ctx, cls); err != nil {
			return err
		}
	}
	return s.store.DeleteClass(classID)
}

func (s *Service) destroyClassVMs(ctx context.Context, cls *store.Class) error {
	assignments, err := s.store.ListAssignmentsForClass(cls.ID)
	if err != nil {
		return err
	}

	clusterID := cls.DeploymentCluster
	client, err := s.clientFor(clusterID)
	if err != nil {
		return err
	}

	for _, a := range assignments {
		if err := s.store.UpdateAssignmentStatus(a.ID, store.StatusDeleting); err != nil {
			return err
		}
		if err := client.StopVM(ctx, a.Node, "qemu", a.ProxmoxVMID); err != nil {
			log.Warn().Int("vmid", a.ProxmoxVMID).Err(err).Msg("stop before delete failed")
		}
		if err := client.DeleteVM(ctx, a.Node, "qemu", a.ProxmoxVMID); err != nil {
			return fmt.Errorf("failed to delete VM %d: %w", a.ProxmoxVMID, err)
		}
	}
	return nil
}

func (s *Service) clientFor(clusterID string) (*proxmox.Client, error) {
	if clusterID != "" {
		return s.registry.Get(clusterID)
	}
	return s.registry.GetDefault()
}

// CleanupOrphans deletes assignments that belong to no class and no user.
// Pool VMs are untouchable here; they always carry a class.
func (s *Service) CleanupOrphans() (int64, error) {
	deleted, err := s.store.DeleteOrphanAssignments()
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		log.Info().Int64("deleted", deleted).Msg("orphan assignments cleaned up")
	}
	return deleted, nil
}

package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cpp-cyber/classlab/internal/apierr"
	"github.com/cpp-cyber/classlab/internal/locking"
	"github.com/cpp-cyber/classlab/internal/proxmox"
	"github.com/cpp-cyber/classlab/internal/shell"
	"github.com/cpp-cyber/classlab/internal/store"
)

// Timeouts bundles the per-operation deadlines the engine works under.
type Timeouts struct {
	Shell   time.Duration
	Convert time.Duration
	Clone   time.Duration
	VMStop  time.Duration
	Lock    time.Duration
	Retries int
}

// Service provisions student VMs from class templates, as linked clones or
// as QCOW2 overlays on a shared base image.
type Service struct {
	store    *store.Store
	registry *proxmox.Registry
	exec     *shell.Executor
	locker   *locking.Locker
	timeouts Timeouts
}

func NewService(s *store.Store, registry *proxmox.Registry, exec *shell.Executor, locker *locking.Locker, timeouts Timeouts) *Service {
	return &Service{
		store:    s,
		registry: registry,
		exec:     exec,
		locker:   locker,
		timeouts: timeouts,
	}
}

// Request describes one batch deployment.
type Request struct {
	TemplateVMID int    `json:"template_vmid"`
	StudentCount int    `json:"student_count"`
	FixedNode    string `json:"fixed_node,omitempty"`
	StartVMID    int    `json:"start_vmid,omitempty"`

	// OnProgress, when set, receives per-VM events as the batch runs.
	OnProgress func(stage string, vmid int, detail string) `json:"-"`
}

func (r Request) progress(stage string, vmid int, detail string) {
	if r.OnProgress != nil {
		r.OnProgress(stage, vmid, detail)
	}
}

// Result aggregates a batch outcome; partial failure is normal when a node
// fills up mid-batch.
type Result struct {
	TaskID       string   `json:"task_id"`
	CreatedCount int      `json:"created_count"`
	ErrorCount   int      `json:"error_count"`
	Errors       []string `json:"errors,omitempty"`
	VMIDs        []int    `json:"vmids,omitempty"`
}

// Deploy provisions the class pool using the class's deployment method. The
// whole batch runs under the per-class lock so concurrent batches on the
// same class serialize.
func (s *Service) Deploy(ctx context.Context, class *store.Class, req Request) (*Result, error) {
	if req.StudentCount <= 0 {
		return nil, fmt.Errorf("%w: student count must be positive", apierr.ErrInvalidInput)
	}

	cluster, err := s.deploymentCluster(class)
	if err != nil {
		return nil, err
	}
	if !cluster.AllowVMDeployment {
		return nil, fmt.Errorf("%w: cluster %s does not allow VM deployment", apierr.ErrInvalidInput, cluster.ClusterID)
	}

	lock, err := s.locker.ClassLock(ctx, class.ID, s.timeouts.Lock, s.timeouts.Retries, 500*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("%w: class %d is locked by another operation", apierr.ErrResourceBusy, class.ID)
	}
	defer lock.Release(context.WithoutCancel(ctx))

	// Each batch gets a task ID so log lines and progress events from
	// overlapping deployments stay attributable.
	taskID := uuid.NewString()
	if err := s.store.SetCloneTask(class.ID, taskID); err != nil {
		log.Warn().Int64("class", class.ID).Err(err).Msg("failed to record clone task id")
	}

	log.Info().Int64("class", class.ID).Str("task", taskID).
		Str("method", string(class.DeploymentMethod)).
		Int("count", req.StudentCount).Msg("starting batch deployment")

	var result *Result
	switch class.DeploymentMethod {
	case store.DeployConfigClone:
		result, err = s.deployOverlay(ctx, cluster, class, req)
	default:
		result, err = s.deployLinkedClones(ctx, cluster, class, req)
	}
	if err != nil {
		return nil, err
	}
	result.TaskID = taskID
	return result, nil
}

func (s *Service) deploymentCluster(class *store.Class) (*store.Cluster, error) {
	if class.DeploymentCluster != "" {
		return s.store.GetCluster(class.DeploymentCluster)
	}
	clusters, err := s.store.ListActiveClusters()
	if err != nil {
		return nil, err
	}
	for i := range clusters {
		if clusters[i].IsDefault {
			return &clusters[i], nil
		}
	}
	if len(clusters) > 0 {
		return &clusters[0], nil
	}
	return nil, fmt.Errorf("%w: no active cluster configured", apierr.ErrNotFound)
}

// startVMID picks the first VMID of a batch: the class prefix scaled to
// leave two digits of room, or the general floor.
func startVMID(class *store.Class, req Request) int {
	if req.StartVMID > 0 {
		return req.StartVMID
	}
	if class.VMIDPrefix != nil && *class.VMIDPrefix > 0 {
		return *class.VMIDPrefix * 100
	}
	return 100
}

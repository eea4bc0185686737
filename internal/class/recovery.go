package class

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/cpp-cyber/classlab/internal/apierr"
	"github.com/cpp-cyber/classlab/internal/store"
)

// RecoveryCandidate is a cluster VM whose VMID matches a class's numbering
// scheme but has no assignment row, typically after a database loss.
type RecoveryCandidate struct {
	VMID   int    `json:"vmid"`
	Name   string `json:"name"`
	Node   string `json:"node"`
	Status string `json:"status"`
}

// ScanRecoverable lists cluster VMs that look like they belong to the class:
// the decimal VMID starts with the zero-padded class ID and is at least five
// digits long. VMs that already have an assignment are excluded.
func (s *Service) ScanRecoverable(ctx context.Context, classID int64, clusterID string) ([]RecoveryCandidate, error) {
	if _, err := s.store.GetClass(classID); err != nil {
		return nil, err
	}

	client, err := s.clientFor(clusterID)
	if err != nil {
		return nil, err
	}
	resources, err := client.GetClusterResources(ctx)
	if err != nil {
		return nil, err
	}

	prefix := fmt.Sprintf("%02d", classID)
	var candidates []RecoveryCandidate
	for _, res := range resources {
		if res.Type != "qemu" || res.IsTemplate() {
			continue
		}
		if !matchesClassPrefix(res.VMID, prefix) {
			continue
		}
		if _, err := s.store.GetAssignmentByVMID(res.VMID); err == nil {
			continue
		}
		candidates = append(candidates, RecoveryCandidate{
			VMID:   res.VMID,
			Name:   res.Name,
			Node:   res.Node,
			Status: res.Status,
		})
	}
	return candidates, nil
}

// matchesClassPrefix reports whether the VMID follows the class numbering
// scheme: decimal form begins with the padded class ID and has at least
// five digits, so class 5 matches 05xxx but never a plain 5xx.
func matchesClassPrefix(vmid int, prefix string) bool {
	dec := strconv.Itoa(vmid)
	return len(dec) >= 5 && dec[:len(prefix)] == prefix
}

// Recover attaches the admin-confirmed subset of candidates to the class.
// VMID collisions reuse the existing row, preserving VMID uniqueness.
func (s *Service) Recover(ctx context.Context, classID int64, clusterID string, vmids []int) (int, error) {
	if len(vmids) == 0 {
		return 0, fmt.Errorf("%w: no VMIDs to recover", apierr.ErrInvalidInput)
	}
	candidates, err := s.ScanRecoverable(ctx, classID, clusterID)
	if err != nil {
		return 0, err
	}

	eligible := make(map[int]RecoveryCandidate, len(candidates))
	for _, c := range candidates {
		eligible[c.VMID] = c
	}

	recovered := 0
	for _, vmid := range vmids {
		candidate, ok := eligible[vmid]
		if !ok {
			return recovered, fmt.Errorf("%w: VM %d is not a recovery candidate for class %d", apierr.ErrInvalidInput, vmid, classID)
		}
		if _, err := s.store.UpsertAssignment(&store.VMAssignment{
			ClassID:     &classID,
			ProxmoxVMID: candidate.VMID,
			VMName:      candidate.Name,
			Node:        candidate.Node,
			Status:      store.StatusAvailable,
		}); err != nil {
			return recovered, err
		}
		recovered++
	}

	log.Info().Int64("class", classID).Int("recovered", recovered).Msg("recovered VMs into class")
	return recovered, nil
}

package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cpp-cyber/classlab/internal/apierr"
)

const assignmentColumns = `id, class_id, proxmox_vmid, vm_name, mac_address,
	cached_ip, ip_updated_at, node, assigned_user_id, status, is_template_vm,
	manually_added, hostname_configured, target_hostname, usage_hours,
	created_at, assigned_at`

// UpsertAssignment inserts a VM assignment, or updates the existing row when
// one already references the same proxmox_vmid. VMIDs are unique across the
// whole table, so manual adds and recovery reuse rows instead of duplicating.
func (s *Store) UpsertAssignment(a *VMAssignment) (*VMAssignment, error) {
	if a.Status == "" {
		a.Status = StatusAvailable
	}

	_, err := s.db.Exec(`INSERT INTO vm_assignments
		(class_id, proxmox_vmid, vm_name, mac_address, cached_ip, ip_updated_at,
		 node, assigned_user_id, status, is_template_vm, manually_added,
		 hostname_configured, target_hostname, usage_hours, assigned_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (proxmox_vmid) DO UPDATE SET
			class_id = excluded.class_id,
			vm_name = excluded.vm_name,
			node = excluded.node,
			is_template_vm = excluded.is_template_vm,
			manually_added = excluded.manually_added,
			target_hostname = excluded.target_hostname`,
		a.ClassID, a.ProxmoxVMID, a.VMName, a.MACAddress, a.CachedIP, a.IPUpdatedAt,
		a.Node, a.AssignedUserID, string(a.Status), a.IsTemplateVM, a.ManuallyAdded,
		a.HostnameConfigured, a.TargetHostname, a.UsageHours, a.AssignedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert assignment: %w", err)
	}

	return s.GetAssignmentByVMID(a.ProxmoxVMID)
}

// GetAssignment fetches an assignment by row ID.
func (s *Store) GetAssignment(id int64) (*VMAssignment, error) {
	return scanAssignment(s.db.QueryRow(
		`SELECT `+assignmentColumns+` FROM vm_assignments WHERE id = ?`, id))
}

// GetAssignmentByVMID fetches an assignment by its unique Proxmox VMID.
func (s *Store) GetAssignmentByVMID(vmid int) (*VMAssignment, error) {
	return scanAssignment(s.db.QueryRow(
		`SELECT `+assignmentColumns+` FROM vm_assignments WHERE proxmox_vmid = ?`, vmid))
}

// ListAssignmentsForClass returns every assignment attached to a class.
func (s *Store) ListAssignmentsForClass(classID int64) ([]VMAssignment, error) {
	return s.queryAssignments(
		`SELECT `+assignmentColumns+` FROM vm_assignments WHERE class_id = ? ORDER BY proxmox_vmid`,
		classID)
}

// ListAssignmentsForUser returns the VMs currently assigned to a user.
func (s *Store) ListAssignmentsForUser(userID int64) ([]VMAssignment, error) {
	return s.queryAssignments(
		`SELECT `+assignmentColumns+` FROM vm_assignments WHERE assigned_user_id = ? ORDER BY proxmox_vmid`,
		userID)
}

// ListAllAssignments returns the entire assignment table.
func (s *Store) ListAllAssignments() ([]VMAssignment, error) {
	return s.queryAssignments(`SELECT ` + assignmentColumns + ` FROM vm_assignments ORDER BY proxmox_vmid`)
}

// NextPoolVM returns the lowest-VMID unclaimed pool VM of a class, excluding
// template VMs and manually added VMs. Returns nil when the pool is empty.
func (s *Store) NextPoolVM(classID int64) (*VMAssignment, error) {
	a, err := scanAssignment(s.db.QueryRow(`SELECT `+assignmentColumns+`
		FROM vm_assignments
		WHERE class_id = ? AND assigned_user_id IS NULL AND status = ?
		  AND is_template_vm = 0 AND manually_added = 0
		ORDER BY proxmox_vmid ASC LIMIT 1`,
		classID, string(StatusAvailable)))
	if errors.Is(err, apierr.ErrNotFound) {
		return nil, nil
	}
	return a, err
}

// ClaimAssignment atomically binds a pool VM to a user. The WHERE clause
// re-checks pool membership so a racing claim loses cleanly.
func (s *Store) ClaimAssignment(assignmentID, userID int64, now time.Time) error {
	res, err := s.db.Exec(`UPDATE vm_assignments
		SET assigned_user_id = ?, assigned_at = ?, status = ?
		WHERE id = ? AND assigned_user_id IS NULL AND status = ?`,
		userID, now, string(StatusAssigned), assignmentID, string(StatusAvailable))
	if err != nil {
		return fmt.Errorf("failed to claim assignment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: assignment %d already claimed", apierr.ErrResourceBusy, assignmentID)
	}
	return nil
}

// ReleaseAssignment returns a VM to the pool.
func (s *Store) ReleaseAssignment(assignmentID int64) error {
	res, err := s.db.Exec(`UPDATE vm_assignments
		SET assigned_user_id = NULL, assigned_at = NULL, status = ?
		WHERE id = ?`,
		string(StatusAvailable), assignmentID)
	if err != nil {
		return fmt.Errorf("failed to release assignment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: assignment %d", apierr.ErrNotFound, assignmentID)
	}
	return nil
}

// UpdateAssignmentStatus sets the lifecycle status of an assignment.
func (s *Store) UpdateAssignmentStatus(assignmentID int64, status AssignmentStatus) error {
	_, err := s.db.Exec(`UPDATE vm_assignments SET status = ? WHERE id = ?`, string(status), assignmentID)
	if err != nil {
		return fmt.Errorf("failed to update assignment status: %w", err)
	}
	return nil
}

// UpdateAssignmentNode records that a VM migrated to another cluster node.
func (s *Store) UpdateAssignmentNode(vmid int, node string) error {
	_, err := s.db.Exec(`UPDATE vm_assignments SET node = ? WHERE proxmox_vmid = ?`, node, vmid)
	if err != nil {
		return fmt.Errorf("failed to update assignment node: %w", err)
	}
	return nil
}

// UpdateAssignmentIP write-through persists a discovered IP for a
// class-managed VM.
func (s *Store) UpdateAssignmentIP(vmid int, ip string, now time.Time) error {
	_, err := s.db.Exec(
		`UPDATE vm_assignments SET cached_ip = ?, ip_updated_at = ? WHERE proxmox_vmid = ?`,
		ip, now, vmid)
	if err != nil {
		return fmt.Errorf("failed to update assignment IP: %w", err)
	}
	return nil
}

// UpdateAssignmentMAC records the MAC discovered from the VM config.
func (s *Store) UpdateAssignmentMAC(vmid int, mac string) error {
	_, err := s.db.Exec(`UPDATE vm_assignments SET mac_address = ? WHERE proxmox_vmid = ?`, mac, vmid)
	if err != nil {
		return fmt.Errorf("failed to update assignment MAC: %w", err)
	}
	return nil
}

// MarkHostnameConfigured flags that the target hostname was applied in-guest.
func (s *Store) MarkHostnameConfigured(assignmentID int64) error {
	_, err := s.db.Exec(`UPDATE vm_assignments SET hostname_configured = 1 WHERE id = ?`, assignmentID)
	if err != nil {
		return fmt.Errorf("failed to mark hostname configured: %w", err)
	}
	return nil
}

// AddUsageHours accumulates metered usage for a student VM.
func (s *Store) AddUsageHours(assignmentID int64, hours float64) error {
	_, err := s.db.Exec(`UPDATE vm_assignments SET usage_hours = usage_hours + ? WHERE id = ?`, hours, assignmentID)
	if err != nil {
		return fmt.Errorf("failed to add usage hours: %w", err)
	}
	return nil
}

// DeleteAssignment removes a single assignment row.
func (s *Store) DeleteAssignment(id int64) error {
	res, err := s.db.Exec(`DELETE FROM vm_assignments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete assignment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: assignment %d", apierr.ErrNotFound, id)
	}
	return nil
}

// DeleteOrphanAssignments removes only rows with neither a class nor a user.
// Pool VMs (class set, user NULL) are never touched by this query.
func (s *Store) DeleteOrphanAssignments() (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM vm_assignments WHERE class_id IS NULL AND assigned_user_id IS NULL`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete orphan assignments: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}

// ListPendingHostnames returns assignments that still need their in-guest
// hostname applied.
func (s *Store) ListPendingHostnames() ([]VMAssignment, error) {
	return s.queryAssignments(`SELECT ` + assignmentColumns + ` FROM vm_assignments
		WHERE hostname_configured = 0 AND target_hostname != '' ORDER BY proxmox_vmid`)
}

func scanAssignment(row rowScanner) (*VMAssignment, error) {
	var (
		a      VMAssignment
		status string
	)
	err := row.Scan(&a.ID, &a.ClassID, &a.ProxmoxVMID, &a.VMName, &a.MACAddress,
		&a.CachedIP, &a.IPUpdatedAt, &a.Node, &a.AssignedUserID, &status,
		&a.IsTemplateVM, &a.ManuallyAdded, &a.HostnameConfigured,
		&a.TargetHostname, &a.UsageHours, &a.CreatedAt, &a.AssignedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: assignment", apierr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan assignment: %w", err)
	}
	a.Status = AssignmentStatus(status)
	return &a, nil
}

func (s *Store) queryAssignments(query string, args ...any) ([]VMAssignment, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query assignments: %w", err)
	}
	defer rows.Close()

	var assignments []VMAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		assignments = append(assignments, *a)
	}
	return assignments, rows.Err()
}

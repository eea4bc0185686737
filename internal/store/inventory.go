package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cpp-cyber/classlab/internal/apierr"
)

// Placeholder values some discovery paths report instead of a real address.
// A known IP is never overwritten with one of these.
var ipPlaceholders = map[string]bool{
	"":           true,
	"N/A":        true,
	"null":       true,
	"Fetching...": true,
}

// IsPlaceholderIP reports whether the value carries no real address.
func IsPlaceholderIP(ip string) bool {
	return ipPlaceholders[strings.TrimSpace(ip)]
}

const inventoryColumns = `id, cluster_id, vmid, name, node, status, type,
	category, ip, ip_updated_at, mac_address, memory, cores, disk_size,
	uptime, cpu_usage, memory_usage, is_template, tags, rdp_available,
	ssh_available, last_updated, last_status_check, sync_error`

// UpsertVMs merges a sync batch into the inventory. Rows are keyed by
// (cluster_id, vmid); the merge never replaces a known IP with a
// placeholder, and last_updated always advances so racing syncs converge on
// the later write.
func (s *Store) UpsertVMs(batch []VMInventory) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin inventory upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO vm_inventory
		(cluster_id, vmid, name, node, status, type, category, ip, ip_updated_at,
		 mac_address, memory, cores, disk_size, uptime, cpu_usage, memory_usage,
		 is_template, tags, rdp_available, ssh_available, last_updated,
		 last_status_check, sync_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (cluster_id, vmid) DO UPDATE SET
			name = excluded.name,
			node = excluded.node,
			status = excluded.status,
			type = excluded.type,
			category = excluded.category,
			ip = CASE WHEN excluded.ip IN ('', 'N/A', 'null', 'Fetching...')
				THEN vm_inventory.ip ELSE excluded.ip END,
			ip_updated_at = COALESCE(excluded.ip_updated_at, vm_inventory.ip_updated_at),
			mac_address = CASE WHEN excluded.mac_address = ''
				THEN vm_inventory.mac_address ELSE excluded.mac_address END,
			memory = excluded.memory,
			cores = excluded.cores,
			disk_size = excluded.disk_size,
			uptime = excluded.uptime,
			cpu_usage = excluded.cpu_usage,
			memory_usage = excluded.memory_usage,
			is_template = excluded.is_template,
			tags = excluded.tags,
			rdp_available = excluded.rdp_available,
			ssh_available = excluded.ssh_available,
			last_updated = excluded.last_updated,
			last_status_check = excluded.last_status_check,
			sync_error = excluded.sync_error`)
	if err != nil {
		return fmt.Errorf("failed to prepare inventory upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, vm := range batch {
		lastUpdated := vm.LastUpdated
		if lastUpdated.IsZero() {
			lastUpdated = now
		}
		lastCheck := vm.LastStatusCheck
		if lastCheck.IsZero() {
			lastCheck = now
		}

		if _, err := stmt.Exec(
			vm.ClusterID, vm.VMID, vm.Name, vm.Node, vm.Status, string(vm.Type),
			vm.Category, vm.IP, vm.IPUpdatedAt, vm.MACAddress, vm.Memory, vm.Cores,
			vm.DiskSize, vm.Uptime, vm.CPUUsage, vm.MemoryUsage, vm.IsTemplate,
			vm.Tags, vm.RDPAvailable, vm.SSHAvailable, lastUpdated, lastCheck,
			vm.SyncError,
		); err != nil {
			return fmt.Errorf("failed to upsert VM %s/%d: %w", vm.ClusterID, vm.VMID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit inventory upsert: %w", err)
	}
	return nil
}

// VMFilter narrows ListVMs. Zero values match everything.
type VMFilter struct {
	ClusterID string
	Search    string
	VMIDs     []int
}

// ListVMs returns inventory rows matching the filter, ordered by VMID.
func (s *Store) ListVMs(filter VMFilter) ([]VMInventory, error) {
	query := `SELECT ` + inventoryColumns + ` FROM vm_inventory WHERE 1=1`
	var args []any

	if filter.ClusterID != "" {
		query += ` AND cluster_id = ?`
		args = append(args, filter.ClusterID)
	}
	if filter.Search != "" {
		query += ` AND (name LIKE ? OR CAST(vmid AS TEXT) LIKE ?)`
		pattern := "%" + filter.Search + "%"
		args = append(args, pattern, pattern)
	}
	if len(filter.VMIDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(filter.VMIDs)), ",")
		query += ` AND vmid IN (` + placeholders + `)`
		for _, id := range filter.VMIDs {
			args = append(args, id)
		}
	}
	query += ` ORDER BY cluster_id, vmid`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query inventory: %w", err)
	}
	defer rows.Close()

	var vms []VMInventory
	for rows.Next() {
		vm, err := scanInventory(rows)
		if err != nil {
			return nil, err
		}
		vms = append(vms, *vm)
	}
	return vms, rows.Err()
}

// GetVM fetches a single inventory row.
func (s *Store) GetVM(clusterID string, vmid int) (*VMInventory, error) {
	return scanInventory(s.db.QueryRow(
		`SELECT `+inventoryColumns+` FROM vm_inventory WHERE cluster_id = ? AND vmid = ?`,
		clusterID, vmid))
}

// ListRunningVMs returns up to limit running VMs ordered by most recently
// checked last, so the quick sync cycles through the whole set over time.
func (s *Store) ListRunningVMs(limit int) ([]VMInventory, error) {
	rows, err := s.db.Query(`SELECT `+inventoryColumns+` FROM vm_inventory
		WHERE status = 'running' AND is_template = 0
		ORDER BY last_status_check ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query running VMs: %w", err)
	}
	defer rows.Close()

	var vms []VMInventory
	for rows.Next() {
		vm, err := scanInventory(rows)
		if err != nil {
			return nil, err
		}
		vms = append(vms, *vm)
	}
	return vms, rows.Err()
}

// UpdateVMStatus refreshes only the status fields of one inventory row. The
// eager path after power mutations uses this so callers see the new state
// without waiting for the next sync.
func (s *Store) UpdateVMStatus(clusterID string, vmid int, status string, uptime int64, cpu float64) error {
	_, err := s.db.Exec(`UPDATE vm_inventory
		SET status = ?, uptime = ?, cpu_usage = ?, last_status_check = ?
		WHERE cluster_id = ? AND vmid = ?`,
		status, uptime, cpu, time.Now().UTC(), clusterID, vmid)
	if err != nil {
		return fmt.Errorf("failed to update VM status: %w", err)
	}
	return nil
}

// UpdateVMIP write-through persists a discovered IP unless it is a
// placeholder. ip_updated_at tracks the resolution time; the sync merge
// never touches it, so the resolver's cache TTL is judged against real
// discoveries only.
func (s *Store) UpdateVMIP(clusterID string, vmid int, ip string, now time.Time) error {
	if IsPlaceholderIP(ip) {
		return nil
	}
	_, err := s.db.Exec(`UPDATE vm_inventory SET ip = ?, ip_updated_at = ? WHERE cluster_id = ? AND vmid = ?`,
		ip, now, clusterID, vmid)
	if err != nil {
		return fmt.Errorf("failed to update VM IP: %w", err)
	}
	return nil
}

// SetRDPAvailable records the probed RDP signal for a VM.
func (s *Store) SetRDPAvailable(clusterID string, vmid int, available bool) error {
	_, err := s.db.Exec(`UPDATE vm_inventory SET rdp_available = ? WHERE cluster_id = ? AND vmid = ?`,
		available, clusterID, vmid)
	if err != nil {
		return fmt.Errorf("failed to set RDP availability: %w", err)
	}
	return nil
}

// DeleteVMsNotSeen removes inventory rows for a cluster whose VMIDs were not
// present in the latest full enumeration.
func (s *Store) DeleteVMsNotSeen(clusterID string, seen map[int]bool) (int64, error) {
	rows, err := s.db.Query(`SELECT vmid FROM vm_inventory WHERE cluster_id = ?`, clusterID)
	if err != nil {
		return 0, fmt.Errorf("failed to enumerate inventory: %w", err)
	}

	var stale []int
	for rows.Next() {
		var vmid int
		if err := rows.Scan(&vmid); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan vmid: %w", err)
		}
		if !seen[vmid] {
			stale = append(stale, vmid)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var deleted int64
	for _, vmid := range stale {
		res, err := s.db.Exec(`DELETE FROM vm_inventory WHERE cluster_id = ? AND vmid = ?`, clusterID, vmid)
		if err != nil {
			return deleted, fmt.Errorf("failed to delete stale VM %d: %w", vmid, err)
		}
		n, _ := res.RowsAffected()
		deleted += n
	}
	return deleted, nil
}

func scanInventory(row rowScanner) (*VMInventory, error) {
	var (
		vm        VMInventory
		vmType    string
		ipUpdated sql.NullTime
	)
	err := row.Scan(&vm.ID, &vm.ClusterID, &vm.VMID, &vm.Name, &vm.Node,
		&vm.Status, &vmType, &vm.Category, &vm.IP, &ipUpdated, &vm.MACAddress,
		&vm.Memory, &vm.Cores, &vm.DiskSize, &vm.Uptime, &vm.CPUUsage,
		&vm.MemoryUsage, &vm.IsTemplate, &vm.Tags, &vm.RDPAvailable,
		&vm.SSHAvailable, &vm.LastUpdated, &vm.LastStatusCheck, &vm.SyncError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: vm", apierr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan inventory row: %w", err)
	}
	vm.Type = VMType(vmType)
	if ipUpdated.Valid {
		t := ipUpdated.Time
		vm.IPUpdatedAt = &t
	}
	return &vm, nil
}

package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cpp-cyber/classlab/internal/apierr"
)

const templateColumns = `id, name, proxmox_vmid, cluster_host, node, is_replica,
	created_by, is_class_template, class_id, original_template_id, cores,
	sockets, memory_mb, os_type, disk_storage, disk_size_gb, network_bridge,
	last_verified_at`

// UpsertTemplate inserts or refreshes a template keyed by
// (cluster_host, node, proxmox_vmid), caching the spec fields.
func (s *Store) UpsertTemplate(t *Template) (*Template, error) {
	_, err := s.db.Exec(`INSERT INTO templates
		(name, proxmox_vmid, cluster_host, node, is_replica, created_by,
		 is_class_template, class_id, original_template_id, cores, sockets,
		 memory_mb, os_type, disk_storage, disk_size_gb, network_bridge,
		 last_verified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (cluster_host, node, proxmox_vmid) DO UPDATE SET
			name = excluded.name,
			is_replica = excluded.is_replica,
			cores = excluded.cores,
			sockets = excluded.sockets,
			memory_mb = excluded.memory_mb,
			os_type = excluded.os_type,
			disk_storage = excluded.disk_storage,
			disk_size_gb = excluded.disk_size_gb,
			network_bridge = excluded.network_bridge,
			last_verified_at = excluded.last_verified_at`,
		t.Name, t.ProxmoxVMID, t.ClusterHost, t.Node, t.IsReplica, t.CreatedBy,
		t.IsClassTemplate, t.ClassID, t.OriginalTemplateID, t.Specs.Cores,
		t.Specs.Sockets, t.Specs.MemoryMB, t.Specs.OSType, t.Specs.DiskStorage,
		t.Specs.DiskSizeGB, t.Specs.NetworkBridge, time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert template: %w", err)
	}

	return s.GetTemplateByLocation(t.ClusterHost, t.Node, t.ProxmoxVMID)
}

// GetTemplate fetches a template by ID.
func (s *Store) GetTemplate(id int64) (*Template, error) {
	return scanTemplate(s.db.QueryRow(
		`SELECT `+templateColumns+` FROM templates WHERE id = ?`, id))
}

// GetTemplateByLocation fetches a template by its unique cluster location.
func (s *Store) GetTemplateByLocation(clusterHost, node string, vmid int) (*Template, error) {
	return scanTemplate(s.db.QueryRow(
		`SELECT `+templateColumns+` FROM templates
		 WHERE cluster_host = ? AND node = ? AND proxmox_vmid = ?`,
		clusterHost, node, vmid))
}

// ListTemplates returns all templates ordered by name.
func (s *Store) ListTemplates() ([]Template, error) {
	return s.queryTemplates(`SELECT ` + templateColumns + ` FROM templates ORDER BY name`)
}

// ListClassTemplates returns templates owned by a specific class.
func (s *Store) ListClassTemplates(classID int64) ([]Template, error) {
	return s.queryTemplates(
		`SELECT `+templateColumns+` FROM templates WHERE class_id = ? ORDER BY name`, classID)
}

// TouchTemplate bumps last_verified_at without refetching specs.
func (s *Store) TouchTemplate(id int64) error {
	_, err := s.db.Exec(`UPDATE templates SET last_verified_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to touch template: %w", err)
	}
	return nil
}

// DeleteTemplate removes a template row.
func (s *Store) DeleteTemplate(id int64) error {
	res, err := s.db.Exec(`DELETE FROM templates WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: template %d", apierr.ErrNotFound, id)
	}
	return nil
}

// DeleteTemplatesNotSeen removes non-class templates that the latest full
// sync did not find in any cluster. Class-bound templates live and die with
// their class, never with the sync.
func (s *Store) DeleteTemplatesNotSeen(seen map[string]bool) (int64, error) {
	rows, err := s.db.Query(
		`SELECT id, cluster_host, node, proxmox_vmid FROM templates WHERE class_id IS NULL`)
	if err != nil {
		return 0, fmt.Errorf("failed to enumerate templates: %w", err)
	}

	var stale []int64
	for rows.Next() {
		var (
			id   int64
			host string
			node string
			vmid int
		)
		if err := rows.Scan(&id, &host, &node, &vmid); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan template: %w", err)
		}
		if !seen[TemplateKey(host, node, vmid)] {
			stale = append(stale, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var deleted int64
	for _, id := range stale {
		if err := s.DeleteTemplate(id); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// TemplateKey builds the uniqueness key for sync bookkeeping.
func TemplateKey(clusterHost, node string, vmid int) string {
	return fmt.Sprintf("%s/%s/%d", clusterHost, node, vmid)
}

func scanTemplate(row rowScanner) (*Template, error) {
	var t Template
	err := row.Scan(&t.ID, &t.Name, &t.ProxmoxVMID, &t.ClusterHost, &t.Node,
		&t.IsReplica, &t.CreatedBy, &t.IsClassTemplate, &t.ClassID,
		&t.OriginalTemplateID, &t.Specs.Cores, &t.Specs.Sockets,
		&t.Specs.MemoryMB, &t.Specs.OSType, &t.Specs.DiskStorage,
		&t.Specs.DiskSizeGB, &t.Specs.NetworkBridge, &t.LastVerifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: template", apierr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan template: %w", err)
	}
	return &t, nil
}

func (s *Store) queryTemplates(query string, args ...any) ([]Template, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query templates: %w", err)
	}
	defer rows.Close()

	var templates []Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, *t)
	}
	return templates, rows.Err()
}

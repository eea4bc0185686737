package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/cpp-cyber/classlab/internal/apierr"
	"github.com/rs/zerolog/log"
)

const clusterColumns = `cluster_id, name, host, port, user, password, verify_tls,
	is_default, is_active, allow_vm_deployment, allow_template_sync,
	allow_iso_sync, auto_shutdown_enabled, priority, default_storage,
	template_storage, iso_storage, qcow2_template_path, qcow2_images_path,
	admin_group, admin_users, arp_subnets, vm_cache_ttl, enable_ip_lookup,
	enable_ip_persistence, description`

// SaveCluster inserts or replaces a cluster configuration row.
func (s *Store) SaveCluster(c *Cluster) error {
	if c.ClusterID == "" || c.Host == "" {
		return fmt.Errorf("%w: cluster_id and host are required", apierr.ErrInvalidInput)
	}
	if c.Port == 0 {
		c.Port = 8006
	}

	_, err := s.db.Exec(`INSERT INTO clusters
		(cluster_id, name, host, port, user, password, verify_tls, is_default,
		 is_active, allow_vm_deployment, allow_template_sync, allow_iso_sync,
		 auto_shutdown_enabled, priority, default_storage, template_storage,
		 iso_storage, qcow2_template_path, qcow2_images_path, admin_group,
		 admin_users, arp_subnets, vm_cache_ttl, enable_ip_lookup,
		 enable_ip_persistence, description)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (cluster_id) DO UPDATE SET
			name = excluded.name, host = excluded.host, port = excluded.port,
			user = excluded.user, password = excluded.password,
			verify_tls = excluded.verify_tls, is_default = excluded.is_default,
			is_active = excluded.is_active,
			allow_vm_deployment = excluded.allow_vm_deployment,
			allow_template_sync = excluded.allow_template_sync,
			allow_iso_sync = excluded.allow_iso_sync,
			auto_shutdown_enabled = excluded.auto_shutdown_enabled,
			priority = excluded.priority,
			default_storage = excluded.default_storage,
			template_storage = excluded.template_storage,
			iso_storage = excluded.iso_storage,
			qcow2_template_path = excluded.qcow2_template_path,
			qcow2_images_path = excluded.qcow2_images_path,
			admin_group = excluded.admin_group,
			admin_users = excluded.admin_users,
			arp_subnets = excluded.arp_subnets,
			vm_cache_ttl = excluded.vm_cache_ttl,
			enable_ip_lookup = excluded.enable_ip_lookup,
			enable_ip_persistence = excluded.enable_ip_persistence,
			description = excluded.description`,
		c.ClusterID, c.Name, c.Host, c.Port, c.User, c.Password, c.VerifyTLS,
		c.IsDefault, c.IsActive, c.AllowVMDeployment, c.AllowTemplateSync,
		c.AllowISOSync, c.AutoShutdown, c.Priority, c.DefaultStorage,
		c.TemplateStorage, c.ISOStorage, c.QCOW2TemplatePath, c.QCOW2ImagesPath,
		c.AdminGroup, strings.Join(c.AdminUsers, ","), strings.Join(c.ARPSubnets, ","),
		c.VMCacheTTL, c.EnableIPLookup, c.EnableIPPersistence, c.Description,
	)
	if err != nil {
		return fmt.Errorf("failed to save cluster: %w", err)
	}
	return nil
}

// GetCluster fetches a cluster configuration by ID.
func (s *Store) GetCluster(clusterID string) (*Cluster, error) {
	return scanCluster(s.db.QueryRow(
		`SELECT `+clusterColumns+` FROM clusters WHERE cluster_id = ?`, clusterID))
}

// ListClusters returns all configured clusters, highest priority first.
func (s *Store) ListClusters() ([]Cluster, error) {
	return s.queryClusters(`SELECT ` + clusterColumns + ` FROM clusters ORDER BY priority DESC, cluster_id`)
}

// ListActiveClusters returns only clusters enabled for sync and deployment.
func (s *Store) ListActiveClusters() ([]Cluster, error) {
	return s.queryClusters(
		`SELECT ` + clusterColumns + ` FROM clusters WHERE is_active = 1 ORDER BY priority DESC, cluster_id`)
}

// DeleteCluster removes a cluster configuration row.
func (s *Store) DeleteCluster(clusterID string) error {
	res, err := s.db.Exec(`DELETE FROM clusters WHERE cluster_id = ?`, clusterID)
	if err != nil {
		return fmt.Errorf("failed to delete cluster: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: cluster %s", apierr.ErrNotFound, clusterID)
	}
	return nil
}

// SeedClustersFromJSON imports the legacy JSON bootstrap file, but only when
// the clusters table is empty. The table stays authoritative afterwards.
func (s *Store) SeedClustersFromJSON(path string) error {
	if path == "" {
		return nil
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM clusters`).Scan(&count); err != nil {
		return fmt.Errorf("failed to count clusters: %w", err)
	}
	if count > 0 {
		log.Debug().Str("path", path).Msg("clusters table already populated, skipping JSON seed")
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read cluster config file: %w", err)
	}

	var clusters []Cluster
	if err := json.Unmarshal(data, &clusters); err != nil {
		return fmt.Errorf("failed to parse cluster config file: %w", err)
	}

	for i := range clusters {
		if err := s.SaveCluster(&clusters[i]); err != nil {
			return err
		}
	}
	log.Info().Int("count", len(clusters)).Str("path", path).Msg("seeded clusters from JSON bootstrap")
	return nil
}

func scanCluster(row rowScanner) (*Cluster, error) {
	var (
		c          Cluster
		adminUsers string
		arpSubnets string
	)
	err := row.Scan(&c.ClusterID, &c.Name, &c.Host, &c.Port, &c.User,
		&c.Password, &c.VerifyTLS, &c.IsDefault, &c.IsActive,
		&c.AllowVMDeployment, &c.AllowTemplateSync, &c.AllowISOSync,
		&c.AutoShutdown, &c.Priority, &c.DefaultStorage, &c.TemplateStorage,
		&c.ISOStorage, &c.QCOW2TemplatePath, &c.QCOW2ImagesPath, &c.AdminGroup,
		&adminUsers, &arpSubnets, &c.VMCacheTTL, &c.EnableIPLookup,
		&c.EnableIPPersistence, &c.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: cluster", apierr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan cluster: %w", err)
	}
	c.AdminUsers = splitCSV(adminUsers)
	c.ARPSubnets = splitCSV(arpSubnets)
	return &c, nil
}

func (s *Store) queryClusters(query string, args ...any) ([]Cluster, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query clusters: %w", err)
	}
	defer rows.Close()

	var clusters []Cluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, err
		}
		clusters = append(clusters, *c)
	}
	return clusters, rows.Err()
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

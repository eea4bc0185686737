package store

import (
	"database/sql"
	"fmt"
	"net/url"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Store wraps the relational database file. It is the single source of truth
// for reads; the sync orchestrator continuously repopulates the inventory
// tables from the clusters.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database file with WAL journaling and a 15s
// busy timeout, then ensures the schema exists.
func Open(path string) (*Store, error) {
	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(15000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// A single writer connection sidesteps SQLITE_BUSY under concurrent
	// daemons; reads multiplex over it fine at this scale.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Str("path", path).Msg("database opened")
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for transaction-scoped callers.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive.
func (s *Store) Ping() error {
	var one int
	return s.db.QueryRow("SELECT 1").Scan(&one)
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'student',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS classes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			teacher_id INTEGER NOT NULL REFERENCES users(id),
			template_id INTEGER REFERENCES templates(id),
			join_token TEXT,
			token_expires_at TIMESTAMP,
			token_never_expires INTEGER NOT NULL DEFAULT 0,
			pool_size INTEGER NOT NULL DEFAULT 0,
			deployment_method TEXT NOT NULL DEFAULT 'linked_clone',
			deployment_cluster TEXT NOT NULL DEFAULT '',
			vmid_prefix INTEGER,
			auto_shutdown_enabled INTEGER NOT NULL DEFAULT 0,
			auto_shutdown_cpu_threshold REAL NOT NULL DEFAULT 5.0,
			auto_shutdown_idle_minutes INTEGER NOT NULL DEFAULT 30,
			restrict_hours_enabled INTEGER NOT NULL DEFAULT 0,
			restrict_hours_start TEXT NOT NULL DEFAULT '',
			restrict_hours_end TEXT NOT NULL DEFAULT '',
			max_usage_hours INTEGER NOT NULL DEFAULT 0,
			cpu_cores INTEGER NOT NULL DEFAULT 0,
			memory_mb INTEGER NOT NULL DEFAULT 0,
			clone_task_id TEXT NOT NULL DEFAULT '',
			lock_version INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS enrollments (
			class_id INTEGER NOT NULL REFERENCES classes(id) ON DELETE CASCADE,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			enrolled_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (class_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS co_owners (
			class_id INTEGER NOT NULL REFERENCES classes(id) ON DELETE CASCADE,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			PRIMARY KEY (class_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS templates (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			proxmox_vmid INTEGER NOT NULL,
			cluster_host TEXT NOT NULL,
			node TEXT NOT NULL,
			is_replica INTEGER NOT NULL DEFAULT 0,
			created_by INTEGER REFERENCES users(id),
			is_class_template INTEGER NOT NULL DEFAULT 0,
			class_id INTEGER REFERENCES classes(id) ON DELETE CASCADE,
			original_template_id INTEGER REFERENCES templates(id),
			cores INTEGER NOT NULL DEFAULT 0,
			sockets INTEGER NOT NULL DEFAULT 0,
			memory_mb INTEGER NOT NULL DEFAULT 0,
			os_type TEXT NOT NULL DEFAULT '',
			disk_storage TEXT NOT NULL DEFAULT '',
			disk_size_gb INTEGER NOT NULL DEFAULT 0,
			network_bridge TEXT NOT NULL DEFAULT '',
			last_verified_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (cluster_host, node, proxmox_vmid)
		)`,
		`CREATE TABLE IF NOT EXISTS vm_assignments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			class_id INTEGER REFERENCES classes(id) ON DELETE CASCADE,
			proxmox_vmid INTEGER NOT NULL UNIQUE,
			vm_name TEXT NOT NULL DEFAULT '',
			mac_address TEXT NOT NULL DEFAULT '',
			cached_ip TEXT NOT NULL DEFAULT '',
			ip_updated_at TIMESTAMP,
			node TEXT NOT NULL DEFAULT '',
			assigned_user_id INTEGER REFERENCES users(id),
			status TEXT NOT NULL DEFAULT 'available',
			is_template_vm INTEGER NOT NULL DEFAULT 0,
			manually_added INTEGER NOT NULL DEFAULT 0,
			hostname_configured INTEGER NOT NULL DEFAULT 0,
			target_hostname TEXT NOT NULL DEFAULT '',
			usage_hours REAL NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			assigned_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS vm_inventory (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			cluster_id TEXT NOT NULL,
			vmid INTEGER NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			node TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT 'qemu',
			category TEXT NOT NULL DEFAULT '',
			ip TEXT NOT NULL DEFAULT '',
			ip_updated_at TIMESTAMP,
			mac_address TEXT NOT NULL DEFAULT '',
			memory INTEGER NOT NULL DEFAULT 0,
			cores INTEGER NOT NULL DEFAULT 0,
			disk_size INTEGER NOT NULL DEFAULT 0,
			uptime INTEGER NOT NULL DEFAULT 0,
			cpu_usage REAL NOT NULL DEFAULT 0,
			memory_usage REAL NOT NULL DEFAULT 0,
			is_template INTEGER NOT NULL DEFAULT 0,
			tags TEXT NOT NULL DEFAULT '',
			rdp_available INTEGER NOT NULL DEFAULT 0,
			ssh_available INTEGER NOT NULL DEFAULT 0,
			last_updated TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_status_check TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			sync_error TEXT NOT NULL DEFAULT '',
			UNIQUE (cluster_id, vmid)
		)`,
		`CREATE TABLE IF NOT EXISTS iso_images (
			volid TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			size INTEGER NOT NULL DEFAULT 0,
			node TEXT NOT NULL,
			storage TEXT NOT NULL,
			cluster_id TEXT NOT NULL,
			discovered_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_seen TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS clusters (
			cluster_id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			host TEXT NOT NULL,
			port INTEGER NOT NULL DEFAULT 8006,
			user TEXT NOT NULL,
			password TEXT NOT NULL,
			verify_tls INTEGER NOT NULL DEFAULT 0,
			is_default INTEGER NOT NULL DEFAULT 0,
			is_active INTEGER NOT NULL DEFAULT 1,
			allow_vm_deployment INTEGER NOT NULL DEFAULT 1,
			allow_template_sync INTEGER NOT NULL DEFAULT 1,
			allow_iso_sync INTEGER NOT NULL DEFAULT 1,
			auto_shutdown_enabled INTEGER NOT NULL DEFAULT 0,
			priority INTEGER NOT NULL DEFAULT 0,
			default_storage TEXT NOT NULL DEFAULT '',
			template_storage TEXT NOT NULL DEFAULT '',
			iso_storage TEXT NOT NULL DEFAULT '',
			qcow2_template_path TEXT NOT NULL DEFAULT '',
			qcow2_images_path TEXT NOT NULL DEFAULT '',
			admin_group TEXT NOT NULL DEFAULT '',
			admin_users TEXT NOT NULL DEFAULT '',
			arp_subnets TEXT NOT NULL DEFAULT '',
			vm_cache_ttl INTEGER NOT NULL DEFAULT 10,
			enable_ip_lookup INTEGER NOT NULL DEFAULT 1,
			enable_ip_persistence INTEGER NOT NULL DEFAULT 1,
			description TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_assignments_class ON vm_assignments(class_id)`,
		`CREATE INDEX IF NOT EXISTS idx_assignments_user ON vm_assignments(assigned_user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_inventory_cluster ON vm_inventory(cluster_id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

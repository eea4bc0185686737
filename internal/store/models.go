package store

import "time"

// Role is the authorization tag carried by every user. Checks dispatch on
// the variant, never on raw strings from the wire.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

// Valid reports whether the role is one of the known variants.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleTeacher, RoleStudent:
		return true
	}
	return false
}

// User represents an account that can own classes, enroll, or administer.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// DeploymentMethod selects how student VMs are materialized from a template.
type DeploymentMethod string

const (
	DeployLinkedClone DeploymentMethod = "linked_clone"
	DeployConfigClone DeploymentMethod = "config_clone"
)

// Class is the unit of the teaching workflow: a teacher, a template, a pool
// of student VMs and a join token that grants enrollment.
type Class struct {
	ID                int64      `json:"id"`
	Name              string     `json:"name"`
	Description       string     `json:"description"`
	TeacherID         int64      `json:"teacher_id"`
	TemplateID        *int64     `json:"template_id,omitempty"`
	JoinToken         *string    `json:"-"`
	TokenExpiresAt    *time.Time `json:"token_expires_at,omitempty"`
	TokenNeverExpires bool       `json:"token_never_expires"`
	PoolSize          int        `json:"pool_size"`
	DeploymentMethod  DeploymentMethod `json:"deployment_method"`
	DeploymentCluster string     `json:"deployment_cluster,omitempty"`
	VMIDPrefix        *int       `json:"vmid_prefix,omitempty"`

	AutoShutdownEnabled      bool    `json:"auto_shutdown_enabled"`
	AutoShutdownCPUThreshold float64 `json:"auto_shutdown_cpu_threshold"`
	AutoShutdownIdleMinutes  int     `json:"auto_shutdown_idle_minutes"`

	RestrictHoursEnabled bool   `json:"restrict_hours_enabled"`
	RestrictHoursStart   string `json:"restrict_hours_start,omitempty"`
	RestrictHoursEnd     string `json:"restrict_hours_end,omitempty"`
	MaxUsageHours        int    `json:"max_usage_hours"`

	CPUCores    int    `json:"cpu_cores"`
	MemoryMB    int    `json:"memory_mb"`
	CloneTaskID string `json:"clone_task_id,omitempty"`
	LockVersion int    `json:"lock_version"`
	CreatedAt   time.Time `json:"created_at"`
}

// TokenValid reports whether the join token grants enrollment right now.
func (c *Class) TokenValid(now time.Time) bool {
	if c.JoinToken == nil || *c.JoinToken == "" {
		return false
	}
	if c.TokenNeverExpires {
		return true
	}
	return c.TokenExpiresAt != nil && now.Before(*c.TokenExpiresAt)
}

// TemplateSpecs caches the hardware profile of a template so the UI and the
// deployment engine avoid a config fetch per request.
type TemplateSpecs struct {
	Cores         int    `json:"cores"`
	Sockets       int    `json:"sockets"`
	MemoryMB      int    `json:"memory_mb"`
	OSType        string `json:"os_type"`
	DiskStorage   string `json:"disk_storage"`
	DiskSizeGB    int    `json:"disk_size_gb"`
	NetworkBridge string `json:"network_bridge"`
}

// Template mirrors a Proxmox VM with template=1. Uniqueness is
// (cluster_host, node, proxmox_vmid).
type Template struct {
	ID                 int64         `json:"id"`
	Name               string        `json:"name"`
	ProxmoxVMID        int           `json:"proxmox_vmid"`
	ClusterHost        string        `json:"cluster_host"`
	Node               string        `json:"node"`
	IsReplica          bool          `json:"is_replica"`
	CreatedBy          *int64        `json:"created_by,omitempty"`
	IsClassTemplate    bool          `json:"is_class_template"`
	ClassID            *int64        `json:"class_id,omitempty"`
	OriginalTemplateID *int64        `json:"original_template_id,omitempty"`
	Specs              TemplateSpecs `json:"cached_specs"`
	LastVerifiedAt     time.Time     `json:"last_verified_at"`
}

// AssignmentStatus tracks the pool lifecycle of a class VM.
type AssignmentStatus string

const (
	StatusAvailable AssignmentStatus = "available"
	StatusAssigned  AssignmentStatus = "assigned"
	StatusDeleting  AssignmentStatus = "deleting"
)

// VMAssignment binds a provisioned VM to a class and, once claimed, to a
// student. Invariants over this table are enforced by the class service.
type VMAssignment struct {
	ID                 int64            `json:"id"`
	ClassID            *int64           `json:"class_id,omitempty"`
	ProxmoxVMID        int              `json:"proxmox_vmid"`
	VMName             string           `json:"vm_name"`
	MACAddress         string           `json:"mac_address,omitempty"`
	CachedIP           string           `json:"cached_ip,omitempty"`
	IPUpdatedAt        *time.Time       `json:"ip_updated_at,omitempty"`
	Node               string           `json:"node"`
	AssignedUserID     *int64           `json:"assigned_user_id,omitempty"`
	Status             AssignmentStatus `json:"status"`
	IsTemplateVM       bool             `json:"is_template_vm"`
	ManuallyAdded      bool             `json:"manually_added"`
	HostnameConfigured bool             `json:"hostname_configured"`
	TargetHostname     string           `json:"target_hostname,omitempty"`
	UsageHours         float64          `json:"usage_hours"`
	CreatedAt          time.Time        `json:"created_at"`
	AssignedAt         *time.Time       `json:"assigned_at,omitempty"`
}

// IsPoolMember reports whether the VM is an unclaimed member of a class pool.
func (a *VMAssignment) IsPoolMember() bool {
	return a.ClassID != nil && a.AssignedUserID == nil && a.Status == StatusAvailable
}

// IsBuilderVM reports whether the VM is a teacher-owned build VM outside any class.
func (a *VMAssignment) IsBuilderVM() bool {
	return a.ClassID == nil && a.AssignedUserID != nil && !a.IsTemplateVM
}

// IsOrphan reports whether the VM belongs to nothing and nobody.
func (a *VMAssignment) IsOrphan() bool {
	return a.ClassID == nil && a.AssignedUserID == nil
}

// VMType distinguishes QEMU VMs from LXC containers.
type VMType string

const (
	TypeQEMU VMType = "qemu"
	TypeLXC  VMType = "lxc"
)

// VMInventory is the eventually consistent mirror of cluster state. Only the
// sync orchestrator writes it; everything else reads.
type VMInventory struct {
	ID              int64     `json:"id"`
	ClusterID       string    `json:"cluster_id"`
	VMID            int       `json:"vmid"`
	Name            string    `json:"name"`
	Node            string    `json:"node"`
	Status          string    `json:"status"`
	Type            VMType    `json:"type"`
	Category        string    `json:"category"`
	IP              string    `json:"ip,omitempty"`
	IPUpdatedAt     *time.Time `json:"ip_updated_at,omitempty"`
	MACAddress      string    `json:"mac_address,omitempty"`
	Memory          int64     `json:"memory"`
	Cores           int       `json:"cores"`
	DiskSize        int64     `json:"disk_size"`
	Uptime          int64     `json:"uptime"`
	CPUUsage        float64   `json:"cpu_usage"`
	MemoryUsage     float64   `json:"memory_usage"`
	IsTemplate      bool      `json:"is_template"`
	Tags            string    `json:"tags,omitempty"`
	RDPAvailable    bool      `json:"rdp_available"`
	SSHAvailable    bool      `json:"ssh_available"`
	LastUpdated     time.Time `json:"last_updated"`
	LastStatusCheck time.Time `json:"last_status_check"`
	SyncError       string    `json:"sync_error,omitempty"`
}

// ISOImage is an installer image discovered on cluster storage.
type ISOImage struct {
	VolID        string    `json:"volid"`
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	Node         string    `json:"node"`
	Storage      string    `json:"storage"`
	ClusterID    string    `json:"cluster_id"`
	DiscoveredAt time.Time `json:"discovered_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// Cluster is the per-cluster configuration entity. The clusters table is the
// authoritative source; the legacy JSON file only seeds it when empty.
type Cluster struct {
	ClusterID string `json:"cluster_id"`
	Name      string `json:"name"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	User      string `json:"user"`
	Password  string `json:"-"`
	VerifyTLS bool   `json:"verify_tls"`
	IsDefault bool   `json:"is_default"`
	IsActive  bool   `json:"is_active"`

	AllowVMDeployment bool `json:"allow_vm_deployment"`
	AllowTemplateSync bool `json:"allow_template_sync"`
	AllowISOSync      bool `json:"allow_iso_sync"`
	AutoShutdown      bool `json:"auto_shutdown_enabled"`
	Priority          int  `json:"priority"`

	DefaultStorage    string `json:"default_storage"`
	TemplateStorage   string `json:"template_storage"`
	ISOStorage        string `json:"iso_storage"`
	QCOW2TemplatePath string `json:"qcow2_template_path"`
	QCOW2ImagesPath   string `json:"qcow2_images_path"`

	AdminGroup string   `json:"admin_group"`
	AdminUsers []string `json:"admin_users"`
	ARPSubnets []string `json:"arp_subnets"`

	VMCacheTTL          int    `json:"vm_cache_ttl"`
	EnableIPLookup      bool   `json:"enable_ip_lookup"`
	EnableIPPersistence bool   `json:"enable_ip_persistence"`
	Description         string `json:"description"`
}

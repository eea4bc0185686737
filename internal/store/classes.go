package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cpp-cyber/classlab/internal/apierr"
)

const classColumns = `id, name, description, teacher_id, template_id, join_token,
	token_expires_at, token_never_expires, pool_size, deployment_method,
	deployment_cluster, vmid_prefix, auto_shutdown_enabled,
	auto_shutdown_cpu_threshold, auto_shutdown_idle_minutes,
	restrict_hours_enabled, restrict_hours_start, restrict_hours_end,
	max_usage_hours, cpu_cores, memory_mb, clone_task_id, lock_version, created_at`

// CreateClass inserts a new class owned by the given teacher.
func (s *Store) CreateClass(cls *Class) (*Class, error) {
	if cls.Name == "" {
		return nil, fmt.Errorf("%w: class name is required", apierr.ErrInvalidInput)
	}
	if cls.DeploymentMethod == "" {
		cls.DeploymentMethod = DeployLinkedClone
	}
	if cls.DeploymentMethod != DeployLinkedClone && cls.DeploymentMethod != DeployConfigClone {
		return nil, fmt.Errorf("%w: unknown deployment method %q", apierr.ErrInvalidInput, cls.DeploymentMethod)
	}

	res, err := s.db.Exec(`INSERT INTO classes
		(name, description, teacher_id, template_id, pool_size, deployment_method,
		 deployment_cluster, vmid_prefix, auto_shutdown_enabled,
		 auto_shutdown_cpu_threshold, auto_shutdown_idle_minutes,
		 restrict_hours_enabled, restrict_hours_start, restrict_hours_end,
		 max_usage_hours, cpu_cores, memory_mb)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cls.Name, cls.Description, cls.TeacherID, cls.TemplateID, cls.PoolSize,
		string(cls.DeploymentMethod), cls.DeploymentCluster, cls.VMIDPrefix,
		cls.AutoShutdownEnabled, cls.AutoShutdownCPUThreshold, cls.AutoShutdownIdleMinutes,
		cls.RestrictHoursEnabled, cls.RestrictHoursStart, cls.RestrictHoursEnd,
		cls.MaxUsageHours, cls.CPUCores, cls.MemoryMB,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert class: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read inserted class ID: %w", err)
	}
	return s.GetClass(id)
}

// GetClass fetches a class by ID.
func (s *Store) GetClass(id int64) (*Class, error) {
	return scanClass(s.db.QueryRow(`SELECT `+classColumns+` FROM classes WHERE id = ?`, id))
}

// GetClassByToken fetches a class by its join token. Token validity is the
// caller's concern; this only resolves the row.
func (s *Store) GetClassByToken(token string) (*Class, error) {
	return scanClass(s.db.QueryRow(`SELECT `+classColumns+` FROM classes WHERE join_token = ?`, token))
}

// ListClasses returns every class ordered by name.
func (s *Store) ListClasses() ([]Class, error) {
	return s.queryClasses(`SELECT ` + classColumns + ` FROM classes ORDER BY name`)
}

// ListClassesForTeacher returns classes the user teaches or co-owns.
func (s *Store) ListClassesForTeacher(userID int64) ([]Class, error) {
	return s.queryClasses(`SELECT `+classColumns+` FROM classes
		WHERE teacher_id = ?
		   OR id IN (SELECT class_id FROM co_owners WHERE user_id = ?)
		ORDER BY name`, userID, userID)
}

// UpdateClass persists class settings under optimistic locking: the write
// only lands if lock_version matches what the caller read.
func (s *Store) UpdateClass(cls *Class) error {
	res, err := s.db.Exec(`UPDATE classes SET
		name = ?, description = ?, template_id = ?, pool_size = ?,
		deployment_method = ?, deployment_cluster = ?, vmid_prefix = ?,
		auto_shutdown_enabled = ?, auto_shutdown_cpu_threshold = ?,
		auto_shutdown_idle_minutes = ?, restrict_hours_enabled = ?,
		restrict_hours_start = ?, restrict_hours_end = ?, max_usage_hours = ?,
		cpu_cores = ?, memory_mb = ?, clone_task_id = ?,
		lock_version = lock_version + 1
		WHERE id = ? AND lock_version = ?`,
		cls.Name, cls.Description, cls.TemplateID, cls.PoolSize,
		string(cls.DeploymentMethod), cls.DeploymentCluster, cls.VMIDPrefix,
		cls.AutoShutdownEnabled, cls.AutoShutdownCPUThreshold,
		cls.AutoShutdownIdleMinutes, cls.RestrictHoursEnabled,
		cls.RestrictHoursStart, cls.RestrictHoursEnd, cls.MaxUsageHours,
		cls.CPUCores, cls.MemoryMB, cls.CloneTaskID,
		cls.ID, cls.LockVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update class: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		// Either the row vanished or somebody bumped lock_version first.
		if _, getErr := s.GetClass(cls.ID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: class %d", apierr.ErrOptimisticLock, cls.ID)
	}

	cls.LockVersion++
	return nil
}

// SetCloneTask records the task ID of the batch currently provisioning the
// class. Deliberately outside the lock_version regime: the deployment engine
// already holds the class lock when it writes this.
func (s *Store) SetCloneTask(classID int64, taskID string) error {
	res, err := s.db.Exec(`UPDATE classes SET clone_task_id = ? WHERE id = ?`, taskID, classID)
	if err != nil {
		return fmt.Errorf("failed to set clone task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: class %d", apierr.ErrNotFound, classID)
	}
	return nil
}

// SetJoinToken stores a freshly minted token with its expiry policy.
// expiresAt == nil means the token never expires.
func (s *Store) SetJoinToken(classID int64, token string, expiresAt *time.Time) error {
	res, err := s.db.Exec(
		`UPDATE classes SET join_token = ?, token_expires_at = ?, token_never_expires = ? WHERE id = ?`,
		token, expiresAt, expiresAt == nil, classID,
	)
	if err != nil {
		return fmt.Errorf("failed to set join token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: class %d", apierr.ErrNotFound, classID)
	}
	return nil
}

// RevokeJoinToken clears the class token entirely.
func (s *Store) RevokeJoinToken(classID int64) error {
	_, err := s.db.Exec(
		`UPDATE classes SET join_token = NULL, token_expires_at = NULL, token_never_expires = 0 WHERE id = ?`,
		classID,
	)
	if err != nil {
		return fmt.Errorf("failed to revoke join token: %w", err)
	}
	return nil
}

// DeleteClass removes a class. Assignments, enrollments, co-owners and
// class-bound templates cascade away with it.
func (s *Store) DeleteClass(id int64) error {
	res, err := s.db.Exec(`DELETE FROM classes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete class: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: class %d", apierr.ErrNotFound, id)
	}
	return nil
}

// Enroll adds a user to a class roster. Re-enrolling is a no-op.
func (s *Store) Enroll(classID, userID int64) error {
	_, err := s.db.Exec(
		`INSERT INTO enrollments (class_id, user_id) VALUES (?, ?)
		 ON CONFLICT (class_id, user_id) DO NOTHING`,
		classID, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to enroll user: %w", err)
	}
	return nil
}

// IsEnrolled reports whether the user is on the class roster.
func (s *Store) IsEnrolled(classID, userID int64) (bool, error) {
	var one int
	err := s.db.QueryRow(
		`SELECT 1 FROM enrollments WHERE class_id = ? AND user_id = ?`, classID, userID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check enrollment: %w", err)
	}
	return true, nil
}

// ListEnrollments returns the users enrolled in a class.
func (s *Store) ListEnrollments(classID int64) ([]User, error) {
	rows, err := s.db.Query(`SELECT u.id, u.username, u.password_hash, u.role, u.created_at
		FROM users u JOIN enrollments e ON e.user_id = u.id
		WHERE e.class_id = ? ORDER BY u.username`, classID)
	if err != nil {
		return nil, fmt.Errorf("failed to query enrollments: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan enrolled user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// AddCoOwner grants another teacher shared ownership of a class.
func (s *Store) AddCoOwner(classID, userID int64) error {
	_, err := s.db.Exec(
		`INSERT INTO co_owners (class_id, user_id) VALUES (?, ?)
		 ON CONFLICT (class_id, user_id) DO NOTHING`,
		classID, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to add co-owner: %w", err)
	}
	return nil
}

// IsClassOwner reports whether the user teaches or co-owns the class.
func (s *Store) IsClassOwner(classID, userID int64) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM classes WHERE id = ? AND teacher_id = ?
		UNION SELECT 1 FROM co_owners WHERE class_id = ? AND user_id = ?`,
		classID, userID, classID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check class ownership: %w", err)
	}
	return true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClass(row rowScanner) (*Class, error) {
	var (
		c      Class
		method string
	)
	err := row.Scan(&c.ID, &c.Name, &c.Description, &c.TeacherID, &c.TemplateID,
		&c.JoinToken, &c.TokenExpiresAt, &c.TokenNeverExpires, &c.PoolSize,
		&method, &c.DeploymentCluster, &c.VMIDPrefix, &c.AutoShutdownEnabled,
		&c.AutoShutdownCPUThreshold, &c.AutoShutdownIdleMinutes,
		&c.RestrictHoursEnabled, &c.RestrictHoursStart, &c.RestrictHoursEnd,
		&c.MaxUsageHours, &c.CPUCores, &c.MemoryMB, &c.CloneTaskID,
		&c.LockVersion, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: class", apierr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan class: %w", err)
	}
	c.DeploymentMethod = DeploymentMethod(method)
	return &c, nil
}

func (s *Store) queryClasses(query string, args ...any) ([]Class, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query classes: %w", err)
	}
	defer rows.Close()

	var classes []Class
	for rows.Next() {
		c, err := scanClass(rows)
		if err != nil {
			return nil, err
		}
		classes = append(classes, *c)
	}
	return classes, rows.Err()
}

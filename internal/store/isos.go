package store

import (
	"fmt"
	"time"
)

// UpsertISO inserts or refreshes an ISO image keyed by volid.
func (s *Store) UpsertISO(iso *ISOImage) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`INSERT INTO iso_images
		(volid, name, size, node, storage, cluster_id, discovered_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (volid) DO UPDATE SET
			name = excluded.name,
			size = excluded.size,
			node = excluded.node,
			storage = excluded.storage,
			cluster_id = excluded.cluster_id,
			last_seen = excluded.last_seen`,
		iso.VolID, iso.Name, iso.Size, iso.Node, iso.Storage, iso.ClusterID, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert ISO %s: %w", iso.VolID, err)
	}
	return nil
}

// ListISOs returns all cached ISO images.
func (s *Store) ListISOs() ([]ISOImage, error) {
	rows, err := s.db.Query(`SELECT volid, name, size, node, storage, cluster_id,
		discovered_at, last_seen FROM iso_images ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query ISOs: %w", err)
	}
	defer rows.Close()

	var isos []ISOImage
	for rows.Next() {
		var iso ISOImage
		if err := rows.Scan(&iso.VolID, &iso.Name, &iso.Size, &iso.Node,
			&iso.Storage, &iso.ClusterID, &iso.DiscoveredAt, &iso.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan ISO: %w", err)
		}
		isos = append(isos, iso)
	}
	return isos, rows.Err()
}

// TouchISO refreshes last_seen after a verify pass confirmed the image.
func (s *Store) TouchISO(volid string) error {
	_, err := s.db.Exec(`UPDATE iso_images SET last_seen = ? WHERE volid = ?`, time.Now().UTC(), volid)
	if err != nil {
		return fmt.Errorf("failed to touch ISO %s: %w", volid, err)
	}
	return nil
}

// DeleteISO removes an image that disappeared from its origin node.
func (s *Store) DeleteISO(volid string) error {
	_, err := s.db.Exec(`DELETE FROM iso_images WHERE volid = ?`, volid)
	if err != nil {
		return fmt.Errorf("failed to delete ISO %s: %w", volid, err)
	}
	return nil
}

// DeleteISOsNotSeen removes images for a cluster missing from the latest
// full enumeration.
func (s *Store) DeleteISOsNotSeen(clusterID string, seen map[string]bool) (int64, error) {
	rows, err := s.db.Query(`SELECT volid FROM iso_images WHERE cluster_id = ?`, clusterID)
	if err != nil {
		return 0, fmt.Errorf("failed to enumerate ISOs: %w", err)
	}

	var stale []string
	for rows.Next() {
		var volid string
		if err := rows.Scan(&volid); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan volid: %w", err)
		}
		if !seen[volid] {
			stale = append(stale, volid)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, volid := range stale {
		if err := s.DeleteISO(volid); err != nil {
			return 0, err
		}
	}
	return int64(len(stale)), nil
}

package storage

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// SetSightingRetention configures the sighting history pruning horizon.
func (s *Store) SetSightingRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultSightingRetention
	}
	s.sightingRetention.Store(int64(retention))
}

// GetRecentSightings returns the sighting history of one peer, newest first.
func (s *Store) GetRecentSightings(peerID string, limit int) ([]Sighting, error) {
	if peerID == "" {
		return nil, errors.New("peer_id is required")
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(
		`SELECT
			id,
			peer_id,
			device_name,
			rssi,
			tx_power,
			distance,
			seen_at
		FROM peer_sightings
		WHERE peer_id = ?
		ORDER BY seen_at DESC, id DESC
		LIMIT ?`,
		peerID,
		limit,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "get sightings for peer %q", peerID)
	}
	defer rows.Close()

	sightings := make([]Sighting, 0)
	for rows.Next() {
		var sighting Sighting
		if err := rows.Scan(
			&sighting.ID,
			&sighting.PeerID,
			&sighting.DeviceName,
			&sighting.RSSI,
			&sighting.TxPower,
			&sighting.Distance,
			&sighting.SeenAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan sighting row")
		}
		sightings = append(sightings, sighting)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate sighting rows")
	}

	return sightings, nil
}

// PruneSightings removes sightings older than cutoffTimestamp.
func (s *Store) PruneSightings(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM peer_sightings WHERE seen_at < ?`, cutoffTimestamp)
	if err != nil {
		return 0, errors.Wrap(err, "prune sightings")
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "read rows affected for sighting prune")
	}

	return rowsAffected, nil
}

func insertSighting(tx *sql.Tx, sighting Sighting) error {
	_, err := tx.Exec(
		`INSERT INTO peer_sightings (
			peer_id,
			device_name,
			rssi,
			tx_power,
			distance,
			seen_at
		) VALUES (?, ?, ?, ?, ?, ?)`,
		sighting.PeerID,
		sighting.DeviceName,
		sighting.RSSI,
		sighting.TxPower,
		sighting.Distance,
		sighting.SeenAt,
	)
	if err != nil {
		return errors.Wrapf(err, "insert sighting for peer %q", sighting.PeerID)
	}
	return nil
}

func (s *Store) pruneExpiredSightings() error {
	retention := time.Duration(s.sightingRetention.Load())
	if retention <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-retention).UnixMilli()
	if _, err := s.PruneSightings(cutoff); err != nil {
		return errors.Wrap(err, "prune expired sightings")
	}
	return nil
}

package storage

import (
	"database/sql"
	"strings"

	"github.com/pkg/errors"

	"peerbeacon/models"
)

const peerColumns = `
			peer_id,
			display_name,
			device_name,
			active,
			added_timestamp,
			last_seen_timestamp,
			last_rssi,
			tx_power,
			distance,
			accuracy`

// AddPeer inserts a new known peer row.
func (s *Store) AddPeer(peer Peer) error {
	if err := validatePeerID(peer.PeerID); err != nil {
		return err
	}
	if peer.AddedTimestamp == 0 {
		peer.AddedTimestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO peers (`+peerColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		peer.PeerID,
		strings.TrimSpace(peer.DisplayName),
		strings.TrimSpace(peer.DeviceName),
		boolToInt(peer.Active),
		peer.AddedTimestamp,
		nullInt64(peer.LastSeenTimestamp),
		nullInt64FromInt(peer.LastRSSI),
		nullInt64FromInt(peer.TxPower),
		nullFloat64(peer.Distance),
		nullFloat64(peer.Accuracy),
	)
	if err != nil {
		return errors.Wrapf(err, "insert peer %q", peer.PeerID)
	}

	return nil
}

// GetPeer fetches a peer row by ID.
func (s *Store) GetPeer(peerID string) (*Peer, error) {
	row := s.db.QueryRow(
		`SELECT`+peerColumns+`
		FROM peers
		WHERE peer_id = ?`,
		peerID,
	)

	peer, err := scanPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "get peer %q", peerID)
	}

	return peer, nil
}

// FindPeer returns the known peer with the given ID, or ErrNotFound when the
// peer was never paired.
func (s *Store) FindPeer(peerID string) (*models.Peer, error) {
	row, err := s.GetPeer(peerID)
	if err != nil {
		return nil, err
	}
	peer := row.Model()
	return &peer, nil
}

// ListPeers returns all known peers sorted by display name.
func (s *Store) ListPeers() ([]Peer, error) {
	rows, err := s.db.Query(
		`SELECT` + peerColumns + `
		FROM peers
		ORDER BY display_name, peer_id`,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list peers")
	}
	defer rows.Close()

	peers := make([]Peer, 0)
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan peer row")
		}
		peers = append(peers, *peer)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate peer rows")
	}

	return peers, nil
}

// ListPeerModels returns all known peers as domain peers.
func (s *Store) ListPeerModels() ([]models.Peer, error) {
	rows, err := s.ListPeers()
	if err != nil {
		return nil, err
	}
	out := make([]models.Peer, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Model())
	}
	return out, nil
}

// SetPeerActive marks whether the user tracks the peer.
func (s *Store) SetPeerActive(peerID string, active bool) error {
	if peerID == "" {
		return errors.New("peer_id is required")
	}

	res, err := s.db.Exec(
		`UPDATE peers
		SET active = ?
		WHERE peer_id = ?`,
		boolToInt(active),
		peerID,
	)
	if err != nil {
		return errors.Wrapf(err, "update peer active flag %q", peerID)
	}
	return requireAffected(res, "update peer active flag", peerID)
}

// SetPeerDisplayName updates the user-facing name of a peer.
func (s *Store) SetPeerDisplayName(peerID, displayName string) error {
	if peerID == "" {
		return errors.New("peer_id is required")
	}
	if strings.TrimSpace(displayName) == "" {
		return errors.New("display_name is required")
	}

	res, err := s.db.Exec(
		`UPDATE peers
		SET display_name = ?
		WHERE peer_id = ?`,
		strings.TrimSpace(displayName),
		peerID,
	)
	if err != nil {
		return errors.Wrapf(err, "update peer display name %q", peerID)
	}
	return requireAffected(res, "update peer display name", peerID)
}

// UpdatePeerSighting stores the signal attributes of a fresh sighting and
// appends it to the sighting history.
func (s *Store) UpdatePeerSighting(peer models.Peer) error {
	if peer.ID == "" {
		return errors.New("peer_id is required")
	}
	seenAt := peer.LastSeen.UnixMilli()
	if peer.LastSeen.IsZero() {
		seenAt = nowUnixMilli()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin sighting transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.Exec(
		`UPDATE peers
		SET device_name = CASE
				WHEN ? <> '' THEN ?
				ELSE device_name
			END,
		    last_seen_timestamp = ?,
		    last_rssi = ?,
		    tx_power = ?,
		    distance = ?,
		    accuracy = ?
		WHERE peer_id = ?`,
		peer.DeviceName,
		peer.DeviceName,
		seenAt,
		nullInt64FromInt(knownInt(peer.RSSI)),
		nullInt64FromInt(knownInt(peer.TxPower)),
		nullFloat64(knownFloat(peer.Distance)),
		nullFloat64(knownFloat(peer.Accuracy)),
		peer.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "update peer sighting %q", peer.ID)
	}
	if err := requireAffected(res, "update peer sighting", peer.ID); err != nil {
		return err
	}

	if err := insertSighting(tx, Sighting{
		PeerID:     peer.ID,
		DeviceName: peer.DeviceName,
		RSSI:       peer.RSSI,
		TxPower:    peer.TxPower,
		Distance:   peer.Distance,
		SeenAt:     seenAt,
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit sighting transaction")
	}

	return s.pruneExpiredSightings()
}

// RemovePeer deletes a peer and its sighting history.
func (s *Store) RemovePeer(peerID string) error {
	if peerID == "" {
		return errors.New("peer_id is required")
	}

	res, err := s.db.Exec(`DELETE FROM peers WHERE peer_id = ?`, peerID)
	if err != nil {
		return errors.Wrapf(err, "remove peer %q", peerID)
	}
	return requireAffected(res, "remove peer", peerID)
}

func requireAffected(res sql.Result, operation, peerID string) error {
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "read rows affected for %s %q", operation, peerID)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPeer(row scanner) (*Peer, error) {
	var (
		peer     Peer
		active   int
		lastSeen sql.NullInt64
		lastRSSI sql.NullInt64
		txPower  sql.NullInt64
		distance sql.NullFloat64
		accuracy sql.NullFloat64
	)

	if err := row.Scan(
		&peer.PeerID,
		&peer.DisplayName,
		&peer.DeviceName,
		&active,
		&peer.AddedTimestamp,
		&lastSeen,
		&lastRSSI,
		&txPower,
		&distance,
		&accuracy,
	); err != nil {
		return nil, err
	}

	peer.Active = active == 1
	peer.LastSeenTimestamp = int64Ptr(lastSeen)
	peer.LastRSSI = intPtrFromNullInt64(lastRSSI)
	peer.TxPower = intPtrFromNullInt64(txPower)
	peer.Distance = float64Ptr(distance)
	peer.Accuracy = float64Ptr(accuracy)

	return &peer, nil
}

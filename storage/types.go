package storage

import (
	"database/sql"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"peerbeacon/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

// Peer is the SQLite representation of a known remote device.
type Peer struct {
	PeerID            string
	DisplayName       string
	DeviceName        string
	Active            bool
	AddedTimestamp    int64
	LastSeenTimestamp *int64
	LastRSSI          *int
	TxPower           *int
	Distance          *float64
	Accuracy          *float64
}

// Sighting is one stored observation of a known peer.
type Sighting struct {
	ID         int64
	PeerID     string
	DeviceName string
	RSSI       int
	TxPower    int
	Distance   float64
	SeenAt     int64
}

// Model converts the row into the domain peer. A peer loaded from the store is
// never emitting; that flag is only set by a live sighting.
func (p Peer) Model() models.Peer {
	out := models.Peer{
		ID:          p.PeerID,
		DisplayName: p.DisplayName,
		DeviceName:  p.DeviceName,
		Active:      p.Active,
		Distance:    models.UnknownDistance,
		Accuracy:    models.UnknownDistance,
	}
	if p.LastSeenTimestamp != nil {
		out.LastSeen = time.UnixMilli(*p.LastSeenTimestamp)
	}
	if p.LastRSSI != nil {
		out.RSSI = *p.LastRSSI
	}
	if p.TxPower != nil {
		out.TxPower = *p.TxPower
	}
	if p.Distance != nil {
		out.Distance = *p.Distance
	}
	if p.Accuracy != nil {
		out.Accuracy = *p.Accuracy
	}
	return out
}

func validatePeerID(peerID string) error {
	if strings.TrimSpace(peerID) == "" {
		return errors.New("peer_id is required")
	}
	if _, err := uuid.Parse(peerID); err != nil {
		return errors.Wrapf(err, "peer_id %q is not a UUID", peerID)
	}
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func nullInt64FromInt(ptr *int) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*ptr), Valid: true}
}

func nullFloat64(ptr *float64) sql.NullFloat64 {
	if ptr == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *ptr, Valid: true}
}

// knownFloat treats negative estimates as unknown.
func knownFloat(v float64) *float64 {
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// knownInt treats zero signal values as unknown.
func knownInt(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func intPtrFromNullInt64(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

func float64Ptr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	v := nf.Float64
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Peer represents a discovered or saved remote device.
type Peer struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	DeviceName  string    `json:"device_name"`
	Active      bool      `json:"active"`
	Emitting    bool      `json:"emitting"`
	Distance    float64   `json:"distance"`
	Accuracy    float64   `json:"accuracy"`
	RSSI        int       `json:"rssi"`
	TxPower     int       `json:"tx_power"`
	LastSeen    time.Time `json:"last_seen"`
}

// Validate reports whether the peer is structurally usable.
func (p Peer) Validate() error {
	id := strings.TrimSpace(p.ID)
	if id == "" {
		return errors.New("peer identifier is required")
	}
	if _, err := uuid.Parse(id); err != nil {
		return errors.Wrapf(err, "peer identifier %q is not a UUID", p.ID)
	}
	return nil
}

// Name returns the best human-readable name of the peer.
func (p Peer) Name() string {
	if name := strings.TrimSpace(p.DisplayName); name != "" {
		return name
	}
	if name := strings.TrimSpace(p.DeviceName); name != "" {
		return name
	}
	return p.ID
}

// Sighting holds the signal attributes observed for one inbound announcement.
type Sighting struct {
	DeviceName string
	RSSI       int
	TxPower    int
	SeenAt     time.Time
}

// Merge returns a copy of the peer refreshed with a fresh sighting.
// Identity, display name and the active flag stay as stored.
func (p Peer) Merge(s Sighting) Peer {
	out := p
	if name := strings.TrimSpace(s.DeviceName); name != "" {
		out.DeviceName = name
	}
	out.RSSI = s.RSSI
	if s.TxPower != 0 {
		out.TxPower = s.TxPower
	}
	out.Distance, out.Accuracy = EstimateDistance(out.RSSI, out.TxPower)
	out.Emitting = true
	out.LastSeen = s.SeenAt
	return out
}

package emitter

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"peerbeacon/beacon"
	"peerbeacon/discovery"
	"peerbeacon/models"
)

const (
	// DefaultQueueSize bounds the intake queue between transport callbacks and the pipeline.
	DefaultQueueSize = 256
	// DefaultStartRetries bounds retries of transient transport start failures.
	DefaultStartRetries = 3
	// DefaultRetryInterval is the first delay between start attempts.
	DefaultRetryInterval = 250 * time.Millisecond

	maxRetryInterval = 5 * time.Second
	controlQueueSize = 8
)

// PeerStore resolves announced identifiers to known peers. FindPeer returns
// storage.ErrNotFound when the peer was never paired.
type PeerStore interface {
	FindPeer(id string) (*models.Peer, error)
}

// Config configures an Emitter.
type Config struct {
	Transport discovery.Transport
	Store     PeerStore

	// Announcement is what this device publishes. Its PeerID also identifies
	// self sightings, which are dropped.
	Announcement beacon.Announcement
	// AdvertisedName is the transport-level name. Defaults to the announcement display name.
	AdvertisedName string

	QueueSize int
	// StartRetries is the number of retries after the first failed start attempt.
	StartRetries int
	// RetryInterval is the first backoff delay between start attempts.
	RetryInterval time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.AdvertisedName == "" {
		out.AdvertisedName = out.Announcement.DisplayName
	}
	if out.AdvertisedName == "" {
		out.AdvertisedName = out.Announcement.PeerID.String()
	}
	if out.QueueSize <= 0 {
		out.QueueSize = DefaultQueueSize
	}
	if out.StartRetries < 0 {
		out.StartRetries = DefaultStartRetries
	}
	if out.RetryInterval <= 0 {
		out.RetryInterval = DefaultRetryInterval
	}
	return out
}

func (c Config) validate() error {
	if c.Transport == nil {
		return errors.New("transport is required")
	}
	if c.Store == nil {
		return errors.New("peer store is required")
	}
	if c.Announcement.PeerID == uuid.Nil {
		return errors.New("announcement peer ID is required")
	}
	return nil
}

// State is the lifecycle state of an Emitter.
type State int32

const (
	// StateIdle means emission was never started or was reset.
	StateIdle State = iota
	// StateRunning means the transport publishes and subscribes.
	StateRunning
	// StatePaused means the transport is stopped and intake is gated until resumed.
	StatePaused
	// StateTerminated means a fatal transport failure ended the stream until reset.
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Stats is a snapshot of emitter counters.
type Stats struct {
	// Received counts transport events accepted at the intake gate.
	Received uint64
	// Dropped counts transport events rejected by the gate, by queue overflow or by termination.
	Dropped uint64
	Found   uint64
	Invalid uint64
	// Unpaired counts valid announcements of peers missing from the store.
	Unpaired uint64
	// StoreErrors counts store lookups failing for reasons other than a missing peer.
	StoreErrors   uint64
	SelfSightings uint64
	// StartAttempts counts transport start attempts since the last reset.
	StartAttempts uint64
}

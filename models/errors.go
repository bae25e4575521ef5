package models

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrPeerProtocol is the root of every per-message classification failure.
	ErrPeerProtocol = errors.New("peer protocol error")

	// ErrInvalidPeer means an inbound message did not decode into a usable peer.
	ErrInvalidPeer = fmt.Errorf("invalid peer: %w", ErrPeerProtocol)

	// ErrUnpairedPeer means a structurally valid peer is not saved on this device.
	ErrUnpairedPeer = fmt.Errorf("unpaired peer: %w", ErrPeerProtocol)
)

// PeerError describes why one inbound message was not turned into a peer result.
type PeerError struct {
	// Kind is ErrInvalidPeer or ErrUnpairedPeer.
	Kind error

	// Candidate is the decoded peer, set for unpaired peers so callers can offer pairing.
	Candidate *Peer

	Cause error
}

// NewInvalidPeerError wraps a decode or validation failure.
func NewInvalidPeerError(cause error) *PeerError {
	return &PeerError{Kind: ErrInvalidPeer, Cause: cause}
}

// NewUnpairedPeerError reports a valid peer missing from the local store.
func NewUnpairedPeerError(candidate Peer) *PeerError {
	return &PeerError{Kind: ErrUnpairedPeer, Candidate: &candidate}
}

func (e *PeerError) Error() string {
	switch {
	case e.Candidate != nil && e.Cause != nil:
		return fmt.Sprintf("%s %s: %s", e.Kind, e.Candidate.ID, e.Cause)
	case e.Candidate != nil:
		return fmt.Sprintf("%s %s", e.Kind, e.Candidate.ID)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.Cause)
	default:
		return e.Kind.Error()
	}
}

// Is matches the taxonomy sentinels.
func (e *PeerError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

func (e *PeerError) Unwrap() error {
	return e.Cause
}

// IsInvalidPeer reports whether err classifies a malformed inbound message.
func IsInvalidPeer(err error) bool {
	return errors.Is(err, ErrInvalidPeer)
}

// IsUnpairedPeer reports whether err classifies a valid but unknown peer.
func IsUnpairedPeer(err error) bool {
	return errors.Is(err, ErrUnpairedPeer)
}

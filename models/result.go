package models

import (
	"github.com/pkg/errors"
)

// PublishStatus is the enum view of a result's publish discriminant.
type PublishStatus int

const (
	// PublishStatusInvalid is reported by results that do not carry publish state.
	PublishStatusInvalid PublishStatus = iota
	// PublishStatusPublishing means this device started announcing itself.
	PublishStatusPublishing
	// PublishStatusNotPublishing means this device stopped announcing itself.
	PublishStatusNotPublishing
)

func (s PublishStatus) String() string {
	switch s {
	case PublishStatusPublishing:
		return "publishing"
	case PublishStatusNotPublishing:
		return "not_publishing"
	default:
		return "invalid"
	}
}

// Result is one event of the emitter stream. It is exactly one of
// PeerFound, PublishChanged or Failure.
type Result interface {
	// HasResult is true for PeerFound.
	HasResult() bool
	// HasError is true for Failure.
	HasError() bool
	// HasPublished reports the carried flag of PublishChanged, false otherwise.
	HasPublished() bool
	PublishStatus() PublishStatus

	sealed()
}

// PeerFound carries a validated, known peer. Only NewPeerFound builds one.
type PeerFound interface {
	Result
	Peer() Peer
	PeerID() string
}

// PublishChanged reports that the announce side started or stopped. Only
// NewPublishChanged builds one.
type PublishChanged interface {
	Result
	Publishing() bool
}

// Failure carries a classification failure or a terminal transport failure.
// Only NewFailure and NewTerminalFailure build one.
type Failure interface {
	Result
	Err() error
	Terminal() bool
}

type peerFound struct {
	peer Peer
}

// NewPeerFound wraps a peer that passes Validate.
func NewPeerFound(peer Peer) (Result, error) {
	if err := peer.Validate(); err != nil {
		return nil, NewInvalidPeerError(err)
	}
	return peerFound{peer: peer}, nil
}

func (r peerFound) Peer() Peer { return r.peer }
func (r peerFound) PeerID() string { return r.peer.ID }
func (peerFound) HasResult() bool { return true }
func (peerFound) HasError() bool { return false }
func (peerFound) HasPublished() bool { return false }
func (peerFound) PublishStatus() PublishStatus { return PublishStatusInvalid }
func (peerFound) sealed() {}

type publishChanged struct {
	publishing bool
}

// NewPublishChanged builds a publish-status result.
func NewPublishChanged(publishing bool) Result {
	return publishChanged{publishing: publishing}
}

func (r publishChanged) Publishing() bool { return r.publishing }
func (publishChanged) HasResult() bool { return false }
func (publishChanged) HasError() bool { return false }
func (r publishChanged) HasPublished() bool { return r.publishing }
func (publishChanged) sealed() {}

func (r publishChanged) PublishStatus() PublishStatus {
	if r.publishing {
		return PublishStatusPublishing
	}
	return PublishStatusNotPublishing
}

type failure struct {
	err      error
	terminal bool
}

// NewFailure wraps a non-nil cause. A nil cause is a programming error.
func NewFailure(err error) Result {
	if err == nil {
		panic(errors.New("failure result requires a cause"))
	}
	return failure{err: err}
}

// NewTerminalFailure wraps a cause after which the stream produces nothing
// until the emitter is reset and started again.
func NewTerminalFailure(err error) Result {
	if err == nil {
		panic(errors.New("terminal failure result requires a cause"))
	}
	return failure{err: err, terminal: true}
}

func (r failure) Err() error { return r.err }
func (r failure) Terminal() bool { return r.terminal }
func (failure) HasResult() bool { return false }
func (failure) HasError() bool { return true }
func (failure) HasPublished() bool { return false }
func (failure) PublishStatus() PublishStatus { return PublishStatusInvalid }
func (failure) sealed() {}

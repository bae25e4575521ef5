// Package usecase adapts the peer emitter to the workflows that drive it.
package usecase

import (
	"context"

	"github.com/gordian-engine/dragon/dpubsub"

	"peerbeacon/models"
)

// EmitterSource is the part of the emitter the use cases depend on.
type EmitterSource interface {
	PauseEmitter()
	ResumeEmitter(ctx context.Context) error
	ResetEmitter()
	PartnerEmitter() *dpubsub.Stream[models.Result]
}

// PeerEmission exposes the emitter lifecycle verbs and its result stream.
// It keeps no state of its own.
type PeerEmission struct {
	source EmitterSource
}

// NewPeerEmission wraps source.
func NewPeerEmission(source EmitterSource) *PeerEmission {
	return &PeerEmission{source: source}
}

// PauseEmitterSource pauses the emitter.
func (p *PeerEmission) PauseEmitterSource() {
	p.source.PauseEmitter()
}

// ResumeEmitterSource resumes a paused emitter.
func (p *PeerEmission) ResumeEmitterSource(ctx context.Context) error {
	return p.source.ResumeEmitter(ctx)
}

// ResetEmitterSource resets the emitter.
func (p *PeerEmission) ResetEmitterSource() {
	p.source.ResetEmitter()
}

// Run returns the result stream from its current head.
func (p *PeerEmission) Run() *dpubsub.Stream[models.Result] {
	return p.source.PartnerEmitter()
}

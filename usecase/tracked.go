package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/gordian-engine/dragon/dpubsub"
	"github.com/outofforest/logger"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"peerbeacon/emitter"
	"peerbeacon/models"
	"peerbeacon/ordering"
)

// SightingStore is the persistent side of tracked peers.
type SightingStore interface {
	ListPeerModels() ([]models.Peer, error)
	UpdatePeerSighting(peer models.Peer) error
}

// TrackedPeers folds emitter results into an ordered display list and records
// sightings of known peers in the store.
type TrackedPeers struct {
	store              SightingStore
	prioritizeEmitting bool

	mu       sync.Mutex
	peers    map[string]models.Peer
	unpaired map[string]models.Peer
}

// NewTrackedPeers loads the known peers from store. None of them is emitting
// until a sighting arrives.
func NewTrackedPeers(store SightingStore, prioritizeEmitting bool) (*TrackedPeers, error) {
	known, err := store.ListPeerModels()
	if err != nil {
		return nil, errors.Wrap(err, "load known peers")
	}

	return &TrackedPeers{
		store:              store,
		prioritizeEmitting: prioritizeEmitting,
		peers:              lo.KeyBy(known, func(p models.Peer) string { return p.ID }),
		unpaired:           map[string]models.Peer{},
	}, nil
}

// Apply folds one result. It reports whether the display list changed.
func (t *TrackedPeers) Apply(ctx context.Context, r models.Result) bool {
	log := logger.Get(ctx)

	switch r := r.(type) {
	case models.PeerFound:
		peer := r.Peer()
		if err := t.store.UpdatePeerSighting(peer); err != nil {
			log.Warn("Recording sighting failed", zap.String("peerID", peer.ID), zap.Error(err))
		}

		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.unpaired, peer.ID)
		t.peers[peer.ID] = peer
		return true
	case models.Failure:
		var peerErr *models.PeerError
		if errors.As(r.Err(), &peerErr) && peerErr.Candidate != nil {
			t.mu.Lock()
			t.unpaired[peerErr.Candidate.ID] = *peerErr.Candidate
			t.mu.Unlock()
			return false
		}
		if r.Terminal() {
			log.Error("Peer discovery stopped", zap.Error(r.Err()))
		} else {
			log.Debug("Peer discovery failure", zap.Error(r.Err()))
		}
		return false
	default:
		return false
	}
}

// Expire marks peers not seen within ttl as no longer emitting. It reports
// whether any peer changed.
func (t *TrackedPeers) Expire(now time.Time, ttl time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	changed := false
	for id, peer := range t.peers {
		if peer.Emitting && now.Sub(peer.LastSeen) > ttl {
			peer.Emitting = false
			t.peers[id] = peer
			changed = true
		}
	}
	for id, peer := range t.unpaired {
		if now.Sub(peer.LastSeen) > ttl {
			delete(t.unpaired, id)
		}
	}
	return changed
}

// Peers returns the known peers, active first.
func (t *TrackedPeers) Peers() []models.Peer {
	t.mu.Lock()
	defer t.mu.Unlock()

	return ordering.SortByActive(lo.Values(t.peers), t.prioritizeEmitting)
}

// Unpaired returns the peers announcing themselves without being known, by name.
func (t *TrackedPeers) Unpaired() []models.Peer {
	t.mu.Lock()
	defer t.mu.Unlock()

	return ordering.Sort(lo.Values(t.unpaired))
}

// Run applies every result published on s until ctx is done and calls onChange
// with the ordered list after each change.
func (t *TrackedPeers) Run(ctx context.Context, s *dpubsub.Stream[models.Result], onChange func([]models.Peer)) error {
	return emitter.Observe(ctx, s, func(r models.Result) {
		if t.Apply(ctx, r) && onChange != nil {
			onChange(t.Peers())
		}
	})
}

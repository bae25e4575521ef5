package main

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/outofforest/logger"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"peerbeacon/beacon"
	"peerbeacon/discovery"
	"peerbeacon/models"
)

type peerLister interface {
	ListPeerModels() ([]models.Peer, error)
}

type simulatedPeer struct {
	transport *discovery.Loopback
	ad        discovery.Advertisement
}

// simulator announces every paired peer on a loopback medium so the run
// command can be exercised without radios.
type simulator struct {
	medium   *discovery.Medium
	peers    []simulatedPeer
	interval time.Duration
}

func newSimulator(medium *discovery.Medium, peers []models.Peer, interval time.Duration) (*simulator, error) {
	s := &simulator{medium: medium, interval: interval}
	for _, p := range peers {
		id, err := uuid.Parse(p.ID)
		if err != nil {
			return nil, errors.Wrapf(err, "parse peer ID %q", p.ID)
		}
		payload, err := beacon.Marshal(beacon.Announcement{
			PeerID:      id,
			DisplayName: p.Name(),
			TxPower:     -59,
		})
		if err != nil {
			return nil, err
		}

		// Signal strength is reported by the receiving side.
		s.peers = append(s.peers, simulatedPeer{
			transport: medium.NewLoopback(0),
			ad:        discovery.Advertisement{Name: p.Name(), Payload: payload},
		})
	}
	return s, nil
}

func (s *simulator) Run(ctx context.Context) error {
	log := logger.Get(ctx)

	for _, p := range s.peers {
		if err := p.transport.StartPublish(ctx, p.ad); err != nil {
			return err
		}
	}
	defer func() {
		for _, p := range s.peers {
			if err := p.transport.StopPublish(); err != nil {
				log.Warn("Stopping simulated peer failed", zap.Error(err))
			}
		}
	}()
	log.Info("Simulating peers", zap.Int("count", len(s.peers)))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-ticker.C:
			s.medium.Rebroadcast()
		}
	}
}

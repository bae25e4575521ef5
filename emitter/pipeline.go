package emitter

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"peerbeacon/beacon"
	"peerbeacon/discovery"
	"peerbeacon/models"
	"peerbeacon/storage"
)

func (e *Emitter) runPipeline(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case r := <-e.control:
			e.publish(r)
		case ev := <-e.events:
			e.process(ev)
		}
	}
}

func (e *Emitter) process(ev event) {
	// Nothing is published after a terminal failure until reset and start.
	if e.State() == StateTerminated {
		e.stats.dropped.Add(1)
		return
	}

	if ev.status != nil {
		e.processStatus(*ev.status)
		return
	}
	if r, ok := e.classify(*ev.msg); ok {
		e.publish(r)
	}
}

func (e *Emitter) processStatus(status discovery.Status) {
	log := e.logger()

	if status.Fatal() {
		if !e.terminate() {
			return
		}
		err := errors.Wrapf(status.Err, "%s side", status.Side)
		log.Error("Transport failed, emitter terminated", zap.Error(err))
		e.publish(models.NewTerminalFailure(err))
		e.haltAsync()
		return
	}

	switch status.Side {
	case discovery.SidePublish:
		e.publishing.Store(status.Active)
	case discovery.SideSubscribe:
		e.subscribing.Store(status.Active)
	}

	if status.Err != nil {
		log.Warn("Transport reported a failure", zap.Stringer("side", status.Side), zap.Error(status.Err))
		e.publish(models.NewFailure(errors.Wrapf(status.Err, "%s side", status.Side)))
	}
	if status.Side == discovery.SidePublish {
		e.publish(models.NewPublishChanged(status.Active))
	}
}

// classify decodes one announcement. It reports false for messages that
// produce no result.
func (e *Emitter) classify(msg discovery.RawMessage) (models.Result, bool) {
	log := e.logger()

	a, err := beacon.Unmarshal(msg.Payload)
	if err != nil {
		e.stats.invalid.Add(1)
		log.Debug("Dropping undecodable announcement", zap.String("deviceName", msg.DeviceName), zap.Error(err))
		return models.NewFailure(models.NewInvalidPeerError(err)), true
	}

	id := a.PeerID.String()
	if id == e.selfID {
		e.stats.selfSightings.Add(1)
		log.Debug("Ignoring own announcement")
		return nil, false
	}

	seenAt := msg.ReceivedAt
	if seenAt.IsZero() {
		seenAt = time.Now()
	}
	sighting := models.Sighting{
		DeviceName: msg.DeviceName,
		RSSI:       msg.RSSI,
		TxPower:    int(a.TxPower),
		SeenAt:     seenAt,
	}

	stored, err := e.cfg.Store.FindPeer(id)
	if err == nil && stored == nil {
		err = storage.ErrNotFound
	}
	switch {
	case errors.Is(err, storage.ErrNotFound):
		e.stats.unpaired.Add(1)
		candidate := models.Peer{ID: id, DisplayName: a.DisplayName}.Merge(sighting)
		log.Debug("Unpaired peer announced", zap.String("peerID", id))
		return models.NewFailure(models.NewUnpairedPeerError(candidate)), true
	case err != nil:
		e.stats.storeErrors.Add(1)
		log.Warn("Peer lookup failed", zap.String("peerID", id), zap.Error(err))
		return models.NewFailure(errors.Wrapf(err, "look up peer %s", id)), true
	}

	peer := stored.Merge(sighting)
	if peer.DisplayName == "" {
		peer.DisplayName = a.DisplayName
	}
	r, err := models.NewPeerFound(peer)
	if err != nil {
		e.stats.invalid.Add(1)
		return models.NewFailure(err), true
	}
	e.stats.found.Add(1)
	return r, true
}

package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gordian-engine/dragon/dpubsub"
	"github.com/outofforest/parallel"
	"github.com/outofforest/qa"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"peerbeacon/models"
)

const (
	alice = "6f1c2a52-1c9a-4a4e-9d0b-2d3f8f7e6a11"
	bob   = "0b5e7a3c-91d2-4f6e-8c1a-5d4b3a2f1e09"
	carol = "9a7d4c21-3e5f-4b8a-a1c2-6d0e9f8b7a35"
)

type fakeSource struct {
	calls  []string
	stream *dpubsub.Stream[models.Result]
	err    error
}

func (s *fakeSource) PauseEmitter() { s.calls = append(s.calls, "pause") }

func (s *fakeSource) ResumeEmitter(context.Context) error {
	s.calls = append(s.calls, "resume")
	return s.err
}

func (s *fakeSource) ResetEmitter() { s.calls = append(s.calls, "reset") }

func (s *fakeSource) PartnerEmitter() *dpubsub.Stream[models.Result] {
	s.calls = append(s.calls, "stream")
	return s.stream
}

type fakeStore struct {
	mu      sync.Mutex
	known   []models.Peer
	updated []models.Peer
	err     error
}

func (s *fakeStore) ListPeerModels() ([]models.Peer, error) {
	return s.known, nil
}

func (s *fakeStore) UpdatePeerSighting(peer models.Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updated = append(s.updated, peer)
	return s.err
}

func (s *fakeStore) Updated() []models.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Peer(nil), s.updated...)
}

func peerFound(t *testing.T, peer models.Peer) models.Result {
	t.Helper()

	r, err := models.NewPeerFound(peer)
	require.NoError(t, err)
	return r
}

func TestPeerEmissionDelegates(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	errResume := errors.New("resume failed")
	source := &fakeSource{stream: dpubsub.NewStream[models.Result](), err: errResume}
	uc := NewPeerEmission(source)

	uc.PauseEmitterSource()
	requireT.ErrorIs(uc.ResumeEmitterSource(ctx), errResume)
	uc.ResetEmitterSource()
	requireT.Same(source.stream, uc.Run())

	requireT.Equal([]string{"pause", "resume", "reset", "stream"}, source.calls)
}

func TestTrackedPeersOrdersAndRecordsSightings(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	store := &fakeStore{known: []models.Peer{
		{ID: alice, DisplayName: "alice", Active: false},
		{ID: bob, DisplayName: "Bob", Active: true},
		{ID: carol, DisplayName: "Carol", Active: true},
	}}
	tracked, err := NewTrackedPeers(store, true)
	requireT.NoError(err)

	names := func() []string {
		var out []string
		for _, p := range tracked.Peers() {
			out = append(out, p.Name())
		}
		return out
	}
	requireT.Equal([]string{"Bob", "Carol", "alice"}, names())

	seen := models.Peer{ID: carol, DisplayName: "Carol", Active: true}.Merge(models.Sighting{
		RSSI:    -60,
		TxPower: -59,
		SeenAt:  time.Now(),
	})
	requireT.True(tracked.Apply(ctx, peerFound(t, seen)))
	requireT.Equal([]string{"Carol", "Bob", "alice"}, names())
	requireT.Len(store.Updated(), 1)
	requireT.Equal(carol, store.Updated()[0].ID)

	requireT.True(tracked.Expire(time.Now().Add(time.Minute), 30*time.Second))
	requireT.Equal([]string{"Bob", "Carol", "alice"}, names())
	requireT.False(tracked.Expire(time.Now().Add(time.Minute), 30*time.Second))
}

func TestTrackedPeersKeepsUnpairedCandidates(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	tracked, err := NewTrackedPeers(&fakeStore{}, false)
	requireT.NoError(err)

	candidate := models.Peer{ID: bob, DisplayName: "Bob"}.Merge(models.Sighting{RSSI: -70, TxPower: -59, SeenAt: time.Now()})
	requireT.False(tracked.Apply(ctx, models.NewFailure(models.NewUnpairedPeerError(candidate))))
	requireT.False(tracked.Apply(ctx, models.NewFailure(models.NewInvalidPeerError(errors.New("bad magic")))))
	requireT.False(tracked.Apply(ctx, models.NewPublishChanged(true)))

	requireT.Empty(tracked.Peers())
	unpaired := tracked.Unpaired()
	requireT.Len(unpaired, 1)
	requireT.Equal(bob, unpaired[0].ID)

	// Pairing turns the candidate into a tracked peer.
	requireT.True(tracked.Apply(ctx, peerFound(t, candidate)))
	requireT.Empty(tracked.Unpaired())
	requireT.Len(tracked.Peers(), 1)
}

func TestTrackedPeersStoreErrorDoesNotDropSighting(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	store := &fakeStore{err: errors.New("database is locked")}
	tracked, err := NewTrackedPeers(store, false)
	requireT.NoError(err)

	requireT.True(tracked.Apply(ctx, peerFound(t, models.Peer{ID: alice, DisplayName: "Alice"})))
	requireT.Len(tracked.Peers(), 1)
}

func TestTrackedPeersRunFollowsStream(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	tracked, err := NewTrackedPeers(&fakeStore{}, false)
	requireT.NoError(err)

	s := dpubsub.NewStream[models.Result]()
	changes := make(chan []models.Peer, 4)
	group.Spawn("tracked", parallel.Fail, func(ctx context.Context) error {
		return tracked.Run(ctx, s, func(peers []models.Peer) { changes <- peers })
	})

	s.Publish(models.NewPublishChanged(true))
	s = s.Next
	s.Publish(peerFound(t, models.Peer{ID: alice, DisplayName: "Alice"}))

	select {
	case peers := <-changes:
		requireT.Len(peers, 1)
		requireT.Equal(alice, peers[0].ID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
	}
}

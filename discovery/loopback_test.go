package discovery

import (
	"testing"

	"github.com/outofforest/qa"
	"github.com/stretchr/testify/require"
)

func TestLoopbackDeliversToOtherSubscribers(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	medium := NewMedium()
	alice := medium.NewLoopback(-60)
	bob := medium.NewLoopback(-70)

	aliceHandler := &recordingHandler{}
	bobHandler := &recordingHandler{}
	alice.SetHandler(aliceHandler)
	bob.SetHandler(bobHandler)

	requireT.NoError(alice.StartPublish(ctx, Advertisement{Name: "alice", Payload: []byte{1}}))
	requireT.NoError(alice.StartSubscribe(ctx))
	requireT.NoError(bob.StartSubscribe(ctx))

	// Bob sees the advertisement published before subscribing. Alice never sees her own.
	requireT.Len(bobHandler.Messages(), 1)
	requireT.Equal("alice", bobHandler.Messages()[0].DeviceName)
	requireT.Equal(-70, bobHandler.Messages()[0].RSSI)
	requireT.Empty(aliceHandler.Messages())

	requireT.NoError(bob.StartPublish(ctx, Advertisement{Name: "bob", Payload: []byte{2}}))
	requireT.Len(aliceHandler.Messages(), 1)
	requireT.Equal([]byte{2}, aliceHandler.Messages()[0].Payload)
	requireT.Equal(-60, aliceHandler.Messages()[0].RSSI)

	medium.Rebroadcast()
	requireT.Len(aliceHandler.Messages(), 2)
	requireT.Len(bobHandler.Messages(), 2)

	requireT.NoError(bob.StopSubscribe())
	medium.Rebroadcast()
	requireT.Len(bobHandler.Messages(), 2)
	requireT.Len(aliceHandler.Messages(), 3)
}

func TestLoopbackStatusesAreIdempotent(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	l := NewMedium().NewLoopback(-50)
	h := &recordingHandler{}
	l.SetHandler(h)

	requireT.NoError(l.StartPublish(ctx, Advertisement{Name: "x", Payload: []byte{1}}))
	requireT.NoError(l.StartPublish(ctx, Advertisement{Name: "x", Payload: []byte{1}}))
	requireT.NoError(l.StartSubscribe(ctx))
	requireT.NoError(l.StartSubscribe(ctx))
	requireT.NoError(l.StopPublish())
	requireT.NoError(l.StopPublish())
	requireT.NoError(l.StopSubscribe())

	requireT.Equal([]Status{
		{Side: SidePublish, Active: true},
		{Side: SideSubscribe, Active: true},
		{Side: SidePublish, Active: false},
		{Side: SideSubscribe, Active: false},
	}, h.Statuses())

	requireT.Error(l.StartPublish(ctx, Advertisement{Name: "empty"}))
}

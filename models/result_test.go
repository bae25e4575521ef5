package models

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

const testPeerID = "6f1c2a52-1c9a-4a4e-9d0b-2d3f8f7e6a11"

func TestPeerFoundCarriesPeer(t *testing.T) {
	requireT := require.New(t)

	r, err := NewPeerFound(Peer{ID: testPeerID, DisplayName: "Alice"})
	requireT.NoError(err)

	requireT.True(r.HasResult())
	requireT.False(r.HasError())
	requireT.False(r.HasPublished())
	requireT.Equal(PublishStatusInvalid, r.PublishStatus())

	found, ok := r.(PeerFound)
	requireT.True(ok)
	requireT.Equal(testPeerID, found.PeerID())
	requireT.Equal("Alice", found.Peer().DisplayName)
}

func TestPeerFoundRejectsInvalidPeer(t *testing.T) {
	requireT := require.New(t)

	for _, peer := range []Peer{
		{},
		{ID: "   "},
		{ID: "not-a-uuid", DisplayName: "Mallory"},
	} {
		r, err := NewPeerFound(peer)
		requireT.Nil(r)
		requireT.Error(err)
		requireT.True(IsInvalidPeer(err))
		requireT.True(errors.Is(err, ErrPeerProtocol))
	}
}

func TestPublishChangedFlags(t *testing.T) {
	requireT := require.New(t)

	on := NewPublishChanged(true)
	requireT.False(on.HasResult())
	requireT.False(on.HasError())
	requireT.True(on.HasPublished())
	requireT.Equal(PublishStatusPublishing, on.PublishStatus())

	off := NewPublishChanged(false)
	requireT.False(off.HasResult())
	requireT.False(off.HasError())
	requireT.False(off.HasPublished())
	requireT.Equal(PublishStatusNotPublishing, off.PublishStatus())
}

func TestFailureFlags(t *testing.T) {
	requireT := require.New(t)

	cause := NewUnpairedPeerError(Peer{ID: testPeerID})
	r := NewFailure(cause)
	requireT.False(r.HasResult())
	requireT.True(r.HasError())
	requireT.False(r.HasPublished())
	requireT.Equal(PublishStatusInvalid, r.PublishStatus())

	failure, ok := r.(Failure)
	requireT.True(ok)
	requireT.False(failure.Terminal())
	requireT.True(IsUnpairedPeer(failure.Err()))
	requireT.False(IsInvalidPeer(failure.Err()))

	terminal := NewTerminalFailure(errors.New("adapter gone")).(Failure)
	requireT.True(terminal.Terminal())
}

func TestFailureWithoutCausePanics(t *testing.T) {
	requireT := require.New(t)

	requireT.Panics(func() { NewFailure(nil) })
	requireT.Panics(func() { NewTerminalFailure(nil) })
}

func TestVariantsAreExclusive(t *testing.T) {
	requireT := require.New(t)

	found, err := NewPeerFound(Peer{ID: testPeerID})
	requireT.NoError(err)

	for _, r := range []Result{
		found,
		NewPublishChanged(true),
		NewFailure(errors.New("boom")),
	} {
		_, isFound := r.(PeerFound)
		_, isPublish := r.(PublishChanged)
		_, isFailure := r.(Failure)

		matched := 0
		for _, ok := range []bool{isFound, isPublish, isFailure} {
			if ok {
				matched++
			}
		}
		requireT.Equal(1, matched, "%#v", r)
	}

	// The zero value of every variant is nil, never an envelope.
	var zeroFound PeerFound
	var zeroFailure Failure
	requireT.Nil(zeroFound)
	requireT.Nil(zeroFailure)
}

func TestPublishStatusString(t *testing.T) {
	requireT := require.New(t)

	requireT.Equal("publishing", PublishStatusPublishing.String())
	requireT.Equal("not_publishing", PublishStatusNotPublishing.String())
	requireT.Equal("invalid", PublishStatusInvalid.String())
}

package storage

import (
	"testing"
)

const (
	testPeerAlice = "6f1c2a52-1c9a-4a4e-9d0b-2d3f8f7e6a11"
	testPeerBob   = "0b5e7a3c-91d2-4f6e-8c1a-5d4b3a2f1e09"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustAddPeer(t *testing.T, store *Store, peerID, name string) {
	t.Helper()

	err := store.AddPeer(Peer{
		PeerID:         peerID,
		DisplayName:    name,
		AddedTimestamp: nowUnixMilli(),
	})
	if err != nil {
		t.Fatalf("add peer %q: %v", peerID, err)
	}
}

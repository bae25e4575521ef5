package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/outofforest/parallel"
	"github.com/outofforest/qa"
	"github.com/stretchr/testify/require"

	"peerbeacon/config"
	"peerbeacon/discovery"
	"peerbeacon/discovery/ble"
	"peerbeacon/models"
)

const (
	alice = "6f1c2a52-1c9a-4a4e-9d0b-2d3f8f7e6a11"
	bob   = "0b5e7a3c-91d2-4f6e-8c1a-5d4b3a2f1e09"
)

type staticPeers []models.Peer

func (p staticPeers) ListPeerModels() ([]models.Peer, error) {
	return p, nil
}

func execute(t *testing.T, args ...string) string {
	t.Helper()

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	require.NoError(t, root.ExecuteContext(qa.NewContext(t)))
	return out.String()
}

func TestPeersCommands(t *testing.T) {
	requireT := require.New(t)
	dataDir := t.TempDir()

	out := execute(t, "--data-dir", dataDir, "peers", "add", alice, "Alice")
	requireT.Contains(out, "Paired Alice")
	execute(t, "--data-dir", dataDir, "peers", "add", bob, "bob")
	execute(t, "--data-dir", dataDir, "peers", "untrack", alice)

	out = execute(t, "--data-dir", dataDir, "peers", "list")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	requireT.Len(lines, 3)
	requireT.True(strings.HasPrefix(lines[1], "bob"))
	requireT.True(strings.HasPrefix(lines[2], "Alice"))
	requireT.Contains(lines[2], "never")

	execute(t, "--data-dir", dataDir, "peers", "rename", bob, "Bobby")
	execute(t, "--data-dir", dataDir, "peers", "remove", alice)
	out = execute(t, "--data-dir", dataDir, "peers", "list")
	requireT.NotContains(out, alice)
	requireT.Contains(out, "Bobby")

	out = execute(t, "--data-dir", dataDir, "info")
	requireT.Contains(out, "Transport:       mdns")
	requireT.Contains(out, dataDir)
}

func TestPeersAddRejectsBadIdentifier(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--data-dir", t.TempDir(), "peers", "add", "not-a-uuid", "Alice"})
	require.Error(t, root.ExecuteContext(qa.NewContext(t)))
}

func TestRunRejectsNonPositiveTTL(t *testing.T) {
	for _, ttl := range []string{"0s", "-5s"} {
		var out bytes.Buffer
		root := newRootCmd()
		root.SetOut(&out)
		root.SetErr(&out)
		root.SetArgs([]string{"--data-dir", t.TempDir(), "run", "--ttl", ttl})
		err := root.ExecuteContext(qa.NewContext(t))
		require.Error(t, err)
		require.Contains(t, err.Error(), "ttl must be positive")
	}
}

func TestNewTransportFollowsConfig(t *testing.T) {
	requireT := require.New(t)

	cfg := &config.DeviceConfig{Transport: config.TransportMDNS, Service: config.DefaultService, RefreshIntervalMS: 1000}
	transport, sim, err := newTransport(cfg, staticPeers{})
	requireT.NoError(err)
	requireT.IsType(&discovery.MDNSTransport{}, transport)
	requireT.Nil(sim)

	cfg.Transport = config.TransportBLE
	transport, sim, err = newTransport(cfg, staticPeers{})
	requireT.NoError(err)
	requireT.IsType(&ble.Transport{}, transport)
	requireT.Nil(sim)

	cfg.Transport = config.TransportLoopback
	transport, sim, err = newTransport(cfg, staticPeers{{ID: alice, DisplayName: "Alice"}})
	requireT.NoError(err)
	requireT.IsType(&discovery.Loopback{}, transport)
	requireT.NotNil(sim)
}

type messageCounter struct {
	messages chan discovery.RawMessage
}

func (c messageCounter) HandleMessage(msg discovery.RawMessage) {
	select {
	case c.messages <- msg:
	default:
	}
}

func (messageCounter) HandleStatus(discovery.Status) {}

func TestSimulatorAnnouncesPairedPeers(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	medium := discovery.NewMedium()
	sim, err := newSimulator(medium, []models.Peer{{ID: alice, DisplayName: "Alice"}}, 10*time.Millisecond)
	requireT.NoError(err)

	counter := messageCounter{messages: make(chan discovery.RawMessage, 16)}
	receiver := medium.NewLoopback(-61)
	receiver.SetHandler(counter)
	requireT.NoError(receiver.StartSubscribe(ctx))

	group.Spawn("simulator", parallel.Fail, sim.Run)

	for range 2 {
		select {
		case msg := <-counter.messages:
			requireT.Equal("Alice", msg.DeviceName)
			requireT.Equal(-61, msg.RSSI)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for announcement")
		}
	}
}

func TestPrintPeers(t *testing.T) {
	requireT := require.New(t)

	now := time.Now()
	var out bytes.Buffer
	requireT.NoError(printPeers(&out, []models.Peer{
		{ID: alice, DisplayName: "Alice", Active: true, Emitting: true, Distance: 2.54, RSSI: -67, LastSeen: now.Add(-3 * time.Second)},
		{ID: bob, DisplayName: "Bob", Distance: models.UnknownDistance},
	}, now))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	requireT.Len(lines, 3)
	requireT.Contains(lines[1], "2.5 m")
	requireT.Contains(lines[1], "-67 dBm")
	requireT.Contains(lines[1], "3s ago")
	requireT.Contains(lines[2], "never")
}

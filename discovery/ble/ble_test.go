package ble

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/outofforest/qa"
	"github.com/paypal/gatt"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"peerbeacon/beacon"
	"peerbeacon/discovery"
)

var testID = uuid.MustParse("6f1c2a52-1c9a-4a4e-9d0b-2d3f8f7e6a11")

type fakeRadio struct {
	mu            sync.Mutex
	onState       func(gatt.Device, gatt.State)
	initialState  gatt.State
	advertising   *gatt.AdvPacket
	scanning      bool
	advertiseErr  error
	handlersCount int
}

func (r *fakeRadio) Init(f func(gatt.Device, gatt.State)) error {
	r.mu.Lock()
	r.onState = f
	state := r.initialState
	r.mu.Unlock()

	f(nil, state)
	return nil
}

func (r *fakeRadio) Handle(handlers ...gatt.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlersCount += len(handlers)
}

func (r *fakeRadio) Advertise(packet *gatt.AdvPacket) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.advertiseErr != nil {
		return r.advertiseErr
	}
	r.advertising = packet
	return nil
}

func (r *fakeRadio) StopAdvertising() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advertising = nil
	return nil
}

func (r *fakeRadio) Scan([]gatt.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanning = true
}

func (r *fakeRadio) StopScanning() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanning = false
}

func (r *fakeRadio) setState(s gatt.State) {
	r.mu.Lock()
	f := r.onState
	r.mu.Unlock()
	f(nil, s)
}

type recordingHandler struct {
	mu       sync.Mutex
	messages []discovery.RawMessage
	statuses []discovery.Status
}

func (h *recordingHandler) HandleMessage(msg discovery.RawMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
}

func (h *recordingHandler) HandleStatus(status discovery.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses = append(h.statuses, status)
}

func newTestTransport(r *fakeRadio) (*Transport, *recordingHandler) {
	t := New(Config{openFn: func() (radio, error) { return r, nil }})
	h := &recordingHandler{}
	t.SetHandler(h)
	return t, h
}

func testPayload(t *testing.T, name string) []byte {
	payload, err := beacon.Marshal(beacon.Announcement{PeerID: testID, DisplayName: name, TxPower: -59})
	require.NoError(t, err)
	return payload
}

func TestPublishAndScanWhenPoweredOn(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	r := &fakeRadio{initialState: gatt.StatePoweredOn}
	tr, h := newTestTransport(r)

	requireT.NoError(tr.StartPublish(ctx, discovery.Advertisement{Name: "A", Payload: testPayload(t, "")}))
	requireT.NoError(tr.StartSubscribe(ctx))
	requireT.NotNil(r.advertising)
	requireT.True(r.scanning)
	requireT.Equal(1, r.handlersCount)

	tr.onDiscovered(nil, &gatt.Advertisement{
		LocalName:        "bob",
		ManufacturerData: append([]byte{0xFF, 0xFF}, testPayload(t, "Bob")...),
	}, -70)
	tr.onDiscovered(nil, &gatt.Advertisement{ManufacturerData: []byte{0x4C, 0x00, 0x02, 0x15}}, -40)

	requireT.Len(h.messages, 1)
	requireT.Equal("bob", h.messages[0].DeviceName)
	requireT.Equal(-70, h.messages[0].RSSI)
	requireT.Equal(testPayload(t, "Bob"), h.messages[0].Payload)

	requireT.NoError(tr.StopPublish())
	requireT.NoError(tr.StopSubscribe())
	requireT.Nil(r.advertising)
	requireT.False(r.scanning)

	requireT.Equal([]discovery.Status{
		{Side: discovery.SidePublish, Active: true},
		{Side: discovery.SideSubscribe, Active: true},
		{Side: discovery.SidePublish, Active: false},
		{Side: discovery.SideSubscribe, Active: false},
	}, h.statuses)
}

func TestStartWaitsForPowerOn(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	r := &fakeRadio{initialState: gatt.StateUnknown}
	tr, h := newTestTransport(r)

	requireT.NoError(tr.StartSubscribe(ctx))
	requireT.False(r.scanning)
	requireT.Empty(h.statuses)

	r.setState(gatt.StatePoweredOn)
	requireT.True(r.scanning)
	requireT.Equal([]discovery.Status{{Side: discovery.SideSubscribe, Active: true}}, h.statuses)

	// Powering off keeps the subscription wanted, it comes back with the radio.
	r.setState(gatt.StatePoweredOff)
	requireT.False(r.scanning)
	requireT.Len(h.statuses, 2)
	requireT.False(h.statuses[1].Fatal())
	requireT.Error(h.statuses[1].Err)

	r.setState(gatt.StatePoweredOn)
	requireT.True(r.scanning)
	requireT.Len(h.statuses, 3)
}

func TestUnauthorizedAdapterIsFatal(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	r := &fakeRadio{initialState: gatt.StatePoweredOn}
	tr, h := newTestTransport(r)

	requireT.NoError(tr.StartSubscribe(ctx))
	r.setState(gatt.StateUnauthorized)

	requireT.Len(h.statuses, 2)
	requireT.True(h.statuses[1].Fatal())
	requireT.True(errors.Is(h.statuses[1].Err, discovery.ErrUnavailable))

	// Fatal loss drops the subscription, powering on again does not restart it.
	r.setState(gatt.StatePoweredOn)
	requireT.False(r.scanning)
	requireT.Len(h.statuses, 2)
}

func TestOpenFailureIsUnavailable(t *testing.T) {
	tr := New(Config{openFn: func() (radio, error) { return nil, errors.New("no adapter") }})
	err := tr.StartSubscribe(qa.NewContext(t))
	require.True(t, errors.Is(err, discovery.ErrUnavailable))
}

func TestAdvertiseFailureIsReturned(t *testing.T) {
	requireT := require.New(t)

	r := &fakeRadio{initialState: gatt.StatePoweredOn, advertiseErr: errors.New("busy")}
	tr, h := newTestTransport(r)

	err := tr.StartPublish(qa.NewContext(t), discovery.Advertisement{Name: "A", Payload: testPayload(t, "")})
	requireT.Error(err)
	requireT.False(errors.Is(err, discovery.ErrUnavailable))
	requireT.Empty(h.statuses)
}

func TestFitPayloadShortensName(t *testing.T) {
	requireT := require.New(t)

	payload, err := fitPayload(testPayload(t, "A very long display name"))
	requireT.NoError(err)
	requireT.Len(payload, MaxPayloadLen)

	a, err := beacon.Unmarshal(payload)
	requireT.NoError(err)
	requireT.Equal(testID, a.PeerID)
	requireT.Equal("A ve", a.DisplayName)

	short := testPayload(t, "Al")
	payload, err = fitPayload(short)
	requireT.NoError(err)
	requireT.Equal(short, payload)

	_, err = fitPayload(nil)
	requireT.Error(err)
}

func TestExtractPayload(t *testing.T) {
	requireT := require.New(t)
	payload := testPayload(t, "")

	got, ok := extractPayload(append([]byte{0xFF, 0xFF}, payload...), DefaultCompanyID)
	requireT.True(ok)
	requireT.Equal(payload, got)

	withLength := append([]byte{0xFF, 0xFF, byte(len(payload))}, payload...)
	got, ok = extractPayload(withLength, DefaultCompanyID)
	requireT.True(ok)
	requireT.Equal(payload, got)

	_, ok = extractPayload(append([]byte{0xE9, 0x03}, payload...), DefaultCompanyID)
	requireT.False(ok)

	_, ok = extractPayload([]byte{0xFF}, DefaultCompanyID)
	requireT.False(ok)
}

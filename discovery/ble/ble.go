// Package ble publishes and scans peerbeacon announcements over Bluetooth Low
// Energy legacy advertisements. The announcement travels in the manufacturer
// specific data field.
package ble

import (
	"context"
	"sync"
	"time"

	"github.com/outofforest/logger"
	"github.com/paypal/gatt"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"peerbeacon/beacon"
	"peerbeacon/discovery"
)

const (
	// DefaultCompanyID is the Bluetooth SIG identifier reserved for testing.
	DefaultCompanyID uint16 = 0xFFFF

	maxAdvLen      = 31
	flagsFieldLen  = 3
	mfgFieldHeader = 4
	// MaxPayloadLen is the room left for the announcement after the flags field
	// and the manufacturer data header.
	MaxPayloadLen = maxAdvLen - flagsFieldLen - mfgFieldHeader
)

var errRadioOff = errors.New("bluetooth radio is powered off")

// radio is the subset of gatt.Device driven by the transport.
type radio interface {
	Init(onStateChanged func(gatt.Device, gatt.State)) error
	Handle(handlers ...gatt.Handler)
	Advertise(packet *gatt.AdvPacket) error
	StopAdvertising() error
	Scan(services []gatt.UUID, dup bool)
	StopScanning()
}

// Config controls the BLE transport.
type Config struct {
	CompanyID uint16

	openFn func() (radio, error)
}

func (c Config) withDefaults() Config {
	out := c
	if out.CompanyID == 0 {
		out.CompanyID = DefaultCompanyID
	}
	if out.openFn == nil {
		out.openFn = openDevice
	}
	return out
}

// Transport is a discovery.Transport over a local Bluetooth adapter.
// The adapter is opened on first use and never closed.
type Transport struct {
	cfg Config
	log *zap.Logger

	mu      sync.Mutex
	handler discovery.Handler
	radio   radio
	state   gatt.State

	packet        *gatt.AdvPacket
	wantPublish   bool
	wantSubscribe bool
	publishing    bool
	subscribing   bool
}

var _ discovery.Transport = (*Transport)(nil)

// New creates a BLE transport with config defaults applied.
func New(config Config) *Transport {
	return &Transport{
		cfg: config.withDefaults(),
		log: zap.NewNop(),
	}
}

// SetHandler installs the callback target.
func (t *Transport) SetHandler(h discovery.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// StartPublish starts advertising. When the radio is not powered on yet the
// advertisement starts, and is reported, once it is.
func (t *Transport) StartPublish(ctx context.Context, ad discovery.Advertisement) error {
	payload, err := fitPayload(ad.Payload)
	if err != nil {
		return err
	}
	if err := t.open(ctx); err != nil {
		return err
	}

	t.mu.Lock()
	if t.wantPublish {
		t.mu.Unlock()
		return nil
	}
	t.packet = buildPacket(t.cfg.CompanyID, payload, ad.Name)
	t.wantPublish = true
	statuses, err := t.applyLocked()
	h := t.handler
	t.mu.Unlock()

	notify(h, statuses)
	return err
}

// StopPublish stops advertising.
func (t *Transport) StopPublish() error {
	t.mu.Lock()
	if !t.wantPublish {
		t.mu.Unlock()
		return nil
	}
	t.wantPublish = false
	t.packet = nil

	var err error
	wasPublishing := t.publishing
	if t.publishing {
		t.publishing = false
		err = t.radio.StopAdvertising()
	}
	h := t.handler
	t.mu.Unlock()

	if wasPublishing {
		notify(h, []discovery.Status{{Side: discovery.SidePublish, Active: false}})
	}
	return errors.Wrap(err, "stop advertising")
}

// StartSubscribe starts scanning with duplicates allowed so every
// advertising interval refreshes the signal strength.
func (t *Transport) StartSubscribe(ctx context.Context) error {
	if err := t.open(ctx); err != nil {
		return err
	}

	t.mu.Lock()
	if t.wantSubscribe {
		t.mu.Unlock()
		return nil
	}
	t.wantSubscribe = true
	statuses, err := t.applyLocked()
	h := t.handler
	t.mu.Unlock()

	notify(h, statuses)
	return err
}

// StopSubscribe stops scanning.
func (t *Transport) StopSubscribe() error {
	t.mu.Lock()
	if !t.wantSubscribe {
		t.mu.Unlock()
		return nil
	}
	t.wantSubscribe = false

	wasSubscribing := t.subscribing
	if t.subscribing {
		t.subscribing = false
		t.radio.StopScanning()
	}
	h := t.handler
	t.mu.Unlock()

	if wasSubscribing {
		notify(h, []discovery.Status{{Side: discovery.SideSubscribe, Active: false}})
	}
	return nil
}

func (t *Transport) open(ctx context.Context) error {
	t.mu.Lock()
	if t.radio != nil {
		t.mu.Unlock()
		return nil
	}
	r, err := t.cfg.openFn()
	if err != nil {
		t.mu.Unlock()
		return errors.Wrapf(discovery.ErrUnavailable, "open bluetooth adapter: %s", err)
	}
	t.radio = r
	t.log = logger.Get(ctx).With(zap.String("transport", "ble"))
	t.mu.Unlock()

	// Init may report the initial state synchronously, so it runs unlocked.
	r.Handle(gatt.PeripheralDiscovered(t.onDiscovered))
	if err := r.Init(t.onStateChanged); err != nil {
		t.mu.Lock()
		t.radio = nil
		t.mu.Unlock()
		return errors.Wrapf(discovery.ErrUnavailable, "initialize bluetooth adapter: %s", err)
	}
	return nil
}

// applyLocked brings the radio in line with the wanted sides. It must be called
// with t.mu held and returns the status changes to report after unlocking.
func (t *Transport) applyLocked() ([]discovery.Status, error) {
	if t.state != gatt.StatePoweredOn {
		return nil, nil
	}

	var statuses []discovery.Status
	if t.wantPublish && !t.publishing {
		if err := t.radio.Advertise(t.packet); err != nil {
			t.wantPublish = false
			t.packet = nil
			return statuses, errors.Wrap(err, "start advertising")
		}
		t.publishing = true
		statuses = append(statuses, discovery.Status{Side: discovery.SidePublish, Active: true})
	}
	if t.wantSubscribe && !t.subscribing {
		t.radio.Scan([]gatt.UUID{}, true)
		t.subscribing = true
		statuses = append(statuses, discovery.Status{Side: discovery.SideSubscribe, Active: true})
	}
	return statuses, nil
}

func (t *Transport) onStateChanged(_ gatt.Device, s gatt.State) {
	t.mu.Lock()
	t.state = s
	log := t.log
	h := t.handler

	var statuses []discovery.Status
	var err error
	if s == gatt.StatePoweredOn {
		statuses, err = t.applyLocked()
	} else {
		statuses = t.haltLocked(stateError(s))
	}
	t.mu.Unlock()

	log.Info("Bluetooth adapter state changed", zap.Stringer("state", s))
	if err != nil {
		log.Warn("Applying bluetooth state failed", zap.Error(err))
		statuses = append(statuses, discovery.Status{Side: discovery.SidePublish, Active: false, Err: err})
	}
	notify(h, statuses)
}

// haltLocked stops both sides after the radio left the powered on state. Wanted
// sides are kept so they restart when the radio comes back, unless the failure
// is fatal.
func (t *Transport) haltLocked(cause error) []discovery.Status {
	var statuses []discovery.Status
	fatal := errors.Is(cause, discovery.ErrUnavailable)

	if t.wantPublish {
		if t.publishing {
			_ = t.radio.StopAdvertising()
			t.publishing = false
		}
		statuses = append(statuses, discovery.Status{Side: discovery.SidePublish, Active: false, Err: cause})
		if fatal {
			t.wantPublish = false
			t.packet = nil
		}
	}
	if t.wantSubscribe {
		if t.subscribing {
			t.radio.StopScanning()
			t.subscribing = false
		}
		statuses = append(statuses, discovery.Status{Side: discovery.SideSubscribe, Active: false, Err: cause})
		if fatal {
			t.wantSubscribe = false
		}
	}
	return statuses
}

func (t *Transport) onDiscovered(p gatt.Peripheral, a *gatt.Advertisement, rssi int) {
	if a == nil {
		return
	}
	payload, ok := extractPayload(a.ManufacturerData, t.cfg.CompanyID)
	if !ok {
		return
	}

	name := a.LocalName
	if name == "" && p != nil {
		name = p.Name()
	}

	t.mu.Lock()
	h := t.handler
	subscribing := t.subscribing
	t.mu.Unlock()

	if h == nil || !subscribing {
		return
	}
	h.HandleMessage(discovery.RawMessage{
		Payload:    payload,
		DeviceName: name,
		RSSI:       rssi,
		ReceivedAt: time.Now(),
	})
}

func stateError(s gatt.State) error {
	switch s {
	case gatt.StateUnsupported, gatt.StateUnauthorized:
		return errors.Wrapf(discovery.ErrUnavailable, "bluetooth adapter is %s", s)
	case gatt.StatePoweredOff:
		return errRadioOff
	default:
		return errors.Errorf("bluetooth adapter is %s", s)
	}
}

// fitPayload shortens an announcement so it fits a legacy advertisement.
func fitPayload(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, errors.New("advertisement payload is required")
	}
	if len(payload) <= MaxPayloadLen {
		return payload, nil
	}
	a, err := beacon.Unmarshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "decode announcement")
	}
	return beacon.MarshalLimit(a, MaxPayloadLen)
}

func buildPacket(companyID uint16, payload []byte, name string) *gatt.AdvPacket {
	packet := &gatt.AdvPacket{}
	packet.AppendFlags(0x06)
	packet.AppendManufacturerData(companyID, payload)

	// The local name only goes out when it fits completely.
	used := flagsFieldLen + mfgFieldHeader + len(payload)
	if name != "" && used+2+len(name) <= maxAdvLen {
		packet.AppendName(name)
	}
	return packet
}

// extractPayload returns the announcement carried in manufacturer data, or
// false when the data belongs to another manufacturer. Some stacks keep the
// data length byte after the company ID; it is skipped when present.
func extractPayload(data []byte, companyID uint16) ([]byte, bool) {
	if len(data) < 3 {
		return nil, false
	}
	if data[0] != byte(companyID) || data[1] != byte(companyID>>8) {
		return nil, false
	}
	rest := data[2:]
	if rest[0] != beacon.Magic && len(rest) > 1 && rest[1] == beacon.Magic && int(rest[0]) == len(rest)-1 {
		rest = rest[1:]
	}
	return append([]byte(nil), rest...), true
}

func notify(h discovery.Handler, statuses []discovery.Status) {
	if h == nil {
		return
	}
	for _, s := range statuses {
		h.HandleStatus(s)
	}
}

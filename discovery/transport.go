package discovery

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrUnavailable marks transport failures that cannot be retried, such as a missing
// radio, a missing permission or a network stack that refuses multicast.
var ErrUnavailable = errors.New("discovery: transport unavailable")

// Side identifies the announce or the listen half of a transport.
type Side int

const (
	// SidePublish is the half announcing this device.
	SidePublish Side = iota
	// SideSubscribe is the half listening for other devices.
	SideSubscribe
)

func (s Side) String() string {
	if s == SidePublish {
		return "publish"
	}
	return "subscribe"
}

// Status is reported by a transport whenever one side starts, stops or fails.
type Status struct {
	Side   Side
	Active bool
	Err    error
}

// Fatal reports whether the status carries a non-retryable failure.
func (s Status) Fatal() bool {
	return s.Err != nil && errors.Is(s.Err, ErrUnavailable)
}

// RawMessage is one inbound announcement as delivered by a transport.
type RawMessage struct {
	// Payload is the undecoded announcement, see package beacon.
	Payload []byte
	// DeviceName is the transport-level name of the sender (BLE local name, mDNS instance).
	DeviceName string
	// RSSI is the received signal strength in dBm, 0 when the transport cannot measure it.
	RSSI int

	ReceivedAt time.Time
}

// Advertisement is what a transport publishes for this device.
type Advertisement struct {
	Name    string
	Payload []byte
}

// Handler receives transport callbacks. Implementations must be safe for
// concurrent use and must not block.
type Handler interface {
	HandleMessage(msg RawMessage)
	HandleStatus(status Status)
}

// Transport is a short-range broadcast medium able to publish this device
// and to listen for others.
type Transport interface {
	// SetHandler installs the callback target. It must be called before any Start.
	SetHandler(h Handler)

	StartPublish(ctx context.Context, ad Advertisement) error
	StopPublish() error

	StartSubscribe(ctx context.Context) error
	StopSubscribe() error
}

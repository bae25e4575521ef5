package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Medium is a shared in-memory broadcast space for loopback transports.
// Every subscriber sees every published advertisement except its own.
type Medium struct {
	mu   sync.Mutex
	ads  map[*Loopback]Advertisement
	subs map[*Loopback]struct{}
}

// NewMedium creates an empty medium.
func NewMedium() *Medium {
	return &Medium{
		ads:  make(map[*Loopback]Advertisement),
		subs: make(map[*Loopback]struct{}),
	}
}

// Loopback is a Transport over a Medium. It is used by the simulator and by tests.
type Loopback struct {
	medium *Medium
	rssi   int

	mu      sync.Mutex
	handler Handler
}

// NewLoopback attaches a transport to the medium. Every delivery to this
// transport reports the given signal strength.
func (m *Medium) NewLoopback(rssi int) *Loopback {
	return &Loopback{medium: m, rssi: rssi}
}

// SetHandler installs the callback target.
func (l *Loopback) SetHandler(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

func (l *Loopback) currentHandler() Handler {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handler
}

// StartPublish registers the advertisement and delivers it to current subscribers.
func (l *Loopback) StartPublish(_ context.Context, ad Advertisement) error {
	if len(ad.Payload) == 0 {
		return errors.New("advertisement payload is required")
	}

	l.medium.mu.Lock()
	_, publishing := l.medium.ads[l]
	if !publishing {
		l.medium.ads[l] = ad
	}
	subs := l.medium.subscribersExcept(l)
	l.medium.mu.Unlock()

	if publishing {
		return nil
	}

	notifyStatus(l.currentHandler(), Status{Side: SidePublish, Active: true})
	for _, sub := range subs {
		sub.deliver(ad)
	}
	return nil
}

// StopPublish withdraws the advertisement.
func (l *Loopback) StopPublish() error {
	l.medium.mu.Lock()
	_, publishing := l.medium.ads[l]
	delete(l.medium.ads, l)
	l.medium.mu.Unlock()

	if publishing {
		notifyStatus(l.currentHandler(), Status{Side: SidePublish, Active: false})
	}
	return nil
}

// StartSubscribe starts listening and delivers every advertisement already published.
func (l *Loopback) StartSubscribe(_ context.Context) error {
	l.medium.mu.Lock()
	_, subscribed := l.medium.subs[l]
	var current []Advertisement
	if !subscribed {
		l.medium.subs[l] = struct{}{}
		for pub, ad := range l.medium.ads {
			if pub != l {
				current = append(current, ad)
			}
		}
	}
	l.medium.mu.Unlock()

	if subscribed {
		return nil
	}

	notifyStatus(l.currentHandler(), Status{Side: SideSubscribe, Active: true})
	for _, ad := range current {
		l.deliver(ad)
	}
	return nil
}

// StopSubscribe stops listening.
func (l *Loopback) StopSubscribe() error {
	l.medium.mu.Lock()
	_, subscribed := l.medium.subs[l]
	delete(l.medium.subs, l)
	l.medium.mu.Unlock()

	if subscribed {
		notifyStatus(l.currentHandler(), Status{Side: SideSubscribe, Active: false})
	}
	return nil
}

// Inject delivers a raw message to this transport's handler as if it had been
// received over the air, regardless of the subscription state.
func (l *Loopback) Inject(msg RawMessage) {
	if h := l.currentHandler(); h != nil {
		h.HandleMessage(msg)
	}
}

// InjectStatus reports a status change to this transport's handler.
func (l *Loopback) InjectStatus(status Status) {
	notifyStatus(l.currentHandler(), status)
}

// Rebroadcast delivers every published advertisement to every subscriber again,
// the way periodic advertising intervals do over the air.
func (m *Medium) Rebroadcast() {
	m.mu.Lock()
	type delivery struct {
		to *Loopback
		ad Advertisement
	}
	var deliveries []delivery
	for sub := range m.subs {
		for pub, ad := range m.ads {
			if pub != sub {
				deliveries = append(deliveries, delivery{to: sub, ad: ad})
			}
		}
	}
	m.mu.Unlock()

	for _, d := range deliveries {
		d.to.deliver(d.ad)
	}
}

func (m *Medium) subscribersExcept(l *Loopback) []*Loopback {
	out := make([]*Loopback, 0, len(m.subs))
	for sub := range m.subs {
		if sub != l {
			out = append(out, sub)
		}
	}
	return out
}

func (l *Loopback) deliver(ad Advertisement) {
	if h := l.currentHandler(); h != nil {
		h.HandleMessage(RawMessage{
			Payload:    append([]byte(nil), ad.Payload...),
			DeviceName: ad.Name,
			RSSI:       l.rssi,
			ReceivedAt: time.Now(),
		})
	}
}

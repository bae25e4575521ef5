package discovery

import (
	"context"
	"encoding/base64"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/outofforest/logger"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_peerbeacon._udp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultPort is the nominal port announced with the service record.
	DefaultPort = 9999
	// DefaultRefreshInterval is the background browse interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each browse window.
	DefaultScanTimeout = 3 * time.Second

	beaconTXTKey  = "beacon"
	versionTXTKey = "version"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// MDNSConfig controls the mDNS transport.
type MDNSConfig struct {
	Service         string
	Domain          string
	Version         int
	Port            int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	registerFn registerFunc
	browseFn   browseFunc
}

func (c MDNSConfig) withDefaults() MDNSConfig {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.Port <= 0 {
		out.Port = DefaultPort
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

// MDNSTransport publishes and browses peerbeacon announcements over multicast DNS.
// The announcement payload travels base64 encoded in a TXT record.
type MDNSTransport struct {
	cfg MDNSConfig

	mu         sync.Mutex
	handler    Handler
	server     *zeroconf.Server
	publishing bool

	scanCancel context.CancelFunc
	scanWG     sync.WaitGroup
}

// NewMDNSTransport creates an mDNS transport with config defaults applied.
func NewMDNSTransport(config MDNSConfig) *MDNSTransport {
	return &MDNSTransport{cfg: config.withDefaults()}
}

// SetHandler installs the callback target.
func (t *MDNSTransport) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// StartPublish registers the mDNS service. Calling it while publishing is a no-op.
func (t *MDNSTransport) StartPublish(ctx context.Context, ad Advertisement) error {
	t.mu.Lock()
	publishing := t.publishing
	t.mu.Unlock()
	if publishing {
		return nil
	}

	if strings.TrimSpace(ad.Name) == "" {
		return errors.New("advertisement name is required")
	}
	if len(ad.Payload) == 0 {
		return errors.New("advertisement payload is required")
	}

	txt := []string{
		beaconTXTKey + "=" + base64.RawStdEncoding.EncodeToString(ad.Payload),
		versionTXTKey + "=" + strconv.Itoa(t.cfg.Version),
	}

	server, err := t.cfg.registerFn(ad.Name, t.cfg.Service, t.cfg.Domain, t.cfg.Port, txt, nil)
	if err != nil {
		return errors.Wrap(err, "register mDNS service")
	}

	t.mu.Lock()
	t.server = server
	t.publishing = true
	h := t.handler
	t.mu.Unlock()

	logger.Get(ctx).Debug("mDNS service registered",
		zap.String("instance", ad.Name), zap.String("service", t.cfg.Service))
	notifyStatus(h, Status{Side: SidePublish, Active: true})
	return nil
}

// StopPublish shuts the mDNS service down.
func (t *MDNSTransport) StopPublish() error {
	t.mu.Lock()
	server, publishing := t.server, t.publishing
	t.server, t.publishing = nil, false
	h := t.handler
	t.mu.Unlock()

	if !publishing {
		return nil
	}
	if server != nil {
		server.Shutdown()
	}
	notifyStatus(h, Status{Side: SidePublish, Active: false})
	return nil
}

// StartSubscribe starts periodic browsing. Calling it while subscribed is a no-op.
func (t *MDNSTransport) StartSubscribe(ctx context.Context) error {
	t.mu.Lock()
	if t.scanCancel != nil {
		t.mu.Unlock()
		return nil
	}

	browse := t.cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			t.mu.Unlock()
			return errors.Wrapf(ErrUnavailable, "create mDNS resolver: %s", err)
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.scanCancel = cancel

	t.scanWG.Add(1)
	go t.loop(scanCtx, browse)

	h := t.handler
	t.mu.Unlock()

	notifyStatus(h, Status{Side: SideSubscribe, Active: true})
	return nil
}

// StopSubscribe stops browsing and waits for the browse loop to exit.
func (t *MDNSTransport) StopSubscribe() error {
	t.mu.Lock()
	cancel := t.scanCancel
	t.scanCancel = nil
	h := t.handler
	t.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	t.scanWG.Wait()
	notifyStatus(h, Status{Side: SideSubscribe, Active: false})
	return nil
}

func (t *MDNSTransport) loop(ctx context.Context, browse browseFunc) {
	defer t.scanWG.Done()

	log := logger.Get(ctx)

	ticker := time.NewTicker(t.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		if err := t.runScan(ctx, browse); err != nil {
			log.Warn("mDNS browse failed", zap.Error(err))
			t.mu.Lock()
			h := t.handler
			t.mu.Unlock()
			notifyStatus(h, Status{Side: SideSubscribe, Active: true, Err: err})
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (t *MDNSTransport) runScan(ctx context.Context, browse browseFunc) error {
	scanCtx, cancel := context.WithTimeout(ctx, t.cfg.ScanTimeout)
	defer cancel()

	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)

		seen := make(map[string]struct{})
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				msg, key := parseEntry(entry)
				if _, exists := seen[key]; exists {
					continue
				}
				seen[key] = struct{}{}
				if h != nil {
					h.HandleMessage(msg)
				}
			}
		}
	}()

	browseErr := browse(scanCtx, t.cfg.Service, t.cfg.Domain, entries)
	if browseErr != nil && !errors.Is(browseErr, context.DeadlineExceeded) && !errors.Is(browseErr, context.Canceled) {
		cancel()
		<-collectorDone
		return errors.Wrap(browseErr, "browse mDNS service")
	}

	<-scanCtx.Done()
	<-collectorDone
	return nil
}

// parseEntry converts a browse entry into a raw message. A missing or undecodable
// beacon record leaves the payload empty so the decoder classifies it as invalid.
func parseEntry(entry *zeroconf.ServiceEntry) (RawMessage, string) {
	txt := txtToMap(entry.Text)

	var payload []byte
	if encoded := txt[beaconTXTKey]; encoded != "" {
		if decoded, err := base64.RawStdEncoding.DecodeString(encoded); err == nil {
			payload = decoded
		}
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}

	return RawMessage{
		Payload:    payload,
		DeviceName: name,
		ReceivedAt: time.Now(),
	}, entry.Instance + "|" + txt[beaconTXTKey]
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}

func notifyStatus(h Handler, status Status) {
	if h != nil {
		h.HandleStatus(status)
	}
}

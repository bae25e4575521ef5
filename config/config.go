package config

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "peerbeacon"
	// DataDirEnv overrides the data directory.
	DataDirEnv = "PEERBEACON_DATA_DIR"

	// TransportMDNS announces over multicast DNS on the local network.
	TransportMDNS = "mdns"
	// TransportBLE announces over Bluetooth Low Energy advertisements.
	TransportBLE = "ble"
	// TransportLoopback keeps announcements inside the process, for simulation.
	TransportLoopback = "loopback"

	// DefaultTxPower is the calibrated signal strength at 1 m for a typical phone.
	DefaultTxPower = -59
	// DefaultService is the mDNS service announced and browsed.
	DefaultService = "_peerbeacon._udp"
	// DefaultQueueSize bounds the emitter intake queue.
	DefaultQueueSize = 256
	// DefaultStartRetries bounds retries of transient transport start failures.
	DefaultStartRetries = 3
	// DefaultRefreshIntervalMS is the mDNS browse interval.
	DefaultRefreshIntervalMS = 10_000

	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID          string `json:"device_id"`
	DeviceName        string `json:"device_name"`
	Transport         string `json:"transport"`
	TxPower           int    `json:"tx_power"`
	Service           string `json:"service"`
	QueueSize         int    `json:"queue_size"`
	StartRetries      int    `json:"start_retries"`
	RefreshIntervalMS int    `json:"refresh_interval_ms"`
}

// DeviceUUID returns the parsed device identifier.
func (c DeviceConfig) DeviceUUID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.DeviceID)
	if err != nil {
		return uuid.Nil, errors.Wrapf(err, "parse device_id %q", c.DeviceID)
	}
	return id, nil
}

// RefreshInterval returns the browse interval as a duration.
func (c DeviceConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalMS) * time.Millisecond
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If PEERBEACON_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "resolve user home")
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory if needed.
func EnsureDataDirectories(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return errors.Wrapf(err, "create directory %q", dataDir)
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal config")
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return errors.Wrap(err, "write config")
	}

	return nil
}

// LoadOrCreate ensures directories and config exist in the resolved data
// directory, then returns the config and its path.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	return LoadOrCreateIn(dataDir)
}

// LoadOrCreateIn is LoadOrCreate for an explicit data directory.
func LoadOrCreateIn(dataDir string) (*DeviceConfig, string, error) {
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig() *DeviceConfig {
	return &DeviceConfig{
		DeviceID:          uuid.NewString(),
		DeviceName:        defaultDeviceName(),
		Transport:         TransportMDNS,
		TxPower:           DefaultTxPower,
		Service:           DefaultService,
		QueueSize:         DefaultQueueSize,
		StartRetries:      DefaultStartRetries,
		RefreshIntervalMS: DefaultRefreshIntervalMS,
	}
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "PeerBeacon Device"
}

func normalizeDefaults(cfg *DeviceConfig) bool {
	updated := false

	// Announcements carry the identifier as a UUID, anything else is replaced.
	if _, err := uuid.Parse(cfg.DeviceID); err != nil {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if strings.TrimSpace(cfg.DeviceName) == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}

	if transport := normalizeTransport(cfg.Transport); cfg.Transport != transport {
		cfg.Transport = transport
		updated = true
	}

	if cfg.TxPower == 0 || cfg.TxPower > 20 || cfg.TxPower < -127 {
		cfg.TxPower = DefaultTxPower
		updated = true
	}

	if strings.TrimSpace(cfg.Service) == "" {
		cfg.Service = DefaultService
		updated = true
	}

	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
		updated = true
	}

	if cfg.StartRetries < 0 {
		cfg.StartRetries = DefaultStartRetries
		updated = true
	}

	if cfg.RefreshIntervalMS <= 0 {
		cfg.RefreshIntervalMS = DefaultRefreshIntervalMS
		updated = true
	}

	return updated
}

func normalizeTransport(transport string) string {
	switch strings.ToLower(strings.TrimSpace(transport)) {
	case TransportBLE:
		return TransportBLE
	case TransportLoopback:
		return TransportLoopback
	default:
		return TransportMDNS
	}
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for roamer.
type Config struct {
	AccessPoints []AccessPointConfig `yaml:"access_points"`
	Bridges      BridgeConfig        `yaml:"bridges"`
	Roaming      RoamingConfig       `yaml:"roaming"`
	Bus          BusConfig           `yaml:"bus"`
	Bonding      BondingConfig       `yaml:"bonding"`
	Radio        RadioConfig         `yaml:"radio"`
	Topology     TopologyConfig      `yaml:"topology"`
	Simulation   SimulationConfig    `yaml:"simulation"`
	Logger       LoggerConfig        `yaml:"logger"`
	Tracer       TracerConfig        `yaml:"tracer"`
}

// AccessPointConfig describes one access point. Its position in the list is
// its id.
type AccessPointConfig struct {
	Name           string `yaml:"name"`
	Driver         string `yaml:"driver"` // "ws" or "sim"
	URL            string `yaml:"url,omitempty"`
	MaxConnections int    `yaml:"max_connections"`
}

// BridgeConfig controls mDNS discovery of access point bridge daemons.
type BridgeConfig struct {
	Browse  bool          `yaml:"browse"`
	Service string        `yaml:"service"`
	Domain  string        `yaml:"domain"`
	Timeout time.Duration `yaml:"timeout"`
}

// RoamingConfig holds the coordinator's timing and filtering parameters.
type RoamingConfig struct {
	IdentityAddress    string        `yaml:"identity_address"`
	IdentityRandom     bool          `yaml:"identity_random"`
	ServiceUUID        string        `yaml:"service_uuid"`
	CharacteristicUUID string        `yaml:"characteristic_uuid"`
	BootTimeout        time.Duration `yaml:"boot_timeout"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	ScanDuration       time.Duration `yaml:"scan_duration"`
	AnalysisDuration   time.Duration `yaml:"analysis_duration"`
	DiscoveryPeriod    string        `yaml:"discovery_period"` // cron expression or Go duration
	LinkPollPeriod     string        `yaml:"link_poll_period"`
	RoamThreshold      int           `yaml:"roam_threshold"` // dBm; samples below trigger handover analysis
	EventWait          time.Duration `yaml:"event_wait"`
}

// BusConfig holds event bus settings.
type BusConfig struct {
	Capacity     int           `yaml:"capacity"`
	PublishGrace time.Duration `yaml:"publish_grace"`
}

// BondingConfig holds bonding store settings.
type BondingConfig struct {
	Backend    string        `yaml:"backend"` // "json" or "sqlite"
	Path       string        `yaml:"path"`
	FlushDelay time.Duration `yaml:"flush_delay"`
}

// RadioConfig holds per-endpoint command pacing and breaker settings.
type RadioConfig struct {
	CommandRate      float64       `yaml:"command_rate"` // commands per second, 0 = unlimited
	CommandBurst     int           `yaml:"command_burst"`
	BreakerFailures  uint32        `yaml:"breaker_failures"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`
}

// TopologyConfig controls topology rendering.
type TopologyConfig struct {
	Enabled     bool          `yaml:"enabled"`
	RenderDelay time.Duration `yaml:"render_delay"`
}

// SimulationConfig describes the simulated radio world used by --simulate.
type SimulationConfig struct {
	Tick  time.Duration   `yaml:"tick"`
	Drift int             `yaml:"drift"` // max dBm change per tick, 0 = static
	Seed  int64           `yaml:"seed"`
	Peers []SimPeerConfig `yaml:"peers"`
}

// SimPeerConfig is one simulated peer with its signal strength per access point.
type SimPeerConfig struct {
	Address string `yaml:"address"`
	Random  bool   `yaml:"random"`
	RSSI    []int  `yaml:"rssi"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		AccessPoints: []AccessPointConfig{
			{Name: "ap0", Driver: "sim", MaxConnections: 4},
			{Name: "ap1", Driver: "sim", MaxConnections: 4},
		},
		Bridges: BridgeConfig{
			Browse:  false,
			Service: "_roamer-ncp._tcp",
			Domain:  "local.",
			Timeout: 3 * time.Second,
		},
		Roaming: RoamingConfig{
			IdentityAddress:    "DE:AD:BE:EF:12:34",
			ServiceUUID:        "180d",
			CharacteristicUUID: "2a37",
			BootTimeout:        2 * time.Second,
			ConnectTimeout:     3 * time.Second,
			ScanDuration:       3 * time.Second,
			AnalysisDuration:   3 * time.Second,
			DiscoveryPeriod:    "30s",
			LinkPollPeriod:     "10s",
			RoamThreshold:      -127,
			EventWait:          500 * time.Millisecond,
		},
		Bus: BusConfig{
			Capacity:     4096,
			PublishGrace: 100 * time.Millisecond,
		},
		Bonding: BondingConfig{
			Backend:    "json",
			Path:       "bonding_db.json",
			FlushDelay: time.Second,
		},
		Radio: RadioConfig{
			CommandRate:      50,
			CommandBurst:     10,
			BreakerFailures:  5,
			BreakerTimeout:   30 * time.Second,
			RequestTimeout:   2 * time.Second,
			ReconnectBackoff: time.Second,
		},
		Topology: TopologyConfig{
			Enabled:     false,
			RenderDelay: 200 * time.Millisecond,
		},
		Simulation: SimulationConfig{
			Tick:  500 * time.Millisecond,
			Drift: 3,
			Seed:  1,
			Peers: []SimPeerConfig{
				{Address: "C0:FF:EE:00:00:01", Random: true, RSSI: []int{-55, -70}},
				{Address: "C0:FF:EE:00:00:02", Random: true, RSSI: []int{-80, -50}},
			},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file and merges it with defaults.
// A missing file is not an error: defaults plus environment overrides apply.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides applies ROAMER_* environment variables on top of cfg.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ROAMER_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("ROAMER_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("ROAMER_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("ROAMER_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("ROAMER_BONDING_BACKEND"); v != "" {
		cfg.Bonding.Backend = v
	}
	if v := os.Getenv("ROAMER_BONDING_PATH"); v != "" {
		cfg.Bonding.Path = v
	}
	if v := os.Getenv("ROAMER_ROAM_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Roaming.RoamThreshold = n
		}
	}
	if v := os.Getenv("ROAMER_DISCOVERY_PERIOD"); v != "" {
		cfg.Roaming.DiscoveryPeriod = v
	}
	if v := os.Getenv("ROAMER_LINK_POLL_PERIOD"); v != "" {
		cfg.Roaming.LinkPollPeriod = v
	}
	if v := os.Getenv("ROAMER_IDENTITY_ADDRESS"); v != "" {
		cfg.Roaming.IdentityAddress = v
	}
	if v := os.Getenv("ROAMER_TOPOLOGY_ENABLED"); v != "" {
		cfg.Topology.Enabled = v == "true"
	}
	if v := os.Getenv("ROAMER_BRIDGES_BROWSE"); v == "true" {
		cfg.Bridges.Browse = true
	}
	if v := os.Getenv("ROAMER_ACCESS_POINTS"); v != "" {
		cfg.AccessPoints = parseAccessPointList(v, cfg.AccessPoints)
	}
}

// parseAccessPointList turns "ws://host:4901,ws://host2:4901" into ws access
// points, keeping the default capacity of the first configured entry.
func parseAccessPointList(s string, current []AccessPointConfig) []AccessPointConfig {
	capacity := 4
	if len(current) > 0 && current[0].MaxConnections > 0 {
		capacity = current[0].MaxConnections
	}
	var out []AccessPointConfig
	for i, url := range splitAndTrim(s, ",") {
		out = append(out, AccessPointConfig{
			Name:           fmt.Sprintf("ap%d", i),
			Driver:         "ws",
			URL:            url,
			MaxConnections: capacity,
		})
	}
	return out
}

func splitAndTrim(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}

package config

import (
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateAccessPoints(cfg, ve)
	validateBridges(cfg, ve)
	validateRoaming(cfg, ve)
	validateBus(cfg, ve)
	validateBonding(cfg, ve)
	validateRadio(cfg, ve)
	validateTopology(cfg, ve)
	validateSimulation(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var validDrivers = map[string]bool{
	"sim": true,
	"ws":  true,
}

func validateAccessPoints(cfg *Config, ve *ValidationError) {
	if len(cfg.AccessPoints) == 0 && !cfg.Bridges.Browse {
		ve.Add("access_points must not be empty unless bridges.browse is enabled")
	}
	names := make(map[string]bool, len(cfg.AccessPoints))
	for i, ap := range cfg.AccessPoints {
		if ap.Name == "" {
			ve.Add("access_points[%d].name must not be empty", i)
		} else if names[ap.Name] {
			ve.Add("access_points[%d].name %q is duplicated", i, ap.Name)
		}
		names[ap.Name] = true
		if !validDrivers[ap.Driver] {
			ve.Add("access_points[%d].driver %q is invalid (want sim or ws)", i, ap.Driver)
		}
		if ap.MaxConnections <= 0 {
			ve.Add("access_points[%d].max_connections must be > 0", i)
		}
		if ap.Driver == "ws" {
			u, err := url.Parse(ap.URL)
			if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
				ve.Add("access_points[%d].url %q must be a ws:// or wss:// URL", i, ap.URL)
			}
		}
	}
}

func validateBridges(cfg *Config, ve *ValidationError) {
	if !cfg.Bridges.Browse {
		return
	}
	if !strings.HasPrefix(cfg.Bridges.Service, "_") {
		ve.Add("bridges.service %q must look like _name._tcp", cfg.Bridges.Service)
	}
	if cfg.Bridges.Timeout <= 0 {
		ve.Add("bridges.timeout must be > 0")
	}
}

func validateRoaming(cfg *Config, ve *ValidationError) {
	r := cfg.Roaming
	if _, err := net.ParseMAC(r.IdentityAddress); err != nil {
		ve.Add("roaming.identity_address %q is not a valid address", r.IdentityAddress)
	}
	for name, v := range map[string]string{
		"service_uuid":        r.ServiceUUID,
		"characteristic_uuid": r.CharacteristicUUID,
	} {
		if _, err := ParseUUID(v); err != nil {
			ve.Add("roaming.%s: %v", name, err)
		}
	}
	for name, d := range map[string]time.Duration{
		"boot_timeout":      r.BootTimeout,
		"connect_timeout":   r.ConnectTimeout,
		"scan_duration":     r.ScanDuration,
		"analysis_duration": r.AnalysisDuration,
		"event_wait":        r.EventWait,
	} {
		if d <= 0 {
			ve.Add("roaming.%s must be > 0", name)
		}
	}
	if r.DiscoveryPeriod == "" {
		ve.Add("roaming.discovery_period must not be empty")
	}
	if r.LinkPollPeriod == "" {
		ve.Add("roaming.link_poll_period must not be empty")
	}
	if r.RoamThreshold < -127 || r.RoamThreshold > 20 {
		ve.Add("roaming.roam_threshold must be within [-127, 20] dBm")
	}
}

func validateBus(cfg *Config, ve *ValidationError) {
	if cfg.Bus.Capacity <= 0 {
		ve.Add("bus.capacity must be > 0")
	}
	if cfg.Bus.PublishGrace < 0 {
		ve.Add("bus.publish_grace must be >= 0")
	}
}

var validBondingBackends = map[string]bool{
	"json":   true,
	"sqlite": true,
}

func validateBonding(cfg *Config, ve *ValidationError) {
	if !validBondingBackends[cfg.Bonding.Backend] {
		ve.Add("bonding.backend %q is invalid (want json or sqlite)", cfg.Bonding.Backend)
	}
	if cfg.Bonding.Path == "" {
		ve.Add("bonding.path must not be empty")
	}
	if cfg.Bonding.FlushDelay <= 0 {
		ve.Add("bonding.flush_delay must be > 0")
	}
}

func validateRadio(cfg *Config, ve *ValidationError) {
	if cfg.Radio.CommandRate < 0 {
		ve.Add("radio.command_rate must be >= 0")
	}
	if cfg.Radio.CommandRate > 0 && cfg.Radio.CommandBurst <= 0 {
		ve.Add("radio.command_burst must be > 0 when command_rate is set")
	}
	if cfg.Radio.BreakerFailures == 0 {
		ve.Add("radio.breaker_failures must be > 0")
	}
	if cfg.Radio.RequestTimeout <= 0 {
		ve.Add("radio.request_timeout must be > 0")
	}
}

func validateTopology(cfg *Config, ve *ValidationError) {
	if cfg.Topology.RenderDelay <= 0 {
		ve.Add("topology.render_delay must be > 0")
	}
}

func validateSimulation(cfg *Config, ve *ValidationError) {
	usesSim := false
	for _, ap := range cfg.AccessPoints {
		if ap.Driver == "sim" {
			usesSim = true
		}
	}
	if !usesSim {
		return
	}
	if cfg.Simulation.Tick <= 0 {
		ve.Add("simulation.tick must be > 0")
	}
	if cfg.Simulation.Drift < 0 {
		ve.Add("simulation.drift must be >= 0")
	}
	for i, p := range cfg.Simulation.Peers {
		if _, err := net.ParseMAC(p.Address); err != nil {
			ve.Add("simulation.peers[%d].address %q is not a valid address", i, p.Address)
		}
		if len(p.RSSI) != len(cfg.AccessPoints) {
			ve.Add("simulation.peers[%d].rssi needs one value per access point (%d)", i, len(cfg.AccessPoints))
		}
	}
}

// ParseUUID decodes a 16-bit or 128-bit UUID written as hex, optionally with
// dashes, into the little-endian byte order used in advertising data.
func ParseUUID(s string) ([]byte, error) {
	clean := strings.ReplaceAll(strings.TrimPrefix(strings.ToLower(s), "0x"), "-", "")
	b, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("uuid %q: %w", s, err)
	}
	if len(b) != 2 && len(b) != 16 {
		return nil, fmt.Errorf("uuid %q: want 16 or 128 bits, got %d", s, len(b)*8)
	}
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return b, nil
}

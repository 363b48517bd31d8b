package config

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestValidateDefaultsPass(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("Defaults should pass validation: %v", err)
	}
}

func TestValidateNoAccessPoints(t *testing.T) {
	cfg := Defaults()
	cfg.AccessPoints = nil
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "access_points must not be empty")

	cfg.Bridges.Browse = true
	if err := Validate(cfg); err != nil {
		t.Errorf("browse without static access points should pass: %v", err)
	}
}

func TestValidateAccessPointFields(t *testing.T) {
	cfg := Defaults()
	cfg.AccessPoints = []AccessPointConfig{
		{Name: "a", Driver: "serial", MaxConnections: 0},
		{Name: "a", Driver: "ws", URL: "http://x", MaxConnections: 1},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	assertContains(t, msg, `access_points[0].driver "serial" is invalid`)
	assertContains(t, msg, "access_points[0].max_connections must be > 0")
	assertContains(t, msg, `access_points[1].name "a" is duplicated`)
	assertContains(t, msg, "access_points[1].url")
}

func TestValidateRoaming(t *testing.T) {
	cfg := Defaults()
	cfg.Roaming.IdentityAddress = "nope"
	cfg.Roaming.ServiceUUID = "12345"
	cfg.Roaming.ConnectTimeout = 0
	cfg.Roaming.RoamThreshold = -200
	cfg.Roaming.DiscoveryPeriod = ""
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	assertContains(t, msg, "roaming.identity_address")
	assertContains(t, msg, "roaming.service_uuid")
	assertContains(t, msg, "roaming.connect_timeout must be > 0")
	assertContains(t, msg, "roaming.roam_threshold")
	assertContains(t, msg, "roaming.discovery_period must not be empty")
}

func TestValidateBonding(t *testing.T) {
	cfg := Defaults()
	cfg.Bonding.Backend = "redis"
	cfg.Bonding.Path = ""
	cfg.Bonding.FlushDelay = 0
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), `bonding.backend "redis" is invalid`)
	assertContains(t, err.Error(), "bonding.path must not be empty")
	assertContains(t, err.Error(), "bonding.flush_delay must be > 0")
}

func TestValidateSimulationPeers(t *testing.T) {
	cfg := Defaults()
	cfg.Simulation.Peers = append(cfg.Simulation.Peers, SimPeerConfig{Address: "zz", RSSI: []int{-40}})
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "simulation.peers[2].address")
	assertContains(t, err.Error(), "simulation.peers[2].rssi needs one value per access point")
}

func TestValidationErrorAccumulates(t *testing.T) {
	cfg := Defaults()
	cfg.Bus.Capacity = 0
	cfg.Radio.BreakerFailures = 0
	err := Validate(cfg)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(ve.Errors) != 2 {
		t.Errorf("Errors = %v, want 2 entries", ve.Errors)
	}
}

func TestParseUUID(t *testing.T) {
	b, err := ParseUUID("180d")
	if err != nil {
		t.Fatalf("ParseUUID: %v", err)
	}
	if !bytes.Equal(b, []byte{0x0d, 0x18}) {
		t.Errorf("ParseUUID(180d) = % x", b)
	}

	b, err = ParseUUID("0x2A37")
	if err != nil || !bytes.Equal(b, []byte{0x37, 0x2a}) {
		t.Errorf("ParseUUID(0x2A37) = % x, %v", b, err)
	}

	b, err = ParseUUID("0000180d-0000-1000-8000-00805f9b34fb")
	if err != nil {
		t.Fatalf("ParseUUID 128: %v", err)
	}
	if len(b) != 16 || b[0] != 0xfb || b[15] != 0x00 || b[12] != 0x0d {
		t.Errorf("ParseUUID 128 = % x", b)
	}

	if _, err := ParseUUID("abc"); err == nil {
		t.Error("expected error for odd-length uuid")
	}
	if _, err := ParseUUID("aabbcc"); err == nil {
		t.Error("expected error for 24-bit uuid")
	}
}

func assertContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("expected %q to contain %q", s, substr)
	}
}

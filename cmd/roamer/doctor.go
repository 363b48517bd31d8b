package main

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"roamer/internal/adapter/bonding"
	"roamer/internal/infra/config"
	"roamer/internal/usecase/scheduling"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// dialTimeout bounds the reachability probe of each bridge.
const dialTimeout = 2 * time.Second

// runDoctor executes all health checks and reports results.
func runDoctor(flags cliFlags) error {
	cfgPath := configPath(flags)

	// Some checks work without a valid config.
	cfg, cfgErr := loadConfig(flags)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Access points", Fn: checkAccessPoints},
		{Name: "Bridge reachability", Fn: checkBridges},
		{Name: "Schedules", Fn: checkSchedules},
		{Name: "Bonding store", Fn: checkBondingStore},
	}

	fmt.Println("roamer doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Printf("  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

// checkConfigFile reports whether the config file exists and is valid. A
// missing file is only a warning: defaults and the environment apply.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check roamer.yaml syntax and values",
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults", cfgPath),
				Fix:     "Create roamer.yaml or pass --config",
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

func checkAccessPoints(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "config not loaded"}
	}
	if len(cfg.AccessPoints) == 0 {
		if cfg.Bridges.Browse {
			return CheckResult{Status: StatusWarn, Message: "no static access points, relying on bridge discovery"}
		}
		return CheckResult{Status: StatusFail, Message: "no access points configured", Fix: "Add access_points to roamer.yaml"}
	}
	var sims, total int
	for _, ap := range cfg.AccessPoints {
		total += ap.MaxConnections
		if ap.Driver == "sim" {
			sims++
		}
	}
	msg := fmt.Sprintf("%d access point(s), %d connection slots", len(cfg.AccessPoints), total)
	if sims == len(cfg.AccessPoints) {
		return CheckResult{Status: StatusWarn, Message: msg + ", all simulated", Fix: "Configure ws access points to use real hardware"}
	}
	return CheckResult{Status: StatusPass, Message: msg}
}

// checkBridges dials every websocket access point's host.
func checkBridges(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "config not loaded"}
	}
	var unreachable []string
	checked := 0
	for _, ap := range cfg.AccessPoints {
		if ap.Driver != "ws" {
			continue
		}
		checked++
		if err := probe(ap.URL); err != nil {
			unreachable = append(unreachable, fmt.Sprintf("%s (%v)", ap.Name, err))
		}
	}
	switch {
	case checked == 0:
		return CheckResult{Status: StatusPass, Message: "no bridges to check"}
	case len(unreachable) > 0:
		return CheckResult{
			Status:  StatusFail,
			Message: "unreachable: " + strings.Join(unreachable, ", "),
			Fix:     "Check that the bridge daemon is running and the URL is correct",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d bridge(s) reachable", checked)}
}

func probe(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	host := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "wss" {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}
	conn, err := net.DialTimeout("tcp", host, dialTimeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

func checkSchedules(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "config not loaded"}
	}
	for name, spec := range map[string]string{
		"discovery_period": cfg.Roaming.DiscoveryPeriod,
		"link_poll_period": cfg.Roaming.LinkPollPeriod,
	} {
		if _, err := scheduling.ParseSchedule(spec); err != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("roaming.%s %q: %v", name, spec, err),
				Fix:     `Use a duration like "30s" or a cron expression`,
			}
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("discovery %s, link poll %s", cfg.Roaming.DiscoveryPeriod, cfg.Roaming.LinkPollPeriod),
	}
}

func checkBondingStore(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "config not loaded"}
	}
	backend, closer, err := bonding.OpenBackend(cfg.Bonding)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error(), Fix: "Check bonding.path permissions"}
	}
	defer closer()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	records, err := backend.Read(ctx)
	if err != nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s unreadable: %v", backend.Name(), err),
			Fix:     "Run 'roamer wipe-bonds' to start over",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s, %d bonded peer(s)", backend.Name(), len(records))}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"roamer/internal/adapter/bonding"
	"roamer/internal/adapter/payload"
	"roamer/internal/adapter/radio"
	"roamer/internal/adapter/topology"
	"roamer/internal/infra/config"
	"roamer/internal/infra/logger"
	"roamer/internal/infra/tracer"
	"roamer/internal/usecase/eventbus"
	"roamer/internal/usecase/roaming"
	"roamer/internal/usecase/scheduling"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := run(parseFlags(os.Args[1:])); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	flags := parseFlags(os.Args[2:])
	switch os.Args[1] {
	case "wipe-bonds":
		if err := runWipeBonds(flags); err != nil {
			fmt.Fprintf(os.Stderr, "wipe-bonds: %v\n", err)
			os.Exit(1)
		}
	case "bridges":
		if err := runBridges(flags); err != nil {
			fmt.Fprintf(os.Stderr, "bridges: %v\n", err)
			os.Exit(1)
		}
	case "doctor":
		if err := runDoctor(flags); err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'roamer --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`roamer - keeps BLE peers connected through the best access point

USAGE:
    roamer [COMMAND] [FLAGS]

COMMANDS:
    wipe-bonds  Delete all stored bonding material
    bridges     Browse the local network for access-point bridges
    doctor      Check configuration, bonding store and access points

    (no command) - Run the roaming coordinator

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file (default: ./roamer.yaml, or $ROAMER_CONFIG)
    --simulate         Use simulated access points and peers
    --dashboard        Show the live topology dashboard

CONFIGURATION:
    Config file: ./roamer.yaml
    Environment: ROAMER_* variables override config

EXAMPLES:
    roamer --simulate --dashboard   # Try it without hardware
    roamer --config /etc/roamer.yaml
    roamer wipe-bonds               # Forget all bonded peers`)
}

// cliFlags holds the command line flags shared by all commands.
type cliFlags struct {
	ConfigPath string
	Simulate   bool
	Dashboard  bool
}

// parseFlags extracts --config, --simulate and --dashboard from args.
func parseFlags(args []string) cliFlags {
	var flags cliFlags
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--config" && i+1 < len(args):
			flags.ConfigPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--config="):
			flags.ConfigPath = strings.TrimPrefix(args[i], "--config=")
		case args[i] == "--simulate":
			flags.Simulate = true
		case args[i] == "--dashboard":
			flags.Dashboard = true
		}
	}
	return flags
}

// configPath resolves the config file: flag, then ROAMER_CONFIG, then the
// working directory default.
func configPath(flags cliFlags) string {
	if flags.ConfigPath != "" {
		return flags.ConfigPath
	}
	if v := os.Getenv("ROAMER_CONFIG"); v != "" {
		return v
	}
	return "roamer.yaml"
}

// loadConfig loads the config and applies the command line overrides.
func loadConfig(flags cliFlags) (*config.Config, error) {
	cfg, err := config.Load(configPath(flags))
	if err != nil {
		return nil, err
	}
	if flags.Simulate {
		for i := range cfg.AccessPoints {
			cfg.AccessPoints[i].Driver = "sim"
		}
		cfg.Bridges.Browse = false
		if len(cfg.AccessPoints) == 0 {
			cfg.AccessPoints = config.Defaults().AccessPoints
		}
	}
	if flags.Dashboard {
		cfg.Topology.Enabled = true
		// The dashboard owns the terminal.
		switch strings.ToLower(cfg.Logger.Output) {
		case "", "stderr", "stdout":
			cfg.Logger.Output = "roamer.log"
		}
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(flags cliFlags) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(sctx)
	}()

	if cfg.Bridges.Browse {
		if err := addBrowsedBridges(ctx, cfg, log); err != nil {
			return err
		}
	}

	rcfg, err := roamingConfig(cfg)
	if err != nil {
		return err
	}

	bus := eventbus.New(eventbus.Config{Capacity: cfg.Bus.Capacity, PublishGrace: cfg.Bus.PublishGrace},
		logger.Component(log, "bus"))
	defer bus.Close()

	aps, world, err := buildAccessPoints(cfg, rcfg.ServiceUUID, bus, log)
	if err != nil {
		return err
	}
	if world != nil {
		go world.Run(ctx)
		log.Info("simulation running", "peers", len(cfg.Simulation.Peers), "tick", cfg.Simulation.Tick)
	}
	for _, ap := range aps {
		if err := ap.Start(ctx); err != nil {
			stopAll(aps)
			return err
		}
	}
	defer stopAll(aps)

	backend, closeBackend, err := bonding.OpenBackend(cfg.Bonding)
	if err != nil {
		return fmt.Errorf("bonding store: %w", err)
	}
	defer closeBackend()
	store := bonding.NewStore(backend, logger.Component(log, "bonding"))

	opts := []roaming.Option{
		roaming.WithPayloadHook(payload.NewHeartRateLogger(logger.Component(log, "payload"))),
		roaming.WithScanFilter(radio.ServiceFilter(rcfg.ServiceUUID)),
	}

	var (
		dash    *topology.Dashboard
		program *tea.Program
	)
	switch {
	case flags.Dashboard:
		dash = topology.NewDashboard(nil)
		program = tea.NewProgram(dash, tea.WithAltScreen(), tea.WithContext(ctx))
		opts = append(opts, roaming.WithObserver(topology.NewProgramObserver(program)))
	case cfg.Topology.Enabled:
		opts = append(opts, roaming.WithObserver(topology.NewWriterObserver(os.Stdout)))
	}

	endpoints := make([]roaming.AccessPoint, len(aps))
	for i, ap := range aps {
		endpoints[i] = ap
	}
	coord := roaming.New(rcfg, endpoints, store, bus,
		scheduling.NewScheduler(logger.Component(log, "scheduler")),
		logger.Component(log, "roaming"), opts...)
	if err := coord.Start(ctx); err != nil {
		return err
	}
	log.Info("roamer started", "access_points", len(aps), "threshold", cfg.Roaming.RoamThreshold)

	if program != nil {
		dash.SetController(coord)
		if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			log.Error("dashboard failed", "error", err)
		}
		stop()
	} else {
		<-ctx.Done()
	}

	log.Info("shutting down")
	return coord.Stop()
}

// roamingConfig converts the roaming section into coordinator settings.
func roamingConfig(cfg *config.Config) (roaming.Config, error) {
	service, err := config.ParseUUID(cfg.Roaming.ServiceUUID)
	if err != nil {
		return roaming.Config{}, err
	}
	characteristic, err := config.ParseUUID(cfg.Roaming.CharacteristicUUID)
	if err != nil {
		return roaming.Config{}, err
	}
	r := cfg.Roaming
	return roaming.Config{
		ServiceUUID:        service,
		CharacteristicUUID: characteristic,
		BootTimeout:        r.BootTimeout,
		ConnectTimeout:     r.ConnectTimeout,
		ScanDuration:       r.ScanDuration,
		AnalysisDuration:   r.AnalysisDuration,
		EventWait:          r.EventWait,
		FlushDelay:         cfg.Bonding.FlushDelay,
		RenderDelay:        cfg.Topology.RenderDelay,
		DiscoveryPeriod:    r.DiscoveryPeriod,
		LinkPollPeriod:     r.LinkPollPeriod,
		RoamThreshold:      r.RoamThreshold,
		TopologyEnabled:    cfg.Topology.Enabled,
	}, nil
}

func addBrowsedBridges(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	bridges, err := radio.BrowseBridges(ctx, cfg.Bridges.Service, cfg.Bridges.Domain, cfg.Bridges.Timeout,
		logger.Component(log, "bridges"))
	if err != nil {
		return fmt.Errorf("browse bridges: %w", err)
	}
	known := make(map[string]bool, len(cfg.AccessPoints))
	for _, ap := range cfg.AccessPoints {
		known[ap.URL] = true
	}
	for _, b := range bridges {
		if known[b.URL] {
			continue
		}
		capacity := b.Capacity
		if capacity <= 0 {
			capacity = 4
		}
		cfg.AccessPoints = append(cfg.AccessPoints, config.AccessPointConfig{
			Name:           b.Name,
			Driver:         "ws",
			URL:            b.URL,
			MaxConnections: capacity,
		})
		log.Info("bridge found", "name", b.Name, "url", b.URL, "capacity", capacity, "firmware", b.Firmware)
	}
	if len(cfg.AccessPoints) == 0 {
		return errors.New("no access points configured and no bridges found")
	}
	return nil
}

func stopAll(aps []*radio.Endpoint) {
	for _, ap := range aps {
		_ = ap.Stop()
	}
}

func runWipeBonds(flags cliFlags) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	backend, closeBackend, err := bonding.OpenBackend(cfg.Bonding)
	if err != nil {
		return err
	}
	defer closeBackend()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := bonding.NewStore(backend, log).Wipe(ctx); err != nil {
		return err
	}
	fmt.Printf("Bonding store %s wiped.\n", backend.Name())
	return nil
}

func runBridges(flags cliFlags) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Browsing %s.%s for %s...\n", cfg.Bridges.Service, cfg.Bridges.Domain, cfg.Bridges.Timeout)
	bridges, err := radio.BrowseBridges(ctx, cfg.Bridges.Service, cfg.Bridges.Domain, cfg.Bridges.Timeout, log)
	if err != nil {
		return err
	}
	if len(bridges) == 0 {
		fmt.Println("No bridges found.")
		return nil
	}
	for _, b := range bridges {
		fmt.Printf("  %-20s %-32s capacity=%d firmware=%s\n", b.Name, b.URL, b.Capacity, b.Firmware)
	}
	return nil
}

package radio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"roamer/internal/domain"
)

// ReasonStackReset is the close reason synthesized for links that vanished
// because the access point rebooted.
const ReasonStackReset uint16 = 0xffff

// EndpointConfig configures one access point.
type EndpointConfig struct {
	ID             domain.AccessPointID
	Name           string
	Capacity       int
	Identity       Identity
	ConnectTimeout time.Duration
	Guard          GuardConfig

	// ReconnectBackoff is the pause before re-opening a driver whose event
	// stream ended. Zero disables reconnecting.
	ReconnectBackoff time.Duration
}

type link struct {
	peer   domain.PeerIdentity
	open   bool
	since  time.Time
	opened chan struct{}
	closed chan struct{}
}

func newLink() *link {
	return &link{opened: make(chan struct{}), closed: make(chan struct{})}
}

// Endpoint implements domain.RadioEndpoint over a Driver. It keeps the
// access point's own state (open links, reserved slots, analysis session)
// current by observing every driver event before forwarding it to the bus.
type Endpoint struct {
	cfg    EndpointConfig
	driver Driver
	bus    Publisher
	logger *slog.Logger
	guard  *guard

	mu        sync.Mutex
	ready     bool
	scanning  bool
	reserved  int
	links     map[domain.ConnHandle]*link
	analysis  *domain.AnalysisHandle
	readyCh   chan struct{}
	readyOnce sync.Once
	boots     int

	analysisMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ domain.RadioEndpoint = (*Endpoint)(nil)

// NewEndpoint creates an endpoint. Call Start to open the driver.
func NewEndpoint(cfg EndpointConfig, driver Driver, bus Publisher, logger *slog.Logger) *Endpoint {
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("ap%d", cfg.ID)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 3 * time.Second
	}
	logger = logger.With("ap", cfg.ID)
	return &Endpoint{
		cfg:     cfg,
		driver:  driver,
		bus:     bus,
		logger:  logger,
		guard:   newGuard(cfg.Name, cfg.Guard, logger),
		links:   make(map[domain.ConnHandle]*link),
		readyCh: make(chan struct{}),
	}
}

// Start opens the driver and begins forwarding its events.
func (e *Endpoint) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	events, err := e.driver.Open(ctx)
	if err != nil {
		cancel()
		return domain.NewDomainError("Endpoint.Start", domain.ErrBootFailed, fmt.Sprintf("%s: %v", e.cfg.Name, err))
	}
	e.cancel = cancel

	e.wg.Add(1)
	go e.pump(ctx, events)
	return nil
}

// Stop closes the driver and waits for the event pump to exit.
func (e *Endpoint) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	err := e.driver.Close()
	e.wg.Wait()
	return err
}

// WaitReady blocks until the access point booted and was configured.
func (e *Endpoint) WaitReady(ctx context.Context) error {
	select {
	case <-e.readyCh:
		return nil
	case <-ctx.Done():
		return domain.NewDomainError("Endpoint.WaitReady", domain.ErrBootFailed, e.cfg.Name)
	}
}

func (e *Endpoint) pump(ctx context.Context, events <-chan domain.RadioEvent) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if ok {
				e.observe(ctx, ev)
				e.bus.Publish(e.cfg.ID, ev)
				continue
			}
			lost := e.reset()
			e.logger.Warn("access point event stream ended", "links_lost", lost)
			if events = e.reopen(ctx); events == nil {
				return
			}
		}
	}
}

// reopen retries the driver until it opens again or ctx ends. It returns
// nil when reconnecting is disabled.
func (e *Endpoint) reopen(ctx context.Context) <-chan domain.RadioEvent {
	if e.cfg.ReconnectBackoff <= 0 {
		return nil
	}
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(e.cfg.ReconnectBackoff):
		}
		events, err := e.driver.Open(ctx)
		if err == nil {
			e.logger.Info("access point reconnected", "attempt", attempt)
			return events
		}
		e.logger.Debug("access point reconnect failed", "attempt", attempt, "error", err)
	}
}

// reset forgets every link and publishes a synthetic Closed for each, so
// consumers see the same loss they would after a stack reset.
func (e *Endpoint) reset() int {
	e.mu.Lock()
	lost := e.links
	e.links = make(map[domain.ConnHandle]*link)
	e.ready = false
	e.scanning = false
	e.analysis = nil
	e.mu.Unlock()

	for h, l := range lost {
		close(l.closed)
		e.bus.Publish(e.cfg.ID, domain.Closed{Handle: h, Reason: ReasonStackReset})
	}
	return len(lost)
}

// observe updates endpoint state from ev. It runs before ev reaches the bus
// so a coordinator reacting to ev sees consistent capacity numbers.
func (e *Endpoint) observe(ctx context.Context, ev domain.RadioEvent) {
	switch ev := ev.(type) {
	case domain.Booted:
		lost := e.reset()
		e.mu.Lock()
		e.boots++
		boots := e.boots
		e.mu.Unlock()
		e.logger.Info("access point booted", "firmware", ev.Firmware, "boots", boots, "links_lost", lost)

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.configure(ctx)
		}()

	case domain.Opened:
		e.mu.Lock()
		l, ok := e.links[ev.Handle]
		if !ok {
			l = newLink()
			e.links[ev.Handle] = l
		}
		l.peer = ev.Peer
		if !l.open {
			l.open = true
			l.since = time.Now()
			close(l.opened)
		}
		e.mu.Unlock()

	case domain.Closed:
		e.mu.Lock()
		l, ok := e.links[ev.Handle]
		delete(e.links, ev.Handle)
		e.mu.Unlock()
		if ok {
			close(l.closed)
		}

	case domain.AnalysisEnded:
		e.mu.Lock()
		if e.analysis != nil && *e.analysis == ev.Session {
			e.analysis = nil
		}
		e.mu.Unlock()
	}
}

func (e *Endpoint) configure(ctx context.Context) {
	err := e.guard.do(ctx, "Endpoint.Configure", func(ctx context.Context) error {
		return e.driver.Configure(ctx, e.cfg.Identity)
	})
	if err != nil {
		e.logger.Error("access point configuration failed", "error", err)
		return
	}
	e.mu.Lock()
	e.ready = true
	e.mu.Unlock()
	e.readyOnce.Do(func() { close(e.readyCh) })
	e.logger.Info("access point ready", "identity", e.cfg.Identity.Address, "capacity", e.cfg.Capacity)
}

// command runs a driver call once the access point is ready.
func (e *Endpoint) command(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	e.mu.Lock()
	ready := e.ready
	e.mu.Unlock()
	if !ready {
		return domain.NewDomainError(op, domain.ErrNotReady, e.cfg.Name)
	}
	return e.guard.do(ctx, op, fn)
}

func (e *Endpoint) ID() domain.AccessPointID { return e.cfg.ID }

func (e *Endpoint) Name() string { return e.cfg.Name }

func (e *Endpoint) Capacity() int { return e.cfg.Capacity }

func (e *Endpoint) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reserved + len(e.links)
}

// State returns a snapshot of the access point.
func (e *Endpoint) State() domain.AccessPointState {
	degraded := e.guard.degraded()
	e.mu.Lock()
	defer e.mu.Unlock()
	s := domain.AccessPointState{
		ID:       e.cfg.ID,
		Name:     e.cfg.Name,
		Capacity: e.cfg.Capacity,
		Active:   e.reserved + len(e.links),
		Ready:    e.ready,
		Scanning: e.scanning,
		Degraded: degraded,
	}
	if e.analysis != nil {
		a := *e.analysis
		s.Analysis = &a
	}
	return s
}

func (e *Endpoint) StartScanning(ctx context.Context) error {
	if err := e.command(ctx, "Endpoint.StartScanning", e.driver.StartScan); err != nil {
		return err
	}
	e.mu.Lock()
	e.scanning = true
	e.mu.Unlock()
	return nil
}

func (e *Endpoint) StopScanning(ctx context.Context) error {
	err := e.command(ctx, "Endpoint.StopScanning", e.driver.StopScan)
	e.mu.Lock()
	e.scanning = false
	e.mu.Unlock()
	return err
}

// Connect reserves a slot, opens a link to peer and waits for it to open.
// If it does not open within the connect timeout the attempt is abandoned
// with a disconnect and ErrTimeout is returned.
//
// material is only logged here. The stack asks for bonding data after the
// link opens, through BondingMaterialRequested, and the coordinator answers
// that request from the bonding store.
func (e *Endpoint) Connect(ctx context.Context, peer domain.PeerIdentity, material domain.Material) (domain.ConnHandle, error) {
	const op = "Endpoint.Connect"

	e.mu.Lock()
	if !e.ready {
		e.mu.Unlock()
		return 0, domain.NewDomainError(op, domain.ErrNotReady, e.cfg.Name)
	}
	if e.reserved+len(e.links) >= e.cfg.Capacity {
		e.mu.Unlock()
		return 0, domain.NewDomainError(op, domain.ErrCapacity, e.cfg.Name)
	}
	e.reserved++
	e.mu.Unlock()

	var h domain.ConnHandle
	err := e.guard.do(ctx, op, func(ctx context.Context) error {
		var err error
		h, err = e.driver.OpenConnection(ctx, peer)
		return err
	})

	e.mu.Lock()
	e.reserved--
	if err != nil {
		e.mu.Unlock()
		return 0, err
	}
	l, ok := e.links[h]
	if !ok {
		l = newLink()
		l.peer = peer
		e.links[h] = l
	}
	e.mu.Unlock()

	e.logger.Debug("connecting", "peer", peer.Key(), "handle", h, "known_material", len(material))

	timer := time.NewTimer(e.cfg.ConnectTimeout)
	defer timer.Stop()

	select {
	case <-l.opened:
		return h, nil
	case <-l.closed:
		return 0, domain.NewDomainError(op, domain.ErrUnavailable, fmt.Sprintf("%s closed before open", peer.Key()))
	case <-timer.C:
		e.abandon(h, l, peer)
		return 0, domain.NewDomainError(op, domain.ErrTimeout, peer.Key())
	case <-ctx.Done():
		e.abandon(h, l, peer)
		return 0, domain.WrapOp(op, ctx.Err())
	}
}

// abandon closes a link that did not open in time and releases its slot.
func (e *Endpoint) abandon(h domain.ConnHandle, l *link, peer domain.PeerIdentity) {
	e.logger.Warn("connection did not open in time", "peer", peer.Key(), "handle", h, "timeout", e.cfg.ConnectTimeout)
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ConnectTimeout)
	defer cancel()
	if err := e.guard.do(ctx, "Endpoint.Abandon", func(ctx context.Context) error {
		return e.driver.CloseConnection(ctx, h)
	}); err != nil {
		e.logger.Debug("abandon close failed", "handle", h, "error", err)
	}

	e.mu.Lock()
	if cur, ok := e.links[h]; ok && cur == l && !l.open {
		delete(e.links, h)
	}
	e.mu.Unlock()
}

// known returns an error for handles this endpoint does not track.
func (e *Endpoint) known(op string, h domain.ConnHandle) error {
	e.mu.Lock()
	_, ok := e.links[h]
	e.mu.Unlock()
	if !ok {
		return domain.NewDomainError(op, domain.ErrStaleHandle, fmt.Sprintf("%s handle %d", e.cfg.Name, h))
	}
	return nil
}

func (e *Endpoint) Disconnect(ctx context.Context, h domain.ConnHandle) error {
	const op = "Endpoint.Disconnect"
	if err := e.known(op, h); err != nil {
		return err
	}
	return e.command(ctx, op, func(ctx context.Context) error {
		return e.driver.CloseConnection(ctx, h)
	})
}

func (e *Endpoint) QueryLinkQuality(ctx context.Context, h domain.ConnHandle) error {
	const op = "Endpoint.QueryLinkQuality"
	if err := e.known(op, h); err != nil {
		return err
	}
	return e.command(ctx, op, func(ctx context.Context) error {
		return e.driver.GetRSSI(ctx, h)
	})
}

func (e *Endpoint) ConnectionParams(ctx context.Context, h domain.ConnHandle) (domain.ConnParams, error) {
	const op = "Endpoint.ConnectionParams"
	if err := e.known(op, h); err != nil {
		return domain.ConnParams{}, err
	}
	var params domain.ConnParams
	err := e.command(ctx, op, func(ctx context.Context) error {
		var err error
		params, err = e.driver.ConnectionParams(ctx, h)
		return err
	})
	return params, err
}

// BeginPassiveAnalysis starts following a foreign connection. Only one
// session may run per access point.
func (e *Endpoint) BeginPassiveAnalysis(ctx context.Context, params domain.ConnParams) (domain.AnalysisHandle, error) {
	const op = "Endpoint.BeginPassiveAnalysis"
	e.analysisMu.Lock()
	defer e.analysisMu.Unlock()

	e.mu.Lock()
	busy := e.analysis != nil
	e.mu.Unlock()
	if busy {
		return 0, domain.NewDomainError(op, domain.ErrAnalysisBusy, e.cfg.Name)
	}

	var s domain.AnalysisHandle
	err := e.command(ctx, op, func(ctx context.Context) error {
		var err error
		s, err = e.driver.StartAnalysis(ctx, params)
		return err
	})
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	e.analysis = &s
	e.mu.Unlock()
	return s, nil
}

func (e *Endpoint) EndPassiveAnalysis(ctx context.Context, s domain.AnalysisHandle) error {
	const op = "Endpoint.EndPassiveAnalysis"
	e.analysisMu.Lock()
	defer e.analysisMu.Unlock()

	err := e.command(ctx, op, func(ctx context.Context) error {
		return e.driver.StopAnalysis(ctx, s)
	})
	e.mu.Lock()
	if e.analysis != nil && *e.analysis == s {
		e.analysis = nil
	}
	e.mu.Unlock()
	return err
}

func (e *Endpoint) ProvideBondingMaterial(ctx context.Context, h domain.ConnHandle, t domain.MaterialType, data []byte) error {
	return e.command(ctx, "Endpoint.ProvideBondingMaterial", func(ctx context.Context) error {
		return e.driver.SetBondingData(ctx, h, t, data)
	})
}

func (e *Endpoint) IncreaseSecurity(ctx context.Context, h domain.ConnHandle) error {
	return e.command(ctx, "Endpoint.IncreaseSecurity", func(ctx context.Context) error {
		return e.driver.IncreaseSecurity(ctx, h)
	})
}

func (e *Endpoint) DiscoverService(ctx context.Context, h domain.ConnHandle, uuid []byte) error {
	return e.command(ctx, "Endpoint.DiscoverService", func(ctx context.Context) error {
		return e.driver.DiscoverService(ctx, h, uuid)
	})
}

func (e *Endpoint) DiscoverCharacteristic(ctx context.Context, h domain.ConnHandle, service uint32, uuid []byte) error {
	return e.command(ctx, "Endpoint.DiscoverCharacteristic", func(ctx context.Context) error {
		return e.driver.DiscoverCharacteristic(ctx, h, service, uuid)
	})
}

func (e *Endpoint) EnableNotifications(ctx context.Context, h domain.ConnHandle, characteristic uint16) error {
	return e.command(ctx, "Endpoint.EnableNotifications", func(ctx context.Context) error {
		return e.driver.EnableNotifications(ctx, h, characteristic)
	})
}

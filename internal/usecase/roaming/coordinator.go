// Package roaming keeps a group of peers connected through whichever access
// point offers the best link. A single consumer loop applies bus events to
// the coordinator state; a worker runs discovery and handover cycles.
package roaming

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"roamer/internal/domain"
	"roamer/internal/usecase/eventbus"
	"roamer/internal/usecase/scheduling"
)

// AccessPoint is a radio endpoint the coordinator can wait on at startup.
type AccessPoint interface {
	domain.RadioEndpoint
	Name() string
	WaitReady(ctx context.Context) error
}

// EventSource is the consumer side of the event bus.
type EventSource interface {
	Next(ctx context.Context, wait time.Duration) (eventbus.Envelope, bool)
	Closed() bool
}

// Config holds the coordinator timings and thresholds.
type Config struct {
	ServiceUUID        []byte
	CharacteristicUUID []byte

	BootTimeout      time.Duration
	ConnectTimeout   time.Duration
	ScanDuration     time.Duration
	AnalysisDuration time.Duration
	EventWait        time.Duration
	FlushDelay       time.Duration
	RenderDelay      time.Duration

	// DiscoveryPeriod and LinkPollPeriod accept a cron expression or a
	// duration. Empty disables the periodic run.
	DiscoveryPeriod string
	LinkPollPeriod  string

	RoamThreshold   int
	TopologyEnabled bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithObserver sets the topology observer.
func WithObserver(o domain.TopologyObserver) Option {
	return func(c *Coordinator) { c.observer = o }
}

// WithPayloadHook sets the application hook for subscribed peers.
func WithPayloadHook(h domain.PayloadHook) Option {
	return func(c *Coordinator) { c.hook = h }
}

// WithScanFilter restricts which discovery reports count as sightings.
func WithScanFilter(f func(domain.DiscoveryReport) bool) Option {
	return func(c *Coordinator) { c.filter = f }
}

// gattStage tracks progress towards a subscribed connection.
type gattStage int

const (
	stageNone gattStage = iota
	stageService
	stageCharacteristic
	stageNotify
	stageSubscribed
)

type connState struct {
	domain.Connection
	stage gattStage
	// gone is closed when the link's Closed event was applied.
	gone chan struct{}
}

// scanCycle collects sightings during one discovery window.
type scanCycle struct {
	peers map[string]*sighting
}

type sighting struct {
	peer domain.PeerIdentity
	rssi map[domain.AccessPointID]int
}

// analysisCycle collects passive analysis samples for one handover.
type analysisCycle struct {
	target domain.ConnKey
	// listening holds access points asked to analyse; samples may arrive
	// before BeginPassiveAnalysis returned the session handle.
	listening map[domain.AccessPointID]bool
	sessions  map[domain.AccessPointID]domain.AnalysisHandle
	score     map[domain.AccessPointID]float64
}

// Coordinator owns the connection map and runs the roaming cycles.
type Coordinator struct {
	cfg       Config
	aps       map[domain.AccessPointID]AccessPoint
	order     []domain.AccessPointID
	store     domain.BondingStore
	events    EventSource
	scheduler *scheduling.Scheduler
	logger    *slog.Logger

	observer domain.TopologyObserver
	hook     domain.PayloadHook
	filter   func(domain.DiscoveryReport) bool

	gate       *Gate
	flusher    *Debouncer
	renderer   *Debouncer
	threshold  atomic.Int64
	topologyOn atomic.Bool

	mu       sync.Mutex
	conns    map[domain.ConnKey]*connState
	byPeer   map[string]domain.ConnKey
	scan     *scanCycle
	analysis *analysisCycle
	// hints carry the estimated signal strength of a peer into the
	// connection a handover opens for it.
	hints map[string]int

	discoverCh chan struct{}
	handoverCh chan struct{}
	queueMu    sync.Mutex
	queue      []domain.ConnKey
	queued     map[domain.ConnKey]bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a coordinator. The scheduler may be nil, in which case only
// explicit and loss-triggered discovery runs.
func New(cfg Config, aps []AccessPoint, store domain.BondingStore, events EventSource,
	scheduler *scheduling.Scheduler, logger *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:        cfg,
		aps:        make(map[domain.AccessPointID]AccessPoint, len(aps)),
		store:      store,
		events:     events,
		scheduler:  scheduler,
		logger:     logger,
		filter:     func(domain.DiscoveryReport) bool { return true },
		gate:       NewGate(),
		conns:      make(map[domain.ConnKey]*connState),
		byPeer:     make(map[string]domain.ConnKey),
		hints:      make(map[string]int),
		discoverCh: make(chan struct{}, 1),
		handoverCh: make(chan struct{}, 1),
		queued:     make(map[domain.ConnKey]bool),
		baseCtx:    context.Background(),
	}
	for _, ap := range aps {
		c.aps[ap.ID()] = ap
		c.order = append(c.order, ap.ID())
	}
	slices.Sort(c.order)
	for _, opt := range opts {
		opt(c)
	}
	c.threshold.Store(int64(cfg.RoamThreshold))
	c.topologyOn.Store(cfg.TopologyEnabled)
	c.flusher = NewDebouncer(cfg.FlushDelay, c.flushBonds)
	c.renderer = NewDebouncer(cfg.RenderDelay, c.renderTopology)
	return c
}

// Start waits for every access point to become ready, loads the bonding
// store and starts the consumer loop, the worker and the schedules. An
// access point that does not become ready within the boot timeout fails
// the start.
func (c *Coordinator) Start(ctx context.Context) error {
	bootCtx, cancel := context.WithTimeout(ctx, c.cfg.BootTimeout)
	defer cancel()
	for _, id := range c.order {
		if err := c.aps[id].WaitReady(bootCtx); err != nil {
			return domain.NewDomainError("roaming.Start", domain.ErrBootFailed, fmt.Sprintf("%s: %v", c.aps[id].Name(), err))
		}
	}
	c.logger.Info("all access points ready", "count", len(c.order))

	if err := c.store.Load(ctx); err != nil {
		return domain.WrapOp("roaming.Start", err)
	}

	runCtx, runCancel := context.WithCancel(ctx)
	c.baseCtx = runCtx
	c.cancel = runCancel

	c.wg.Add(2)
	go c.consume(runCtx)
	go c.work(runCtx)

	if c.scheduler != nil {
		if err := c.schedule(runCtx); err != nil {
			runCancel()
			c.wg.Wait()
			return err
		}
	}

	c.RequestDiscovery()
	return nil
}

// Scheduler task names.
const (
	taskDiscovery = "discovery"
	taskLinkPoll  = "link-poll"
)

func (c *Coordinator) schedule(ctx context.Context) error {
	c.scheduler.RegisterAction(scheduling.ActionDiscovery, func(context.Context) error {
		c.RequestDiscovery()
		return nil
	})
	c.scheduler.RegisterAction(scheduling.ActionLinkPoll, func(ctx context.Context) error {
		c.PollLinkQuality(ctx)
		return nil
	})
	tasks := []scheduling.ScheduledTask{
		{Name: taskDiscovery, Schedule: c.cfg.DiscoveryPeriod, Action: scheduling.ActionDiscovery},
		{Name: taskLinkPoll, Schedule: c.cfg.LinkPollPeriod, Action: scheduling.ActionLinkPoll},
	}
	for _, task := range tasks {
		if task.Schedule == "" {
			continue
		}
		if err := c.scheduler.AddTask(task); err != nil {
			return domain.WrapOp("roaming.Start", err)
		}
	}
	return c.scheduler.Start(ctx)
}

// Stop ends all loops and writes pending bonding material.
func (c *Coordinator) Stop() error {
	if c.scheduler != nil {
		_ = c.scheduler.Stop()
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.renderer.Stop()
	c.flusher.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.store.FlushIfDirty(ctx); err != nil {
		return domain.WrapOp("roaming.Stop", err)
	}
	return nil
}

func (c *Coordinator) consume(ctx context.Context) {
	defer c.wg.Done()
	for ctx.Err() == nil {
		env, ok := c.events.Next(ctx, c.cfg.EventWait)
		if !ok {
			if c.events.Closed() {
				c.logger.Info("event bus closed, consumer exiting")
				return
			}
			continue
		}
		c.handle(ctx, env)
	}
}

// work runs queued discovery and handover jobs one at a time.
func (c *Coordinator) work(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.handoverCh:
			for {
				key, ok := c.popHandover()
				if !ok {
					break
				}
				if _, err := c.RunHandover(ctx, key.AccessPoint, key.Handle); err != nil && ctx.Err() == nil {
					c.logger.Warn("handover failed", "conn", key.String(), "error", err)
				}
			}
		case <-c.discoverCh:
			if _, err := c.RunDiscovery(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("discovery failed", "error", err)
			}
		}
	}
}

// RequestDiscovery schedules a discovery cycle. Requests made while one is
// already queued collapse into it.
func (c *Coordinator) RequestDiscovery() {
	select {
	case c.discoverCh <- struct{}{}:
	default:
	}
}

func (c *Coordinator) requestHandover(key domain.ConnKey) {
	c.queueMu.Lock()
	if c.queued[key] {
		c.queueMu.Unlock()
		return
	}
	c.queued[key] = true
	c.queue = append(c.queue, key)
	c.queueMu.Unlock()

	select {
	case c.handoverCh <- struct{}{}:
	default:
	}
}

func (c *Coordinator) popHandover() (domain.ConnKey, bool) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if len(c.queue) == 0 {
		return domain.ConnKey{}, false
	}
	key := c.queue[0]
	c.queue = c.queue[1:]
	delete(c.queued, key)
	return key, true
}

// PollLinkQuality asks every open connection for a signal strength sample.
// The samples arrive on the bus.
func (c *Coordinator) PollLinkQuality(ctx context.Context) {
	for _, conn := range c.Connections() {
		if conn.Closing {
			continue
		}
		ap, ok := c.aps[conn.AccessPoint]
		if !ok {
			continue
		}
		if err := ap.QueryLinkQuality(ctx, conn.Handle); err != nil {
			c.logger.Debug("link quality query failed", "conn", conn.Key().String(), "peer", conn.Peer.Key(), "error", err)
		}
	}
}

// Connections returns a copy of the open connections sorted by access
// point and handle.
func (c *Coordinator) Connections() []domain.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Connection, 0, len(c.conns))
	for _, cs := range c.conns {
		out = append(out, cs.Connection)
	}
	slices.SortFunc(out, func(a, b domain.Connection) int {
		if a.AccessPoint != b.AccessPoint {
			return int(a.AccessPoint) - int(b.AccessPoint)
		}
		return int(a.Handle) - int(b.Handle)
	})
	return out
}

// SetRoamThreshold sets the signal strength below which a connection is
// analysed for handover. -127 or lower disables handovers.
func (c *Coordinator) SetRoamThreshold(dbm int) {
	c.threshold.Store(int64(dbm))
	c.logger.Info("roam threshold changed", "dbm", dbm)
}

// RoamThreshold returns the current threshold.
func (c *Coordinator) RoamThreshold() int {
	return int(c.threshold.Load())
}

// SetTopologyEnabled turns topology notifications on or off.
func (c *Coordinator) SetTopologyEnabled(on bool) {
	c.topologyOn.Store(on)
	if on {
		c.renderer.Touch()
	}
}

// Busy returns the activity currently holding the gate.
func (c *Coordinator) Busy() Activity {
	return c.gate.Current()
}

// WipeBonds deletes all stored bonding material.
func (c *Coordinator) WipeBonds(ctx context.Context) error {
	if err := c.store.Wipe(ctx); err != nil {
		return err
	}
	c.logger.Info("bonding store wiped")
	return nil
}

// Topology returns the current peer to access point assignment.
func (c *Coordinator) Topology() domain.Topology {
	t := domain.Topology{At: time.Now(), Activity: string(c.gate.Current())}
	if c.scheduler != nil {
		if next := c.scheduler.NextRun(taskDiscovery); next != nil {
			t.NextDiscovery = *next
		}
	}

	c.mu.Lock()
	byAP := make(map[domain.AccessPointID][]domain.PeerView, len(c.order))
	for _, cs := range c.conns {
		byAP[cs.AccessPoint] = append(byAP[cs.AccessPoint], domain.PeerView{
			Peer:       cs.Peer,
			Handle:     cs.Handle,
			RSSI:       cs.RSSI,
			Closing:    cs.Closing,
			Subscribed: cs.Subscribed,
		})
	}
	c.mu.Unlock()

	for _, id := range c.order {
		st := c.aps[id].State()
		peers := byAP[id]
		slices.SortFunc(peers, func(a, b domain.PeerView) int { return int(a.Handle) - int(b.Handle) })
		t.AccessPoints = append(t.AccessPoints, domain.AccessPointView{
			ID:       id,
			Name:     st.Name,
			Ready:    st.Ready,
			Capacity: st.Capacity,
			Active:   st.Active,
			Scanning: st.Scanning,
			Analysis: st.Analysis != nil,
			Degraded: st.Degraded,
			Peers:    peers,
		})
	}
	return t
}

func (c *Coordinator) topologyChanged() {
	if c.observer != nil && c.topologyOn.Load() {
		c.renderer.Touch()
	}
}

func (c *Coordinator) renderTopology() {
	if c.observer == nil || !c.topologyOn.Load() {
		return
	}
	c.observer.TopologyChanged(c.Topology())
}

func (c *Coordinator) flushBonds() {
	ctx, cancel := context.WithTimeout(c.baseCtx, 5*time.Second)
	defer cancel()
	wrote, err := c.store.FlushIfDirty(ctx)
	if err != nil {
		c.logger.Error("bonding store flush failed", "error", err)
		return
	}
	if wrote {
		c.logger.Debug("bonding store flushed")
	}
}

func newRunID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// spare reports whether ap is ready and below capacity.
func spare(ap domain.RadioEndpoint) bool {
	return ap.State().Spare()
}

package roaming

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"roamer/internal/adapter/bonding"
	"roamer/internal/domain"
	"roamer/internal/usecase/eventbus"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// exclusion detects scanning and passive analysis running at the same time.
type exclusion struct {
	scanning  atomic.Int32
	analysing atomic.Int32
	violated  atomic.Bool
}

func (x *exclusion) check() {
	if x.scanning.Load() > 0 && x.analysing.Load() > 0 {
		x.violated.Store(true)
	}
}

// fakeAP answers commands by publishing the events a real access point
// would produce.
type fakeAP struct {
	id       domain.AccessPointID
	capacity int
	bus      *eventbus.Bus
	excl     *exclusion

	mu        sync.Mutex
	links     map[domain.ConnHandle]domain.PeerIdentity
	nextH     domain.ConnHandle
	calls     []string
	reports   []domain.DiscoveryReport
	samples   []int
	rssi      int
	scanning  bool
	analysing bool
	degraded  bool
	connErr   error
}

func newFakeAP(id domain.AccessPointID, capacity int, bus *eventbus.Bus, excl *exclusion) *fakeAP {
	return &fakeAP{
		id:       id,
		capacity: capacity,
		bus:      bus,
		excl:     excl,
		links:    make(map[domain.ConnHandle]domain.PeerIdentity),
		nextH:    1,
	}
}

func (f *fakeAP) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeAP) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeAP) ID() domain.AccessPointID { return f.id }
func (f *fakeAP) Name() string             { return fmt.Sprintf("fake%d", f.id) }
func (f *fakeAP) Capacity() int            { return f.capacity }

func (f *fakeAP) WaitReady(context.Context) error { return nil }

func (f *fakeAP) ActiveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.links)
}

func (f *fakeAP) State() domain.AccessPointState {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := domain.AccessPointState{
		ID:       f.id,
		Name:     f.Name(),
		Capacity: f.capacity,
		Active:   len(f.links),
		Ready:    true,
		Scanning: f.scanning,
		Degraded: f.degraded,
	}
	if f.analysing {
		s := domain.AnalysisHandle(1)
		st.Analysis = &s
	}
	return st
}

func (f *fakeAP) StartScanning(context.Context) error {
	f.mu.Lock()
	f.scanning = true
	f.record("scan")
	reports := append([]domain.DiscoveryReport(nil), f.reports...)
	f.mu.Unlock()
	if f.excl != nil {
		f.excl.scanning.Add(1)
		f.excl.check()
	}
	for _, r := range reports {
		f.bus.Publish(f.id, r)
	}
	return nil
}

func (f *fakeAP) StopScanning(context.Context) error {
	f.mu.Lock()
	f.scanning = false
	f.mu.Unlock()
	if f.excl != nil {
		f.excl.scanning.Add(-1)
	}
	return nil
}

// open opens a link as if the peer connected, bypassing capacity checks.
func (f *fakeAP) open(peer domain.PeerIdentity) domain.ConnHandle {
	f.mu.Lock()
	h := f.nextH
	f.nextH++
	f.links[h] = peer
	f.mu.Unlock()
	f.bus.Publish(f.id, domain.Opened{Handle: h, Peer: peer})
	return h
}

func (f *fakeAP) Connect(_ context.Context, peer domain.PeerIdentity, material domain.Material) (domain.ConnHandle, error) {
	f.mu.Lock()
	f.record("connect %s material=%d", peer.Key(), len(material))
	if f.connErr != nil {
		err := f.connErr
		f.mu.Unlock()
		return 0, err
	}
	if len(f.links) >= f.capacity {
		f.mu.Unlock()
		return 0, domain.ErrCapacity
	}
	f.mu.Unlock()
	return f.open(peer), nil
}

// lose drops a link from the peer side.
func (f *fakeAP) lose(h domain.ConnHandle) {
	f.mu.Lock()
	delete(f.links, h)
	f.mu.Unlock()
	f.bus.Publish(f.id, domain.Closed{Handle: h, Reason: 0x08})
}

func (f *fakeAP) Disconnect(_ context.Context, h domain.ConnHandle) error {
	f.mu.Lock()
	f.record("disconnect %d", h)
	_, ok := f.links[h]
	delete(f.links, h)
	f.mu.Unlock()
	if !ok {
		return domain.ErrStaleHandle
	}
	f.bus.Publish(f.id, domain.Closed{Handle: h, Reason: 0x16, Local: true})
	return nil
}

func (f *fakeAP) QueryLinkQuality(_ context.Context, h domain.ConnHandle) error {
	f.mu.Lock()
	_, ok := f.links[h]
	rssi := f.rssi
	f.mu.Unlock()
	if !ok {
		return domain.ErrStaleHandle
	}
	f.bus.Publish(f.id, domain.LinkQualitySample{Handle: h, RSSI: rssi})
	return nil
}

func (f *fakeAP) ConnectionParams(_ context.Context, h domain.ConnHandle) (domain.ConnParams, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.links[h]; !ok {
		return domain.ConnParams{}, domain.ErrStaleHandle
	}
	return domain.ConnParams{AccessAddress: 0x1000 + uint32(h)}, nil
}

func (f *fakeAP) BeginPassiveAnalysis(context.Context, domain.ConnParams) (domain.AnalysisHandle, error) {
	f.mu.Lock()
	if f.analysing {
		f.mu.Unlock()
		return 0, domain.ErrAnalysisBusy
	}
	f.analysing = true
	f.record("analyse")
	samples := append([]int(nil), f.samples...)
	f.mu.Unlock()
	if f.excl != nil {
		f.excl.analysing.Add(1)
		f.excl.check()
	}
	for _, s := range samples {
		f.bus.Publish(f.id, domain.AnalysisSample{Session: 7, RSSI: s})
	}
	return 7, nil
}

func (f *fakeAP) EndPassiveAnalysis(context.Context, domain.AnalysisHandle) error {
	f.mu.Lock()
	f.analysing = false
	f.mu.Unlock()
	if f.excl != nil {
		f.excl.analysing.Add(-1)
	}
	return nil
}

func (f *fakeAP) ProvideBondingMaterial(_ context.Context, h domain.ConnHandle, t domain.MaterialType, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("provide %d type=%d len=%d", h, t, len(data))
	return nil
}

func (f *fakeAP) IncreaseSecurity(_ context.Context, h domain.ConnHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("secure %d", h)
	return nil
}

func (f *fakeAP) DiscoverService(_ context.Context, h domain.ConnHandle, uuid []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("service %d % x", h, uuid)
	return nil
}

func (f *fakeAP) DiscoverCharacteristic(_ context.Context, h domain.ConnHandle, service uint32, uuid []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("characteristic %d %#x % x", h, service, uuid)
	return nil
}

func (f *fakeAP) EnableNotifications(_ context.Context, h domain.ConnHandle, characteristic uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("notify %d %#x", h, characteristic)
	return nil
}

// countingBackend keeps records in memory and counts writes.
type countingBackend struct {
	mu      sync.Mutex
	records bonding.Records
	writes  int
}

func (b *countingBackend) Name() string { return "counting" }

func (b *countingBackend) Read(context.Context) (bonding.Records, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.records.Clone(), nil
}

func (b *countingBackend) Write(_ context.Context, r bonding.Records) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writes++
	b.records = r.Clone()
	return nil
}

func (b *countingBackend) Clear(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = nil
	return nil
}

func (b *countingBackend) Writes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writes
}

// recordingHook remembers payload hook calls.
type recordingHook struct {
	mu         sync.Mutex
	subscribed []string
	values     [][]byte
}

func (h *recordingHook) OnSubscribed(peer domain.PeerIdentity) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribed = append(h.subscribed, peer.Key())
}

func (h *recordingHook) OnNotification(_ domain.PeerIdentity, value []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.values = append(h.values, value)
}

func (h *recordingHook) Values() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]byte(nil), h.values...)
}

func (h *recordingHook) Subscribed() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.subscribed...)
}

// topologyRecorder collects topology notifications.
type topologyRecorder struct {
	mu   sync.Mutex
	seen []domain.Topology
}

func (r *topologyRecorder) TopologyChanged(t domain.Topology) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, t)
}

func (r *topologyRecorder) Last() (domain.Topology, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.seen) == 0 {
		return domain.Topology{}, 0
	}
	return r.seen[len(r.seen)-1], len(r.seen)
}

type harness struct {
	c       *Coordinator
	bus     *eventbus.Bus
	aps     []*fakeAP
	backend *countingBackend
	excl    *exclusion
	cancel  context.CancelFunc
}

func testConfig() Config {
	return Config{
		ServiceUUID:        []byte{0x0d, 0x18},
		CharacteristicUUID: []byte{0x37, 0x2a},
		BootTimeout:        time.Second,
		ConnectTimeout:     200 * time.Millisecond,
		ScanDuration:       60 * time.Millisecond,
		AnalysisDuration:   60 * time.Millisecond,
		EventWait:          10 * time.Millisecond,
		FlushDelay:         30 * time.Millisecond,
		RenderDelay:        10 * time.Millisecond,
		RoamThreshold:      -127,
	}
}

// newHarness builds a coordinator over fake access points and starts only
// its consumer loop, so tests drive discovery and handover explicitly.
func newHarness(t *testing.T, capacities []int, opts ...Option) *harness {
	t.Helper()
	bus := eventbus.New(eventbus.Config{Capacity: 1024}, quietLogger())
	excl := &exclusion{}
	h := &harness{bus: bus, excl: excl, backend: &countingBackend{}}
	var aps []AccessPoint
	for i, capacity := range capacities {
		ap := newFakeAP(domain.AccessPointID(i), capacity, bus, excl)
		h.aps = append(h.aps, ap)
		aps = append(aps, ap)
	}
	store := bonding.NewStore(h.backend, quietLogger())
	h.c = New(testConfig(), aps, store, bus, nil, quietLogger(), opts...)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.c.baseCtx = ctx
	h.c.cancel = cancel
	h.c.wg.Add(1)
	go h.c.consume(ctx)
	t.Cleanup(func() {
		_ = h.c.Stop()
		bus.Close()
	})
	return h
}

// settle waits until the bus is drained and the consumer applied it.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for h.bus.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
}

func peerN(n int) domain.PeerIdentity {
	return domain.PeerIdentity{Address: fmt.Sprintf("C0:FF:EE:00:00:%02X", n), Kind: domain.AddressRandom}
}

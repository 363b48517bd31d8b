package sim

import (
	"context"
	"fmt"
	"sync"

	"roamer/internal/adapter/radio"
	"roamer/internal/domain"
)

// Simulated GATT handles.
const (
	serviceHandle        uint32 = 0x00010010
	characteristicHandle uint16 = 0x0012
)

// Close reasons used by the simulator.
const (
	reasonLocalHost  uint16 = 0x16
	reasonRemoteUser uint16 = 0x13
	reasonAuthFail   uint16 = 0x05
)

// Driver is one simulated access point. It implements radio.Driver.
type Driver struct {
	world *World
	ap    domain.AccessPointID

	events chan domain.RadioEvent
	done   chan struct{}
	once   sync.Once

	// guarded by world.mu
	open       bool
	configured bool
	scanning   bool
	conns      map[domain.ConnHandle]*simConn
	sessions   map[domain.AnalysisHandle]*simPeer
	nextAA     uint32

	// FailConfigure makes Configure fail, as firmware without host
	// bonding storage would.
	FailConfigure bool
	// Silent suppresses the boot event so the access point never becomes ready.
	Silent bool
}

var _ radio.Driver = (*Driver)(nil)

func newDriver(w *World, ap domain.AccessPointID) *Driver {
	return &Driver{
		world:    w,
		ap:       ap,
		events:   make(chan domain.RadioEvent, 1024),
		done:     make(chan struct{}),
		conns:    make(map[domain.ConnHandle]*simConn),
		sessions: make(map[domain.AnalysisHandle]*simPeer),
		nextAA:   0x50000000 + uint32(ap)<<16,
	}
}

// emit queues ev unless the driver is closed.
func (d *Driver) emit(ev domain.RadioEvent) {
	select {
	case d.events <- ev:
	case <-d.done:
	}
}

func (d *Driver) Open(ctx context.Context) (<-chan domain.RadioEvent, error) {
	d.world.mu.Lock()
	defer d.world.mu.Unlock()
	if d.open {
		return nil, fmt.Errorf("sim ap %d already open", d.ap)
	}
	d.open = true
	if !d.Silent {
		d.emit(domain.Booted{Firmware: "sim-1.0"})
	}
	return d.events, nil
}

// Reboot drops every link and boots again.
func (d *Driver) Reboot() {
	d.world.mu.Lock()
	defer d.world.mu.Unlock()
	for _, c := range d.conns {
		c.peer.conn = nil
	}
	d.conns = make(map[domain.ConnHandle]*simConn)
	d.sessions = make(map[domain.AnalysisHandle]*simPeer)
	d.scanning = false
	d.configured = false
	d.emit(domain.Booted{Firmware: "sim-1.0"})
}

func (d *Driver) Close() error {
	d.world.mu.Lock()
	for _, c := range d.conns {
		c.peer.conn = nil
	}
	d.conns = make(map[domain.ConnHandle]*simConn)
	d.open = false
	d.world.mu.Unlock()
	d.once.Do(func() { close(d.done) })
	return nil
}

func (d *Driver) usableLocked() error {
	if !d.open {
		return fmt.Errorf("sim ap %d: %w", d.ap, domain.ErrUnavailable)
	}
	return nil
}

func (d *Driver) Configure(_ context.Context, id radio.Identity) error {
	d.world.mu.Lock()
	defer d.world.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return err
	}
	if d.FailConfigure {
		return fmt.Errorf("sim ap %d: external bonding database not supported: %w", d.ap, domain.ErrCommandRejected)
	}
	if id.Address == "" {
		return fmt.Errorf("sim ap %d: empty identity: %w", d.ap, domain.ErrInvalidInput)
	}
	d.configured = true
	return nil
}

func (d *Driver) StartScan(context.Context) error {
	d.world.mu.Lock()
	defer d.world.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return err
	}
	d.scanning = true
	return nil
}

func (d *Driver) StopScan(context.Context) error {
	d.world.mu.Lock()
	defer d.world.mu.Unlock()
	d.scanning = false
	return nil
}

func (d *Driver) freeHandleLocked() (domain.ConnHandle, error) {
	for h := domain.ConnHandle(1); h < 255; h++ {
		if _, used := d.conns[h]; !used {
			return h, nil
		}
	}
	return 0, fmt.Errorf("sim ap %d: no free handle: %w", d.ap, domain.ErrCommandRejected)
}

// OpenConnection returns a handle at once. The link opens only when the
// peer is in range, connectable and not linked elsewhere; otherwise no
// event follows, like a real controller still paging an absent peer.
func (d *Driver) OpenConnection(_ context.Context, peer domain.PeerIdentity) (domain.ConnHandle, error) {
	d.world.mu.Lock()
	defer d.world.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return 0, err
	}
	h, err := d.freeHandleLocked()
	if err != nil {
		return 0, err
	}

	p := d.world.peers[peer.Key()]
	c := &simConn{ap: d.ap, handle: h, requested: map[domain.MaterialType]bool{}, supplied: domain.Material{}}
	d.conns[h] = c
	if p == nil || p.conn != nil || !p.spec.Connectable {
		return h, nil
	}
	if _, inRange := d.world.rssiLocked(p, d.ap); !inRange {
		return h, nil
	}

	d.nextAA++
	c.peer = p
	c.accessAddress = d.nextAA
	p.conn = c
	d.emit(domain.Opened{Handle: h, Peer: p.spec.Peer})
	for _, t := range d.world.cfg.MaterialTypes {
		c.requested[t] = true
		d.emit(domain.BondingMaterialRequested{Handle: h, Type: t})
	}
	return h, nil
}

func (d *Driver) connLocked(h domain.ConnHandle) (*simConn, error) {
	if err := d.usableLocked(); err != nil {
		return nil, err
	}
	c, ok := d.conns[h]
	if !ok {
		return nil, fmt.Errorf("sim ap %d handle %d: %w", d.ap, h, domain.ErrStaleHandle)
	}
	return c, nil
}

func (d *Driver) linkedLocked(h domain.ConnHandle) (*simConn, error) {
	c, err := d.connLocked(h)
	if err != nil {
		return nil, err
	}
	if c.peer == nil {
		return nil, fmt.Errorf("sim ap %d handle %d not open: %w", d.ap, h, domain.ErrCommandRejected)
	}
	return c, nil
}

func (d *Driver) dropLocked(c *simConn) {
	delete(d.conns, c.handle)
	if c.peer != nil && c.peer.conn == c {
		c.peer.conn = nil
	}
}

func (d *Driver) CloseConnection(_ context.Context, h domain.ConnHandle) error {
	d.world.mu.Lock()
	defer d.world.mu.Unlock()
	c, err := d.connLocked(h)
	if err != nil {
		return err
	}
	d.dropLocked(c)
	d.emit(domain.Closed{Handle: h, Reason: reasonLocalHost, Local: true})
	return nil
}

func (d *Driver) GetRSSI(_ context.Context, h domain.ConnHandle) error {
	d.world.mu.Lock()
	defer d.world.mu.Unlock()
	c, err := d.linkedLocked(h)
	if err != nil {
		return err
	}
	rssi, _ := d.world.rssiLocked(c.peer, d.ap)
	d.emit(domain.LinkQualitySample{Handle: h, RSSI: rssi})
	return nil
}

func (d *Driver) ConnectionParams(_ context.Context, h domain.ConnHandle) (domain.ConnParams, error) {
	d.world.mu.Lock()
	defer d.world.mu.Unlock()
	c, err := d.linkedLocked(h)
	if err != nil {
		return domain.ConnParams{}, err
	}
	return domain.ConnParams{
		AccessAddress:      c.accessAddress,
		CRCInit:            c.accessAddress ^ 0x555555,
		Interval:           24,
		SupervisionTimeout: 400,
		ChannelMap:         []byte{0xff, 0xff, 0xff, 0xff, 0x1f},
		HopIncrement:       7,
	}, nil
}

func (d *Driver) StartAnalysis(_ context.Context, params domain.ConnParams) (domain.AnalysisHandle, error) {
	d.world.mu.Lock()
	defer d.world.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return 0, err
	}
	if len(d.sessions) > 0 {
		return 0, fmt.Errorf("sim ap %d: %w", d.ap, domain.ErrAnalysisBusy)
	}
	p := d.world.peerByAccessAddress(params.AccessAddress)
	if p == nil {
		return 0, fmt.Errorf("sim ap %d: unknown access address %#x: %w", d.ap, params.AccessAddress, domain.ErrCommandRejected)
	}
	s := domain.AnalysisHandle(1)
	d.sessions[s] = p
	return s, nil
}

func (d *Driver) StopAnalysis(_ context.Context, s domain.AnalysisHandle) error {
	d.world.mu.Lock()
	defer d.world.mu.Unlock()
	if _, ok := d.sessions[s]; !ok {
		return fmt.Errorf("sim ap %d session %d: %w", d.ap, s, domain.ErrStaleHandle)
	}
	delete(d.sessions, s)
	d.emit(domain.AnalysisEnded{Session: s})
	return nil
}

func (d *Driver) SetBondingData(_ context.Context, h domain.ConnHandle, t domain.MaterialType, data []byte) error {
	d.world.mu.Lock()
	defer d.world.mu.Unlock()
	c, err := d.linkedLocked(h)
	if err != nil {
		return err
	}
	if !c.requested[t] {
		return fmt.Errorf("sim ap %d: material %d not requested: %w", d.ap, t, domain.ErrCommandRejected)
	}
	delete(c.requested, t)
	c.supplied[t] = append([]byte(nil), data...)
	if len(c.requested) == 0 {
		d.emit(domain.BondingReady{Handle: h})
	}
	return nil
}

// IncreaseSecurity resumes the bond when the host supplied the keys the
// peer remembers, bonds afresh when either side has none, and fails on a
// mismatch.
func (d *Driver) IncreaseSecurity(_ context.Context, h domain.ConnHandle) error {
	d.world.mu.Lock()
	defer d.world.mu.Unlock()
	c, err := d.linkedLocked(h)
	if err != nil {
		return err
	}
	p := c.peer

	hostHas := false
	for _, v := range c.supplied {
		if len(v) > 0 {
			hostHas = true
		}
	}

	switch {
	case hostHas && p.keys != nil:
		for t, v := range p.keys {
			if string(c.supplied[t]) != string(v) {
				d.emit(domain.BondingFailed{Handle: h, Reason: reasonAuthFail})
				return nil
			}
		}
	default:
		p.keys = domain.Material{}
		for _, t := range d.world.cfg.MaterialTypes {
			key := d.world.newKey(p, t)
			p.keys[t] = key
			d.emit(domain.BondingMaterialObserved{Handle: h, Type: t, Data: key})
		}
	}
	c.secured = true
	d.emit(domain.SecurityChanged{Handle: h, Mode: 2})
	return nil
}

func (d *Driver) DiscoverService(_ context.Context, h domain.ConnHandle, uuid []byte) error {
	d.world.mu.Lock()
	defer d.world.mu.Unlock()
	if _, err := d.linkedLocked(h); err != nil {
		return err
	}
	d.emit(domain.ServiceDiscovered{Handle: h, Service: serviceHandle, UUID: append([]byte(nil), uuid...)})
	d.emit(domain.ProcedureCompleted{Handle: h})
	return nil
}

func (d *Driver) DiscoverCharacteristic(_ context.Context, h domain.ConnHandle, service uint32, uuid []byte) error {
	d.world.mu.Lock()
	defer d.world.mu.Unlock()
	if _, err := d.linkedLocked(h); err != nil {
		return err
	}
	if service != serviceHandle {
		d.emit(domain.ProcedureCompleted{Handle: h, Result: 0x0401})
		return nil
	}
	d.emit(domain.CharacteristicDiscovered{Handle: h, Characteristic: characteristicHandle, UUID: append([]byte(nil), uuid...)})
	d.emit(domain.ProcedureCompleted{Handle: h})
	return nil
}

func (d *Driver) EnableNotifications(_ context.Context, h domain.ConnHandle, characteristic uint16) error {
	d.world.mu.Lock()
	defer d.world.mu.Unlock()
	c, err := d.linkedLocked(h)
	if err != nil {
		return err
	}
	c.notify = characteristic
	d.emit(domain.ProcedureCompleted{Handle: h})
	return nil
}

// stepLocked emits one tick of periodic events.
func (d *Driver) stepLocked() {
	if !d.open {
		return
	}
	if d.scanning {
		for _, p := range d.world.peers {
			rssi, inRange := d.world.rssiLocked(p, d.ap)
			if !inRange || p.conn != nil {
				continue
			}
			d.emit(domain.DiscoveryReport{
				Peer:        p.spec.Peer,
				RSSI:        rssi,
				Connectable: p.spec.Connectable,
				Data:        p.spec.Adv,
			})
		}
	}
	for s, p := range d.sessions {
		if p.conn == nil {
			delete(d.sessions, s)
			d.emit(domain.AnalysisEnded{Session: s, Reason: 0x3e})
			continue
		}
		rssi, _ := d.world.rssiLocked(p, d.ap)
		d.emit(domain.AnalysisSample{Session: s, RSSI: rssi})
	}
	for h, c := range d.conns {
		if c.peer == nil || c.notify == 0 {
			continue
		}
		c.peer.beat = 55 + byte(d.world.rng.Intn(30))
		d.emit(domain.Notification{Handle: h, Characteristic: c.notify, Value: []byte{0x00, c.peer.beat}})
	}
}

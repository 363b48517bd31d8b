// Package sim simulates access points and peers for local runs and tests.
package sim

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math/rand"
	"sync"
	"time"

	"roamer/internal/domain"
)

// Signal strength bounds of the simulated world. A peer below Floor is out
// of range of that access point.
const (
	Floor   = -100
	Ceiling = -30
)

// PeerSpec describes a simulated peer.
type PeerSpec struct {
	Peer        domain.PeerIdentity
	Adv         []byte
	RSSI        map[domain.AccessPointID]int
	Connectable bool
}

type simPeer struct {
	spec PeerSpec
	rssi map[domain.AccessPointID]int
	// keys is the bond the peer remembers; nil until first bonding.
	keys domain.Material
	conn *simConn
	beat byte
}

type simConn struct {
	ap            domain.AccessPointID
	handle        domain.ConnHandle
	peer          *simPeer
	accessAddress uint32
	requested     map[domain.MaterialType]bool
	supplied      domain.Material
	notify        uint16
	secured       bool
}

// Config tunes the world.
type Config struct {
	Tick  time.Duration
	Drift int
	Seed  int64
	// MaterialTypes are requested from the host on every new link.
	MaterialTypes []domain.MaterialType
}

// World owns all simulated peers and the drivers attached to it.
type World struct {
	cfg Config

	mu      sync.Mutex
	rng     *rand.Rand
	peers   map[string]*simPeer
	drivers map[domain.AccessPointID]*Driver
}

// NewWorld creates an empty world.
func NewWorld(cfg Config) *World {
	if cfg.Tick <= 0 {
		cfg.Tick = 500 * time.Millisecond
	}
	if len(cfg.MaterialTypes) == 0 {
		cfg.MaterialTypes = []domain.MaterialType{0, 1}
	}
	return &World{
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		peers:   make(map[string]*simPeer),
		drivers: make(map[domain.AccessPointID]*Driver),
	}
}

// AddPeer adds or replaces a peer.
func (w *World) AddPeer(spec PeerSpec) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rssi := make(map[domain.AccessPointID]int, len(spec.RSSI))
	for ap, v := range spec.RSSI {
		rssi[ap] = v
	}
	w.peers[spec.Peer.Key()] = &simPeer{spec: spec, rssi: rssi, beat: 60}
}

// SetRSSI moves a peer relative to one access point.
func (w *World) SetRSSI(peer domain.PeerIdentity, ap domain.AccessPointID, rssi int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok := w.peers[peer.Key()]; ok {
		p.rssi[ap] = rssi
	}
}

// ForgetBond makes the peer drop its keys, as after a factory reset.
func (w *World) ForgetBond(peer domain.PeerIdentity) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok := w.peers[peer.Key()]; ok {
		p.keys = nil
	}
}

// Keys returns the bond the peer remembers.
func (w *World) Keys(peer domain.PeerIdentity) domain.Material {
	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok := w.peers[peer.Key()]; ok {
		return p.keys.Clone()
	}
	return nil
}

// ConnectedTo returns the access point currently serving peer.
func (w *World) ConnectedTo(peer domain.PeerIdentity) (domain.AccessPointID, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok := w.peers[peer.Key()]; ok && p.conn != nil {
		return p.conn.ap, true
	}
	return 0, false
}

// DropPeer tears down the peer's link from the peer side.
func (w *World) DropPeer(peer domain.PeerIdentity) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.peers[peer.Key()]
	if !ok || p.conn == nil {
		return
	}
	c := p.conn
	d := w.drivers[c.ap]
	d.dropLocked(c)
	d.emit(domain.Closed{Handle: c.handle, Reason: 0x13})
}

// Driver returns the driver for access point ap, creating it on first use.
func (w *World) Driver(ap domain.AccessPointID) *Driver {
	w.mu.Lock()
	defer w.mu.Unlock()
	d, ok := w.drivers[ap]
	if !ok {
		d = newDriver(w, ap)
		w.drivers[ap] = d
	}
	return d
}

// Run steps the world every tick until ctx is done.
func (w *World) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Step()
		}
	}
}

// Step advances the world by one tick: signal drift, advertisement reports
// to scanning drivers, analysis samples and notifications.
func (w *World) Step() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cfg.Drift > 0 {
		for _, p := range w.peers {
			for ap, v := range p.rssi {
				v += w.rng.Intn(2*w.cfg.Drift+1) - w.cfg.Drift
				p.rssi[ap] = clamp(v)
			}
		}
	}

	for _, d := range w.drivers {
		d.stepLocked()
	}
}

func (w *World) rssiLocked(p *simPeer, ap domain.AccessPointID) (int, bool) {
	v, ok := p.rssi[ap]
	if !ok || v < Floor {
		return Floor, false
	}
	return v, true
}

func (w *World) peerByAccessAddress(aa uint32) *simPeer {
	for _, p := range w.peers {
		if p.conn != nil && p.conn.accessAddress == aa {
			return p
		}
	}
	return nil
}

// newKey derives deterministic bonding material for a peer.
func (w *World) newKey(p *simPeer, t domain.MaterialType) []byte {
	var seed [8]byte
	binary.LittleEndian.PutUint64(seed[:], uint64(w.rng.Int63()))
	sum := sha256.Sum256(append([]byte(p.spec.Peer.Key()+string(rune(t))), seed[:]...))
	return sum[:16]
}

func clamp(v int) int {
	if v < Floor-10 {
		return Floor - 10
	}
	if v > Ceiling {
		return Ceiling
	}
	return v
}

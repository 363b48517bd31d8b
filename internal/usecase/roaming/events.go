package roaming

import (
	"context"
	"time"

	"roamer/internal/domain"
	"roamer/internal/usecase/eventbus"
)

// handle applies one bus event. It runs only on the consumer goroutine.
func (c *Coordinator) handle(ctx context.Context, env eventbus.Envelope) {
	ap := env.AccessPoint
	switch ev := env.Event.(type) {
	case domain.Booted:
		c.logger.Info("access point booted", "ap", ap, "firmware", ev.Firmware)
	case domain.Opened:
		c.onOpened(ctx, ap, ev)
	case domain.Closed:
		c.onClosed(ap, ev)
	case domain.DiscoveryReport:
		c.onDiscoveryReport(ap, ev)
	case domain.LinkQualitySample:
		c.onLinkQuality(ap, ev)
	case domain.AnalysisSample:
		c.onAnalysisSample(ap, ev)
	case domain.AnalysisEnded:
		c.logger.Debug("analysis ended", "ap", ap, "session", ev.Session, "reason", ev.Reason)
	case domain.BondingMaterialRequested:
		c.onBondingRequested(ctx, ap, ev)
	case domain.BondingMaterialObserved:
		c.onBondingObserved(ap, ev)
	case domain.BondingReady:
		c.command(ctx, ap, ev.Handle, "increase security", func(ctx context.Context, ep AccessPoint) error {
			return ep.IncreaseSecurity(ctx, ev.Handle)
		})
	case domain.BondingFailed:
		peer, _ := c.peerOf(ap, ev.Handle)
		c.logger.Error("bonding failed", "ap", ap, "handle", ev.Handle, "peer", peer.Key(), "reason", ev.Reason)
	case domain.SecurityChanged:
		c.onSecurityChanged(ctx, ap, ev)
	case domain.ServiceDiscovered:
		c.update(ap, ev.Handle, func(cs *connState) { cs.Service = ev.Service })
	case domain.CharacteristicDiscovered:
		c.update(ap, ev.Handle, func(cs *connState) { cs.Characteristic = ev.Characteristic })
	case domain.ProcedureCompleted:
		c.onProcedureCompleted(ctx, ap, ev)
	case domain.Notification:
		if peer, ok := c.peerOf(ap, ev.Handle); ok && c.hook != nil {
			c.hook.OnNotification(peer, ev.Value)
		}
	default:
		c.logger.Debug("unhandled event", "ap", ap, "event", domain.EventName(ev))
	}
}

func (c *Coordinator) onOpened(ctx context.Context, ap domain.AccessPointID, ev domain.Opened) {
	key := domain.ConnKey{AccessPoint: ap, Handle: ev.Handle}
	peerKey := ev.Peer.Key()

	c.mu.Lock()
	rssi, hinted := c.hints[peerKey]
	delete(c.hints, peerKey)
	cs := &connState{
		Connection: domain.Connection{
			AccessPoint: ap,
			Handle:      ev.Handle,
			Peer:        ev.Peer,
			Opened:      time.Now(),
		},
		gone: make(chan struct{}),
	}
	if hinted {
		cs.RSSI = rssi
	}
	// Handle reuse without a Closed in between: the previous link is gone.
	var lost bool
	if prev, ok := c.conns[key]; ok {
		closeOnce(prev.gone)
		if prevKey := prev.Peer.Key(); prevKey != peerKey && c.byPeer[prevKey] == key {
			delete(c.byPeer, prevKey)
			lost = !prev.Closing
		}
	}
	c.conns[key] = cs

	// The newest connection wins; an older one that is not already being
	// closed is a stale duplicate.
	var stale *connState
	if oldKey, ok := c.byPeer[peerKey]; ok && oldKey != key {
		if old, ok := c.conns[oldKey]; ok && !old.Closing {
			old.Closing = true
			stale = old
		}
	}
	c.byPeer[peerKey] = key
	c.mu.Unlock()

	c.logger.Info("connection opened", "ap", ap, "handle", ev.Handle, "peer", peerKey)
	if stale != nil {
		c.logger.Warn("peer already connected elsewhere, closing stale connection",
			"peer", peerKey, "stale", stale.Key().String(), "new", key.String())
		c.command(ctx, stale.AccessPoint, stale.Handle, "close stale connection", func(ctx context.Context, ep AccessPoint) error {
			return ep.Disconnect(ctx, stale.Handle)
		})
	}
	c.topologyChanged()
	if lost {
		c.RequestDiscovery()
	}
}

func (c *Coordinator) onClosed(ap domain.AccessPointID, ev domain.Closed) {
	key := domain.ConnKey{AccessPoint: ap, Handle: ev.Handle}

	c.mu.Lock()
	cs, ok := c.conns[key]
	if ok {
		delete(c.conns, key)
		if c.byPeer[cs.Peer.Key()] == key {
			delete(c.byPeer, cs.Peer.Key())
		}
		closeOnce(cs.gone)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("close for unknown connection", "ap", ap, "handle", ev.Handle, "reason", ev.Reason)
		return
	}
	c.logger.Info("connection closed", "ap", ap, "handle", ev.Handle, "peer", cs.Peer.Key(),
		"reason", ev.Reason, "local", ev.Local)
	c.topologyChanged()

	if !ev.Local && !cs.Closing {
		c.RequestDiscovery()
	}
}

func (c *Coordinator) onDiscoveryReport(ap domain.AccessPointID, ev domain.DiscoveryReport) {
	if !c.filter(ev) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scan == nil {
		return
	}
	key := ev.Peer.Key()
	s, ok := c.scan.peers[key]
	if !ok {
		s = &sighting{peer: ev.Peer, rssi: make(map[domain.AccessPointID]int)}
		c.scan.peers[key] = s
	}
	s.rssi[ap] = ev.RSSI
}

func (c *Coordinator) onLinkQuality(ap domain.AccessPointID, ev domain.LinkQualitySample) {
	key := domain.ConnKey{AccessPoint: ap, Handle: ev.Handle}
	if ev.Status != 0 {
		c.logger.Error("link quality query failed", "conn", key.String(), "status", ev.Status)
		return
	}
	threshold := c.RoamThreshold()

	c.mu.Lock()
	cs, ok := c.conns[key]
	degraded := false
	if ok {
		cs.RSSI = ev.RSSI
		degraded = !cs.Closing && ev.RSSI < threshold
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	c.logger.Debug("link quality", "conn", key.String(), "peer", cs.Peer.Key(), "rssi", ev.RSSI)
	c.topologyChanged()
	if degraded {
		c.logger.Info("link below roam threshold, queueing handover analysis",
			"conn", key.String(), "rssi", ev.RSSI, "threshold", threshold)
		c.requestHandover(key)
	}
}

func (c *Coordinator) onAnalysisSample(ap domain.AccessPointID, ev domain.AnalysisSample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := c.analysis
	if a == nil {
		return
	}
	if s, ok := a.sessions[ap]; ok && s != ev.Session {
		return
	}
	if !a.listening[ap] {
		return
	}
	if prev, ok := a.score[ap]; ok {
		a.score[ap] = smooth(prev, ev.RSSI)
	} else {
		a.score[ap] = float64(ev.RSSI)
	}
}

func (c *Coordinator) onBondingRequested(ctx context.Context, ap domain.AccessPointID, ev domain.BondingMaterialRequested) {
	peer, ok := c.peerOf(ap, ev.Handle)
	if !ok {
		c.logger.Warn("bonding material requested for unknown connection", "ap", ap, "handle", ev.Handle)
		return
	}
	// A missing blob tells the stack to bond afresh.
	data := c.store.Get(peer)[ev.Type]
	if data == nil {
		data = []byte{}
	}
	c.command(ctx, ap, ev.Handle, "provide bonding material", func(ctx context.Context, ep AccessPoint) error {
		return ep.ProvideBondingMaterial(ctx, ev.Handle, ev.Type, data)
	})
}

func (c *Coordinator) onBondingObserved(ap domain.AccessPointID, ev domain.BondingMaterialObserved) {
	peer, ok := c.peerOf(ap, ev.Handle)
	if !ok {
		c.logger.Warn("bonding material for unknown connection", "ap", ap, "handle", ev.Handle)
		return
	}
	c.store.Merge(peer, ev.Type, ev.Data)
	c.flusher.Touch()
	c.logger.Debug("bonding material stored", "peer", peer.Key(), "type", ev.Type, "bytes", len(ev.Data))
}

func (c *Coordinator) onSecurityChanged(ctx context.Context, ap domain.AccessPointID, ev domain.SecurityChanged) {
	if ev.Mode == 0 {
		return
	}
	start := false
	c.update(ap, ev.Handle, func(cs *connState) {
		cs.Secured = true
		if cs.stage == stageNone {
			cs.stage = stageService
			start = true
		}
	})
	if !start {
		return
	}
	c.command(ctx, ap, ev.Handle, "discover service", func(ctx context.Context, ep AccessPoint) error {
		return ep.DiscoverService(ctx, ev.Handle, c.cfg.ServiceUUID)
	})
}

// gattStep is what a procedure completion leads to.
type gattStep int

const (
	stepNone gattStep = iota
	stepDiscoverCharacteristic
	stepEnableNotifications
	stepSubscribed
	stepServiceMissing
	stepCharacteristicMissing
)

// onProcedureCompleted advances the subscription chain: service, then
// characteristic, then notifications. Each stage moves forward once.
func (c *Coordinator) onProcedureCompleted(ctx context.Context, ap domain.AccessPointID, ev domain.ProcedureCompleted) {
	if ev.Result != 0 {
		c.logger.Error("GATT procedure failed", "ap", ap, "handle", ev.Handle, "result", ev.Result)
		return
	}

	var (
		step           gattStep
		service        uint32
		characteristic uint16
		peer           domain.PeerIdentity
	)
	c.update(ap, ev.Handle, func(cs *connState) {
		peer = cs.Peer
		service = cs.Service
		characteristic = cs.Characteristic
		switch cs.stage {
		case stageService:
			if cs.Service == 0 {
				step = stepServiceMissing
				return
			}
			cs.stage = stageCharacteristic
			step = stepDiscoverCharacteristic
		case stageCharacteristic:
			if cs.Characteristic == 0 {
				step = stepCharacteristicMissing
				return
			}
			cs.stage = stageNotify
			step = stepEnableNotifications
		case stageNotify:
			cs.stage = stageSubscribed
			cs.Subscribed = true
			step = stepSubscribed
		}
	})

	switch step {
	case stepServiceMissing:
		c.logger.Warn("service not found on peer", "peer", peer.Key())
	case stepCharacteristicMissing:
		c.logger.Warn("characteristic not found on peer", "peer", peer.Key())
	case stepDiscoverCharacteristic:
		c.command(ctx, ap, ev.Handle, "discover characteristic", func(ctx context.Context, ep AccessPoint) error {
			return ep.DiscoverCharacteristic(ctx, ev.Handle, service, c.cfg.CharacteristicUUID)
		})
	case stepEnableNotifications:
		c.command(ctx, ap, ev.Handle, "enable notifications", func(ctx context.Context, ep AccessPoint) error {
			return ep.EnableNotifications(ctx, ev.Handle, characteristic)
		})
	case stepSubscribed:
		c.logger.Info("peer subscribed", "ap", ap, "peer", peer.Key())
		c.topologyChanged()
		if c.hook != nil {
			c.hook.OnSubscribed(peer)
		}
	}
}

// update applies fn to the connection under the lock. It reports whether
// the connection exists.
func (c *Coordinator) update(ap domain.AccessPointID, h domain.ConnHandle, fn func(cs *connState)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.conns[domain.ConnKey{AccessPoint: ap, Handle: h}]
	if ok {
		fn(cs)
	}
	return ok
}

func (c *Coordinator) peerOf(ap domain.AccessPointID, h domain.ConnHandle) (domain.PeerIdentity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.conns[domain.ConnKey{AccessPoint: ap, Handle: h}]
	if !ok {
		return domain.PeerIdentity{}, false
	}
	return cs.Peer, true
}

// command issues a follow-up radio command from the consumer loop. Failures
// on links that already went away are expected and only logged.
func (c *Coordinator) command(ctx context.Context, apID domain.AccessPointID, h domain.ConnHandle, what string, fn func(ctx context.Context, ep AccessPoint) error) {
	ep, ok := c.aps[apID]
	if !ok {
		return
	}
	err := fn(ctx, ep)
	if err == nil {
		return
	}
	if domain.IsTransient(err) {
		c.logger.Debug(what+" failed", "ap", apID, "handle", h, "error", err)
		return
	}
	c.logger.Warn(what+" failed", "ap", apID, "handle", h, "error", err)
}

func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}

package roaming

import (
	"context"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"roamer/internal/domain"
	"roamer/internal/infra/tracer"
)

// DiscoveryResult summarizes one discovery cycle.
type DiscoveryResult struct {
	RunID     string
	Scanned   []domain.AccessPointID
	Sightings int
	// Assigned maps peer keys to the access point a connect was issued on.
	Assigned  map[string]domain.AccessPointID
	Connected int
}

// RunDiscovery scans on every access point with spare capacity for the
// scan window, then connects each sighted peer that is not connected yet
// to the access point that heard it best. Connect failures are logged;
// the peer is retried in the next cycle.
func (c *Coordinator) RunDiscovery(ctx context.Context) (DiscoveryResult, error) {
	res := DiscoveryResult{RunID: newRunID(), Assigned: make(map[string]domain.AccessPointID)}

	release, err := c.gate.Enter(ctx, ActivityDiscovery)
	if err != nil {
		return res, domain.WrapOp("roaming.RunDiscovery", err)
	}
	defer release()
	c.topologyChanged()
	defer c.topologyChanged()

	ctx, span := tracer.StartRun(ctx, tracer.SpanDiscovery, res.RunID,
		tracer.DurationAttr("scan_window", c.cfg.ScanDuration))
	defer span.End()
	log := c.logger.With("run", res.RunID)

	var scanners []AccessPoint
	for _, id := range c.order {
		if ap := c.aps[id]; spare(ap) {
			scanners = append(scanners, ap)
		}
	}
	if len(scanners) == 0 {
		log.Warn("no access point with spare capacity, skipping discovery")
		tracer.SetOK(span)
		return res, nil
	}

	c.mu.Lock()
	c.scan = &scanCycle{peers: make(map[string]*sighting)}
	c.mu.Unlock()

	for _, ap := range scanners {
		if err := ap.StartScanning(ctx); err != nil {
			log.Warn("start scanning failed", "ap", ap.ID(), "error", err)
			continue
		}
		res.Scanned = append(res.Scanned, ap.ID())
	}
	log.Info("discovering peers", "access_points", len(res.Scanned), "window", c.cfg.ScanDuration)

	waitErr := sleep(ctx, c.cfg.ScanDuration)

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ConnectTimeout)
	for _, id := range res.Scanned {
		if err := c.aps[id].StopScanning(stopCtx); err != nil {
			log.Warn("stop scanning failed", "ap", id, "error", err)
		}
	}
	cancel()

	c.mu.Lock()
	cycle := c.scan
	c.scan = nil
	connected := make(map[string]bool, len(c.byPeer))
	for k := range c.byPeer {
		connected[k] = true
	}
	c.mu.Unlock()

	if waitErr != nil {
		tracer.RecordError(span, waitErr)
		return res, domain.WrapOp("roaming.RunDiscovery", waitErr)
	}

	res.Sightings = len(cycle.peers)
	span.SetAttributes(tracer.IntAttr("sightings", res.Sightings))
	if res.Sightings == 0 {
		log.Info("no peers found")
		tracer.SetOK(span)
		return res, nil
	}

	plan := c.assign(cycle, connected, log)
	var ok atomic.Int32
	var g errgroup.Group
	for _, p := range plan {
		res.Assigned[p.peer.Key()] = p.ap
		g.Go(func() error {
			ap := c.aps[p.ap]
			h, err := ap.Connect(ctx, p.peer, c.store.Get(p.peer))
			if err != nil {
				log.Warn("connect failed", "peer", p.peer.Key(), "ap", p.ap, "rssi", p.rssi, "error", err)
				return nil
			}
			ok.Add(1)
			log.Info("peer connected", "peer", p.peer.Key(), "ap", p.ap, "handle", h, "rssi", p.rssi)
			return nil
		})
	}
	_ = g.Wait()
	res.Connected = int(ok.Load())

	span.SetAttributes(tracer.IntAttr("connected", res.Connected))
	tracer.SetOK(span)
	return res, nil
}

type placement struct {
	peer domain.PeerIdentity
	ap   domain.AccessPointID
	rssi int
}

// assign picks an access point for every sighted peer that is not already
// connected. Access points that ran out of room during the window, or that
// earlier placements in this cycle fill up, are not considered.
func (c *Coordinator) assign(cycle *scanCycle, connected map[string]bool, log *slog.Logger) []placement {
	keys := make([]string, 0, len(cycle.peers))
	for k := range cycle.peers {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	room := make(map[domain.AccessPointID]int, len(c.order))
	for _, id := range c.order {
		st := c.aps[id].State()
		if st.Ready {
			room[id] = st.Capacity - st.Active
		}
	}

	var plan []placement
	for _, k := range keys {
		s := cycle.peers[k]
		if connected[k] {
			log.Debug("peer already connected", "peer", k)
			continue
		}
		candidates := make(map[domain.AccessPointID]int, len(s.rssi))
		for id, rssi := range s.rssi {
			if room[id] > 0 {
				candidates[id] = rssi
			}
		}
		id, rssi, found := best(candidates)
		if !found {
			log.Warn("no access point with spare capacity for peer", "peer", k, "heard_by", len(s.rssi))
			continue
		}
		room[id]--
		plan = append(plan, placement{peer: s.peer, ap: id, rssi: rssi})
	}
	return plan
}

// best returns the access point with the highest value. Ties go to the
// lowest access point id.
func best[V int | float64](m map[domain.AccessPointID]V) (domain.AccessPointID, V, bool) {
	var (
		bestID  domain.AccessPointID
		bestVal V
		found   bool
	)
	for id, v := range m {
		if !found || v > bestVal || (v == bestVal && id < bestID) {
			bestID, bestVal, found = id, v, true
		}
	}
	return bestID, bestVal, found
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

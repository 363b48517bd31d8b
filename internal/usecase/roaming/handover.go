package roaming

import (
	"context"
	"time"

	"roamer/internal/domain"
	"roamer/internal/infra/tracer"
)

// HandoverResult summarizes one handover analysis.
type HandoverResult struct {
	RunID   string
	From    domain.ConnKey
	To      domain.AccessPointID
	Current int
	Scores  map[domain.AccessPointID]float64
	Moved   bool
}

// RunHandover analyses the connection (ap, h) from every other access point
// with spare capacity and moves the peer to the best one when it beats both
// the current signal strength and the roam threshold. A connection that is
// gone or already closing is left alone.
func (c *Coordinator) RunHandover(ctx context.Context, apID domain.AccessPointID, h domain.ConnHandle) (HandoverResult, error) {
	key := domain.ConnKey{AccessPoint: apID, Handle: h}
	res := HandoverResult{RunID: newRunID(), From: key}

	release, err := c.gate.Enter(ctx, ActivityHandover)
	if err != nil {
		return res, domain.WrapOp("roaming.RunHandover", err)
	}
	defer release()
	c.topologyChanged()
	defer c.topologyChanged()

	ctx, span := tracer.StartRun(ctx, tracer.SpanHandover, res.RunID,
		tracer.StringAttr("conn", key.String()),
		tracer.DurationAttr("analysis_window", c.cfg.AnalysisDuration))
	defer span.End()
	log := c.logger.With("run", res.RunID, "conn", key.String())

	c.mu.Lock()
	cs, ok := c.conns[key]
	var peer domain.PeerIdentity
	if ok {
		peer = cs.Peer
		ok = !cs.Closing
	}
	c.mu.Unlock()
	owner, known := c.aps[apID]
	if !ok || !known {
		log.Debug("connection gone before handover analysis")
		tracer.SetOK(span)
		return res, nil
	}
	log = log.With("peer", peer.Key())

	params, err := owner.ConnectionParams(ctx, h)
	if err != nil {
		if domain.IsTransient(err) {
			log.Info("connection parameters unavailable, skipping handover", "error", err)
			tracer.SetOK(span)
			return res, nil
		}
		tracer.RecordError(span, err)
		return res, domain.WrapOp("roaming.RunHandover", err)
	}

	var listeners []AccessPoint
	for _, id := range c.order {
		if id == apID {
			continue
		}
		ap := c.aps[id]
		if st := ap.State(); st.Spare() && st.Analysis == nil {
			listeners = append(listeners, ap)
		}
	}
	if len(listeners) == 0 {
		log.Warn("no access point available for analysis")
		tracer.SetOK(span)
		return res, nil
	}

	cycle := &analysisCycle{
		target:    key,
		listening: make(map[domain.AccessPointID]bool, len(listeners)),
		sessions:  make(map[domain.AccessPointID]domain.AnalysisHandle, len(listeners)),
		score:     make(map[domain.AccessPointID]float64),
	}
	for _, ap := range listeners {
		cycle.listening[ap.ID()] = true
	}
	c.mu.Lock()
	c.analysis = cycle
	c.mu.Unlock()

	for _, ap := range listeners {
		s, err := ap.BeginPassiveAnalysis(ctx, params)
		if err != nil {
			log.Warn("begin passive analysis failed", "ap", ap.ID(), "error", err)
			c.mu.Lock()
			delete(cycle.listening, ap.ID())
			c.mu.Unlock()
			continue
		}
		c.mu.Lock()
		cycle.sessions[ap.ID()] = s
		c.mu.Unlock()
	}
	log.Info("analysing link", "listeners", len(cycle.sessions), "window", c.cfg.AnalysisDuration)

	waitErr := sleep(ctx, c.cfg.AnalysisDuration)

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ConnectTimeout)
	c.mu.Lock()
	sessions := make(map[domain.AccessPointID]domain.AnalysisHandle, len(cycle.sessions))
	for id, s := range cycle.sessions {
		sessions[id] = s
	}
	c.mu.Unlock()
	for id, s := range sessions {
		if err := c.aps[id].EndPassiveAnalysis(stopCtx, s); err != nil {
			log.Debug("end passive analysis failed", "ap", id, "error", err)
		}
	}
	cancel()

	threshold := c.RoamThreshold()
	c.mu.Lock()
	c.analysis = nil
	res.Scores = cycle.score
	cs, ok = c.conns[key]
	if ok {
		res.Current = cs.RSSI
		ok = !cs.Closing
	}
	c.mu.Unlock()

	if waitErr != nil {
		tracer.RecordError(span, waitErr)
		return res, domain.WrapOp("roaming.RunHandover", waitErr)
	}
	if !ok {
		log.Info("connection closed during analysis")
		tracer.SetOK(span)
		return res, nil
	}

	target, score, found := best(res.Scores)
	if !found || !shouldHandover(score, res.Current, threshold) {
		log.Info("keeping access point", "rssi", res.Current, "best", score, "samples", len(res.Scores))
		tracer.SetOK(span)
		return res, nil
	}
	res.To = target
	span.SetAttributes(tracer.IntAttr("to", int(target)))

	c.mu.Lock()
	cs.Closing = true
	gone := cs.gone
	c.hints[peer.Key()] = int(score)
	c.mu.Unlock()
	c.topologyChanged()

	log.Info("handing over", "to", target, "rssi", res.Current, "estimate", score)
	if err := owner.Disconnect(ctx, h); err != nil {
		log.Warn("disconnect before handover failed", "error", err)
	}
	c.waitGone(ctx, gone)

	newHandle, err := c.aps[target].Connect(ctx, peer, c.store.Get(peer))
	if err != nil {
		c.mu.Lock()
		delete(c.hints, peer.Key())
		c.mu.Unlock()
		log.Warn("handover connect failed, peer returns to discovery", "to", target, "error", err)
		c.RequestDiscovery()
		tracer.SetOK(span)
		return res, nil
	}
	res.Moved = true
	log.Info("handover complete", "to", target, "handle", newHandle)
	tracer.SetOK(span)
	return res, nil
}

// waitGone waits until the old link's Closed event was applied, bounded by
// the connect timeout. A peer does not accept a second link while the first
// is still up.
func (c *Coordinator) waitGone(ctx context.Context, gone <-chan struct{}) {
	t := time.NewTimer(c.cfg.ConnectTimeout)
	defer t.Stop()
	select {
	case <-gone:
	case <-t.C:
		c.logger.Warn("old connection did not close in time, connecting anyway")
	case <-ctx.Done():
	}
}

// smooth folds a new analysis sample into the running score. The latest
// sample weighs as much as all earlier ones together.
func smooth(prev float64, sample int) float64 {
	return (prev + float64(sample)) / 2
}

// shouldHandover reports whether an estimated signal strength justifies
// leaving the current access point.
func shouldHandover(estimate float64, current, threshold int) bool {
	return estimate > float64(current) && estimate > float64(threshold)
}

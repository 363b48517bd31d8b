package roaming_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roamer/internal/adapter/bonding"
	"roamer/internal/adapter/payload"
	"roamer/internal/adapter/radio"
	"roamer/internal/adapter/radio/sim"
	"roamer/internal/domain"
	"roamer/internal/usecase/eventbus"
	"roamer/internal/usecase/roaming"
)

// TestSimulatedRoaming runs the coordinator against two simulated access
// points: the peer is discovered, bonded and subscribed, then handed over
// when it walks towards the second access point.
func TestSimulatedRoaming(t *testing.T) {
	if testing.Short() {
		t.Skip("runs real timers")
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := domain.PeerIdentity{Address: "C0:FF:EE:00:00:01", Kind: domain.AddressRandom}
	world := sim.NewWorld(sim.Config{Tick: 10 * time.Millisecond, Seed: 1})
	world.AddPeer(sim.PeerSpec{
		Peer:        p,
		RSSI:        map[domain.AccessPointID]int{0: -50, 1: -85},
		Connectable: true,
	})
	go world.Run(ctx)

	bus := eventbus.New(eventbus.Config{Capacity: 1024, PublishGrace: 50 * time.Millisecond}, logger)
	defer bus.Close()

	var aps []roaming.AccessPoint
	for id := domain.AccessPointID(0); id < 2; id++ {
		ep := radio.NewEndpoint(radio.EndpointConfig{
			ID:             id,
			Name:           []string{"hall", "lab"}[id],
			Capacity:       2,
			Identity:       radio.Identity{Address: "DE:AD:BE:EF:12:34", Kind: domain.AddressPublic},
			ConnectTimeout: 500 * time.Millisecond,
		}, world.Driver(id), bus, logger)
		require.NoError(t, ep.Start(ctx))
		t.Cleanup(func() { _ = ep.Stop() })
		aps = append(aps, ep)
	}

	backend := bonding.NewJSONFileBackend(filepath.Join(t.TempDir(), "bonding_db.json"))
	store := bonding.NewStore(backend, logger)
	hook := payload.NewHeartRateLogger(logger)

	c := roaming.New(roaming.Config{
		ServiceUUID:        []byte{0x0d, 0x18},
		CharacteristicUUID: []byte{0x37, 0x2a},
		BootTimeout:        2 * time.Second,
		ConnectTimeout:     500 * time.Millisecond,
		ScanDuration:       80 * time.Millisecond,
		AnalysisDuration:   80 * time.Millisecond,
		EventWait:          10 * time.Millisecond,
		FlushDelay:         20 * time.Millisecond,
		RenderDelay:        20 * time.Millisecond,
		RoamThreshold:      -127,
	}, aps, store, bus, nil, logger, roaming.WithPayloadHook(hook))
	require.NoError(t, c.Start(ctx))
	defer func() { assert.NoError(t, c.Stop()) }()

	require.Eventually(t, func() bool {
		ap, ok := world.ConnectedTo(p)
		return ok && ap == 0
	}, 3*time.Second, 10*time.Millisecond, "peer should connect to the closer access point")

	require.Eventually(t, func() bool {
		_, ok := hook.Latest(p)
		return ok
	}, 3*time.Second, 10*time.Millisecond, "peer should subscribe and notify")

	require.Eventually(t, func() bool {
		reloaded := bonding.NewStore(backend, logger)
		if err := reloaded.Load(ctx); err != nil {
			return false
		}
		return len(reloaded.Get(p)) == 2
	}, 3*time.Second, 10*time.Millisecond, "bonding material should be persisted")
	assert.Equal(t, world.Keys(p), store.Get(p))

	// The peer walks over to the second access point.
	world.SetRSSI(p, 0, -95)
	world.SetRSSI(p, 1, -45)
	c.SetRoamThreshold(-70)
	require.Eventually(t, func() bool {
		c.PollLinkQuality(ctx)
		ap, ok := world.ConnectedTo(p)
		return ok && ap == 1
	}, 5*time.Second, 50*time.Millisecond, "peer should be handed over")

	require.Eventually(t, func() bool {
		conns := c.Connections()
		return len(conns) == 1 && conns[0].AccessPoint == 1 && conns[0].Subscribed
	}, 3*time.Second, 10*time.Millisecond, "resumed link should subscribe again")

	top := c.Topology()
	require.Len(t, top.AccessPoints, 2)
	assert.Equal(t, "hall", top.AccessPoints[0].Name)
	assert.Empty(t, top.AccessPoints[0].Peers)
	assert.Equal(t, 1, top.PeerCount())
}

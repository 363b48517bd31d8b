package main

import (
	"fmt"
	"log/slog"
	"net"
	"strings"

	"roamer/internal/adapter/radio"
	"roamer/internal/adapter/radio/sim"
	"roamer/internal/domain"
	"roamer/internal/infra/config"
	"roamer/internal/usecase/eventbus"
)

// buildAccessPoints creates one endpoint per configured access point. The
// simulated world is returned when any access point uses the sim driver.
func buildAccessPoints(cfg *config.Config, service []byte, bus *eventbus.Bus, log *slog.Logger) ([]*radio.Endpoint, *sim.World, error) {
	identity, err := parseIdentity(cfg.Roaming)
	if err != nil {
		return nil, nil, err
	}

	var world *sim.World
	eps := make([]*radio.Endpoint, 0, len(cfg.AccessPoints))
	for i, apc := range cfg.AccessPoints {
		id := domain.AccessPointID(i)
		apLog := log.With("ap", id, "name", apc.Name)

		var driver radio.Driver
		switch apc.Driver {
		case "sim":
			if world == nil {
				world = newWorld(cfg, service)
			}
			driver = world.Driver(id)
		case "ws":
			driver = radio.NewWSDriver(radio.WSConfig{URL: apc.URL}, apLog)
		default:
			return nil, nil, fmt.Errorf("access point %s: unsupported driver %q", apc.Name, apc.Driver)
		}

		eps = append(eps, radio.NewEndpoint(radio.EndpointConfig{
			ID:             id,
			Name:           apc.Name,
			Capacity:       apc.MaxConnections,
			Identity:       identity,
			ConnectTimeout: cfg.Roaming.ConnectTimeout,
			Guard: radio.GuardConfig{
				Rate:            cfg.Radio.CommandRate,
				Burst:           cfg.Radio.CommandBurst,
				BreakerFailures: cfg.Radio.BreakerFailures,
				BreakerTimeout:  cfg.Radio.BreakerTimeout,
				RequestTimeout:  cfg.Radio.RequestTimeout,
			},
			ReconnectBackoff: cfg.Radio.ReconnectBackoff,
		}, driver, bus, apLog))
	}
	return eps, world, nil
}

func parseIdentity(r config.RoamingConfig) (radio.Identity, error) {
	mac, err := net.ParseMAC(r.IdentityAddress)
	if err != nil {
		return radio.Identity{}, fmt.Errorf("identity address: %w", err)
	}
	kind := domain.AddressPublic
	if r.IdentityRandom {
		kind = domain.AddressRandom
	}
	return radio.Identity{Address: strings.ToUpper(mac.String()), Kind: kind}, nil
}

// newWorld populates a simulated world from the simulation section. Every
// peer advertises the configured service.
func newWorld(cfg *config.Config, service []byte) *sim.World {
	world := sim.NewWorld(sim.Config{
		Tick:  cfg.Simulation.Tick,
		Drift: cfg.Simulation.Drift,
		Seed:  cfg.Simulation.Seed,
	})
	adv := radio.BuildAdvertisement(
		radio.FlagsField(0x06),
		radio.CompleteServices16(service),
	)
	if len(service) == 16 {
		adv = radio.BuildAdvertisement(radio.FlagsField(0x06), radio.CompleteServices128(service))
	}
	for _, p := range cfg.Simulation.Peers {
		kind := domain.AddressPublic
		if p.Random {
			kind = domain.AddressRandom
		}
		rssi := make(map[domain.AccessPointID]int, len(p.RSSI))
		for i, v := range p.RSSI {
			rssi[domain.AccessPointID(i)] = v
		}
		world.AddPeer(sim.PeerSpec{
			Peer:        domain.PeerIdentity{Address: p.Address, Kind: kind},
			Adv:         adv,
			RSSI:        rssi,
			Connectable: true,
		})
	}
	return world
}

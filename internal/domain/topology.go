package domain

import "time"

// Topology is a point-in-time view of which peer is served by which
// access point. It is derived from coordinator state and never fed back.
type Topology struct {
	At           time.Time         `json:"at"`
	AccessPoints []AccessPointView `json:"access_points"`
	Activity     string            `json:"activity,omitempty"`

	// NextDiscovery is the next periodic discovery, zero when none is scheduled.
	NextDiscovery time.Time `json:"next_discovery,omitempty"`
}

// AccessPointView is one row of a Topology.
type AccessPointView struct {
	ID       AccessPointID `json:"id"`
	Name     string        `json:"name"`
	Ready    bool          `json:"ready"`
	Capacity int           `json:"capacity"`
	Active   int           `json:"active"`
	Scanning bool          `json:"scanning"`
	Analysis bool          `json:"analysis"`
	Degraded bool          `json:"degraded"`
	Peers    []PeerView    `json:"peers"`
}

// PeerView is one served peer.
type PeerView struct {
	Peer       PeerIdentity `json:"peer"`
	Handle     ConnHandle   `json:"handle"`
	RSSI       int          `json:"rssi"`
	Closing    bool         `json:"closing"`
	Subscribed bool         `json:"subscribed"`
}

// PeerCount returns the number of peers across all access points.
func (t Topology) PeerCount() int {
	n := 0
	for _, ap := range t.AccessPoints {
		n += len(ap.Peers)
	}
	return n
}

// TopologyObserver is notified, debounced, whenever the topology changes.
type TopologyObserver interface {
	TopologyChanged(t Topology)
}

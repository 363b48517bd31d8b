package domain

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// AddressKind tags a peer address as public or random (resolvable/static).
type AddressKind uint8

const (
	AddressPublic AddressKind = 0
	AddressRandom AddressKind = 1
)

func (k AddressKind) String() string {
	switch k {
	case AddressPublic:
		return "public"
	case AddressRandom:
		return "random"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// PeerIdentity identifies a remote peer. Immutable once observed.
type PeerIdentity struct {
	Address string      `json:"address"`
	Kind    AddressKind `json:"kind"`
}

// Key returns the normalized address used for bonding lookups and
// deduplication of sightings.
func (p PeerIdentity) Key() string {
	return strings.ToUpper(p.Address)
}

func (p PeerIdentity) String() string {
	return p.Key()
}

// AccessPointID is the small integer assigned to each access point at startup.
type AccessPointID int

// ConnHandle is an opaque connection handle scoped to its owning access point.
type ConnHandle uint8

// AnalysisHandle identifies a passive analysis session on one access point.
type AnalysisHandle uint8

// MaterialType tags one kind of bonding material (keys, identity info, ...).
// The values are defined by the radio stack.
type MaterialType uint8

// Material maps material types to opaque blobs for one peer.
type Material map[MaterialType][]byte

// Clone returns a deep copy of m. A nil receiver yields an empty map.
func (m Material) Clone() Material {
	out := make(Material, len(m))
	for k, v := range m {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

// Types returns the material types present in m in ascending order.
func (m Material) Types() []MaterialType {
	return slices.Sorted(maps.Keys(m))
}

// ConnParams is the link-layer snapshot another access point needs to follow
// an existing connection passively.
type ConnParams struct {
	AccessAddress      uint32 `json:"access_address"`
	CRCInit            uint32 `json:"crc_init"`
	Interval           uint16 `json:"interval"`
	Latency            uint16 `json:"latency"`
	SupervisionTimeout uint16 `json:"supervision_timeout"`
	ChannelMap         []byte `json:"channel_map"`
	HopIncrement       uint8  `json:"hop_increment"`
	StartTime          uint32 `json:"start_time"`
}

// Connection is one live link between an access point and a peer.
type Connection struct {
	AccessPoint AccessPointID
	Handle      ConnHandle
	Peer        PeerIdentity
	RSSI        int
	Closing     bool
	Opened      time.Time

	// GATT progress markers towards the subscribed state.
	Secured        bool
	Service        uint32
	Characteristic uint16
	Subscribed     bool
}

// Key returns the coordinator map key of the connection.
func (c Connection) Key() ConnKey {
	return ConnKey{AccessPoint: c.AccessPoint, Handle: c.Handle}
}

// ConnKey addresses a connection across the access point pool.
type ConnKey struct {
	AccessPoint AccessPointID
	Handle      ConnHandle
}

func (k ConnKey) String() string {
	return fmt.Sprintf("%d/%d", k.AccessPoint, k.Handle)
}

// AccessPointState is the runtime view of one access point.
type AccessPointState struct {
	ID       AccessPointID
	Name     string
	Capacity int
	Active   int
	Ready    bool
	Scanning bool
	Analysis *AnalysisHandle
	// Degraded is set while commands to the access point fail fast.
	Degraded bool
}

// Spare reports whether the access point can accept another connection.
func (s AccessPointState) Spare() bool {
	return s.Ready && s.Active < s.Capacity
}

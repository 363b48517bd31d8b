package domain

import "context"

// RadioEndpoint is one access point. Commands return once the radio stack has
// accepted them; their outcome arrives later as RadioEvents on the bus.
type RadioEndpoint interface {
	ID() AccessPointID
	State() AccessPointState
	Capacity() int
	ActiveCount() int

	StartScanning(ctx context.Context) error
	StopScanning(ctx context.Context) error

	// Connect opens a link and blocks until it is open or the connect
	// timeout elapses, in which case the attempt is abandoned with a
	// disconnect and ErrTimeout is returned. material is the bonding data
	// known for peer; implementations may deliver it later, when the stack
	// raises BondingMaterialRequested.
	Connect(ctx context.Context, peer PeerIdentity, material Material) (ConnHandle, error)
	Disconnect(ctx context.Context, h ConnHandle) error
	QueryLinkQuality(ctx context.Context, h ConnHandle) error
	ConnectionParams(ctx context.Context, h ConnHandle) (ConnParams, error)

	BeginPassiveAnalysis(ctx context.Context, params ConnParams) (AnalysisHandle, error)
	EndPassiveAnalysis(ctx context.Context, s AnalysisHandle) error

	ProvideBondingMaterial(ctx context.Context, h ConnHandle, t MaterialType, data []byte) error
	IncreaseSecurity(ctx context.Context, h ConnHandle) error

	DiscoverService(ctx context.Context, h ConnHandle, uuid []byte) error
	DiscoverCharacteristic(ctx context.Context, h ConnHandle, service uint32, uuid []byte) error
	EnableNotifications(ctx context.Context, h ConnHandle, characteristic uint16) error
}

// BondingStore persists per-peer bonding material.
type BondingStore interface {
	Load(ctx context.Context) error
	// Get returns a copy of the peer's material; empty when nothing is known.
	Get(peer PeerIdentity) Material
	Merge(peer PeerIdentity, t MaterialType, blob []byte)
	FlushIfDirty(ctx context.Context) (bool, error)
	Wipe(ctx context.Context) error
}

// PayloadHook is the application coupling point: it learns when a peer is
// fully subscribed and receives every notification value afterwards.
type PayloadHook interface {
	OnSubscribed(peer PeerIdentity)
	OnNotification(peer PeerIdentity, value []byte)
}

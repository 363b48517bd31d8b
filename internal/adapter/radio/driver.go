package radio

import (
	"context"

	"roamer/internal/domain"
)

// Identity is the address an access point presents to peers. All access
// points share it so a peer sees one central regardless of which AP serves it.
type Identity struct {
	Address string
	Kind    domain.AddressKind
}

// Driver is the transport boundary to one access point's radio stack.
// Commands return once the stack accepted them; results and unsolicited
// state changes arrive on the channel returned by Open, which is closed when
// the link to the access point goes away.
type Driver interface {
	Open(ctx context.Context) (<-chan domain.RadioEvent, error)
	Close() error

	// Configure runs once after every boot: it checks that the stack
	// delegates bonding storage to the host, sets the identity address and
	// enables bonding.
	Configure(ctx context.Context, id Identity) error

	StartScan(ctx context.Context) error
	StopScan(ctx context.Context) error

	OpenConnection(ctx context.Context, peer domain.PeerIdentity) (domain.ConnHandle, error)
	CloseConnection(ctx context.Context, h domain.ConnHandle) error
	GetRSSI(ctx context.Context, h domain.ConnHandle) error
	ConnectionParams(ctx context.Context, h domain.ConnHandle) (domain.ConnParams, error)

	StartAnalysis(ctx context.Context, params domain.ConnParams) (domain.AnalysisHandle, error)
	StopAnalysis(ctx context.Context, s domain.AnalysisHandle) error

	SetBondingData(ctx context.Context, h domain.ConnHandle, t domain.MaterialType, data []byte) error
	IncreaseSecurity(ctx context.Context, h domain.ConnHandle) error

	DiscoverService(ctx context.Context, h domain.ConnHandle, uuid []byte) error
	DiscoverCharacteristic(ctx context.Context, h domain.ConnHandle, service uint32, uuid []byte) error
	EnableNotifications(ctx context.Context, h domain.ConnHandle, characteristic uint16) error
}

// Publisher receives the events an endpoint forwards.
type Publisher interface {
	Publish(ap domain.AccessPointID, ev domain.RadioEvent) bool
}

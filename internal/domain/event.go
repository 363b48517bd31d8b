package domain

import "fmt"

// RadioEvent is the closed set of notifications an access point publishes on
// the bus. Consumers dispatch with a type switch; the unexported marker keeps
// the set closed to this package.
type RadioEvent interface {
	radioEvent()
}

// Booted reports that the access point's radio stack finished booting.
type Booted struct {
	Firmware string
}

// Opened reports that a connect command resulted in an open link.
type Opened struct {
	Handle ConnHandle
	Peer   PeerIdentity
}

// Closed reports that a link went away. Local is true when the close was
// requested by this host; otherwise the link was lost or closed remotely.
type Closed struct {
	Handle ConnHandle
	Reason uint16
	Local  bool
}

// DiscoveryReport is one advertisement seen while scanning.
type DiscoveryReport struct {
	Peer        PeerIdentity
	RSSI        int
	Connectable bool
	Data        []byte
}

// LinkQualitySample answers a link quality query.
type LinkQualitySample struct {
	Handle ConnHandle
	RSSI   int
	Status uint16
}

// AnalysisSample is one signal strength reading from a passive analysis session.
type AnalysisSample struct {
	Session AnalysisHandle
	RSSI    int
}

// AnalysisEnded reports that a passive analysis session stopped.
type AnalysisEnded struct {
	Session AnalysisHandle
	Reason  uint16
}

// BondingMaterialRequested asks the host for stored material of one type.
type BondingMaterialRequested struct {
	Handle ConnHandle
	Type   MaterialType
}

// BondingMaterialObserved carries new material produced by the radio stack.
type BondingMaterialObserved struct {
	Handle ConnHandle
	Type   MaterialType
	Data   []byte
}

// BondingReady reports that all requested material was supplied.
type BondingReady struct {
	Handle ConnHandle
}

// BondingFailed reports that pairing or bonding failed on a link.
type BondingFailed struct {
	Handle ConnHandle
	Reason uint16
}

// SecurityChanged reports the new security mode of a link.
type SecurityChanged struct {
	Handle ConnHandle
	Mode   uint8
}

// ServiceDiscovered reports a primary service found on the peer.
type ServiceDiscovered struct {
	Handle  ConnHandle
	Service uint32
	UUID    []byte
}

// CharacteristicDiscovered reports a characteristic found on the peer.
type CharacteristicDiscovered struct {
	Handle         ConnHandle
	Characteristic uint16
	UUID           []byte
}

// ProcedureCompleted ends a GATT procedure.
type ProcedureCompleted struct {
	Handle ConnHandle
	Result uint16
}

// Notification carries a characteristic value pushed by the peer.
type Notification struct {
	Handle         ConnHandle
	Characteristic uint16
	Value          []byte
}

func (Booted) radioEvent()                   {}
func (Opened) radioEvent()                   {}
func (Closed) radioEvent()                   {}
func (DiscoveryReport) radioEvent()          {}
func (LinkQualitySample) radioEvent()        {}
func (AnalysisSample) radioEvent()           {}
func (AnalysisEnded) radioEvent()            {}
func (BondingMaterialRequested) radioEvent() {}
func (BondingMaterialObserved) radioEvent()  {}
func (BondingReady) radioEvent()             {}
func (BondingFailed) radioEvent()            {}
func (SecurityChanged) radioEvent()          {}
func (ServiceDiscovered) radioEvent()        {}
func (CharacteristicDiscovered) radioEvent() {}
func (ProcedureCompleted) radioEvent()       {}
func (Notification) radioEvent()             {}

// EventName returns a short stable name for logging.
func EventName(ev RadioEvent) string {
	switch ev.(type) {
	case Booted:
		return "booted"
	case Opened:
		return "opened"
	case Closed:
		return "closed"
	case DiscoveryReport:
		return "discovery_report"
	case LinkQualitySample:
		return "link_quality"
	case AnalysisSample:
		return "analysis_sample"
	case AnalysisEnded:
		return "analysis_ended"
	case BondingMaterialRequested:
		return "bonding_requested"
	case BondingMaterialObserved:
		return "bonding_observed"
	case BondingReady:
		return "bonding_ready"
	case BondingFailed:
		return "bonding_failed"
	case SecurityChanged:
		return "security_changed"
	case ServiceDiscovered:
		return "service_discovered"
	case CharacteristicDiscovered:
		return "characteristic_discovered"
	case ProcedureCompleted:
		return "procedure_completed"
	case Notification:
		return "notification"
	default:
		return fmt.Sprintf("%T", ev)
	}
}

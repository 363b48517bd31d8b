package radio

import (
	"encoding/json"
	"errors"
	"fmt"

	"roamer/internal/domain"
)

// Frame is the envelope exchanged with an access-point bridge. Requests
// carry ID, Op and Args; responses echo ID and set OK or Error; unsolicited
// events set Event and Data.
type Frame struct {
	ID     uint64          `json:"id,omitempty"`
	Op     string          `json:"op,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
	OK     bool            `json:"ok,omitempty"`
	Error  string          `json:"error,omitempty"`
	Code   string          `json:"code,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Event  string          `json:"event,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Bridge operation names.
const (
	OpConfigure              = "configure"
	OpStartScan              = "start_scan"
	OpStopScan               = "stop_scan"
	OpOpenConnection         = "open_connection"
	OpCloseConnection        = "close_connection"
	OpGetRSSI                = "get_rssi"
	OpConnectionParams       = "connection_params"
	OpStartAnalysis          = "start_analysis"
	OpStopAnalysis           = "stop_analysis"
	OpSetBondingData         = "set_bonding_data"
	OpIncreaseSecurity       = "increase_security"
	OpDiscoverService        = "discover_service"
	OpDiscoverCharacteristic = "discover_characteristic"
	OpEnableNotifications    = "enable_notifications"
)

// Bridge error codes.
const (
	CodeStaleHandle  = "stale_handle"
	CodeRejected     = "rejected"
	CodeAnalysisBusy = "analysis_busy"
	CodeInvalid      = "invalid"
)

var codeErrors = map[string]error{
	CodeStaleHandle:  domain.ErrStaleHandle,
	CodeRejected:     domain.ErrCommandRejected,
	CodeAnalysisBusy: domain.ErrAnalysisBusy,
	CodeInvalid:      domain.ErrInvalidInput,
}

// responseError converts a failed response into an error wrapping the
// matching domain sentinel.
func responseError(f Frame) error {
	if f.OK {
		return nil
	}
	base, ok := codeErrors[f.Code]
	if !ok {
		base = domain.ErrCommandRejected
	}
	if f.Error == "" {
		return base
	}
	return fmt.Errorf("%s: %w", f.Error, base)
}

// ErrorCode returns the bridge error code for err.
func ErrorCode(err error) string {
	for code, base := range codeErrors {
		if errors.Is(err, base) {
			return code
		}
	}
	return CodeRejected
}

type eventDecoder func(json.RawMessage) (domain.RadioEvent, error)

func decodeAs[T domain.RadioEvent](data json.RawMessage) (domain.RadioEvent, error) {
	var ev T
	if len(data) > 0 {
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

// eventDecoders maps wire event names to their decoders. Names match
// domain.EventName.
var eventDecoders = map[string]eventDecoder{
	"booted":                    decodeAs[domain.Booted],
	"opened":                    decodeAs[domain.Opened],
	"closed":                    decodeAs[domain.Closed],
	"discovery_report":          decodeAs[domain.DiscoveryReport],
	"link_quality":              decodeAs[domain.LinkQualitySample],
	"analysis_sample":           decodeAs[domain.AnalysisSample],
	"analysis_ended":            decodeAs[domain.AnalysisEnded],
	"bonding_requested":         decodeAs[domain.BondingMaterialRequested],
	"bonding_observed":          decodeAs[domain.BondingMaterialObserved],
	"bonding_ready":             decodeAs[domain.BondingReady],
	"bonding_failed":            decodeAs[domain.BondingFailed],
	"security_changed":          decodeAs[domain.SecurityChanged],
	"service_discovered":        decodeAs[domain.ServiceDiscovered],
	"characteristic_discovered": decodeAs[domain.CharacteristicDiscovered],
	"procedure_completed":       decodeAs[domain.ProcedureCompleted],
	"notification":              decodeAs[domain.Notification],
}

// DecodeEvent turns an event frame into a domain event.
func DecodeEvent(f Frame) (domain.RadioEvent, error) {
	dec, ok := eventDecoders[f.Event]
	if !ok {
		return nil, fmt.Errorf("unknown event %q: %w", f.Event, domain.ErrInvalidInput)
	}
	ev, err := dec(f.Data)
	if err != nil {
		return nil, fmt.Errorf("decode %s event: %w", f.Event, err)
	}
	return ev, nil
}

// EncodeEvent builds the event frame for ev.
func EncodeEvent(ev domain.RadioEvent) (Frame, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: domain.EventName(ev), Data: data}, nil
}

// Argument payloads of bridge operations.
type (
	handleArgs struct {
		Handle domain.ConnHandle `json:"handle"`
	}
	sessionArgs struct {
		Session domain.AnalysisHandle `json:"session"`
	}
	configureArgs struct {
		Address string `json:"address"`
		Random  bool   `json:"random"`
	}
	peerArgs struct {
		Peer domain.PeerIdentity `json:"peer"`
	}
	bondingArgs struct {
		Handle domain.ConnHandle   `json:"handle"`
		Type   domain.MaterialType `json:"type"`
		Data   []byte              `json:"data"`
	}
	serviceArgs struct {
		Handle domain.ConnHandle `json:"handle"`
		UUID   []byte            `json:"uuid"`
	}
	characteristicArgs struct {
		Handle  domain.ConnHandle `json:"handle"`
		Service uint32            `json:"service"`
		UUID    []byte            `json:"uuid"`
	}
	notifyArgs struct {
		Handle         domain.ConnHandle `json:"handle"`
		Characteristic uint16            `json:"characteristic"`
	}
)

package radio

import (
	"bytes"
	"fmt"

	"roamer/internal/domain"
)

// AD structure types carrying service UUID lists.
const (
	adIncomplete16  = 0x02
	adComplete16    = 0x03
	adIncomplete128 = 0x06
	adComplete128   = 0x07
)

// FindService reports whether the advertising data lists the service uuid
// (little-endian, 2 or 16 bytes) in one of its service UUID AD structures.
// Malformed data never matches.
func FindService(adv []byte, uuid []byte) (bool, error) {
	var incomplete, complete byte
	switch len(uuid) {
	case 2:
		incomplete, complete = adIncomplete16, adComplete16
	case 16:
		incomplete, complete = adIncomplete128, adComplete128
	default:
		return false, domain.NewDomainError("radio.FindService", domain.ErrInvalidInput,
			fmt.Sprintf("uuid length %d", len(uuid)))
	}

	for i := 0; i < len(adv); {
		length := int(adv[i])
		if length == 0 {
			i++
			continue
		}
		if i+1+length > len(adv) {
			return false, nil
		}
		typ := adv[i+1]
		if typ == incomplete || typ == complete {
			payload := adv[i+2 : i+1+length]
			for j := 0; j+len(uuid) <= len(payload); j += len(uuid) {
				if bytes.Equal(payload[j:j+len(uuid)], uuid) {
					return true, nil
				}
			}
		}
		i += length + 1
	}
	return false, nil
}

// ServiceFilter returns a scan filter that accepts connectable reports
// advertising uuid.
func ServiceFilter(uuid []byte) func(domain.DiscoveryReport) bool {
	return func(r domain.DiscoveryReport) bool {
		if !r.Connectable {
			return false
		}
		ok, err := FindService(r.Data, uuid)
		return err == nil && ok
	}
}

// BuildAdvertisement encodes AD structures for tests and the simulator.
// Each entry is (type, payload).
func BuildAdvertisement(fields ...ADField) []byte {
	var out []byte
	for _, f := range fields {
		out = append(out, byte(len(f.Data)+1), f.Type)
		out = append(out, f.Data...)
	}
	return out
}

// ADField is one AD structure.
type ADField struct {
	Type byte
	Data []byte
}

// Flags and service list helpers for BuildAdvertisement.
func FlagsField(flags byte) ADField { return ADField{Type: 0x01, Data: []byte{flags}} }

func CompleteServices16(uuids ...[]byte) ADField {
	return ADField{Type: adComplete16, Data: bytes.Join(uuids, nil)}
}

func CompleteServices128(uuids ...[]byte) ADField {
	return ADField{Type: adComplete128, Data: bytes.Join(uuids, nil)}
}

func CompleteName(name string) ADField { return ADField{Type: 0x09, Data: []byte(name)} }

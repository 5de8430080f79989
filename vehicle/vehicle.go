package vehicle

import (
	"fmt"
	"strings"
	"time"

	"github.com/evgauge/canlink"
	"github.com/evgauge/canlink/broker"
)

// Range is a display range for a gauge. Ranges should be even whole numbers,
// power ranges multiples of 10 and aux ranges at least 8 kW wide.
type Range struct {
	Min, Max float64
}

type RangeKind int

const (
	RangePower RangeKind = iota
	RangeAux
	RangeTorque
	RangeHVBattI
	RangeLVBattV
)

// Request is one diagnostic request a vehicle polls.
type Request struct {
	canlink.Request
	// Needs lists the items that require this request.
	Needs broker.Item
	// Sample is a plausible positive response, served by the virtual ECU.
	Sample []byte
}

// Decoder turns a matched response into item values. index is the position
// of the matching request in Vehicle.Requests.
type Decoder interface {
	Decode(index int, data []byte, set func(broker.Item, float64))
}

// Vehicle describes one supported vehicle platform.
type Vehicle struct {
	Name  string
	Items broker.Item

	Power   Range
	Aux     Range
	Torque  Range
	HVBattI Range
	LVBattV Range

	CAN500k bool
	Timeout time.Duration
	// ResponseFilter narrows reception to the response id. Not needed when
	// the car's gateway already filters the diagnostic bus.
	ResponseFilter bool

	Requests   []Request
	NewDecoder func() Decoder
}

func (v *Vehicle) Range(kind RangeKind) (Range, bool) {
	switch kind {
	case RangePower:
		return v.Power, true
	case RangeAux:
		return v.Aux, true
	case RangeTorque:
		return v.Torque, true
	case RangeHVBattI:
		return v.HVBattI, true
	case RangeLVBattV:
		return v.LVBattV, true
	}
	return Range{}, false
}

// Config returns a copy of base with the bus speed and request timeout of v.
func (v *Vehicle) Config(base canlink.Config) *canlink.Config {
	base.CAN500k = v.CAN500k
	base.RequestTimeout = v.Timeout
	return &base
}

var vehicles = []*Vehicle{
	LeafZE1,
	VWMEBAWD,
	VWMEBRWD,
}

func List() []*Vehicle {
	return vehicles
}

func Names() []string {
	out := make([]string, len(vehicles))
	for i, v := range vehicles {
		out[i] = v.Name
	}
	return out
}

func Lookup(name string) (*Vehicle, error) {
	for _, v := range vehicles {
		if strings.EqualFold(v.Name, name) {
			return v, nil
		}
	}
	return nil, fmt.Errorf("unknown vehicle %q, available: %s", name, strings.Join(Names(), ", "))
}

// MatchResponse returns the index of the request data answers or -1. The
// response id, the positive service id and every DID byte of the request
// must match. Negative responses never match.
func MatchResponse(rspID uint32, data []byte, requests []Request) int {
	if len(data) < 2 || data[0] == 0x7F {
		return -1
	}
	for i, r := range requests {
		p := r.Payload
		if len(p) < 2 || rspID != r.ResponseID || data[0] != p[1]+0x40 {
			continue
		}
		n := int(p[0])
		if len(data) <= n || len(p) <= n {
			continue
		}
		match := true
		for j := 2; j <= n; j++ {
			if data[j-1] != p[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func uds(reqID, rspID uint32, service byte, did ...byte) canlink.Request {
	payload := make([]byte, canlink.MaxFrameData)
	payload[0] = byte(1 + len(did))
	payload[1] = service
	copy(payload[2:], did)
	return canlink.Request{RequestID: reqID, ResponseID: rspID, Payload: payload}
}

func be16(b []byte) int16 {
	return int16(uint16(b[0])<<8 | uint16(b[1]))
}

func beu16(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}

func be32(b []byte) int32 {
	return int32(uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]))
}

// sample builds a response of n bytes starting with head.
func sample(n int, head ...byte) []byte {
	out := make([]byte, n)
	copy(out, head)
	return out
}

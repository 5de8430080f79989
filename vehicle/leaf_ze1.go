package vehicle

import (
	"time"

	"github.com/evgauge/canlink/broker"
)

const (
	leafGearPosition = iota
	leaf12VBattV
	leaf12VBattI
	leafLVAuxPower
	leafACAuxPower
	leafSpeed
	leafHVBattInfo
	leafHVBattTemp
	leafTorque
)

const leafGearReverse = 2

var LeafZE1 = &Vehicle{
	Name: "Leaf ZE1",
	Items: broker.HVBattV | broker.HVBattI | broker.HVBattMinT | broker.HVBattMaxT |
		broker.LVBattV | broker.LVBattI | broker.AuxKW | broker.FrontTorque | broker.Speed,
	Power:   Range{-40, 160},
	Aux:     Range{0, 8},
	Torque:  Range{-100, 250},
	HVBattI: Range{-150, 450},
	LVBattV: Range{10, 16},
	CAN500k: true,
	Timeout: 500 * time.Millisecond,
	Requests: []Request{
		leafGearPosition: {
			Request: uds(0x797, 0x79A, 0x22, 0x11, 0x56),
			Needs:   broker.FrontTorque,
			Sample:  []byte{0x62, 0x11, 0x56, 0x04},
		},
		leaf12VBattV: {
			Request: uds(0x797, 0x79A, 0x22, 0x11, 0x03),
			Needs:   broker.LVBattV,
			Sample:  []byte{0x62, 0x11, 0x03, 0x9D},
		},
		leaf12VBattI: {
			Request: uds(0x797, 0x79A, 0x22, 0x11, 0x83),
			Needs:   broker.LVBattI,
			Sample:  []byte{0x62, 0x11, 0x83, 0xFE, 0x00},
		},
		leafLVAuxPower: {
			Request: uds(0x797, 0x79A, 0x22, 0x11, 0x52),
			Needs:   broker.AuxKW,
			Sample:  []byte{0x62, 0x11, 0x52, 0x05},
		},
		leafACAuxPower: {
			Request: uds(0x797, 0x79A, 0x22, 0x11, 0x51),
			Needs:   broker.AuxKW,
			Sample:  []byte{0x62, 0x11, 0x51, 0x04},
		},
		leafSpeed: {
			Request: uds(0x797, 0x79A, 0x22, 0x12, 0x1A),
			Needs:   broker.Speed,
			Sample:  []byte{0x62, 0x12, 0x1A, 0x02, 0x95},
		},
		leafHVBattInfo: {
			Request: uds(0x79B, 0x7BB, 0x21, 0x01),
			Needs:   broker.HVBattV | broker.HVBattI,
			Sample:  leafHVBattInfoSample(),
		},
		leafHVBattTemp: {
			Request: uds(0x79B, 0x7BB, 0x21, 0x04),
			Needs:   broker.HVBattMinT | broker.HVBattMaxT,
			Sample:  leafHVBattTempSample(),
		},
		leafTorque: {
			Request: uds(0x784, 0x78C, 0x22, 0x12, 0x25),
			Needs:   broker.FrontTorque,
			Sample:  []byte{0x62, 0x12, 0x25, 0x0C, 0x80},
		},
	},
	NewDecoder: func() Decoder { return &leafDecoder{} },
}

func leafHVBattInfoSample() []byte {
	b := sample(53, 0x61, 0x01)
	copy(b[8:], []byte{0xFF, 0xFF, 0xD8, 0x00})
	copy(b[20:], []byte{0x90, 0x88})
	return b
}

func leafHVBattTempSample() []byte {
	b := sample(31, 0x61, 0x04)
	copy(b[2:], []byte{0x02, 0x00})
	copy(b[5:], []byte{0x01, 0xF4})
	copy(b[11:], []byte{0x02, 0x08})
	return b
}

// leafDecoder keeps the partial values some items are computed from.
type leafDecoder struct {
	inReverse bool
	lvAuxKW   float64
	acAuxKW   float64
}

func (d *leafDecoder) Decode(index int, data []byte, set func(broker.Item, float64)) {
	switch index {
	case leafGearPosition:
		if len(data) == 4 {
			d.inReverse = data[3] == leafGearReverse
		}
	case leaf12VBattV:
		if len(data) == 4 {
			set(broker.LVBattV, float64(data[3])*0.08)
		}
	case leaf12VBattI:
		if len(data) == 5 {
			set(broker.LVBattI, float64(be16(data[3:]))/256)
		}
	case leafLVAuxPower:
		if len(data) == 4 {
			d.lvAuxKW = float64(data[3]) * 0.1
			set(broker.AuxKW, d.lvAuxKW+d.acAuxKW)
		}
	case leafACAuxPower:
		if len(data) == 4 {
			d.acAuxKW = float64(data[3]) * 0.25
			set(broker.AuxKW, d.lvAuxKW+d.acAuxKW)
		}
	case leafSpeed:
		if len(data) == 5 {
			set(broker.Speed, float64(beu16(data[3:]))/10)
		}
	case leafHVBattInfo:
		if len(data) == 53 {
			// second current reading is the better averaged one
			set(broker.HVBattI, float64(be32(data[8:]))/1024)
			set(broker.HVBattV, float64(beu16(data[20:]))/100)
		}
	case leafHVBattTemp:
		if len(data) == 31 {
			// the third sensor is not fitted on the ZE1
			t := []float64{
				leafBattTempC(be16(data[2:])),
				leafBattTempC(be16(data[5:])),
				leafBattTempC(be16(data[11:])),
			}
			set(broker.HVBattMinT, min(t[0], t[1], t[2]))
			set(broker.HVBattMaxT, max(t[0], t[1], t[2]))
		}
	case leafTorque:
		if len(data) == 5 {
			// motor torque, reverse looks like regen so flip it
			f := float64(be16(data[3:])) / 64
			if d.inReverse {
				f = -f
			}
			set(broker.FrontTorque, f)
		}
	}
}

func leafBattTempC(raw int16) float64 {
	return (leafBattTempF(raw) - 32) * 5 / 9
}

// leafBattTempF converts a raw battery thermistor reading to °F.
func leafBattTempF(raw int16) float64 {
	r := float64(raw)
	switch {
	case raw == 1021:
		return 1
	case raw >= 589:
		return 162 - r*0.181
	case raw >= 569:
		return 57.2 + (579-r)*0.18
	case raw >= 558:
		return 60.8 + (558-r)*0.16363636363636364
	case raw >= 548:
		return 62.6 + (548-r)*0.18
	case raw >= 537:
		return 64.4 + (537-r)*0.16363636363636364
	case raw >= 447:
		return 66.2 + (527-r)*0.18
	case raw >= 438:
		return 82.4 + (438-r)*0.2
	case raw >= 428:
		return 84.2 + (428-r)*0.18
	case raw >= 365:
		return 86 + (419-r)*0.2
	case raw >= 357:
		return 98.6 + (357-r)*0.225
	case raw >= 348:
		return 100.4 + (348-r)*0.2
	case raw >= 316:
		return 102.2 + (340-r)*0.225
	default:
		return 109.4 + (309-r)*0.2571428571428572
	}
}

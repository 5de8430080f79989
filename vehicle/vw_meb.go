package vehicle

import (
	"time"

	"github.com/evgauge/canlink/broker"
)

const (
	meb12VBattInfo = iota
	mebGPSInfo
	mebAuxPower
	mebHVBattCurrent
	mebHVBattMinT
	mebHVBattMaxT
	mebHVBattVolt
	mebFrontTorque
	mebRearTorque
	mebGearPosition
	mebSpeed
)

const mebGearReverse = 0x07

var mebRequests = []Request{
	meb12VBattInfo: {
		Request: uds(0x710, 0x77A, 0x22, 0x2A, 0xF7),
		Needs:   broker.LVBattV | broker.LVBattI,
		Sample:  mebLVBattSample(),
	},
	mebGPSInfo: {
		Request: uds(0x767, 0x7D1, 0x22, 0x24, 0x30),
		Needs:   broker.GPSElevation,
		Sample:  mebGPSSample(),
	},
	mebAuxPower: {
		Request: uds(0x17FC0076, 0x17FE0076, 0x22, 0x03, 0x64),
		Needs:   broker.AuxKW,
		Sample:  []byte{0x62, 0x03, 0x64, 0x00, 0x0F},
	},
	mebHVBattCurrent: {
		Request: uds(0x17FC007B, 0x17FE007B, 0x22, 0x1E, 0x3D),
		Needs:   broker.HVBattI,
		Sample:  []byte{0x62, 0x1E, 0x3D, 0x00, 0x02, 0x3F, 0x48, 0x00},
	},
	mebHVBattMinT: {
		Request: uds(0x17FC007B, 0x17FE007B, 0x22, 0x1E, 0x0F),
		Needs:   broker.HVBattMinT,
		Sample:  []byte{0x62, 0x1E, 0x0F, 0x05, 0x00, 0x00, 0x00},
	},
	mebHVBattMaxT: {
		Request: uds(0x17FC007B, 0x17FE007B, 0x22, 0x1E, 0x0E),
		Needs:   broker.HVBattMaxT,
		Sample:  []byte{0x62, 0x1E, 0x0E, 0x05, 0xC0, 0x00, 0x00},
	},
	mebHVBattVolt: {
		Request: uds(0x17FC007B, 0x17FE007B, 0x22, 0x1E, 0x3B),
		Needs:   broker.HVBattV | broker.AuxKW,
		Sample:  []byte{0x62, 0x1E, 0x3B, 0x05, 0xC8},
	},
	mebFrontTorque: {
		Request: uds(0x17FC0076, 0x17FE0076, 0x22, 0x03, 0x35),
		Needs:   broker.FrontTorque,
		Sample:  []byte{0x62, 0x03, 0x35, 0x00, 0x3C},
	},
	mebRearTorque: {
		Request: uds(0x17FC0076, 0x17FE0076, 0x22, 0x03, 0x3B),
		Needs:   broker.RearTorque,
		Sample:  []byte{0x62, 0x03, 0x3B, 0x00, 0x78},
	},
	mebGearPosition: {
		Request: uds(0x17FC0076, 0x17FE0076, 0x22, 0x21, 0x0E),
		Needs:   broker.FrontTorque | broker.RearTorque,
		Sample:  []byte{0x62, 0x21, 0x0E, 0x00, 0x05},
	},
	mebSpeed: {
		Request: uds(0x18DB33F1, 0x18DAF101, 0x01, 0x0D),
		Needs:   broker.Speed,
		Sample:  []byte{0x41, 0x0D, 0x42},
	},
}

var VWMEBRWD = &Vehicle{
	Name: "VW MEB RWD",
	Items: broker.HVBattV | broker.HVBattI | broker.HVBattMinT | broker.HVBattMaxT |
		broker.LVBattV | broker.LVBattI | broker.AuxKW | broker.RearTorque |
		broker.Speed | broker.GPSElevation,
	Power:      Range{-200, 300},
	Aux:        Range{0, 16},
	Torque:     Range{-150, 350},
	HVBattI:    Range{-400, 600},
	LVBattV:    Range{10, 16},
	CAN500k:    true,
	Timeout:    500 * time.Millisecond,
	Requests:   mebRequests,
	NewDecoder: func() Decoder { return &mebDecoder{} },
}

var VWMEBAWD = &Vehicle{
	Name: "VW MEB AWD",
	Items: broker.HVBattV | broker.HVBattI | broker.HVBattMinT | broker.HVBattMaxT |
		broker.LVBattV | broker.LVBattI | broker.AuxKW | broker.FrontTorque | broker.RearTorque |
		broker.Speed | broker.GPSElevation,
	Power:      Range{-200, 300},
	Aux:        Range{0, 16},
	Torque:     Range{-150, 350},
	HVBattI:    Range{-400, 800},
	LVBattV:    Range{10, 16},
	CAN500k:    true,
	Timeout:    500 * time.Millisecond,
	Requests:   mebRequests,
	NewDecoder: func() Decoder { return &mebDecoder{} },
}

func mebLVBattSample() []byte {
	b := sample(26, 0x62, 0x2A, 0xF7, 0x21, 0x00)
	copy(b[5:], []byte{0x00, 0x00, 0x0C, 0x00})
	return b
}

func mebGPSSample() []byte {
	b := sample(33, 0x62, 0x24, 0x30)
	copy(b[31:], []byte{0x02, 0x3F})
	return b
}

type mebDecoder struct {
	inReverse bool
}

func (d *mebDecoder) torque(data []byte) float64 {
	f := float64(be16(data[3:]))
	if d.inReverse {
		f = -f
	}
	return f
}

func (d *mebDecoder) Decode(index int, data []byte, set func(broker.Item, float64)) {
	switch index {
	case meb12VBattInfo:
		if len(data) == 26 {
			set(broker.LVBattV, float64(beu16(data[3:]))/1024+4.26)
			set(broker.LVBattI, float64(be32(data[5:]))/1024)
		}
	case mebGPSInfo:
		if len(data) == 33 {
			set(broker.GPSElevation, float64(be16(data[31:]))-501)
		}
	case mebAuxPower:
		if len(data) == 5 {
			set(broker.AuxKW, float64(be16(data[3:]))/10)
		}
	case mebHVBattCurrent:
		if len(data) == 8 {
			set(broker.HVBattI, float64(be32(data[3:])-150000)/100)
		}
	case mebHVBattMinT:
		if len(data) == 7 {
			set(broker.HVBattMinT, float64(be16(data[3:])/64))
		}
	case mebHVBattMaxT:
		if len(data) == 7 {
			set(broker.HVBattMaxT, float64(be16(data[3:])/64))
		}
	case mebHVBattVolt:
		if len(data) == 5 {
			set(broker.HVBattV, float64(be16(data[3:]))/4)
		}
	case mebFrontTorque:
		if len(data) == 5 {
			set(broker.FrontTorque, d.torque(data))
		}
	case mebRearTorque:
		if len(data) == 5 {
			set(broker.RearTorque, d.torque(data))
		}
	case mebGearPosition:
		if len(data) == 5 {
			d.inReverse = data[4] == mebGearReverse
		}
	case mebSpeed:
		if len(data) == 3 {
			set(broker.Speed, float64(data[2]))
		}
	}
}

package broker

import (
	"math/bits"
	"strings"
)

// Item is a bitmask of data items. All values are metric: voltages in volts,
// currents negative for discharge, torque in Nm, temperatures in °C.
type Item uint32

const (
	HVBattV      Item = 0x00000001
	HVBattI      Item = 0x00000002
	HVBattMinT   Item = 0x00000004
	HVBattMaxT   Item = 0x00000008
	LVBattV      Item = 0x00000010
	LVBattI      Item = 0x00000020
	LVBattT      Item = 0x00000040
	AuxKW        Item = 0x00000100
	FrontTorque  Item = 0x00001000
	RearTorque   Item = 0x00002000
	Speed        Item = 0x00010000
	GPSElevation Item = 0x00100000
)

// MaxItems is the number of bits in an Item mask.
const MaxItems = 32

var itemNames = map[Item]string{
	HVBattV:      "hv_batt_v",
	HVBattI:      "hv_batt_i",
	HVBattMinT:   "hv_batt_min_t",
	HVBattMaxT:   "hv_batt_max_t",
	LVBattV:      "lv_batt_v",
	LVBattI:      "lv_batt_i",
	LVBattT:      "lv_batt_t",
	AuxKW:        "aux_kw",
	FrontTorque:  "front_torque",
	RearTorque:   "rear_torque",
	Speed:        "speed",
	GPSElevation: "gps_elevation",
}

var itemUnits = map[Item]string{
	HVBattV:      "V",
	HVBattI:      "A",
	HVBattMinT:   "°C",
	HVBattMaxT:   "°C",
	LVBattV:      "V",
	LVBattI:      "A",
	LVBattT:      "°C",
	AuxKW:        "kW",
	FrontTorque:  "Nm",
	RearTorque:   "Nm",
	Speed:        "km/h",
	GPSElevation: "m",
}

// index returns the position of the lowest set bit or -1.
func (i Item) index() int {
	if i == 0 {
		return -1
	}
	return bits.TrailingZeros32(uint32(i))
}

// Items splits a mask into its single bit items, lowest bit first.
func (i Item) Items() []Item {
	var out []Item
	for m := uint32(i); m != 0; m &= m - 1 {
		out = append(out, Item(1)<<bits.TrailingZeros32(m))
	}
	return out
}

func (i Item) Has(other Item) bool {
	return i&other != 0
}

func (i Item) Unit() string {
	return itemUnits[i]
}

func (i Item) String() string {
	if n, ok := itemNames[i]; ok {
		return n
	}
	parts := i.Items()
	if len(parts) <= 1 {
		return "unknown"
	}
	names := make([]string, len(parts))
	for j, p := range parts {
		names[j] = p.String()
	}
	return strings.Join(names, "|")
}

// ParseItem looks up an item by name.
func ParseItem(name string) (Item, bool) {
	for i, n := range itemNames {
		if n == name {
			return i, true
		}
	}
	return 0, false
}

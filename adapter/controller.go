package adapter

import (
	"context"
	"fmt"

	"github.com/evgauge/canlink"
)

type BusState int

const (
	BusActive BusState = iota
	BusWarning
	BusPassive
	BusOff
)

func (s BusState) String() string {
	switch s {
	case BusActive:
		return "active"
	case BusWarning:
		return "warning"
	case BusPassive:
		return "passive"
	case BusOff:
		return "bus-off"
	default:
		return fmt.Sprintf("BusState(%d)", int(s))
	}
}

// Filter is an acceptance mask filter. A frame is accepted when
// frame.ID&Mask == ID&Mask.
type Filter struct {
	ID       uint32
	Mask     uint32
	Extended bool
}

// AcceptAll lets every frame through.
var AcceptAll = Filter{ID: 0, Mask: 0, Extended: true}

// SingleID builds a filter matching exactly id.
func SingleID(id uint32) Filter {
	if canlink.IsExtendedID(id) {
		return Filter{ID: id, Mask: canlink.MaxExtendedID, Extended: true}
	}
	return Filter{ID: id, Mask: canlink.MaxStandardID}
}

func (f Filter) Match(id uint32) bool {
	return id&f.Mask == f.ID&f.Mask
}

// ControllerHandler receives callbacks from the controller's receive
// context.
type ControllerHandler struct {
	OnFrame       func(canlink.RawFrame)
	OnStateChange func(BusState)
}

// Controller is a CAN controller the Native driver owns directly. The
// acceptance filter can only be changed while the controller is disabled.
type Controller interface {
	Open(ctx context.Context, bitrate uint32, handler ControllerHandler) error
	SetFilter(Filter) error
	Enable() error
	Disable() error
	Transmit(ctx context.Context, frame canlink.RawFrame) error
	// Recover starts bus-off recovery.
	Recover() error
	Close() error
}

package canlink

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"
)

// ISO-TP-lite protocol control information, high nibble of byte 0.
const (
	PCISingleFrame      = 0x00
	PCIFirstFrame       = 0x10
	PCIConsecutiveFrame = 0x20
	PCIFlowControl      = 0x30
)

const (
	// MaxFrameData is the classic CAN payload size.
	MaxFrameData = 8
	// MaxStandardID is the largest 11-bit identifier.
	MaxStandardID = 0x7FF
	MaxExtendedID = 0x1FFFFFFF
)

// FlowControlContinue is the fixed "continue to send" frame, no block size
// and no separation time.
var FlowControlContinue = [MaxFrameData]byte{PCIFlowControl, 0, 0, 0, 0, 0, 0, 0}

// RawFrame is one frame as delivered by a driver. It is not retained past
// the OnRawFrame call.
type RawFrame struct {
	ID     uint32
	Length uint8
	Data   [MaxFrameData]byte
}

// NewRawFrame copies at most 8 bytes of data into a frame.
func NewRawFrame(id uint32, data []byte) RawFrame {
	f := RawFrame{ID: id}
	f.Length = uint8(copy(f.Data[:], data))
	return f
}

// Payload returns the valid data bytes.
func (f *RawFrame) Payload() []byte {
	return f.Data[:min(int(f.Length), MaxFrameData)]
}

// Extended reports whether the identifier needs 29 bits.
func (f *RawFrame) Extended() bool {
	return IsExtendedID(f.ID)
}

func IsExtendedID(id uint32) bool {
	return id > MaxStandardID
}

var (
	yellow = color.New(color.FgHiBlue).SprintfFunc()
	red    = color.New(color.FgRed).SprintfFunc()
	green  = color.New(color.FgGreen).SprintfFunc()
)

func (f *RawFrame) String() string {
	var out strings.Builder
	out.WriteString(fmt.Sprintf("0x%03X", f.ID) + " || ")
	out.WriteString(strconv.Itoa(int(f.Length)) + " || ")
	out.WriteString(fmt.Sprintf("%-23s", hexView(f.Payload())))
	out.WriteString(" || ")
	out.WriteString(onlyPrintable(f.Payload()))
	return out.String()
}

func (f *RawFrame) ColorString() string {
	var out strings.Builder
	out.WriteString(green("0x%03X", f.ID) + " || ")
	out.WriteString(strconv.Itoa(int(f.Length)) + " || ")
	out.WriteString(red("%-23s", hexView(f.Payload())))
	out.WriteString(" || ")
	out.WriteString(yellow(onlyPrintable(f.Payload())))
	return out.String()
}

func hexView(data []byte) string {
	var b strings.Builder
	for i, v := range data {
		b.WriteString(fmt.Sprintf("%02X", v))
		if i != len(data)-1 {
			b.WriteString(" ")
		}
	}
	return b.String()
}

// HexView formats data as space separated upper-case hex pairs.
func HexView(data []byte) string {
	return hexView(data)
}

func onlyPrintable(data []byte) string {
	var out strings.Builder
	for _, b := range data {
		if b < 32 || b > 126 {
			out.WriteString("·")
		} else {
			out.WriteByte(b)
		}
	}
	return out.String()
}

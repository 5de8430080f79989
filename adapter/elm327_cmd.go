package adapter

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/evgauge/canlink"
)

// elm327Version15 is the firmware that truncates ATSH to 24 bits and
// mishandles trailing zero bytes.
const elm327Version15 = "1.5"

// elm327InitCommands returns the ordered configuration sequence. timeout is
// the vehicle request timeout programmed with ATST.
func elm327InitCommands(timeout time.Duration) []string {
	return []string{
		"ATZ",                   // reset, the reply carries the version banner
		"ATE0",                  // echo off
		"ATCAF0",                // auto formatting off, we handle PCI bytes
		"ATCFC1",                // adapter generates flow control
		"ATM0",                  // don't save protocol to memory
		"ATL0",                  // no LF after CR
		"ATH0",                  // no header in responses
		"ATS1",                  // spaces between bytes
		timeoutCommand(timeout), // response timeout
		"ATFCSH710",             // placeholder so ATFCSM1 is accepted
		"ATFCSD300000",          // flow control data
		"ATFCSM1",               // custom flow control mode
	}
}

// timeoutCommand encodes t in the adapter's 4 ms units.
func timeoutCommand(t time.Duration) string {
	v := t.Milliseconds() / 4
	if v < 1 {
		v = 1
	}
	if v > 0xFF {
		v = 0xFF
	}
	return fmt.Sprintf("ATST%02X", v)
}

// protocolCommand selects ISO 15765-4 with the header width and bitrate.
func protocolCommand(extended, is500k bool) string {
	switch {
	case !extended && is500k:
		return "ATTP6"
	case extended && is500k:
		return "ATTP7"
	case !extended:
		return "ATTP8"
	default:
		return "ATTP9"
	}
}

func formatID(id uint32) string {
	if canlink.IsExtendedID(id) {
		return fmt.Sprintf("%08X", id)
	}
	return fmt.Sprintf("%03X", id)
}

// headerCommands sets the request header. v1.5 firmware only takes 24 bits
// with ATSH so the priority byte goes through ATCP.
func headerCommands(id uint32, v15 bool) []string {
	if v15 && canlink.IsExtendedID(id) {
		return []string{
			fmt.Sprintf("ATCP%02X", id>>24),
			fmt.Sprintf("ATSH%06X", id&0xFFFFFF),
		}
	}
	return []string{"ATSH" + formatID(id)}
}

func flowControlHeaderCommand(id uint32) string {
	return "ATFCSH" + formatID(id)
}

func receiveAddressCommand(id uint32) string {
	return "ATCRA" + formatID(id)
}

// encodePayload renders data as upper-case hex without separators. With the
// v1.5 quirk trailing zero bytes are dropped, keeping at least one byte.
func encodePayload(data []byte, v15 bool) string {
	if v15 {
		n := len(data)
		for n > 1 && data[n-1] == 0 {
			n--
		}
		data = data[:n]
	}
	return strings.ToUpper(hex.EncodeToString(data))
}

// decodeHexLine parses a response line of space separated hex bytes. A
// single character token counts as one byte. At most 8 bytes are kept.
func decodeHexLine(line string) ([]byte, bool) {
	var out []byte
	for _, tok := range strings.Split(line, " ") {
		if tok == "" {
			continue
		}
		if len(tok) > 2 {
			return nil, false
		}
		v, err := strconv.ParseUint(tok, 16, 8)
		if err != nil {
			return nil, false
		}
		if len(out) < canlink.MaxFrameData {
			out = append(out, byte(v))
		}
	}
	return out, len(out) > 0
}

// parseVersion extracts "major.minor" from a reset banner such as
// "ELM327 v1.5".
func parseVersion(banner string) string {
	const maxLen = 5
	var (
		out   []byte
		state int
	)
	for i := 0; i < len(banner); i++ {
		c := banner[i]
		switch state {
		case 0:
			if c == 'v' {
				state = 1
			}
		case 1:
			if c >= '0' && c <= '9' {
				if len(out) < maxLen {
					out = append(out, c)
				}
			} else if c == '.' {
				if len(out) < maxLen {
					out = append(out, c)
				}
				state = 2
			}
		case 2:
			if c >= '0' && c <= '9' && len(out) < maxLen {
				out = append(out, c)
			}
		}
	}
	return string(out)
}

package canlink

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Driver is the capability set every interface driver implements. The
// Manager is the only caller.
type Driver interface {
	Name() string
	// Init performs one-time setup and starts any background work. Frames
	// and asynchronous errors are reported to sink.
	Init(ctx context.Context, sink FrameSink) error
	Connected() bool
	// TxRequest sends one request frame and blocks until the transmit step
	// has been acknowledged or has timed out.
	TxRequest(reqID, rspID uint32, payload []byte) error
	// TxFlowControl may be called from the receive context. It must not
	// block or take a lock shared with TxRequest.
	TxFlowControl(reqID uint32, payload []byte) error
	EnableResponseFilter(enabled bool)
	// ResponseComplete tells the driver the pending response has been
	// reassembled so it can cancel its request timeout.
	ResponseComplete()
	Close() error
}

// FrameSink receives frames and errors from a driver's receive context.
type FrameSink interface {
	OnRawFrame(frame RawFrame)
	OnTransportError(kind ErrorKind)
}

type DriverKind int

const (
	// KindNative drivers own a CAN controller directly.
	KindNative DriverKind = iota
	// KindStream drivers talk to an AT-command adapter over a byte stream.
	KindStream
)

func (k DriverKind) String() string {
	switch k {
	case KindNative:
		return "native"
	case KindStream:
		return "stream"
	default:
		return "unknown"
	}
}

type DriverInfo struct {
	Name               string
	Description        string
	Kind               DriverKind
	RequiresSerialPort bool
	New                func(*Config) (Driver, error)
}

func (d *DriverInfo) String() string {
	return fmt.Sprintf("%s | %s (%s), requires serial port: %v", d.Name, d.Description, d.Kind, d.RequiresSerialPort)
}

var (
	driverMu  sync.RWMutex
	driverMap = make(map[string]*DriverInfo)
)

// NewDriver resolves a registered driver by name (case-insensitive) and
// constructs it with cfg.
func NewDriver(name string, cfg *Config) (Driver, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.setDefaults()
	driverMu.RLock()
	info, found := driverMap[strings.ToLower(name)]
	driverMu.RUnlock()
	if !found {
		return nil, fmt.Errorf("%w %q", ErrUnknownDriver, name)
	}
	return info.New(cfg)
}

func RegisterDriver(info *DriverInfo) error {
	driverMu.Lock()
	defer driverMu.Unlock()
	key := strings.ToLower(info.Name)
	if _, found := driverMap[key]; found {
		return fmt.Errorf("driver %s already registered", info.Name)
	}
	driverMap[key] = info
	return nil
}

func ListDriverNames() []string {
	var out []string
	for _, d := range ListDrivers() {
		out = append(out, d.Name)
	}
	return out
}

func ListDrivers() []DriverInfo {
	driverMu.RLock()
	defer driverMu.RUnlock()
	out := make([]DriverInfo, 0, len(driverMap))
	for _, d := range driverMap {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name) })
	return out
}

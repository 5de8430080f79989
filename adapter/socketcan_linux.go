package adapter

import (
	"context"
	"errors"
	"net"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/evgauge/canlink"
	"go.einride.tech/can"
	"go.einride.tech/can/pkg/candevice"
	"go.einride.tech/can/pkg/socketcan"
	"go.uber.org/zap"
)

const defaultSocketCANDevice = "can0"

func init() {
	newFromDev := func(dev string) func(*canlink.Config) (canlink.Driver, error) {
		return func(cfg *canlink.Config) (canlink.Driver, error) {
			name := dev
			if name == "" {
				name = cfg.Port
			}
			if name == "" {
				name = defaultSocketCANDevice
			}
			return NewNative("SocketCAN", cfg, NewSocketCAN(name, cfg.Logger)), nil
		}
	}
	infos := []*canlink.DriverInfo{{
		Name:        "SocketCAN",
		Description: "Linux SocketCAN interface named by --port",
		Kind:        canlink.KindNative,
		New:         newFromDev(""),
	}}
	for _, dev := range FindDevices() {
		infos = append(infos, &canlink.DriverInfo{
			Name:        "SocketCAN " + dev,
			Description: "Linux Driver",
			Kind:        canlink.KindNative,
			New:         newFromDev(dev),
		})
	}
	for _, info := range infos {
		if err := canlink.RegisterDriver(info); err != nil {
			panic(err)
		}
	}
}

// canLink is the netlink side of a CAN network device.
type canLink interface {
	IsUp() (bool, error)
	SetUp() error
	SetDown() error
	SetBitrate(bitrate uint32) error
}

func openLink(dev string) (canLink, error) {
	return candevice.New(dev)
}

func dialRaw(ctx context.Context, dev string) (net.Conn, error) {
	return socketcan.DialContext(ctx, "can", dev, socketcan.WithReceiveErrorFrames())
}

// SocketCAN is a Controller on a Linux CAN network device. The raw socket is
// reopened after bus-off recovery since the kernel shuts it down with the
// link.
type SocketCAN struct {
	dev string
	log *zap.Logger

	newLink func(dev string) (canLink, error)
	dial    func(ctx context.Context, dev string) (net.Conn, error)

	d canLink

	mu     sync.Mutex
	conn   net.Conn
	tx     *socketcan.Transmitter
	closed bool

	handler ControllerHandler
	enabled atomic.Bool
	filter  atomic.Pointer[Filter]

	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewSocketCAN(dev string, log *zap.Logger) *SocketCAN {
	if log == nil {
		log = zap.NewNop()
	}
	a := &SocketCAN{
		dev:     dev,
		log:     log.Named("socketcan").With(zap.String("dev", dev)),
		newLink: openLink,
		dial:    dialRaw,
	}
	a.filter.Store(&AcceptAll)
	return a
}

func (a *SocketCAN) Open(ctx context.Context, bitrate uint32, handler ControllerHandler) error {
	var err error
	a.d, err = a.newLink(a.dev)
	if err != nil {
		return err
	}
	if up, err := a.d.IsUp(); err == nil && up {
		if err := a.d.SetDown(); err != nil {
			return err
		}
	}
	if err := a.d.SetBitrate(bitrate); err != nil {
		return err
	}
	if err := a.d.SetUp(); err != nil {
		return err
	}

	a.handler = handler
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connect(ctx)
}

// connect opens the raw socket and starts its receiver. Must hold a.mu.
func (a *SocketCAN) connect(ctx context.Context) error {
	conn, err := a.dial(ctx, a.dev)
	if err != nil {
		return err
	}
	a.conn = conn
	a.tx = socketcan.NewTransmitter(conn)

	a.wg.Add(1)
	go a.recvManager(conn, socketcan.NewReceiver(conn))
	return nil
}

// SetFilter stores the acceptance filter.
func (a *SocketCAN) SetFilter(f Filter) error {
	//Support lib do not support this, for now SW filtering
	a.filter.Store(&f)
	return nil
}

func (a *SocketCAN) Enable() error {
	a.enabled.Store(true)
	return nil
}

func (a *SocketCAN) Disable() error {
	a.enabled.Store(false)
	return nil
}

func (a *SocketCAN) Transmit(ctx context.Context, f canlink.RawFrame) error {
	a.mu.Lock()
	tx := a.tx
	a.mu.Unlock()
	if tx == nil {
		return canlink.ErrNotConnected
	}
	frame := can.Frame{
		ID:         f.ID,
		Length:     f.Length,
		Data:       can.Data(f.Data),
		IsExtended: f.Extended(),
	}
	return tx.TransmitFrame(ctx, frame)
}

// Recover restarts the interface after bus-off and reopens the socket. It may
// be called from the receive context.
func (a *SocketCAN) Recover() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return net.ErrClosed
	}
	if a.conn != nil {
		a.conn.Close()
		a.conn, a.tx = nil, nil
	}
	if err := a.d.SetDown(); err != nil {
		return err
	}
	if err := a.d.SetUp(); err != nil {
		return err
	}
	if err := a.connect(context.Background()); err != nil {
		return err
	}
	a.log.Info("recovered from bus-off")
	return nil
}

func (a *SocketCAN) current(conn net.Conn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn == conn
}

func (a *SocketCAN) recvManager(conn net.Conn, rx *socketcan.Receiver) {
	defer a.wg.Done()
	runtime.LockOSThread()
	for rx.Receive() {
		if rx.HasErrorFrame() {
			ef := rx.ErrorFrame()
			switch {
			case ef.ErrorClass&socketcan.ErrorClassBusOff != 0:
				a.stateChange(BusOff)
			case ef.ErrorClass&socketcan.ErrorClassController != 0:
				a.stateChange(BusWarning)
			}
			continue
		}
		if !a.enabled.Load() {
			continue
		}
		f := rx.Frame()
		if !a.filter.Load().Match(f.ID) {
			continue
		}
		if a.handler.OnFrame != nil {
			a.handler.OnFrame(canlink.NewRawFrame(f.ID, f.Data[:f.Length]))
		}
	}
	if !a.current(conn) {
		return
	}
	if err := rx.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		a.log.Error("receive", zap.Error(err))
	}
}

func (a *SocketCAN) stateChange(state BusState) {
	if a.handler.OnStateChange != nil {
		a.handler.OnStateChange(state)
	}
}

func (a *SocketCAN) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		conn := a.conn
		a.conn, a.tx = nil, nil
		a.mu.Unlock()
		if conn != nil {
			err = conn.Close()
		}
		a.wg.Wait()
		if a.d != nil {
			if derr := a.d.SetDown(); derr != nil && err == nil {
				err = derr
			}
		}
	})
	return err
}

func FindDevices() (dev []string) {
	iFaces, _ := net.Interfaces()
	for _, i := range iFaces {
		if strings.Contains(i.Name, "can") {
			dev = append(dev, i.Name)
		}
	}
	return
}

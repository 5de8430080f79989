//go:build ble

package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/evgauge/canlink"
	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"
)

const (
	DefaultBLEName    = "OBDBLE"
	DefaultBLEService = "ffe0"
	DefaultBLEChar    = "ffe1"

	scanTimeout = 10 * time.Second
)

var adapter = bluetooth.DefaultAdapter

type BLEConfig struct {
	// Name is the advertised name prefix.
	Name    string
	Service string
	TxChar  string
	RxChar  string
}

// BLE is a Transport over a GATT characteristic pair of a BLE adapter.
type BLE struct {
	cfg BLEConfig
	log *zap.Logger

	mu      sync.Mutex
	device  *bluetooth.Device
	tx      bluetooth.DeviceCharacteristic
	handler Handler

	lost      chan struct{}
	closeOnce sync.Once
	closeChan chan struct{}
}

func NewBLE(cfg BLEConfig, log *zap.Logger) *BLE {
	if cfg.Name == "" {
		cfg.Name = DefaultBLEName
	}
	if cfg.Service == "" {
		cfg.Service = DefaultBLEService
	}
	if cfg.TxChar == "" {
		cfg.TxChar = DefaultBLEChar
	}
	if cfg.RxChar == "" {
		cfg.RxChar = DefaultBLEChar
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &BLE{
		cfg:       cfg,
		log:       log.Named("ble"),
		closeChan: make(chan struct{}),
	}
}

func parseUUID(s string) (bluetooth.UUID, error) {
	if len(s) == 4 {
		var v uint16
		if _, err := fmt.Sscanf(s, "%04x", &v); err != nil {
			return bluetooth.UUID{}, err
		}
		return bluetooth.New16BitUUID(v), nil
	}
	return bluetooth.ParseUUID(s)
}

func (b *BLE) Run(ctx context.Context, h Handler) error {
	if err := adapter.Enable(); err != nil {
		return canlink.Unrecoverable(fmt.Errorf("enable bluetooth: %w", err))
	}
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()

	adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.device != nil && b.device.Address == device.Address && b.lost != nil {
			close(b.lost)
			b.lost = nil
		}
	})

	for {
		lost, err := b.connect(h)
		if err != nil {
			b.log.Warn("connect failed", zap.Error(err))
		} else {
			select {
			case <-lost:
				b.log.Warn("connection lost")
			case <-ctx.Done():
			case <-b.closeChan:
			}
			b.disconnect()
			h.SetConnected(false)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.closeChan:
			return nil
		case <-time.After(ReconnectDelay):
		}
	}
}

func (b *BLE) connect(h Handler) (<-chan struct{}, error) {
	svcUUID, err := parseUUID(b.cfg.Service)
	if err != nil {
		return nil, canlink.Unrecoverable(err)
	}
	txUUID, err := parseUUID(b.cfg.TxChar)
	if err != nil {
		return nil, canlink.Unrecoverable(err)
	}
	rxUUID, err := parseUUID(b.cfg.RxChar)
	if err != nil {
		return nil, canlink.Unrecoverable(err)
	}

	b.log.Info("scanning", zap.String("name", b.cfg.Name))
	ch := make(chan bluetooth.ScanResult, 1)
	start := time.Now()
	if err := adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
		if time.Since(start) > scanTimeout {
			a.StopScan()
			return
		}
		if strings.HasPrefix(result.LocalName(), b.cfg.Name) {
			a.StopScan()
			select {
			case ch <- result:
			default:
			}
		}
	}); err != nil {
		return nil, err
	}

	var found bluetooth.ScanResult
	select {
	case found = <-ch:
	default:
		return nil, errors.New("did not find any suitable device")
	}
	device, err := adapter.Connect(found.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", found.LocalName(), err)
	}

	svcs, err := device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil || len(svcs) == 0 {
		device.Disconnect()
		return nil, fmt.Errorf("service %s not found: %v", b.cfg.Service, err)
	}
	uuids := []bluetooth.UUID{txUUID}
	if rxUUID != txUUID {
		uuids = append(uuids, rxUUID)
	}
	chars, err := svcs[0].DiscoverCharacteristics(uuids)
	if err != nil {
		device.Disconnect()
		return nil, fmt.Errorf("failed to discover BLE characteristics: %w", err)
	}
	var tx, rx *bluetooth.DeviceCharacteristic
	for i := range chars {
		if chars[i].UUID() == txUUID && tx == nil {
			tx = &chars[i]
		}
		if chars[i].UUID() == rxUUID && rx == nil {
			rx = &chars[i]
		}
	}
	if tx == nil || rx == nil {
		device.Disconnect()
		return nil, errors.New("failed to find tx/rx characteristics")
	}
	if err := rx.EnableNotifications(h.Deliver); err != nil {
		device.Disconnect()
		return nil, fmt.Errorf("enable notifications: %w", err)
	}

	lost := make(chan struct{})
	b.mu.Lock()
	b.device = &device
	b.tx = *tx
	b.lost = lost
	b.mu.Unlock()

	b.log.Info("connected", zap.String("name", found.LocalName()), zap.String("address", found.Address.String()))
	h.SetConnected(true)
	return lost, nil
}

func (b *BLE) disconnect() {
	b.mu.Lock()
	device := b.device
	b.device = nil
	b.lost = nil
	b.mu.Unlock()
	if device != nil {
		device.Disconnect()
	}
}

func (b *BLE) SendLine(line string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.device == nil {
		return canlink.ErrNotConnected
	}
	if _, err := b.tx.WriteWithoutResponse([]byte(line + "\r")); err != nil {
		b.log.Error("write", zap.String("line", line), zap.Error(err))
		if b.handler != nil {
			b.handler.TxFailed()
		}
		return fmt.Errorf("%w: %v", canlink.ErrTransmit, err)
	}
	return nil
}

func (b *BLE) Close() error {
	b.closeOnce.Do(func() {
		close(b.closeChan)
	})
	b.disconnect()
	return nil
}

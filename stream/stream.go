// Package stream provides the byte stream links an AT-command adapter is
// reached over: TCP (Wi-Fi dongles), serial ports and BLE.
package stream

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/evgauge/canlink"
	"go.uber.org/zap"
)

const (
	// ReconnectDelay is the pause between a lost connection and the next
	// connection attempt.
	ReconnectDelay  = 500 * time.Millisecond
	connectAttempts = 3
	readBufferSize  = 256
)

// Handler is implemented by the consumer of a Transport.
type Handler interface {
	SetConnected(connected bool)
	// TxFailed is called when a line could not be written.
	TxFailed()
	// Deliver hands over received bytes. The slice is only valid for the
	// duration of the call.
	Deliver(data []byte)
}

// Transport is a line oriented link to an adapter.
type Transport interface {
	// Run connects, pumps received bytes to h and reconnects until ctx is
	// cancelled, Close is called or an unrecoverable error occurs.
	Run(ctx context.Context, h Handler) error
	// SendLine writes line terminated by CR.
	SendLine(line string) error
	Close() error
}

type dialFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// rwTransport is a Transport over any io.ReadWriteCloser.
type rwTransport struct {
	name string
	log  *zap.Logger
	dial dialFunc

	mu      sync.Mutex
	rw      io.ReadWriteCloser
	handler Handler

	closeOnce sync.Once
	closeChan chan struct{}
}

func newRWTransport(name string, log *zap.Logger, dial dialFunc) *rwTransport {
	if log == nil {
		log = zap.NewNop()
	}
	return &rwTransport{
		name:      name,
		log:       log.Named(name),
		dial:      dial,
		closeChan: make(chan struct{}),
	}
}

func (t *rwTransport) Run(ctx context.Context, h Handler) error {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
	for {
		select {
		case <-t.closeChan:
			return nil
		default:
		}
		var rw io.ReadWriteCloser
		err := retry.Do(func() error {
			var err error
			rw, err = t.dial(ctx)
			return err
		},
			retry.Context(ctx),
			retry.Attempts(connectAttempts),
			retry.Delay(ReconnectDelay),
			retry.DelayType(retry.FixedDelay),
			retry.RetryIf(canlink.IsRecoverable),
			retry.OnRetry(func(n uint, err error) {
				t.log.Debug("connect retry", zap.Uint("attempt", n), zap.Error(err))
			}),
			retry.LastErrorOnly(true),
		)
		if err != nil {
			if !canlink.IsRecoverable(err) {
				return fmt.Errorf("%s: %w", t.name, err)
			}
			t.log.Warn("connect failed", zap.Error(err))
		} else {
			t.pump(ctx, rw, h)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.closeChan:
			return nil
		case <-time.After(ReconnectDelay):
		}
	}
}

// pump reads from rw until it fails.
func (t *rwTransport) pump(ctx context.Context, rw io.ReadWriteCloser, h Handler) {
	t.mu.Lock()
	select {
	case <-t.closeChan:
		t.mu.Unlock()
		rw.Close()
		return
	default:
	}
	t.rw = rw
	t.mu.Unlock()
	stop := context.AfterFunc(ctx, func() { rw.Close() })
	defer stop()

	t.log.Info("connected")
	h.SetConnected(true)

	buf := make([]byte, readBufferSize)
	for {
		n, err := rw.Read(buf)
		if n > 0 {
			h.Deliver(buf[:n])
		}
		if err != nil {
			select {
			case <-t.closeChan:
			default:
				t.log.Warn("connection lost", zap.Error(err))
			}
			break
		}
	}

	t.mu.Lock()
	if t.rw == rw {
		t.rw = nil
	}
	t.mu.Unlock()
	rw.Close()
	h.SetConnected(false)
}

func (t *rwTransport) SendLine(line string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rw == nil {
		return canlink.ErrNotConnected
	}
	if _, err := t.rw.Write([]byte(line + "\r")); err != nil {
		t.log.Error("write", zap.String("line", line), zap.Error(err))
		if t.handler != nil {
			t.handler.TxFailed()
		}
		// closing makes the pump reconnect
		t.rw.Close()
		t.rw = nil
		return fmt.Errorf("%w: %v", canlink.ErrTransmit, err)
	}
	return nil
}

func (t *rwTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closeChan)
	})
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rw != nil {
		err := t.rw.Close()
		t.rw = nil
		return err
	}
	return nil
}

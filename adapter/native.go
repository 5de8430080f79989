package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/evgauge/canlink"
	"go.uber.org/zap"
)

const nativeTxTimeout = 50 * time.Millisecond

// Native drives a CAN controller directly. Received frames are forwarded to
// the sink unconditionally, filtering happens in the controller.
type Native struct {
	*BaseAdapter
	ctrl Controller

	mu            sync.Mutex
	filterEnabled bool
	filter        Filter

	timerMu sync.Mutex
	timer   *time.Timer
}

func NewNative(name string, cfg *canlink.Config, ctrl Controller) *Native {
	return &Native{
		BaseAdapter: NewBaseAdapter(name, cfg),
		ctrl:        ctrl,
		filter:      AcceptAll,
	}
}

func (n *Native) Init(ctx context.Context, sink canlink.FrameSink) error {
	n.setSink(sink)
	if err := n.ctrl.Open(ctx, n.cfg.Bitrate(), ControllerHandler{
		OnFrame:       n.deliver,
		OnStateChange: n.onStateChange,
	}); err != nil {
		return fmt.Errorf("open controller: %w", err)
	}
	if err := n.ctrl.SetFilter(AcceptAll); err != nil {
		n.ctrl.Close()
		return fmt.Errorf("set filter: %w", err)
	}
	if err := n.ctrl.Enable(); err != nil {
		n.ctrl.Close()
		return fmt.Errorf("enable controller: %w", err)
	}

	n.timerMu.Lock()
	n.timer = time.AfterFunc(n.cfg.RequestTimeout, n.onTimeout)
	n.timer.Stop()
	n.timerMu.Unlock()

	n.setConnected(true)
	n.log.Info("controller started", zap.Uint32("bitrate", n.cfg.Bitrate()))
	return nil
}

func (n *Native) TxRequest(reqID, rspID uint32, payload []byte) error {
	if !n.Connected() {
		return canlink.ErrNotConnected
	}
	if len(payload) > canlink.MaxFrameData {
		return canlink.ErrPayloadTooLong
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.filterEnabled {
		if err := n.reconfigure(SingleID(rspID)); err != nil {
			n.log.Error("set response filter", zap.Uint32("id", rspID), zap.Error(err))
			n.transportError(canlink.ErrorKindTransmit)
			return fmt.Errorf("%w: set response filter: %v", canlink.ErrTransmit, err)
		}
	}

	// A response can arrive before Transmit returns.
	n.armTimer(true)
	if err := n.transmit(reqID, payload); err != nil {
		n.armTimer(false)
		n.log.Error("send request", zap.Uint32("id", reqID), zap.Error(err))
		n.transportError(canlink.ErrorKindTransmit)
		return fmt.Errorf("%w: %v", canlink.ErrTransmit, err)
	}
	return nil
}

func (n *Native) armTimer(start bool) {
	n.timerMu.Lock()
	defer n.timerMu.Unlock()
	if n.timer == nil {
		return
	}
	n.timer.Stop()
	if start {
		n.timer.Reset(n.cfg.RequestTimeout)
	}
}

// TxFlowControl is called from the receive context and bypasses the request
// lock.
func (n *Native) TxFlowControl(reqID uint32, payload []byte) error {
	return n.transmit(reqID, payload)
}

func (n *Native) transmit(id uint32, payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), nativeTxTimeout)
	defer cancel()
	frame := canlink.NewRawFrame(id, payload)
	if n.cfg.Debug {
		n.log.Debug("tx", zap.String("frame", frame.String()))
	}
	return n.ctrl.Transmit(ctx, frame)
}

func (n *Native) EnableResponseFilter(enabled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filterEnabled = enabled
	if !enabled {
		if err := n.reconfigure(AcceptAll); err != nil {
			n.log.Error("disable filter", zap.Error(err))
		}
	}
}

// reconfigure swaps the acceptance filter, pausing the controller around the
// change. Must hold n.mu.
func (n *Native) reconfigure(f Filter) error {
	if f == n.filter {
		return nil
	}
	if err := n.ctrl.Disable(); err != nil {
		return err
	}
	if err := n.ctrl.SetFilter(f); err != nil {
		n.ctrl.Enable()
		return err
	}
	if err := n.ctrl.Enable(); err != nil {
		return err
	}
	n.filter = f
	return nil
}

func (n *Native) ResponseComplete() {
	n.armTimer(false)
}

func (n *Native) onTimeout() {
	n.transportError(canlink.ErrorKindTimeout)
}

func (n *Native) onStateChange(state BusState) {
	n.log.Debug("bus state", zap.Stringer("state", state))
	if state == BusOff {
		n.log.Warn("bus-off, recovering")
		if err := n.ctrl.Recover(); err != nil {
			n.log.Error("recover", zap.Error(err))
		}
	}
}

func (n *Native) Close() error {
	n.BaseAdapter.Close()
	n.armTimer(false)
	return n.ctrl.Close()
}

package adapter

import (
	"sync"
	"sync/atomic"

	"github.com/evgauge/canlink"
	"go.uber.org/zap"
)

// BaseAdapter holds what every driver in this package shares: its
// configuration, logger, frame sink and close handling.
type BaseAdapter struct {
	name string
	cfg  *canlink.Config
	log  *zap.Logger

	sinkMu sync.RWMutex
	sink   canlink.FrameSink

	connected atomic.Bool

	closeOnce sync.Once
	closeChan chan struct{}
}

func NewBaseAdapter(name string, cfg *canlink.Config) *BaseAdapter {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &BaseAdapter{
		name:      name,
		cfg:       cfg,
		log:       log.Named(name),
		closeChan: make(chan struct{}),
	}
}

// Name returns the adapter name.
func (base *BaseAdapter) Name() string {
	return base.name
}

func (base *BaseAdapter) Connected() bool {
	return base.connected.Load()
}

func (base *BaseAdapter) setConnected(connected bool) {
	if base.connected.Swap(connected) != connected {
		base.log.Info("connection state", zap.Bool("connected", connected))
	}
}

func (base *BaseAdapter) setSink(sink canlink.FrameSink) {
	base.sinkMu.Lock()
	base.sink = sink
	base.sinkMu.Unlock()
}

// deliver forwards a received frame to the sink.
func (base *BaseAdapter) deliver(frame canlink.RawFrame) {
	base.sinkMu.RLock()
	sink := base.sink
	base.sinkMu.RUnlock()
	if base.cfg.Debug {
		base.log.Debug("rx", zap.String("frame", frame.String()))
	}
	if sink != nil {
		sink.OnRawFrame(frame)
	}
}

// transportError reports an asynchronous error to the sink.
func (base *BaseAdapter) transportError(kind canlink.ErrorKind) {
	base.sinkMu.RLock()
	sink := base.sink
	base.sinkMu.RUnlock()
	base.log.Warn("transport error", zap.Stringer("kind", kind))
	if sink != nil {
		sink.OnTransportError(kind)
	}
}

func (base *BaseAdapter) closed() <-chan struct{} {
	return base.closeChan
}

func (base *BaseAdapter) Close() {
	base.closeOnce.Do(func() {
		close(base.closeChan)
		base.setConnected(false)
	})
}

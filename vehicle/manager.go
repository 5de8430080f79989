package vehicle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/evgauge/canlink"
	"github.com/evgauge/canlink/broker"
	"go.uber.org/zap"
)

// EvalPeriod is how often Run evaluates the vehicle.
const EvalPeriod = 10 * time.Millisecond

// Transport is the part of canlink.Manager the vehicle manager drives.
type Transport interface {
	SendRequest(req canlink.Request) error
	EnableResponseFilter(enabled bool)
	Connected() bool
}

// Sink receives decoded values, usually a *broker.Broker.
type Sink interface {
	Set(item broker.Item, v float64)
}

// Manager polls the requests a vehicle needs for the current item mask one at
// a time and feeds matched responses to the vehicle decoder.
//
// OnResponse and OnError may be called from any goroutine. Eval must only be
// called from one goroutine at a time.
type Manager struct {
	log     *zap.Logger
	vehicle *Vehicle
	decoder Decoder
	sink    Sink

	tmu       sync.Mutex
	transport Transport

	rxMu    sync.Mutex
	rxValid bool
	rxID    uint32
	rxData  []byte

	maskMu      sync.Mutex
	maskPending bool
	newMask     broker.Item

	timedOut atomic.Bool
	failed   atomic.Bool

	active      []int
	index       int
	inProcess   bool
	sawResponse bool
	sawError    bool
}

// NewManager selects v and requests every item it supports.
func NewManager(v *Vehicle, sink Sink, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		log:     log.Named("vehicle").With(zap.String("vehicle", v.Name)),
		vehicle: v,
		decoder: v.NewDecoder(),
		sink:    sink,
	}
	m.SetRequestMask(v.Items)
	return m
}

func (m *Manager) Vehicle() *Vehicle {
	return m.vehicle
}

// Start attaches the transport requests are sent on.
func (m *Manager) Start(t Transport) {
	t.EnableResponseFilter(m.vehicle.ResponseFilter)
	m.tmu.Lock()
	m.transport = t
	m.tmu.Unlock()
}

// SetRequestMask changes the polled items, applied on the next Eval.
func (m *Manager) SetRequestMask(mask broker.Item) {
	m.maskMu.Lock()
	m.newMask = mask & m.vehicle.Items
	m.maskPending = true
	m.maskMu.Unlock()
}

// OnResponse implements canlink.Decoder. The payload is copied, a response
// arriving before the previous one was evaluated is dropped.
func (m *Manager) OnResponse(rspID uint32, payload []byte) {
	m.rxMu.Lock()
	defer m.rxMu.Unlock()
	if m.rxValid {
		m.log.Debug("response dropped, previous not evaluated", zap.Uint32("id", rspID))
		return
	}
	m.rxID = rspID
	m.rxData = append(m.rxData[:0], payload...)
	m.rxValid = true
}

// OnError implements canlink.Decoder.
func (m *Manager) OnError(kind canlink.ErrorKind) {
	switch kind {
	case canlink.ErrorKindTimeout:
		m.timedOut.Store(true)
	case canlink.ErrorKindTransmit:
		m.failed.Store(true)
	}
}

func (m *Manager) takeResponse() (uint32, []byte, bool) {
	m.rxMu.Lock()
	defer m.rxMu.Unlock()
	if !m.rxValid {
		return 0, nil, false
	}
	m.rxValid = false
	return m.rxID, append([]byte(nil), m.rxData...), true
}

func (m *Manager) takeMask() (broker.Item, bool) {
	m.maskMu.Lock()
	defer m.maskMu.Unlock()
	if !m.maskPending {
		return 0, false
	}
	m.maskPending = false
	return m.newMask, true
}

func (m *Manager) applyMask(mask broker.Item) {
	m.active = m.active[:0]
	m.index = 0
	for i, r := range m.vehicle.Requests {
		if mask.Has(r.Needs) {
			m.active = append(m.active, i)
		}
	}
	m.log.Debug("request mask", zap.Stringer("items", mask), zap.Int("requests", len(m.active)))
}

// Eval decodes the latest response, applies a pending mask change and issues
// the next request when none is in progress.
func (m *Manager) Eval() {
	if id, data, ok := m.takeResponse(); ok {
		m.sawResponse = true
		if n := MatchResponse(id, data, m.vehicle.Requests); n >= 0 {
			m.decoder.Decode(n, data, m.sink.Set)
		} else {
			m.log.Debug("unmatched response", zap.Uint32("id", id), zap.String("data", canlink.HexView(data)))
		}
	}

	if mask, ok := m.takeMask(); ok {
		m.applyMask(mask)
	}

	if m.inProcess {
		timedOut := m.timedOut.Swap(false)
		failed := m.failed.Swap(false)
		if m.sawError || m.sawResponse || timedOut || failed {
			m.inProcess = false
			if timedOut {
				m.log.Info("request timeout")
			}
		}
	}

	m.tmu.Lock()
	t := m.transport
	m.tmu.Unlock()
	if m.inProcess || len(m.active) == 0 || t == nil || !t.Connected() {
		return
	}

	req := m.vehicle.Requests[m.active[m.index]]
	m.inProcess = true
	m.sawResponse = false
	m.timedOut.Store(false)
	m.failed.Store(false)
	if err := t.SendRequest(req.Request); err != nil {
		m.sawError = true
		m.log.Error("request failed", zap.Stringer("request", req.Request), zap.Error(err))
	} else {
		m.sawError = false
	}
	m.index = (m.index + 1) % len(m.active)
}

// Run calls Eval every EvalPeriod until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	t := time.NewTicker(EvalPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			m.Eval()
		}
	}
}

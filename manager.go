package canlink

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// MaxResponseSize is the largest response the reassembly buffer holds.
const MaxResponseSize = 4096

const seqInvalid = -1

// exchange is the single outstanding request/response cycle.
type exchange struct {
	reqID     uint32
	rspID     uint32
	buf       [MaxResponseSize]byte
	expected  int
	collected int
	seq       int
}

func newExchange(req Request) *exchange {
	return &exchange{
		reqID: req.RequestID,
		rspID: req.ResponseID,
		seq:   seqInvalid,
	}
}

func (e *exchange) append(data []byte) {
	n := copy(e.buf[e.collected:e.expected], data)
	e.collected += n
}

func (e *exchange) done() bool {
	return e.collected == e.expected
}

// Manager performs ISO-TP-lite reassembly on top of one interface driver and
// correlates responses with the single outstanding request.
type Manager struct {
	log     *zap.Logger
	metrics *Metrics
	decoder Decoder

	dmu    sync.RWMutex
	driver Driver

	mu      sync.Mutex
	pending *exchange
}

type ManagerOpt func(*Manager)

func WithLogger(log *zap.Logger) ManagerOpt {
	return func(m *Manager) {
		m.log = log.Named("transport")
	}
}

func WithMetrics(metrics *Metrics) ManagerOpt {
	return func(m *Manager) {
		m.metrics = metrics
		metrics.observeConnection(m.Connected)
	}
}

func NewManager(decoder Decoder, opts ...ManagerOpt) *Manager {
	m := &Manager{
		log:     zap.NewNop(),
		decoder: decoder,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Open resolves the named driver from the registry, initializes it and makes
// it the active driver.
func (m *Manager) Open(ctx context.Context, name string, cfg *Config) error {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Logger == nil {
		cfg.Logger = m.log
	}
	drv, err := NewDriver(name, cfg)
	if err != nil {
		return err
	}
	return m.Use(ctx, drv)
}

// Use initializes drv with the Manager as its frame sink and makes it the
// active driver. A previously active driver is closed.
func (m *Manager) Use(ctx context.Context, drv Driver) error {
	if err := drv.Init(ctx, m); err != nil {
		return fmt.Errorf("%s init: %w", drv.Name(), err)
	}
	m.dmu.Lock()
	old := m.driver
	m.driver = drv
	m.dmu.Unlock()

	m.mu.Lock()
	m.pending = nil
	m.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			m.log.Warn("close previous driver", zap.String("driver", old.Name()), zap.Error(err))
		}
	}
	m.log.Info("interface active", zap.String("driver", drv.Name()))
	return nil
}

func (m *Manager) activeDriver() Driver {
	m.dmu.RLock()
	defer m.dmu.RUnlock()
	return m.driver
}

// Driver returns the active driver or nil.
func (m *Manager) Driver() Driver {
	return m.activeDriver()
}

// SendRequest starts a new exchange, replacing any earlier one, and blocks
// until the driver has resolved the transmit step.
func (m *Manager) SendRequest(req Request) error {
	drv := m.activeDriver()
	if drv == nil {
		return ErrNoDriver
	}
	if err := req.validate(); err != nil {
		return err
	}

	ex := newExchange(req)
	m.mu.Lock()
	m.pending = ex
	m.mu.Unlock()

	if err := drv.TxRequest(req.RequestID, req.ResponseID, req.Payload); err != nil {
		m.mu.Lock()
		if m.pending == ex {
			m.pending = nil
		}
		m.mu.Unlock()
		m.countRequest("failed")
		return fmt.Errorf("%s request %s: %w", drv.Name(), req, err)
	}
	m.countRequest("sent")
	return nil
}

// OnRawFrame implements FrameSink.
func (m *Manager) OnRawFrame(frame RawFrame) {
	m.mu.Lock()
	ex := m.pending
	if ex == nil || frame.ID != ex.rspID {
		m.mu.Unlock()
		m.countDropped("unexpected_id")
		return
	}
	data := frame.Payload()
	if len(data) == 0 {
		m.mu.Unlock()
		m.countDropped("empty")
		return
	}

	var firstFrame bool
	switch data[0] & 0xF0 {
	case PCISingleFrame:
		ex.expected = min(int(data[0]&0x0F), MaxResponseSize)
		ex.collected = 0
		ex.seq = seqInvalid
		ex.append(data[1:])
	case PCIFirstFrame:
		if len(data) < 2 {
			ex.seq = seqInvalid
			m.mu.Unlock()
			m.countDropped("short_first_frame")
			return
		}
		expected := int(data[0]&0x0F)<<8 | int(data[1])
		if expected > MaxResponseSize {
			ex.seq = seqInvalid
			m.mu.Unlock()
			m.countDropped("oversize")
			return
		}
		firstFrame = true
		ex.expected = expected
		ex.collected = 0
		ex.seq = 1
		ex.append(data[2:])
	case PCIConsecutiveFrame:
		if ex.seq == seqInvalid || int(data[0]&0x0F) != ex.seq {
			m.mu.Unlock()
			m.countDropped("sequence")
			m.log.Debug("consecutive frame out of sequence", zap.Uint8("seq", data[0]&0x0F), zap.Int("expected", ex.seq))
			return
		}
		ex.seq = (ex.seq + 1) & 0x0F
		ex.append(data[1:])
	default:
		m.mu.Unlock()
		m.countDropped("pci")
		return
	}

	var payload []byte
	if ex.done() {
		payload = make([]byte, ex.collected)
		copy(payload, ex.buf[:ex.collected])
		m.pending = nil
	}
	reqID, rspID := ex.reqID, ex.rspID
	m.mu.Unlock()

	drv := m.activeDriver()
	if firstFrame && reqID != 0 && drv != nil {
		m.flowControl(drv, reqID)
	}
	if payload != nil {
		if drv != nil {
			drv.ResponseComplete()
		}
		if m.metrics != nil {
			m.metrics.Responses.Inc()
			m.metrics.ResponseBytes.Observe(float64(len(payload)))
		}
		if m.decoder != nil {
			m.decoder.OnResponse(rspID, payload)
		}
	}
}

// flowControl is sent after every first frame, even one that already carries
// the whole payload.
func (m *Manager) flowControl(drv Driver, reqID uint32) {
	if err := drv.TxFlowControl(reqID, FlowControlContinue[:]); err != nil {
		m.log.Warn("flow control", zap.Uint32("id", reqID), zap.Error(err))
		return
	}
	if m.metrics != nil {
		m.metrics.FlowControl.Inc()
	}
}

// OnTransportError implements FrameSink. The pending exchange is abandoned
// and the error forwarded unchanged.
func (m *Manager) OnTransportError(kind ErrorKind) {
	m.mu.Lock()
	m.pending = nil
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.Errors.WithLabelValues(kind.String()).Inc()
	}
	m.log.Debug("transport error", zap.Stringer("kind", kind))
	if m.decoder != nil {
		m.decoder.OnError(kind)
	}
}

func (m *Manager) EnableResponseFilter(enabled bool) {
	if drv := m.activeDriver(); drv != nil {
		drv.EnableResponseFilter(enabled)
	}
}

func (m *Manager) Connected() bool {
	drv := m.activeDriver()
	return drv != nil && drv.Connected()
}

// Pending reports whether an exchange is outstanding.
func (m *Manager) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending != nil
}

func (m *Manager) Close() error {
	m.dmu.Lock()
	drv := m.driver
	m.driver = nil
	m.dmu.Unlock()
	m.mu.Lock()
	m.pending = nil
	m.mu.Unlock()
	if drv == nil {
		return nil
	}
	return drv.Close()
}

func (m *Manager) countRequest(status string) {
	if m.metrics != nil {
		m.metrics.Requests.WithLabelValues(status).Inc()
	}
}

func (m *Manager) countDropped(reason string) {
	if m.metrics != nil {
		m.metrics.DroppedFrames.WithLabelValues(reason).Inc()
	}
}

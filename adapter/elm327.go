package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/evgauge/canlink"
	"github.com/evgauge/canlink/stream"
	"go.uber.org/zap"
)

// elmLatencyFactor scales the vehicle timeout to cover link and adapter
// latency for one line.
const elmLatencyFactor = 10

// elmInitRetry is the pause before a failed initialization starts over.
var elmInitRetry = time.Second

type opState int

const (
	opDisconnected opState = iota
	opInitializing
	opConnected
)

func (s opState) String() string {
	switch s {
	case opDisconnected:
		return "disconnected"
	case opInitializing:
		return "initializing"
	case opConnected:
		return "connected"
	default:
		return "unknown"
	}
}

type txState int

const (
	txIdle txState = iota
	txATCmd
	txReqPkt
	txTimeout
	txError
)

func (s txState) String() string {
	switch s {
	case txIdle:
		return "idle"
	case txATCmd:
		return "at_cmd"
	case txReqPkt:
		return "req_pkt"
	case txTimeout:
		return "timeout"
	case txError:
		return "error"
	default:
		return "unknown"
	}
}

// headerCache remembers what the adapter was last configured with so
// commands are only repeated when a value changes.
type headerCache struct {
	widthSet bool
	extended bool
	reqSet   bool
	reqID    uint32
	rspSet   bool
	rspID    uint32
}

// ELM327 drives an AT-command adapter over a stream.Transport.
type ELM327 struct {
	*BaseAdapter
	transport stream.Transport
	timeout   time.Duration

	// txMu serializes lines in flight, init and requests share the adapter.
	txMu sync.Mutex

	mu      sync.Mutex
	op      opState
	tx      txState
	cause   error
	done    chan struct{}
	hdr     headerCache
	version string
	v15     bool

	rxMu sync.Mutex
	rx   ringBuffer

	initKick chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewELM327(name string, cfg *canlink.Config, transport stream.Transport) *ELM327 {
	return &ELM327{
		BaseAdapter: NewBaseAdapter(name, cfg),
		transport:   transport,
		timeout:     cfg.RequestTimeout * elmLatencyFactor,
		initKick:    make(chan struct{}, 1),
	}
}

// Init starts the transport and the initialization worker. The adapter is
// configured asynchronously once the transport reports a connection.
func (e *ELM327) Init(ctx context.Context, sink canlink.FrameSink) error {
	e.setSink(sink)
	ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		if err := e.transport.Run(ctx, e); err != nil && !errors.Is(err, context.Canceled) {
			e.log.Error("transport stopped", zap.Error(err))
		}
		e.SetConnected(false)
	}()
	go func() {
		defer e.wg.Done()
		e.initLoop(ctx)
	}()
	return nil
}

// SetConnected implements stream.Handler.
func (e *ELM327) SetConnected(connected bool) {
	e.mu.Lock()
	if connected {
		if e.op == opDisconnected {
			e.setOp(opInitializing)
		}
		e.mu.Unlock()
		return
	}
	e.setOp(opDisconnected)
	e.resolve(txError, canlink.ErrNotConnected)
	e.mu.Unlock()

	e.rxMu.Lock()
	e.rx.reset()
	e.rxMu.Unlock()
}

// TxFailed implements stream.Handler.
func (e *ELM327) TxFailed() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resolve(txError, canlink.ErrTransmit)
}

// setOp changes the operational state. Must hold e.mu.
func (e *ELM327) setOp(op opState) {
	if e.op == op {
		return
	}
	e.log.Debug("state", zap.Stringer("from", e.op), zap.Stringer("to", op))
	e.op = op
	e.setConnected(op == opConnected)
	if op == opInitializing {
		select {
		case e.initKick <- struct{}{}:
		default:
		}
	}
}

// resolve ends the line in flight. Must hold e.mu.
func (e *ELM327) resolve(state txState, cause error) {
	if e.tx != txATCmd && e.tx != txReqPkt {
		return
	}
	e.tx = state
	e.cause = cause
	if e.done != nil {
		close(e.done)
		e.done = nil
	}
}

func (e *ELM327) initLoop(ctx context.Context) {
	commands := elm327InitCommands(e.cfg.RequestTimeout)
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.initKick:
		}

		for e.opState() == opInitializing {
			e.mu.Lock()
			e.version = ""
			e.hdr = headerCache{}
			e.mu.Unlock()

			if err := e.runCommands(commands); err != nil {
				e.log.Warn("ELM327 init failed", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(elmInitRetry):
				}
				continue
			}

			e.mu.Lock()
			if e.op == opInitializing {
				e.v15 = e.version == elm327Version15
				e.setOp(opConnected)
				e.log.Info("found ELM327", zap.String("version", e.version), zap.Bool("quirks", e.v15))
			}
			e.mu.Unlock()
		}
	}
}

func (e *ELM327) runCommands(commands []string) error {
	for _, cmd := range commands {
		if err := e.sendLine(txATCmd, cmd); err != nil {
			return fmt.Errorf("%s: %w", cmd, err)
		}
	}
	return nil
}

func (e *ELM327) opState() opState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.op
}

// sendLine writes one line and blocks until the receive path resolves it or
// the line times out.
func (e *ELM327) sendLine(state txState, line string) error {
	e.txMu.Lock()
	defer e.txMu.Unlock()

	done := make(chan struct{})
	e.mu.Lock()
	e.tx = state
	e.cause = nil
	e.done = done
	e.mu.Unlock()

	if e.cfg.Debug {
		e.log.Debug("tx", zap.String("line", line), zap.Stringer("state", state))
	}
	if err := e.transport.SendLine(line); err != nil {
		e.mu.Lock()
		e.tx = txIdle
		e.done = nil
		e.mu.Unlock()
		if errors.Is(err, canlink.ErrTransmit) {
			return err
		}
		return fmt.Errorf("%w: %v", canlink.ErrTransmit, err)
	}

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		e.mu.Lock()
		if e.done == done {
			e.tx = txTimeout
			e.done = nil
		}
		e.mu.Unlock()
	case <-e.closed():
		e.mu.Lock()
		e.resolve(txError, canlink.ErrNotConnected)
		e.mu.Unlock()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	state, cause := e.tx, e.cause
	e.tx = txIdle
	e.cause = nil
	switch state {
	case txTimeout:
		return &canlink.TimeoutError{Timeout: e.timeout.Milliseconds(), Type: "ELM327 " + line}
	case txError:
		if cause == nil {
			cause = canlink.ErrMalformedResponse
		}
		return cause
	}
	return nil
}

func (e *ELM327) TxRequest(reqID, rspID uint32, payload []byte) error {
	if !e.Connected() {
		return canlink.ErrNotConnected
	}
	if len(payload) > canlink.MaxFrameData {
		return canlink.ErrPayloadTooLong
	}
	if len(payload) == 0 {
		return errors.New("empty request payload")
	}
	if err := e.configureHeaders(reqID, rspID); err != nil {
		return e.requestFailed(err)
	}
	e.mu.Lock()
	line := encodePayload(payload, e.v15)
	e.mu.Unlock()
	err := e.sendLine(txReqPkt, line)
	var te *canlink.TimeoutError
	if errors.As(err, &te) {
		te.Frames = []uint32{rspID}
	}
	return e.requestFailed(err)
}

// configureHeaders issues protocol, header and receive address commands
// whose value changed since the last request.
func (e *ELM327) configureHeaders(reqID, rspID uint32) error {
	e.mu.Lock()
	hdr := e.hdr
	v15 := e.v15
	e.mu.Unlock()

	extended := canlink.IsExtendedID(reqID)
	if !hdr.widthSet || hdr.extended != extended {
		if err := e.sendLine(txATCmd, protocolCommand(extended, e.cfg.CAN500k)); err != nil {
			return err
		}
		hdr.widthSet, hdr.extended = true, extended
		e.storeHeaders(hdr)
	}

	if !hdr.reqSet || hdr.reqID != reqID {
		cmds := append(headerCommands(reqID, v15), flowControlHeaderCommand(reqID))
		if err := e.runCommands(cmds); err != nil {
			return err
		}
		hdr.reqSet, hdr.reqID = true, reqID
		e.storeHeaders(hdr)
	}

	if !hdr.rspSet || hdr.rspID != rspID {
		if err := e.sendLine(txATCmd, receiveAddressCommand(rspID)); err != nil {
			return err
		}
		hdr.rspSet, hdr.rspID = true, rspID
		e.storeHeaders(hdr)
	}
	return nil
}

func (e *ELM327) storeHeaders(hdr headerCache) {
	e.mu.Lock()
	e.hdr = hdr
	e.mu.Unlock()
}

// requestFailed reports err to the sink. A timeout also restarts adapter
// initialization. Malformed responses are only returned.
func (e *ELM327) requestFailed(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, canlink.ErrTimeout):
		e.transportError(canlink.ErrorKindTimeout)
		e.mu.Lock()
		if e.op == opConnected {
			e.setOp(opInitializing)
		}
		e.mu.Unlock()
	case errors.Is(err, canlink.ErrTransmit), errors.Is(err, canlink.ErrNotConnected):
		e.transportError(canlink.ErrorKindTransmit)
	}
	return err
}

// TxFlowControl is a no-op, the adapter was configured to send flow control
// itself.
func (e *ELM327) TxFlowControl(uint32, []byte) error {
	return nil
}

// EnableResponseFilter is a no-op, ATCRA always narrows to the response id.
func (e *ELM327) EnableResponseFilter(bool) {}

func (e *ELM327) ResponseComplete() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tx == txReqPkt {
		e.resolve(txIdle, nil)
	}
}

// Version returns the firmware version reported by the adapter.
func (e *ELM327) Version() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version
}

func (e *ELM327) Close() error {
	e.BaseAdapter.Close()
	if e.cancel != nil {
		e.cancel()
	}
	err := e.transport.Close()
	e.wg.Wait()
	return err
}

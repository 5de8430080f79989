package adapter

import (
	"context"
	"errors"
	"sync"

	"github.com/evgauge/canlink"
	"go.uber.org/zap"
)

var errControllerDisabled = errors.New("controller disabled")

// VirtualController is an in-memory Controller. Transmitted frames are
// recorded and handed to Responder, whose answers are delivered from a
// receive goroutine like a hardware interrupt would.
type VirtualController struct {
	// Responder, when set, produces the frames the bus answers with.
	Responder func(canlink.RawFrame) []canlink.RawFrame
	// TransmitErr, when set, fails every Transmit.
	TransmitErr error
	// FilterErr, when set, fails every SetFilter.
	FilterErr error

	mu          sync.Mutex
	handler     ControllerHandler
	filter      Filter
	enabled     bool
	bitrate     uint32
	sent        []canlink.RawFrame
	filterLog   []Filter
	recoveries  int
	rx          chan canlink.RawFrame
	closeOnce   sync.Once
	closeChan   chan struct{}
	receiverRun sync.WaitGroup
}

func NewVirtualController() *VirtualController {
	return &VirtualController{
		filter:    AcceptAll,
		rx:        make(chan canlink.RawFrame, 1024),
		closeChan: make(chan struct{}),
	}
}

func (v *VirtualController) Open(_ context.Context, bitrate uint32, handler ControllerHandler) error {
	v.mu.Lock()
	v.handler = handler
	v.bitrate = bitrate
	v.mu.Unlock()
	v.receiverRun.Add(1)
	go v.recvManager()
	return nil
}

func (v *VirtualController) recvManager() {
	defer v.receiverRun.Done()
	for {
		select {
		case <-v.closeChan:
			return
		case f := <-v.rx:
			v.mu.Lock()
			accept := v.enabled && v.filter.Match(f.ID)
			onFrame := v.handler.OnFrame
			v.mu.Unlock()
			if accept && onFrame != nil {
				onFrame(f)
			}
		}
	}
}

func (v *VirtualController) SetFilter(f Filter) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.FilterErr != nil {
		return v.FilterErr
	}
	if v.enabled {
		return errors.New("filter change while controller enabled")
	}
	v.filter = f
	v.filterLog = append(v.filterLog, f)
	return nil
}

func (v *VirtualController) Enable() error {
	v.mu.Lock()
	v.enabled = true
	v.mu.Unlock()
	return nil
}

func (v *VirtualController) Disable() error {
	v.mu.Lock()
	v.enabled = false
	v.mu.Unlock()
	return nil
}

func (v *VirtualController) Transmit(_ context.Context, frame canlink.RawFrame) error {
	v.mu.Lock()
	if !v.enabled {
		v.mu.Unlock()
		return errControllerDisabled
	}
	if v.TransmitErr != nil {
		v.mu.Unlock()
		return v.TransmitErr
	}
	v.sent = append(v.sent, frame)
	responder := v.Responder
	v.mu.Unlock()

	if responder != nil {
		for _, rsp := range responder(frame) {
			v.Inject(rsp)
		}
	}
	return nil
}

// Inject puts a frame on the virtual bus.
func (v *VirtualController) Inject(frame canlink.RawFrame) {
	select {
	case v.rx <- frame:
	default:
	}
}

// SetBusState simulates a controller state change.
func (v *VirtualController) SetBusState(state BusState) {
	v.mu.Lock()
	onState := v.handler.OnStateChange
	v.mu.Unlock()
	if onState != nil {
		onState(state)
	}
}

func (v *VirtualController) Recover() error {
	v.mu.Lock()
	v.recoveries++
	v.mu.Unlock()
	return nil
}

// Sent returns a copy of every transmitted frame.
func (v *VirtualController) Sent() []canlink.RawFrame {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]canlink.RawFrame(nil), v.sent...)
}

// Filters returns every filter installed so far.
func (v *VirtualController) Filters() []Filter {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]Filter(nil), v.filterLog...)
}

func (v *VirtualController) Recoveries() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.recoveries
}

func (v *VirtualController) Close() error {
	v.closeOnce.Do(func() {
		close(v.closeChan)
	})
	v.receiverRun.Wait()
	return nil
}

// ECU answers diagnostic requests on a VirtualController. Responses longer
// than a single frame are segmented and the consecutive frames are held back
// until the flow control frame arrives.
type ECU struct {
	log *zap.Logger

	mu        sync.Mutex
	responses map[uint32]map[string][]byte
	routes    map[uint32]uint32
	held      map[uint32][]canlink.RawFrame
}

func NewECU(log *zap.Logger) *ECU {
	if log == nil {
		log = zap.NewNop()
	}
	return &ECU{
		log:       log.Named("ecu"),
		responses: make(map[uint32]map[string][]byte),
		routes:    make(map[uint32]uint32),
		held:      make(map[uint32][]canlink.RawFrame),
	}
}

// Handle registers the response for a request payload (without the single
// frame length byte) sent to reqID.
func (e *ECU) Handle(reqID, rspID uint32, request, response []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.routes[reqID] = rspID
	if e.responses[reqID] == nil {
		e.responses[reqID] = make(map[string][]byte)
	}
	e.responses[reqID][string(request)] = append([]byte(nil), response...)
}

// Respond implements VirtualController.Responder.
func (e *ECU) Respond(req canlink.RawFrame) []canlink.RawFrame {
	e.mu.Lock()
	defer e.mu.Unlock()
	rspID, ok := e.routes[req.ID]
	if !ok {
		return nil
	}
	data := req.Payload()
	if len(data) == 0 {
		return nil
	}
	switch data[0] & 0xF0 {
	case canlink.PCIFlowControl:
		out := e.held[req.ID]
		delete(e.held, req.ID)
		return out
	case canlink.PCISingleFrame:
	default:
		return nil
	}
	n := min(int(data[0]&0x0F), len(data)-1)
	request := data[1 : 1+n]
	response, ok := e.responses[req.ID][string(request)]
	if !ok {
		if len(request) == 0 {
			return nil
		}
		e.log.Debug("no response programmed", zap.String("request", canlink.HexView(request)))
		response = []byte{0x7F, request[0], 0x31}
	}
	frames := Segment(rspID, response)
	if len(frames) > 1 {
		e.held[req.ID] = frames[1:]
		return frames[:1]
	}
	return frames
}

// Segment splits payload into ISO-TP-lite frames padded to 8 bytes.
func Segment(id uint32, payload []byte) []canlink.RawFrame {
	pad := func(b []byte) []byte {
		out := make([]byte, canlink.MaxFrameData)
		for i := range out {
			out[i] = 0xAA
		}
		copy(out, b)
		return out
	}
	if len(payload) <= 7 {
		return []canlink.RawFrame{canlink.NewRawFrame(id, pad(append([]byte{byte(len(payload))}, payload...)))}
	}
	first := append([]byte{canlink.PCIFirstFrame | byte(len(payload)>>8&0x0F), byte(len(payload))}, payload[:6]...)
	frames := []canlink.RawFrame{canlink.NewRawFrame(id, first)}
	seq := byte(1)
	for rest := payload[6:]; len(rest) > 0; {
		n := min(7, len(rest))
		frames = append(frames, canlink.NewRawFrame(id, pad(append([]byte{canlink.PCIConsecutiveFrame | seq}, rest[:n]...))))
		rest = rest[n:]
		seq = (seq + 1) & 0x0F
	}
	return frames
}

// NewVirtual builds a Native driver on a VirtualController answered by ecu.
func NewVirtual(cfg *canlink.Config, ecu *ECU) *Native {
	ctrl := NewVirtualController()
	if ecu != nil {
		ctrl.Responder = ecu.Respond
	}
	return NewNative("Virtual", cfg, ctrl)
}

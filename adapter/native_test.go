package adapter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/evgauge/canlink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sinkRecorder struct {
	mu     sync.Mutex
	frames []canlink.RawFrame
	errs   []canlink.ErrorKind
}

func (s *sinkRecorder) OnRawFrame(f canlink.RawFrame) {
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
}

func (s *sinkRecorder) OnTransportError(kind canlink.ErrorKind) {
	s.mu.Lock()
	s.errs = append(s.errs, kind)
	s.mu.Unlock()
}

func (s *sinkRecorder) Frames() []canlink.RawFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]canlink.RawFrame(nil), s.frames...)
}

func (s *sinkRecorder) Errors() []canlink.ErrorKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]canlink.ErrorKind(nil), s.errs...)
}

func newTestNative(t *testing.T, timeout time.Duration) (*Native, *VirtualController, *sinkRecorder) {
	t.Helper()
	ctrl := NewVirtualController()
	n := NewNative("Virtual", &canlink.Config{RequestTimeout: timeout, CAN500k: true}, ctrl)
	sink := &sinkRecorder{}
	require.NoError(t, n.Init(context.Background(), sink))
	t.Cleanup(func() { n.Close() })
	return n, ctrl, sink
}

func TestNativeInit(t *testing.T) {
	n, ctrl, _ := newTestNative(t, time.Second)
	assert.True(t, n.Connected())
	assert.Equal(t, uint32(500000), ctrl.bitrate)
	assert.Equal(t, []Filter{AcceptAll}, ctrl.Filters())
}

func TestNativeForwardsFrames(t *testing.T) {
	_, ctrl, sink := newTestNative(t, time.Second)
	ctrl.Inject(canlink.NewRawFrame(0x5B3, []byte{1, 2, 3}))
	require.Eventually(t, func() bool { return len(sink.Frames()) == 1 }, time.Second, 5*time.Millisecond)
	f := sink.Frames()[0]
	assert.Equal(t, uint32(0x5B3), f.ID)
	assert.Equal(t, []byte{1, 2, 3}, f.Payload())
}

func TestNativeResponseFilter(t *testing.T) {
	n, ctrl, sink := newTestNative(t, time.Second)
	n.EnableResponseFilter(true)

	require.NoError(t, n.TxRequest(0x797, 0x79A, []byte{0x03, 0x22, 0x12, 0x03}))
	n.ResponseComplete()
	require.NoError(t, n.TxRequest(0x797, 0x79A, []byte{0x03, 0x22, 0x12, 0x04}))
	n.ResponseComplete()
	assert.Equal(t, []Filter{AcceptAll, SingleID(0x79A)}, ctrl.Filters())

	ctrl.Inject(canlink.NewRawFrame(0x7BB, []byte{0x03, 0x62, 0x01, 0x01}))
	ctrl.Inject(canlink.NewRawFrame(0x79A, []byte{0x03, 0x62, 0x12, 0x03}))
	require.Eventually(t, func() bool { return len(sink.Frames()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint32(0x79A), sink.Frames()[0].ID)

	n.EnableResponseFilter(false)
	assert.Equal(t, []Filter{AcceptAll, SingleID(0x79A), AcceptAll}, ctrl.Filters())
}

func TestNativeExtendedFilter(t *testing.T) {
	f := SingleID(0x18DAF1DA)
	assert.True(t, f.Extended)
	assert.True(t, f.Match(0x18DAF1DA))
	assert.False(t, f.Match(0x18DAF1DB))
	assert.True(t, SingleID(0x7E8).Match(0x7E8))
	assert.True(t, AcceptAll.Match(0x123))
}

func TestNativeTimeout(t *testing.T) {
	n, _, sink := newTestNative(t, 20*time.Millisecond)
	require.NoError(t, n.TxRequest(0x7E0, 0x7E8, []byte{0x02, 0x01, 0x0D}))
	require.Eventually(t, func() bool { return len(sink.Errors()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, canlink.ErrorKindTimeout, sink.Errors()[0])
}

func TestNativeResponseCompleteStopsTimer(t *testing.T) {
	n, _, sink := newTestNative(t, 20*time.Millisecond)
	require.NoError(t, n.TxRequest(0x7E0, 0x7E8, []byte{0x02, 0x01, 0x0D}))
	n.ResponseComplete()
	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, sink.Errors())
}

func TestNativeTransmitFailure(t *testing.T) {
	n, ctrl, sink := newTestNative(t, time.Second)
	ctrl.TransmitErr = errors.New("tx buffer full")
	err := n.TxRequest(0x7E0, 0x7E8, []byte{0x02, 0x01, 0x0D})
	assert.ErrorIs(t, err, canlink.ErrTransmit)
	assert.Equal(t, []canlink.ErrorKind{canlink.ErrorKindTransmit}, sink.Errors())
}

func TestNativeFilterFailure(t *testing.T) {
	n, ctrl, sink := newTestNative(t, time.Second)
	n.EnableResponseFilter(true)
	ctrl.FilterErr = errors.New("controller busy")

	err := n.TxRequest(0x797, 0x79A, []byte{0x03, 0x22, 0x12, 0x03})
	assert.ErrorIs(t, err, canlink.ErrTransmit)
	assert.Equal(t, []canlink.ErrorKind{canlink.ErrorKindTransmit}, sink.Errors())
	assert.Empty(t, ctrl.Sent())

	// the controller is running again
	ctrl.FilterErr = nil
	n.EnableResponseFilter(false)
	require.NoError(t, n.TxRequest(0x797, 0x79A, []byte{0x03, 0x22, 0x12, 0x03}))
}

func TestNativeInitFailureClosesController(t *testing.T) {
	ctrl := NewVirtualController()
	ctrl.FilterErr = errors.New("no filter slots")
	n := NewNative("Virtual", &canlink.Config{RequestTimeout: time.Second}, ctrl)

	err := n.Init(context.Background(), &sinkRecorder{})
	assert.ErrorContains(t, err, "set filter")
	assert.False(t, n.Connected())
	select {
	case <-ctrl.closeChan:
	default:
		t.Fatal("controller left open")
	}
}

func TestNativeNotConnected(t *testing.T) {
	ctrl := NewVirtualController()
	n := NewNative("Virtual", &canlink.Config{RequestTimeout: time.Second}, ctrl)
	assert.ErrorIs(t, n.TxRequest(0x7E0, 0x7E8, []byte{0x01}), canlink.ErrNotConnected)
}

func TestNativeBusOffRecovers(t *testing.T) {
	_, ctrl, sink := newTestNative(t, time.Second)
	ctrl.SetBusState(BusPassive)
	assert.Equal(t, 0, ctrl.Recoveries())
	ctrl.SetBusState(BusOff)
	assert.Equal(t, 1, ctrl.Recoveries())
	assert.Empty(t, sink.Errors())
}

func TestNativeFlowControl(t *testing.T) {
	n, ctrl, _ := newTestNative(t, time.Second)
	require.NoError(t, n.TxFlowControl(0x79B, canlink.FlowControlContinue[:]))
	sent := ctrl.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, uint32(0x79B), sent[0].ID)
	assert.Equal(t, canlink.FlowControlContinue[:], sent[0].Payload())
}

func TestSegment(t *testing.T) {
	frames := Segment(0x7BB, []byte{0x62, 0x12, 0x03})
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{0x03, 0x62, 0x12, 0x03, 0xAA, 0xAA, 0xAA, 0xAA}, frames[0].Payload())

	payload := make([]byte, 20)
	for i := range payload {
		payload[i] = byte(i)
	}
	frames = Segment(0x7BB, payload)
	require.Len(t, frames, 3)
	assert.Equal(t, []byte{0x10, 20, 0, 1, 2, 3, 4, 5}, frames[0].Payload())
	assert.Equal(t, byte(0x21), frames[1].Data[0])
	assert.Equal(t, byte(0x22), frames[2].Data[0])
}

func TestVirtualStack(t *testing.T) {
	payload := []byte{0x61, 0x01}
	for i := 0; i < 51; i++ {
		payload = append(payload, byte(i))
	}
	ecu := NewECU(nil)
	ecu.Handle(0x79B, 0x7BB, []byte{0x21, 0x01}, payload)
	ecu.Handle(0x797, 0x79A, []byte{0x22, 0x12, 0x03}, []byte{0x62, 0x12, 0x03, 0x8C})

	var (
		mu        sync.Mutex
		responses [][]byte
	)
	m := canlink.NewManager(canlink.DecoderFuncs{
		Response: func(_ uint32, data []byte) {
			mu.Lock()
			responses = append(responses, data)
			mu.Unlock()
		},
	})
	drv := NewVirtual(&canlink.Config{RequestTimeout: time.Second, CAN500k: true}, ecu)
	require.NoError(t, m.Use(context.Background(), drv))
	defer m.Close()

	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(responses)
	}

	require.NoError(t, m.SendRequest(canlink.Request{RequestID: 0x79B, ResponseID: 0x7BB, Payload: []byte{0x02, 0x21, 0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}}))
	require.Eventually(t, func() bool { return count() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.SendRequest(canlink.Request{RequestID: 0x797, ResponseID: 0x79A, Payload: []byte{0x03, 0x22, 0x12, 0x03, 0x00, 0x00, 0x00, 0x00}}))
	require.Eventually(t, func() bool { return count() == 2 }, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, payload, responses[0])
	assert.Equal(t, []byte{0x62, 0x12, 0x03, 0x8C}, responses[1])

	ctrl := drv.ctrl.(*VirtualController)
	var fc int
	for _, f := range ctrl.Sent() {
		if f.ID == 0x79B && f.Data[0] == canlink.PCIFlowControl {
			fc++
		}
	}
	assert.Equal(t, 1, fc)
}

package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/evgauge/canlink"
	"github.com/evgauge/canlink/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeELM answers lines like an ELM327 would over a stream.Transport.
type fakeELM struct {
	mu      sync.Mutex
	h       stream.Handler
	lines   []string
	banner  string
	data    map[string]string
	fail    map[string]int
	sendErr error
	chunk   int
}

func newFakeELM(banner string) *fakeELM {
	return &fakeELM{
		banner: banner,
		data:   make(map[string]string),
		fail:   make(map[string]int),
	}
}

func (f *fakeELM) Run(ctx context.Context, h stream.Handler) error {
	f.mu.Lock()
	f.h = h
	f.mu.Unlock()
	h.SetConnected(true)
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeELM) reply(line string) string {
	if n := f.fail[line]; n > 0 {
		f.fail[line] = n - 1
		return "?\r\r>"
	}
	switch {
	case line == "ATZ":
		return "ATZ\r\r\r" + f.banner + "\r\r>"
	case strings.HasPrefix(line, "AT"):
		return "OK\r\r>"
	}
	rsp, ok := f.data[line]
	if !ok {
		return "NO DATA\r\r>"
	}
	return rsp
}

func (f *fakeELM) SendLine(line string) error {
	f.mu.Lock()
	f.lines = append(f.lines, line)
	if f.sendErr != nil {
		err := f.sendErr
		h := f.h
		f.mu.Unlock()
		h.TxFailed()
		return fmt.Errorf("%w: %v", canlink.ErrTransmit, err)
	}
	rsp := f.reply(line)
	h, chunk := f.h, f.chunk
	f.mu.Unlock()

	if rsp == "" {
		return nil
	}
	go func() {
		b := []byte(rsp)
		if chunk <= 0 {
			chunk = len(b)
		}
		for len(b) > 0 {
			n := min(chunk, len(b))
			h.Deliver(b[:n])
			b = b[n:]
		}
	}()
	return nil
}

func (f *fakeELM) Close() error { return nil }

func (f *fakeELM) Lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func (f *fakeELM) reset() {
	f.mu.Lock()
	f.lines = nil
	f.mu.Unlock()
}

type decodeRecorder struct {
	mu        sync.Mutex
	responses [][]byte
	errs      []canlink.ErrorKind
}

func (d *decodeRecorder) OnResponse(_ uint32, payload []byte) {
	d.mu.Lock()
	d.responses = append(d.responses, payload)
	d.mu.Unlock()
}

func (d *decodeRecorder) OnError(kind canlink.ErrorKind) {
	d.mu.Lock()
	d.errs = append(d.errs, kind)
	d.mu.Unlock()
}

func (d *decodeRecorder) Responses() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.responses...)
}

func (d *decodeRecorder) Errors() []canlink.ErrorKind {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]canlink.ErrorKind(nil), d.errs...)
}

func startELM(t *testing.T, fake *fakeELM, timeout time.Duration) (*ELM327, *canlink.Manager, *decodeRecorder) {
	t.Helper()
	rec := &decodeRecorder{}
	m := canlink.NewManager(rec)
	elm := NewELM327("ELM327 Test", &canlink.Config{RequestTimeout: timeout, CAN500k: true}, fake)
	require.NoError(t, m.Use(context.Background(), elm))
	t.Cleanup(func() { m.Close() })
	require.Eventually(t, elm.Connected, 2*time.Second, 5*time.Millisecond)
	return elm, m, rec
}

func waitResponses(t *testing.T, rec *decodeRecorder, n int) [][]byte {
	t.Helper()
	require.Eventually(t, func() bool { return len(rec.Responses()) == n }, time.Second, time.Millisecond)
	return rec.Responses()
}

var leafRequest = canlink.Request{RequestID: 0x797, ResponseID: 0x79A, Payload: []byte{0x03, 0x22, 0x12, 0x03, 0x00, 0x00, 0x00, 0x00}}

func TestELM327Init(t *testing.T) {
	fake := newFakeELM("ELM327 v2.1")
	elm, _, _ := startELM(t, fake, 500*time.Millisecond)

	assert.Equal(t, []string{
		"ATZ", "ATE0", "ATCAF0", "ATCFC1", "ATM0", "ATL0", "ATH0", "ATS1",
		"ATST7D", "ATFCSH710", "ATFCSD300000", "ATFCSM1",
	}, fake.Lines())
	assert.Equal(t, "2.1", elm.Version())
	assert.False(t, elm.v15)
}

func TestELM327Version15Quirk(t *testing.T) {
	fake := newFakeELM("ELM327 v1.5")
	fake.data["03221203"] = "03 62 12 03 8C 00 00 00\r\r>"
	elm, m, rec := startELM(t, fake, 50*time.Millisecond)
	assert.Equal(t, "1.5", elm.Version())
	assert.True(t, elm.v15)

	fake.reset()
	require.NoError(t, m.SendRequest(leafRequest))
	assert.Equal(t, []string{"ATTP6", "ATSH797", "ATFCSH797", "ATCRA79A", "03221203"}, fake.Lines())
	assert.Equal(t, []byte{0x62, 0x12, 0x03}, waitResponses(t, rec, 1)[0])

	fake.reset()
	fake.data["0322F190"] = "03 62 F1 90 00 00 00 00\r\r>"
	_ = m.SendRequest(canlink.Request{RequestID: 0x18DA07F1, ResponseID: 0x18DAF107, Payload: []byte{0x03, 0x22, 0xF1, 0x90, 0x00, 0x00, 0x00, 0x00}})
	lines := fake.Lines()
	require.GreaterOrEqual(t, len(lines), 5)
	assert.Equal(t, []string{"ATTP7", "ATCP18", "ATSHDA07F1", "ATFCSH18DA07F1", "ATCRA18DAF107"}, lines[:5])
}

func TestELM327HeaderWidthSwitch(t *testing.T) {
	fake := newFakeELM("ELM327 v2.1")
	fake.data["0322120300000000"] = "03 62 12 03 8C 00 00 00\r\r>"
	fake.data["0322010100000000"] = "03 62 01 01 20 00 00 00\r\r>"
	_, m, rec := startELM(t, fake, 50*time.Millisecond)

	countTP := func() int {
		n := 0
		for _, l := range fake.Lines() {
			if strings.HasPrefix(l, "ATTP") {
				n++
			}
		}
		return n
	}

	fake.reset()
	require.NoError(t, m.SendRequest(leafRequest))
	assert.Equal(t, 1, countTP())

	fake.reset()
	require.NoError(t, m.SendRequest(leafRequest))
	assert.Equal(t, []string{"0322120300000000"}, fake.Lines())

	extended := canlink.Request{RequestID: 0x18DA07F1, ResponseID: 0x18DAF107, Payload: []byte{0x03, 0x22, 0x01, 0x01, 0x00, 0x00, 0x00, 0x00}}
	fake.reset()
	require.NoError(t, m.SendRequest(extended))
	assert.Equal(t, 1, countTP())
	assert.Contains(t, fake.Lines(), "ATTP7")
	assert.Contains(t, fake.Lines(), "ATSH18DA07F1")
	assert.Contains(t, fake.Lines(), "ATFCSH18DA07F1")
	assert.Contains(t, fake.Lines(), "ATCRA18DAF107")

	fake.reset()
	require.NoError(t, m.SendRequest(extended))
	assert.Equal(t, 0, countTP())
	waitResponses(t, rec, 4)
}

func TestELM327NoData(t *testing.T) {
	fake := newFakeELM("ELM327 v2.1")
	_, m, rec := startELM(t, fake, 50*time.Millisecond)

	err := m.SendRequest(leafRequest)
	assert.ErrorIs(t, err, canlink.ErrMalformedResponse)
	assert.Empty(t, rec.Responses())
	assert.Empty(t, rec.Errors())
}

func TestELM327MultiFrame(t *testing.T) {
	fake := newFakeELM("ELM327 v2.1")
	fake.chunk = 5
	fake.data["0221010000000000"] = strings.Join([]string{
		"10 14 61 01 02 03 04 05",
		"21 06 07 08 09 0A 0B 0C",
		"22 0D 0E 0F 10 11 12 13",
	}, "\r") + "\r\r>"
	_, m, rec := startELM(t, fake, 50*time.Millisecond)

	require.NoError(t, m.SendRequest(canlink.Request{RequestID: 0x79B, ResponseID: 0x7BB, Payload: []byte{0x02, 0x21, 0x01, 0, 0, 0, 0, 0}}))
	want := []byte{0x61, 0x01}
	for i := byte(2); i <= 0x13; i++ {
		want = append(want, i)
	}
	assert.Equal(t, want, waitResponses(t, rec, 1)[0])
}

func TestELM327PartialResponseWaitsForCompletion(t *testing.T) {
	fake := newFakeELM("ELM327 v2.1")
	fake.data["0221010000000000"] = "10 14 61 01 02 03 04 05\r21 06 07 08 09 0A 0B 0C\r\r>"
	elm, m, rec := startELM(t, fake, 20*time.Millisecond)

	errc := make(chan error, 1)
	go func() {
		errc <- m.SendRequest(canlink.Request{RequestID: 0x79B, ResponseID: 0x7BB, Payload: []byte{0x02, 0x21, 0x01, 0, 0, 0, 0, 0}})
	}()
	time.Sleep(50 * time.Millisecond)
	elm.Deliver([]byte("22 0D 0E 0F 10 11 12 13\r\r>"))

	require.NoError(t, <-errc)
	assert.Len(t, waitResponses(t, rec, 1)[0], 20)
}

func TestELM327TimeoutReinitializes(t *testing.T) {
	fake := newFakeELM("ELM327 v2.1")
	fake.data["0322120300000000"] = ""
	elm, m, rec := startELM(t, fake, 5*time.Millisecond)

	fake.reset()
	err := m.SendRequest(leafRequest)
	assert.ErrorIs(t, err, canlink.ErrTimeout)
	var te *canlink.TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, []uint32{leafRequest.ResponseID}, te.Frames)
	assert.Equal(t, []canlink.ErrorKind{canlink.ErrorKindTimeout}, rec.Errors())

	require.Eventually(t, func() bool {
		return elm.Connected() && len(fake.Lines()) > 5 && fake.Lines()[5] == "ATZ"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestELM327InitRestartsOnFailure(t *testing.T) {
	old := elmInitRetry
	elmInitRetry = 10 * time.Millisecond
	defer func() { elmInitRetry = old }()

	fake := newFakeELM("ELM327 v2.1")
	fake.fail["ATCFC1"] = 1
	startELM(t, fake, 50*time.Millisecond)

	lines := fake.Lines()
	require.Len(t, lines, 4+12)
	assert.Equal(t, []string{"ATZ", "ATE0", "ATCAF0", "ATCFC1", "ATZ"}, lines[:5])
}

func TestELM327TransmitFailure(t *testing.T) {
	fake := newFakeELM("ELM327 v2.1")
	_, m, rec := startELM(t, fake, 50*time.Millisecond)
	fake.mu.Lock()
	fake.sendErr = errors.New("broken pipe")
	fake.mu.Unlock()

	err := m.SendRequest(leafRequest)
	assert.ErrorIs(t, err, canlink.ErrTransmit)
	assert.Equal(t, []canlink.ErrorKind{canlink.ErrorKindTransmit}, rec.Errors())
}

func TestELM327Disconnect(t *testing.T) {
	fake := newFakeELM("ELM327 v2.1")
	elm, m, _ := startELM(t, fake, 50*time.Millisecond)
	elm.SetConnected(false)
	assert.False(t, elm.Connected())
	assert.ErrorIs(t, m.SendRequest(leafRequest), canlink.ErrNotConnected)
}

func TestELM327FlowControlIsNoop(t *testing.T) {
	fake := newFakeELM("ELM327 v2.1")
	elm, _, _ := startELM(t, fake, 50*time.Millisecond)
	fake.reset()
	require.NoError(t, elm.TxFlowControl(0x79B, canlink.FlowControlContinue[:]))
	elm.EnableResponseFilter(true)
	assert.Empty(t, fake.Lines())
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		banner string
		want   string
	}{
		{"ELM327 v1.5", "1.5"},
		{"ELM327 v2.1", "2.1"},
		{"ELM327 v12.34", "12.34"},
		{"ELM327", ""},
		{"ELM327 v1.5a", "1.5"},
	}
	for _, tt := range tests {
		t.Run(tt.banner, func(t *testing.T) {
			assert.Equal(t, tt.want, parseVersion(tt.banner))
		})
	}
}

func TestEncodePayload(t *testing.T) {
	assert.Equal(t, "0322120300000000", encodePayload([]byte{0x03, 0x22, 0x12, 0x03, 0, 0, 0, 0}, false))
	assert.Equal(t, "03221203", encodePayload([]byte{0x03, 0x22, 0x12, 0x03, 0, 0, 0, 0}, true))
	assert.Equal(t, "00", encodePayload([]byte{0, 0, 0}, true))
	assert.Equal(t, "ABCDEF", encodePayload([]byte{0xAB, 0xCD, 0xEF}, false))
}

func TestHexRoundTrip(t *testing.T) {
	for n := 1; n <= 8; n++ {
		for v := 0; v <= 0xFF; v++ {
			data := make([]byte, n)
			for i := range data {
				data[i] = byte(v + i*37)
			}
			enc := encodePayload(data, false)
			var pairs []string
			for i := 0; i < len(enc); i += 2 {
				pairs = append(pairs, enc[i:i+2])
			}
			got, ok := decodeHexLine(strings.Join(pairs, " "))
			require.True(t, ok)
			require.Equal(t, data, got)
		}
	}
}

func TestDecodeHexLine(t *testing.T) {
	got, ok := decodeHexLine("7 62 12")
	require.True(t, ok)
	assert.Equal(t, []byte{0x07, 0x62, 0x12}, got)

	got, ok = decodeHexLine("01 02 03 04 05 06 07 08 09")
	require.True(t, ok)
	assert.Len(t, got, 8)

	for _, line := range []string{"NO DATA", "CAN ERROR", "?", "BUFFER FULL", "STOPPED"} {
		_, ok := decodeHexLine(line)
		assert.False(t, ok, line)
	}
}

func TestCommandBuilders(t *testing.T) {
	assert.Equal(t, "ATTP6", protocolCommand(false, true))
	assert.Equal(t, "ATTP7", protocolCommand(true, true))
	assert.Equal(t, "ATTP8", protocolCommand(false, false))
	assert.Equal(t, "ATTP9", protocolCommand(true, false))
	assert.Equal(t, "ATST7D", timeoutCommand(500*time.Millisecond))
	assert.Equal(t, "ATSTFF", timeoutCommand(5*time.Second))
	assert.Equal(t, []string{"ATSH07E"}, headerCommands(0x7E, false))
	assert.Equal(t, []string{"ATSH18DA07F1"}, headerCommands(0x18DA07F1, false))
	assert.Equal(t, []string{"ATCP18", "ATSHDA07F1"}, headerCommands(0x18DA07F1, true))
	assert.Equal(t, "ATCRA79A", receiveAddressCommand(0x79A))
	assert.Equal(t, "ATFCSH797", flowControlHeaderCommand(0x797))
}

func TestRingBufferWraps(t *testing.T) {
	var r ringBuffer
	for i := 0; i < rxBufferSize-3; i++ {
		r.write('x')
	}
	r.write('>')
	assert.Len(t, r.span(), rxBufferSize-3)
	for _, c := range []byte("OK\r>") {
		r.write(c)
	}
	assert.Equal(t, []byte("OK\r"), r.span())
}

package cmd

import (
	"context"
	"testing"
	"time"

	"github.com/evgauge/canlink"
	"github.com/evgauge/canlink/broker"
	"github.com/evgauge/canlink/vehicle"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseRequest(t *testing.T) {
	req, err := parseRequest("797", "0x79A", "22 12 03", false)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x797), req.RequestID)
	assert.Equal(t, uint32(0x79A), req.ResponseID)
	assert.Equal(t, []byte{0x03, 0x22, 0x12, 0x03, 0, 0, 0, 0}, req.Payload)

	req, err = parseRequest("18DA07F1", "18DAF107", "0322F190", true)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x18DA07F1), req.RequestID)
	assert.Equal(t, []byte{0x03, 0x22, 0xF1, 0x90}, req.Payload)

	_, err = parseRequest("797", "79A", "", false)
	assert.Error(t, err)
	_, err = parseRequest("797", "79A", "0102030405060708", false)
	assert.Error(t, err)
	_, err = parseRequest("797", "79A", "010203040506070809", true)
	assert.ErrorIs(t, err, canlink.ErrPayloadTooLong)
	_, err = parseRequest("zz", "79A", "01", false)
	assert.Error(t, err)
	_, err = parseRequest("797", "3FFFFFFF", "01", false)
	assert.Error(t, err)
	_, err = parseRequest("797", "79A", "0g", false)
	assert.Error(t, err)
}

func TestParseItems(t *testing.T) {
	mask, err := parseItems([]string{"speed", " hv_batt_v"})
	require.NoError(t, err)
	assert.Equal(t, broker.Speed|broker.HVBattV, mask)

	_, err = parseItems([]string{"warp_factor"})
	assert.ErrorContains(t, err, "warp_factor")
}

func TestNRC(t *testing.T) {
	assert.Equal(t, byte(0x31), nrc([]byte{0x7F, 0x22, 0x31}))
	assert.Equal(t, byte(0), nrc([]byte{0x7F}))
}

func TestSelectOneUsesCurrent(t *testing.T) {
	v, err := selectOne("Vehicle", "Leaf ZE1", nil)
	require.NoError(t, err)
	assert.Equal(t, "Leaf ZE1", v)
}

func TestDisplayMarksFreshValues(t *testing.T) {
	d := newDisplay()
	d.update(broker.Speed, 12)
	assert.True(t, d.fresh[broker.Speed])
	d.print(true)
	assert.False(t, d.fresh[broker.Speed])
	assert.Equal(t, 12.0, d.values[broker.Speed])
}

func TestOpenVirtualInterface(t *testing.T) {
	var got []byte
	done := make(chan struct{})
	tm := canlink.NewManager(canlink.DecoderFuncs{
		Response: func(_ uint32, payload []byte) {
			got = append([]byte(nil), payload...)
			close(done)
		},
	})
	require.NoError(t, openInterface(context.Background(), tm, "virtual", vehicle.LeafZE1))
	defer tm.Close()
	require.NoError(t, waitConnected(context.Background(), tm, time.Second))

	req, err := parseRequest("79B", "7BB", "2101", false)
	require.NoError(t, err)
	require.NoError(t, tm.SendRequest(req))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("no response")
	}
	assert.Len(t, got, 53)
	assert.Equal(t, []byte{0x61, 0x01}, got[:2])
}

func TestLoggerFollowsFlags(t *testing.T) {
	assert.NotNil(t, Logger())

	viper.Set(flagDebug, true)
	defer viper.Set(flagDebug, false)
	require.NoError(t, initLogger())
	defer func() {
		logger = zap.NewNop()
		sharedLog.Store(nil)
	}()

	assert.Same(t, logger, Logger())
	assert.True(t, Logger().Core().Enabled(zap.DebugLevel))
}

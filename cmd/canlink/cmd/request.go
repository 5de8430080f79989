package cmd

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/evgauge/canlink"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagRaw     = "raw"
	flagConnect = "connect-timeout"
)

func init() {
	f := requestCmd.Flags()
	f.Bool(flagRaw, false, "payload already carries the PCI byte")
	f.Duration(flagConnect, 10*time.Second, "how long to wait for the interface to connect")
	if err := viper.BindPFlags(f); err != nil {
		panic(err)
	}
	rootCmd.AddCommand(requestCmd)
}

var requestCmd = &cobra.Command{
	Use:     "request <reqid> <rspid> <hex>",
	Short:   "Send one diagnostic request and print the response",
	Example: "  canlink request 797 79A 221203 -i Virtual --vehicle \"Leaf ZE1\"",
	Args:    cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		req, err := parseRequest(args[0], args[1], args[2], viper.GetBool(flagRaw))
		if err != nil {
			return err
		}
		veh, err := selectVehicle()
		if err != nil {
			return err
		}
		name, err := selectInterface()
		if err != nil {
			return err
		}

		type result struct {
			payload []byte
			kind    canlink.ErrorKind
		}
		resc := make(chan result, 1)
		tm := canlink.NewManager(canlink.DecoderFuncs{
			Response: func(_ uint32, payload []byte) {
				select {
				case resc <- result{payload: append([]byte(nil), payload...)}:
				default:
				}
			},
			Error: func(kind canlink.ErrorKind) {
				select {
				case resc <- result{kind: kind}:
				default:
				}
			},
		}, canlink.WithLogger(logger))

		if err := openInterface(ctx, tm, name, veh); err != nil {
			return err
		}
		defer tm.Close()
		if err := waitConnected(ctx, tm, viper.GetDuration(flagConnect)); err != nil {
			return err
		}

		fmt.Println(color.CyanString(">>"), req.String())
		start := time.Now()
		if err := tm.SendRequest(req); err != nil {
			return err
		}

		timeout := driverConfig(veh).RequestTimeout * 2
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(timeout):
			return &canlink.TimeoutError{Timeout: timeout.Milliseconds(), Frames: []uint32{req.ResponseID}, Type: "response"}
		case r := <-resc:
			if r.kind != canlink.ErrorKindNone {
				return fmt.Errorf("request failed: %s", r.kind)
			}
			fmt.Printf("%s 0x%03X [%s] %s\n", color.GreenString("<<"), req.ResponseID, canlink.HexView(r.payload), time.Since(start).Round(time.Millisecond))
			if len(r.payload) > 0 && r.payload[0] == 0x7F {
				color.Yellow("negative response, NRC 0x%02X", nrc(r.payload))
			}
		}
		return nil
	},
}

func nrc(payload []byte) byte {
	if len(payload) < 3 {
		return 0
	}
	return payload[2]
}

func parseID(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid identifier %q: %w", s, err)
	}
	if v > canlink.MaxExtendedID {
		return 0, fmt.Errorf("identifier %q out of range", s)
	}
	return uint32(v), nil
}

// parseRequest builds a single frame request. Without raw the service bytes
// get the PCI length prepended and the frame is padded to 8 bytes.
func parseRequest(reqID, rspID, data string, raw bool) (canlink.Request, error) {
	req, err := parseID(reqID)
	if err != nil {
		return canlink.Request{}, err
	}
	rsp, err := parseID(rspID)
	if err != nil {
		return canlink.Request{}, err
	}
	payload, err := hex.DecodeString(strings.NewReplacer(" ", "", ":", "").Replace(data))
	if err != nil {
		return canlink.Request{}, fmt.Errorf("invalid payload: %w", err)
	}
	if !raw {
		if len(payload) == 0 || len(payload) > 7 {
			return canlink.Request{}, fmt.Errorf("service data must be 1 to 7 bytes, got %d", len(payload))
		}
		frame := make([]byte, canlink.MaxFrameData)
		frame[0] = byte(len(payload))
		copy(frame[1:], payload)
		payload = frame
	}
	if len(payload) > canlink.MaxFrameData {
		return canlink.Request{}, canlink.ErrPayloadTooLong
	}
	return canlink.Request{RequestID: req, ResponseID: rsp, Payload: payload}, nil
}

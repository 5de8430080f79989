package adapter

import (
	"github.com/evgauge/canlink"
	"github.com/evgauge/canlink/stream"
)

const (
	DefaultWiFiAddress = "192.168.0.10:35000"
)

func init() {
	for _, info := range []*canlink.DriverInfo{
		{
			Name:        "Virtual",
			Description: "In-memory controller with a simulated ECU",
			Kind:        canlink.KindNative,
			New: func(cfg *canlink.Config) (canlink.Driver, error) {
				return NewVirtual(cfg, NewECU(cfg.Logger)), nil
			},
		},
		{
			Name:        "ELM327 WiFi",
			Description: "ELM327 compatible adapter over TCP",
			Kind:        canlink.KindStream,
			New: func(cfg *canlink.Config) (canlink.Driver, error) {
				addr := cfg.Port
				if addr == "" {
					addr = DefaultWiFiAddress
				}
				return NewELM327("ELM327 WiFi", cfg, stream.NewTCP(addr, cfg.Logger)), nil
			},
		},
		{
			Name:               "ELM327 Serial",
			Description:        "ELM327 compatible adapter over a serial port",
			Kind:               canlink.KindStream,
			RequiresSerialPort: true,
			New: func(cfg *canlink.Config) (canlink.Driver, error) {
				return NewELM327("ELM327 Serial", cfg, stream.NewSerial(cfg.Port, cfg.PortBaudrate, cfg.Logger)), nil
			},
		},
	} {
		if err := canlink.RegisterDriver(info); err != nil {
			panic(err)
		}
	}
}

//go:build ble

package adapter

import (
	"github.com/evgauge/canlink"
	"github.com/evgauge/canlink/stream"
)

func init() {
	if err := canlink.RegisterDriver(&canlink.DriverInfo{
		Name:        "ELM327 BLE",
		Description: "ELM327 compatible adapter over Bluetooth LE",
		Kind:        canlink.KindStream,
		New: func(cfg *canlink.Config) (canlink.Driver, error) {
			ble := stream.NewBLE(stream.BLEConfig{
				Name:    cfg.BLEName,
				Service: cfg.BLEService,
				TxChar:  cfg.BLETxChar,
				RxChar:  cfg.BLERxChar,
			}, cfg.Logger)
			return NewELM327("ELM327 BLE", cfg, ble), nil
		},
	}); err != nil {
		panic(err)
	}
}

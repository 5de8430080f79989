package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/evgauge/canlink"
	"github.com/evgauge/canlink/adapter"
	"github.com/evgauge/canlink/vehicle"
	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var rootCmd = &cobra.Command{
	Use:          "canlink",
	Short:        "EV diagnostic CAN gauge",
	Long:         `Polls an electric vehicle's diagnostic bus through a CAN interface or an ELM327 adapter and shows the decoded values`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initConfig(); err != nil {
			return err
		}
		return initLogger()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

const (
	flagConfig    = "config"
	flagInterface = "interface"
	flagPort      = "port"
	flagBaudrate  = "baudrate"
	flagVehicle   = "vehicle"
	flagTimeout   = "timeout"
	flagDebug     = "debug"
	flagBLEName   = "ble-name"
)

var (
	logger    = zap.NewNop()
	sharedLog atomic.Pointer[zap.Logger]
)

// Logger returns the logger configured from the command line flags. It is
// safe to call from any goroutine.
func Logger() *zap.Logger {
	if l := sharedLog.Load(); l != nil {
		return l
	}
	return zap.NewNop()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String(flagConfig, "", "config file (yaml, toml or json)")
	pf.StringP(flagInterface, "i", "", "interface to use, empty = ask")
	pf.StringP(flagPort, "p", "", "CAN device, serial port (* = first USB port) or host:port")
	pf.IntP(flagBaudrate, "b", canlink.DefaultPortBaudrate, "serial baudrate")
	pf.String(flagVehicle, "", "vehicle, empty = ask")
	pf.Duration(flagTimeout, 0, "request timeout, 0 = vehicle default")
	pf.BoolP(flagDebug, "d", false, "debug mode")
	pf.String(flagBLEName, "", "BLE adapter name prefix")

	if err := viper.BindPFlags(pf); err != nil {
		panic(err)
	}
	viper.SetEnvPrefix("canlink")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func initConfig() error {
	file := viper.GetString(flagConfig)
	if file == "" {
		return nil
	}
	viper.SetConfigFile(file)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config %s: %w", file, err)
	}
	return nil
}

func initLogger() error {
	var (
		l   *zap.Logger
		err error
	)
	if viper.GetBool(flagDebug) {
		l, err = zap.NewDevelopment()
	} else {
		cfg := zap.NewProductionConfig()
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		l, err = cfg.Build()
	}
	if err != nil {
		return err
	}
	logger = l
	sharedLog.Store(l)
	return nil
}

// selectOne returns current or asks the user to pick from items.
func selectOne(label, current string, items []string) (string, error) {
	if current != "" {
		return current, nil
	}
	if len(items) == 0 {
		return "", fmt.Errorf("no %s available", strings.ToLower(label))
	}
	prompt := promptui.Select{
		Label:    label,
		HideHelp: true,
		Items:    items,
	}
	_, result, err := prompt.Run()
	if err != nil {
		if errors.Is(err, promptui.ErrInterrupt) {
			return "", context.Canceled
		}
		return "", fmt.Errorf("%s selection: %w", strings.ToLower(label), err)
	}
	return result, nil
}

func selectVehicle() (*vehicle.Vehicle, error) {
	name, err := selectOne("Vehicle", viper.GetString(flagVehicle), vehicle.Names())
	if err != nil {
		return nil, err
	}
	return vehicle.Lookup(name)
}

func selectInterface() (string, error) {
	return selectOne("Interface", viper.GetString(flagInterface), canlink.ListDriverNames())
}

// driverConfig builds the driver configuration for veh from flags.
func driverConfig(veh *vehicle.Vehicle) *canlink.Config {
	cfg := veh.Config(canlink.Config{
		Port:         viper.GetString(flagPort),
		PortBaudrate: viper.GetInt(flagBaudrate),
		BLEName:      viper.GetString(flagBLEName),
		Debug:        viper.GetBool(flagDebug),
		Logger:       logger,
	})
	if t := viper.GetDuration(flagTimeout); t > 0 {
		cfg.RequestTimeout = t
	}
	return cfg
}

// openInterface attaches the named interface to tm. The virtual interface
// answers with the sample responses of veh.
func openInterface(ctx context.Context, tm *canlink.Manager, name string, veh *vehicle.Vehicle) error {
	cfg := driverConfig(veh)
	if strings.EqualFold(name, "Virtual") {
		return tm.Use(ctx, adapter.NewVirtual(cfg, vehicle.NewECU(veh, logger)))
	}
	return tm.Open(ctx, name, cfg)
}

// waitConnected blocks until tm reports a connection, ctx is done or
// timeout passes.
func waitConnected(ctx context.Context, tm *canlink.Manager, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for !tm.Connected() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w after %s", canlink.ErrNotConnected, timeout)
		case <-t.C:
		}
	}
	return nil
}

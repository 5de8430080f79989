package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/evgauge/canlink"
	"github.com/evgauge/canlink/broker"
	"github.com/evgauge/canlink/vehicle"
	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	flagNATS     = "nats"
	flagMetrics  = "metrics"
	flagItems    = "items"
	flagAverage  = "average"
	flagInterval = "interval"
)

func init() {
	f := monitorCmd.Flags()
	f.String(flagNATS, "", "publish values to this NATS server")
	f.String(flagMetrics, "", "serve prometheus metrics on this address, e.g. :9100")
	f.StringSlice(flagItems, nil, "items to poll, empty = all the vehicle supports")
	f.Bool(flagAverage, false, "average the last two values of each item")
	f.Duration(flagInterval, time.Second, "display interval")
	if err := viper.BindPFlags(f); err != nil {
		panic(err)
	}
	rootCmd.AddCommand(monitorCmd)
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Poll the vehicle and print decoded values",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		veh, err := selectVehicle()
		if err != nil {
			return err
		}
		name, err := selectInterface()
		if err != nil {
			return err
		}

		b := broker.New(logger)
		b.EnableFastAverage(viper.GetBool(flagAverage))
		if url := viper.GetString(flagNATS); url != "" {
			pub, err := broker.DialNATS(url, logger)
			if err != nil {
				return err
			}
			defer pub.Close()
			b.AddPublisher(pub)
		}

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics := canlink.NewMetrics()
		if err := metrics.Register(reg); err != nil {
			return err
		}

		vm := vehicle.NewManager(veh, b, logger)
		if items := viper.GetStringSlice(flagItems); len(items) > 0 {
			mask, err := parseItems(items)
			if err != nil {
				return err
			}
			vm.SetRequestMask(mask)
		}

		tm := canlink.NewManager(vm, canlink.WithLogger(logger), canlink.WithMetrics(metrics))
		if err := openInterface(ctx, tm, name, veh); err != nil {
			return err
		}
		defer tm.Close()
		vm.Start(tm)

		logger.Info("monitoring", zap.String("vehicle", veh.Name), zap.String("interface", name))

		d := newDisplay()
		for _, item := range veh.Items.Items() {
			b.Register(item, func(v float64) { d.update(item, v) })
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return vm.Run(gctx)
		})
		g.Go(func() error {
			t := time.NewTicker(viper.GetDuration(flagInterval))
			defer t.Stop()
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case <-t.C:
					b.Eval()
					d.print(tm.Connected())
				}
			}
		})
		if addr := viper.GetString(flagMetrics); addr != "" {
			srv := &http.Server{
				Addr:              addr,
				Handler:           metricsHandler(reg),
				ReadHeaderTimeout: 5 * time.Second,
			}
			g.Go(func() error {
				logger.Info("serving metrics", zap.String("addr", addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(sctx)
			})
		}

		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return mux
}

func parseItems(names []string) (broker.Item, error) {
	var mask broker.Item
	for _, n := range names {
		item, ok := broker.ParseItem(strings.TrimSpace(n))
		if !ok {
			return 0, fmt.Errorf("unknown item %q", n)
		}
		mask |= item
	}
	return mask, nil
}

// display keeps the latest value per item for printing.
type display struct {
	values map[broker.Item]float64
	fresh  map[broker.Item]bool
}

func newDisplay() *display {
	return &display{
		values: make(map[broker.Item]float64),
		fresh:  make(map[broker.Item]bool),
	}
}

func (d *display) update(item broker.Item, v float64) {
	d.values[item] = v
	d.fresh[item] = true
}

var (
	labelColor = color.New(color.FgHiBlack)
	freshColor = color.New(color.FgGreen, color.Bold)
	staleColor = color.New(color.FgYellow)
)

func (d *display) print(connected bool) {
	items := make([]broker.Item, 0, len(d.values))
	for item := range d.values {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i] < items[j] })

	var sb strings.Builder
	if !connected {
		sb.WriteString(color.RedString("[disconnected] "))
	}
	for _, item := range items {
		c := staleColor
		if d.fresh[item] {
			c = freshColor
		}
		sb.WriteString(labelColor.Sprint(item.String() + "="))
		sb.WriteString(c.Sprintf("%.2f", d.values[item]))
		sb.WriteString(labelColor.Sprint(item.Unit() + " "))
		d.fresh[item] = false
	}
	fmt.Println(sb.String())
}

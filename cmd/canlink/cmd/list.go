package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/evgauge/canlink"
	"github.com/evgauge/canlink/stream"
	"github.com/evgauge/canlink/vehicle"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func init() {
	rootCmd.AddCommand(listCmd)
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List interfaces, vehicles and serial ports",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		defer w.Flush()

		color.New(color.Bold).Fprintln(w, "Interfaces")
		for _, d := range canlink.ListDrivers() {
			fmt.Fprintf(w, "  %s\t%s\t%s\n", d.Name, d.Kind, d.Description)
		}

		color.New(color.Bold).Fprintln(w, "\nVehicles")
		for _, v := range vehicle.List() {
			speed := "250k"
			if v.CAN500k {
				speed = "500k"
			}
			fmt.Fprintf(w, "  %s\t%s\t%s\n", v.Name, speed, v.Items)
		}

		color.New(color.Bold).Fprintln(w, "\nSerial ports")
		ports, err := stream.ListPorts()
		if err != nil {
			logger.Warn("failed to list serial ports", zap.Error(err))
			return
		}
		if len(ports) == 0 {
			fmt.Fprintln(w, "  none")
		}
		for _, p := range ports {
			fmt.Fprintf(w, "  %s\n", p)
		}
	},
}

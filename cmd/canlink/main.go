package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/evgauge/canlink/cmd/canlink/cmd"
	"go.uber.org/zap"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel() // Setup interupt handler for ctrl-c
	quitChan := make(chan os.Signal, 1)
	signal.Notify(quitChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		s := <-quitChan
		cmd.Logger().Info("exiting", zap.Stringer("signal", s))
		cancel()
		// Failsafe if there is deadlocks
		<-time.After(15 * time.Second)
		cmd.Logger().Fatal("took to long to shutdown, forcefully exiting")
	}()
	if err := cmd.Execute(ctx); err != nil {
		os.Exit(1)
	}
}

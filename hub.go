package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mrsingh-rishi/livetranslate/hub"
	"github.com/mrsingh-rishi/livetranslate/metrics"
)

func init() {
	hubCmd.Flags().String("addr", ":8080", "listen address")
	v.BindPFlag("hub.address", hubCmd.Flags().Lookup("addr"))
}

var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Run the development membership and realtime hub",
	RunE:  runHub,
}

func runHub(cmd *cobra.Command, args []string) error {
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := newRegistry()
	h := hub.New(hub.Config{
		MediaRegion:  cfg.Hub.MediaRegion,
		MaxAttendees: cfg.Hub.MaxAttendees,
	}, logger.Named("hub"), metrics.New(reg))

	app := h.App()
	app.Get("/metrics", metricsHandler(reg))

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("hub listening", "address", cfg.Hub.Address)
		errCh <- app.Listen(cfg.Hub.Address)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Infow("shutting down hub")
		err := app.Shutdown()
		h.Close()
		return err
	}
}

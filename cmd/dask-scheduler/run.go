package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lognorman20/dask/pkg/config"
	"github.com/lognorman20/dask/pkg/log"
	"github.com/lognorman20/dask/pkg/schedulerapi"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the scheduler event loop and introspection server",
	RunE:  runScheduler,
}

func init() {
	runCmd.Flags().String("config", "", "Path to a scheduler config YAML file")
	runCmd.Flags().String("http-addr", "", "Override the introspection HTTP listen address")
}

func runScheduler(cmd *cobra.Command, args []string) error {
	logger := log.WithComponent("cmd")

	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.LoadScheduler(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if addr, _ := cmd.Flags().GetString("http-addr"); addr != "" {
		cfg.HTTPAddr = addr
	}

	s := schedulerapi.New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	return s.Stop(stopCtx)
}

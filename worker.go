package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/unixpickle/primeempire/config"
	"github.com/unixpickle/primeempire/primes"
	"github.com/unixpickle/primeempire/worker"
)

func newWorkerCommand() *cobra.Command {
	var masterAddr string
	cmd := &cobra.Command{
		Use:   "worker [name]",
		Short: "Check numbers for a master until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("master") {
				c.Worker.Master = masterAddr
			}
			var name string
			if len(args) == 1 {
				name = args[0]
			}
			return WorkerMain(cmd.Context(), c, name)
		},
	}
	cmd.Flags().StringVar(&masterAddr, "master", "", "address of the master")
	return cmd
}

func workerConfig(c *config.Config) worker.Config {
	return worker.Config{
		MasterAddr:        c.Worker.Master,
		Password:          c.Worker.Password,
		ReconnectAttempts: c.Worker.ReconnectAttempts,
		ReconnectDelay:    c.Worker.ReconnectDelay,
		HeartbeatInterval: c.Worker.HeartbeatInterval,
		IdleDelay:         c.Worker.IdleDelay,
		StopGrace:         c.Worker.StopGrace,
	}
}

// WorkerMain runs one worker until it gives up on the
// master or the process is interrupted.
func WorkerMain(ctx context.Context, c *config.Config, name string) error {
	log, err := newLogger(c, "worker")
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stopSignals := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	cfg := workerConfig(c)
	cfg.Name = name
	w := worker.New(cfg, primes.HasNonPrime, log)
	if err := w.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down", zap.Int("reported", w.Completed()))
		return w.Stop()
	case <-w.Done():
		return w.Wait()
	}
}

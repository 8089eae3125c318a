package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/ava-labs/avalanchego/utils/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/unixpickle/primeempire/config"
	"github.com/unixpickle/primeempire/master"
	"github.com/unixpickle/primeempire/primes"
	"github.com/unixpickle/primeempire/taskpool"
	"github.com/unixpickle/primeempire/worker"
)

// defaultNumbers is searched when no input is given.
var defaultNumbers = []int{6, 8, 7, 13, 5, 9, 4}

func newMasterCommand() *cobra.Command {
	var (
		listen       string
		admin        string
		input        string
		localWorkers int
	)
	cmd := &cobra.Command{
		Use:   "master [numbers...]",
		Short: "Distribute numbers to workers and print whether any is not prime",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				c.Master.Listen = listen
			}
			if cmd.Flags().Changed("admin") {
				c.Master.Admin = admin
			}
			numbers, err := readNumbers(input, args)
			if err != nil {
				return fmt.Errorf("failed to read input: %w", err)
			}
			return MasterMain(cmd.Context(), c, numbers, localWorkers)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "address to accept workers on")
	cmd.Flags().StringVar(&admin, "admin", "", "address of the HTTP status endpoint")
	cmd.Flags().StringVar(&input, "input", "", "JSON file containing an array of numbers")
	cmd.Flags().IntVar(&localWorkers, "local-workers", 0, "number of in-process workers to run")
	return cmd
}

// MasterMain runs a master until the workload is settled or
// the process is interrupted, then prints the verdict.
func MasterMain(ctx context.Context, c *config.Config, numbers []int, localWorkers int) error {
	log, err := newLogger(c, "master")
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stopSignals := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	pool := taskpool.New(taskpool.Config{
		TaskTimeout:   c.Pool.TaskTimeout,
		SweepInterval: c.Pool.SweepInterval,
	}, log)
	defer pool.Terminate()

	m := master.New(master.Config{
		Password:       c.Master.Password,
		MaxWorkers:     c.Master.MaxWorkers,
		ChunkSize:      c.Master.ChunkSize,
		WorkerTimeout:  c.Master.WorkerTimeout,
		HealthInterval: c.Master.HealthInterval,
		ShutdownGrace:  c.Master.ShutdownGrace,
	}, pool, log)
	if _, err := m.Distribute(numbers); err != nil {
		return err
	}

	workerListener, err := net.Listen("tcp", c.Master.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen for workers: %w", err)
	}

	if c.Master.Admin != "" {
		adminListener, err := net.Listen("tcp", c.Master.Admin)
		if err != nil {
			workerListener.Close()
			return fmt.Errorf("failed to listen for admins: %w", err)
		}
		defer adminListener.Close()
		log.Info("serving status", zap.Stringer("addr", adminListener.Addr()))
		handler := &StatusHandler{Master: m, Password: c.Master.AdminPass}
		go http.Serve(adminListener, handler)
	}

	serveCtx, cancelServe := context.WithCancel(ctx)
	defer cancelServe()
	served := make(chan error, 1)
	go func() {
		served <- m.Serve(serveCtx, workerListener)
		cancelServe()
	}()

	workers, err := startLocalWorkers(serveCtx, c, workerListener.Addr(), localWorkers, log)
	if err != nil {
		m.Shutdown()
		return err
	}

	positive, waitErr := m.Wait(serveCtx)

	for _, w := range workers {
		if err := w.Stop(); err != nil {
			log.Warn("failed to stop local worker", zap.Error(err))
		}
	}
	m.Shutdown()
	if err := <-served; err != nil {
		return err
	}
	if waitErr != nil {
		if errors.Is(waitErr, context.Canceled) {
			fmt.Println("\nShutting down before the result was known.")
			return nil
		}
		return waitErr
	}

	if positive {
		fmt.Println("Result: the input contains a non-prime number.")
	} else {
		fmt.Println("Result: every number in the input is prime.")
	}
	return nil
}

func startLocalWorkers(ctx context.Context, c *config.Config, addr net.Addr, n int,
	log logging.Logger) ([]*worker.Worker, error) {
	if n <= 0 {
		return nil, nil
	}
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return nil, fmt.Errorf("unexpected listener address: %v", addr)
	}
	local := net.JoinHostPort("127.0.0.1", strconv.Itoa(tcpAddr.Port))
	var res []*worker.Worker
	for i := 0; i < n; i++ {
		cfg := workerConfig(c)
		cfg.Name = fmt.Sprintf("local-%d", i)
		cfg.MasterAddr = local
		cfg.Password = c.Master.Password
		w := worker.New(cfg, primes.HasNonPrime, log)
		if err := w.Start(ctx); err != nil {
			for _, started := range res {
				started.Stop()
			}
			return nil, err
		}
		res = append(res, w)
	}
	return res, nil
}

// readNumbers returns the numbers in a JSON file, the
// numbers given as arguments, or the default input.
func readNumbers(file string, args []string) ([]int, error) {
	if file != "" {
		if len(args) > 0 {
			return nil, errors.New("cannot combine --input with number arguments")
		}
		contents, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		var numbers []int
		if err := json.Unmarshal(contents, &numbers); err != nil {
			return nil, err
		}
		if len(numbers) == 0 {
			return nil, master.ErrNoInput
		}
		return numbers, nil
	}
	if len(args) == 0 {
		return append([]int{}, defaultNumbers...), nil
	}
	numbers := make([]int, len(args))
	for i, arg := range args {
		n, err := strconv.Atoi(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid number: %s", arg)
		}
		numbers[i] = n
	}
	return numbers, nil
}

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"memcore/internal/rpc"

	"github.com/spf13/cobra"
)

var shutdownTimeout time.Duration

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Serve the index cache over stdin/stdout",
	Long: `Start the engine and process line-delimited JSON commands from stdin,
writing one JSON response per line to stdout.

Operations: add, ensure, search, flush, stats, touch, clear, load,
load_latest, sweep.

  {"op":"add","tenant":"alice","id":1,"vector":[1,0]}
  {"op":"search","tenant":"alice","vector":[1,0],"k":5}

On EOF or SIGINT/SIGTERM every tenant with pending vectors is flushed
before exiting.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	runCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", time.Minute, "how long to wait for the final flush")
	rootCmd.AddCommand(runCmd)
}

func runServe() error {
	a, err := openApp(openFlags{engine: true})
	if err != nil {
		return err
	}
	defer a.close()

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := a.engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	if err := a.maint.Start(); err != nil {
		log.Printf("WARNING: maintenance scheduler not started: %v", err)
	}

	handler := rpc.NewHandler(a.engine, a.registry, a.logger)
	served := make(chan error, 1)
	go func() {
		served <- handler.Serve(ctx, os.Stdin, os.Stdout)
	}()

	log.Printf("memcore ready (storage=%s, index=%s)", a.cfg.Storage.Backend, a.cfg.Index.Backend)

	var serveErr error
	select {
	case sig := <-sigCh:
		log.Printf("Received signal: %v", sig)
	case serveErr = <-served:
	}
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := a.engine.Stop(stopCtx); err != nil {
		return fmt.Errorf("shutdown flush incomplete: %w", err)
	}

	log.Println("memcore stopped gracefully")
	return serveErr
}

// Wabot Worker - one process per tenant instance. Holds the live
// messaging-network connection, persists credential state back to the
// instance store, and serves the local control endpoint the fleet
// daemon's callers poll.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/trekkermoja1/Wabot-trekker-sub000/config"
	"github.com/trekkermoja1/Wabot-trekker-sub000/logger"
	"github.com/trekkermoja1/Wabot-trekker-sub000/session"
	"github.com/trekkermoja1/Wabot-trekker-sub000/storage"
	"github.com/trekkermoja1/Wabot-trekker-sub000/worker"
)

func main() {
	instanceID := flag.String("id", "", "Instance id (required)")
	phone := flag.String("phone", "", "Instance phone number")
	port := flag.Int("port", 0, "Local control endpoint port (required)")
	configPath := flag.String("config", "", "Config file path (default: search standard locations)")
	flag.Parse()

	if *instanceID == "" || *port == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	wlog := logger.New(logger.ParseLevel(cfg.Logging.Level), "")
	wlog.Info("Worker starting", "instance", *instanceID, "port", *port)

	storage.SetLogger(wlog)
	store, err := storage.NewStore(&cfg.Database)
	if err != nil {
		wlog.Error("Failed to open instance store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	sess := session.New(cfg.Server.DataDir, *instanceID)
	rt := worker.New(*instanceID, *phone, store, sess, wlog, cfg.Worker)
	control := worker.NewControlServer(rt, wlog, *port, cfg.Worker.StatusBindLocalOnly)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			wlog.Info("Received signal, shutting down", "signal", sig)
			rt.Stop()
		case <-rt.Done():
		}
		cancel()
	}()

	go func() {
		if err := control.ListenAndServe(); err != nil {
			wlog.Error("Control endpoint failed", "error", err)
			rt.Stop()
		}
	}()

	runErr := rt.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	control.Shutdown(shutdownCtx)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		wlog.Error("Worker exited with error", "error", runErr)
		os.Exit(1)
	}
	wlog.Info("Worker exited", "instance", *instanceID)
}

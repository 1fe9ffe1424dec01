// Wabot Fleet Daemon - runs one fleet member: supervises per-tenant
// worker processes, publishes capacity heartbeats, sweeps expired
// instances and serves the management API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/kardianos/service"

	"github.com/trekkermoja1/Wabot-trekker-sub000/config"
	"github.com/trekkermoja1/Wabot-trekker-sub000/fleet"
	"github.com/trekkermoja1/Wabot-trekker-sub000/logger"
	"github.com/trekkermoja1/Wabot-trekker-sub000/storage"
	"github.com/trekkermoja1/Wabot-trekker-sub000/supervisor"
	"github.com/trekkermoja1/Wabot-trekker-sub000/sweeper"
)

// Version information (set at build time via -ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Config file path (default: search standard locations)")
	svcFlag := flag.String("service", "", "Service control action (install, uninstall, start, stop)")
	hashKey := flag.String("hash-api-key", "", "Print the argon2 hash for an API key and exit")
	flag.Parse()

	if *hashKey != "" {
		hash, err := HashAPIKey(*hashKey)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(hash)
		return
	}

	if *svcFlag != "" || !service.Interactive() {
		runService(*configPath, *svcFlag)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx, *configPath); err != nil {
		log.Fatal(err)
	}
}

// run starts the daemon and blocks until the context is canceled.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dlog := logger.New(logger.ParseLevel(cfg.Logging.Level), cfg.Logging.Dir)
	defer dlog.Close()
	dlog.Info("Fleet daemon starting", "version", Version, "server", cfg.Server.Name)

	storage.SetLogger(dlog)
	store, err := storage.NewStore(&cfg.Database)
	if err != nil {
		return fmt.Errorf("open instance store: %w", err)
	}
	defer store.Close()

	bootCtx, bootCancel := context.WithTimeout(ctx, 30*time.Second)
	defer bootCancel()
	if err := storage.Bootstrap(bootCtx, store, cfg.Server.Name, cfg.Server.Capacity); err != nil {
		return err
	}

	sup, err := supervisor.New(bootCtx, store, dlog, supervisor.Config{
		ServerName:   cfg.Server.Name,
		DataDir:      cfg.Server.DataDir,
		WorkerBinary: cfg.Server.WorkerBinary,
		BasePort:     cfg.Server.BasePort,
	})
	if err != nil {
		return fmt.Errorf("init supervisor: %w", err)
	}
	defer sup.Close()

	scheduler := fleet.NewScheduler(store, dlog, cfg.Server.Name, cfg.Heartbeat.FreshnessWindow())

	heartbeat := fleet.NewPublisher(store, dlog, cfg.Server.Name, cfg.Server.Capacity, cfg.Heartbeat.Interval())
	heartbeat.Start()
	defer heartbeat.Stop()

	sweep := sweeper.New(store, sup, dlog, cfg.Server.Name, cfg.Server.DataDir,
		cfg.Sweeper.Interval(), cfg.Sweeper.GraceWindow())
	sweep.Start()
	defer sweep.Stop()

	resumeWorkers(ctx, store, sup, dlog, cfg.Server.Name)

	srv := &Server{
		cfg:        cfg,
		store:      store,
		supervisor: sup,
		scheduler:  scheduler,
		log:        dlog,
	}
	httpSrv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.BindAddress, strconv.Itoa(cfg.Server.APIPort)),
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		dlog.Info("Management API listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("management API: %w", err)
	case <-ctx.Done():
	}

	dlog.Info("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// resumeWorkers reconciles this server's approved instances with the
// supervisor after a daemon restart. The store is authoritative;
// workers it says should run get started. A detached worker that
// survived the previous daemon is adopted by Start via its recorded
// pid, not respawned.
func resumeWorkers(ctx context.Context, store storage.Store, sup *supervisor.Supervisor, dlog *logger.Logger, serverName string) {
	instances, err := store.ListInstances(ctx, storage.InstanceFilter{
		Lifecycle: storage.LifecycleApproved,
		Server:    serverName,
	})
	if err != nil {
		dlog.Warn("Failed to list instances for resume", "error", err)
		return
	}
	for _, inst := range instances {
		if inst.ConnStatus == storage.ConnOffline {
			continue
		}
		if err := sup.Start(ctx, inst.ID); err != nil {
			dlog.Warn("Failed to resume worker", "instance", inst.ID, "error", err)
		}
	}
	dlog.Info("Worker resume pass complete", "candidates", len(instances))
}

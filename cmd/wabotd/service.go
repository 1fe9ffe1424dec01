package main

import (
	"context"
	"log"
	"time"

	"github.com/kardianos/service"
)

// program implements service.Interface so the daemon can run under
// systemd/launchd/SCM.
type program struct {
	configPath string
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	svcLogger  service.Logger
}

func (p *program) Start(s service.Service) error {
	p.svcLogger, _ = s.Logger(nil)
	if p.svcLogger != nil {
		p.svcLogger.Info("Wabot fleet daemon service starting")
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		if err := run(p.ctx, p.configPath); err != nil && p.svcLogger != nil {
			p.svcLogger.Errorf("daemon exited: %v", err)
		}
	}()
	return nil
}

func (p *program) Stop(s service.Service) error {
	if p.svcLogger != nil {
		p.svcLogger.Info("Wabot fleet daemon service stop requested")
	}
	if p.cancel != nil {
		p.cancel()
	}

	select {
	case <-p.done:
		if p.svcLogger != nil {
			p.svcLogger.Info("Wabot fleet daemon stopped gracefully")
		}
	case <-time.After(30 * time.Second):
		if p.svcLogger != nil {
			p.svcLogger.Warning("Wabot fleet daemon stopped with timeout")
		}
	}
	return nil
}

func serviceConfig() *service.Config {
	return &service.Config{
		Name:        "wabotd",
		DisplayName: "Wabot Fleet Daemon",
		Description: "Supervises Wabot messaging-bot worker processes on this server",
	}
}

// runService handles service control actions and service-mode execution.
func runService(configPath, action string) {
	prg := &program{configPath: configPath}
	svc, err := service.New(prg, serviceConfig())
	if err != nil {
		log.Fatalf("init service: %v", err)
	}

	if action != "" {
		if err := service.Control(svc, action); err != nil {
			log.Fatalf("service %s: %v", action, err)
		}
		log.Printf("service %s: ok", action)
		return
	}

	if err := svc.Run(); err != nil {
		log.Fatalf("run service: %v", err)
	}
}

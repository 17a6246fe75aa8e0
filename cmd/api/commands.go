package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/wenwu/saas-platform/fleet-service/internal/client"
	"github.com/wenwu/saas-platform/fleet-service/internal/config"
	"github.com/wenwu/saas-platform/fleet-service/internal/db"
	"github.com/wenwu/saas-platform/fleet-service/internal/http"
	"github.com/wenwu/saas-platform/fleet-service/internal/notify"
	"github.com/wenwu/saas-platform/fleet-service/internal/repository"
	"github.com/wenwu/saas-platform/fleet-service/internal/service"
)

var (
	version = "dev"
	commit  = "none"
)

var rootCmd = &cobra.Command{
	Use:   "fleet-service",
	Short: "V2Ray fleet allocation and lifecycle monitoring",
}

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and, when enabled, the fleet monitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	})

	var once bool
	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run the fleet monitor without the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(once)
		},
	}
	monitorCmd.Flags().BoolVar(&once, "once", false, "run a single cycle, print the report and exit")
	rootCmd.AddCommand(monitorCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fleet-service %s (%s)\n", version, commit)
		},
	})
}

// app holds the wired components shared by serve and monitor.
type app struct {
	cfg       *config.Config
	instances *repository.InstanceRepository
	events    *repository.EventRepository
	registry  *service.Registry
	engine    *service.ProvisioningEngine
	monitor   *service.FleetMonitor
	close     func()
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	pool, err := db.NewPool(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	// Repositories
	serverRepo := repository.NewServerRepository(pool)
	instanceRepo := repository.NewInstanceRepository(pool)
	eventRepo := repository.NewEventRepository(pool)

	// Clients
	xray := client.NewXrayClient(cfg.Xray)
	sink, err := notify.New(cfg.Telegram.BotToken)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("init notifications: %w", err)
	}

	// Services
	registry := service.NewRegistry(serverRepo, eventRepo, xray)
	engine := service.NewProvisioningEngine(cfg, registry, instanceRepo, xray, eventRepo)
	monitor := service.NewFleetMonitor(cfg.Monitor, serverRepo, instanceRepo, xray, engine, sink, eventRepo)

	return &app{
		cfg:       cfg,
		instances: instanceRepo,
		events:    eventRepo,
		registry:  registry,
		engine:    engine,
		monitor:   monitor,
		close:     pool.Close,
	}, nil
}

func runServe() error {
	log.Info("Starting Fleet Service...")

	cfg := config.Load()
	cfg.SetupLogging()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if cfg.Monitor.Enabled {
		go a.monitor.Start(ctx)
	} else {
		log.Info("[FleetMonitor] Monitoring disabled (ENABLE_XRAY_MONITORING=false)")
	}

	handler := http.NewHandler(a.engine, a.registry, a.monitor, a.instances, a.events)
	server := http.NewServer(cfg, handler)

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Server.Port)
		log.Infof("Server starting on %s", addr)
		errCh <- server.Run(addr)
	}()

	// Graceful shutdown
	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Server shutdown failed: %v", err)
	}

	log.Info("Server exited")
	return nil
}

func runMonitor(once bool) error {
	cfg := config.Load()
	cfg.SetupLogging()
	if err := cfg.ValidateRuntime(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if !once {
		a.monitor.Start(ctx)
		return nil
	}

	report, err := a.monitor.RunCycle(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

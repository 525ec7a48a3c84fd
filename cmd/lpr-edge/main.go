package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/irisdrone/checkpoint/internal/config"
	"github.com/irisdrone/checkpoint/internal/delivery"
	"github.com/irisdrone/checkpoint/internal/edge"
	"github.com/irisdrone/checkpoint/internal/health"
	"github.com/irisdrone/checkpoint/internal/logger"
	"github.com/irisdrone/checkpoint/internal/outbox"
	"github.com/irisdrone/checkpoint/internal/protocol"
	"go.uber.org/zap"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	// Command line flags
	configPath := flag.String("config", "/etc/lpr-edge/config.json", "Path to config file")
	dataDir := flag.String("data", "/var/lib/lpr-edge", "Path to data directory")
	webPort := flag.Int("port", 0, "Status API port (overrides config)")
	showVersion := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("LPR edge node v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	mgr, err := config.NewManager(*configPath, *dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize config: %v\n", err)
		os.Exit(1)
	}
	cfg := mgr.Get()
	if *webPort > 0 {
		cfg.WebPort = *webPort
	}

	log := logger.MustNew(cfg.LogLevel, cfg.LogFormat, "lpr-edge").With(zap.String("camera_id", cfg.CameraID))
	defer log.Sync()
	log.Info("starting edge node", zap.String("version", version), zap.String("model", cfg.NodeModel))

	box, err := outbox.Open(mgr.OutboxPath(), log)
	if err != nil {
		log.Fatal("failed to open outbox", zap.Error(err))
	}
	defer box.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	var agentStats edge.AgentStats
	if mgr.IsConfigured() {
		agent, err := newAgent(cfg, box, log)
		if err != nil {
			log.Fatal("invalid delivery settings", zap.Error(err))
		}
		box.SetNotifier(agent.Notify)
		agentStats = agent

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := agent.Run(ctx); err != nil {
				if errors.Is(err, delivery.ErrPreflight) {
					log.Error("delivery disabled until restart", zap.Error(err))
					return
				}
				log.Error("delivery agent stopped", zap.Error(err))
			}
		}()

		if cfg.Health.Enabled {
			reporter := edge.NewReporter(cfg.CameraID, snapshotSource(cfg), thresholds(cfg.Health), box, cfg.HealthInterval(), log)
			wg.Add(1)
			go func() {
				defer wg.Done()
				reporter.Run(ctx)
			}()
		}
	} else {
		log.Warn("node not configured, delivery disabled", zap.String("config", *configPath))
	}

	housekeeper := edge.NewHousekeeper(box, cfg.Retention(), cfg.GCInterval(), log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		housekeeper.Run(ctx)
	}()

	status := edge.NewStatusServer(edge.Identity{
		NodeName:  cfg.NodeName,
		NodeModel: cfg.NodeModel,
		CameraID:  cfg.CameraID,
		Version:   version,
	}, box, agentStats, cfg.WebPort, log)
	go func() {
		if err := status.Start(); err != nil {
			log.Fatal("status API failed", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := status.Stop(stopCtx); err != nil {
		log.Warn("status API shutdown incomplete", zap.Error(err))
	}
	// the agent finishes its in-flight request before returning
	cancel()
	wg.Wait()
	log.Info("edge node stopped")
}

func newAgent(cfg config.NodeConfig, box *outbox.Outbox, log *zap.Logger) (*delivery.Agent, error) {
	target, err := cfg.PreflightTarget()
	if err != nil {
		return nil, err
	}
	name := cfg.CameraName
	if name == "" {
		name = cfg.NodeName
	}
	transport := delivery.NewNATSTransport(cfg.Server.NATSURL, "lpr-edge-"+cfg.CameraID, cfg.ConnectTimeout(), log)
	return delivery.NewAgent(delivery.Config{
		CameraID: cfg.CameraID,
		Registration: protocol.Registration{
			CameraID: cfg.CameraID,
			Name:     name,
			Location: cfg.Location,
			Port:     cfg.WebPort,
		},
		PreflightTarget: target,
		ConnectTimeout:  cfg.ConnectTimeout(),
		RequestTimeout:  cfg.RequestTimeout(),
		InitialBackoff:  cfg.InitialBackoff(),
		MaxBackoff:      cfg.MaxBackoff(),
		PollInterval:    cfg.PollInterval(),
		BatchSize:       cfg.Delivery.BatchSize,
		MaxRejections:   cfg.Outbox.MaxRejections,
	}, box, transport, log), nil
}

func snapshotSource(cfg config.NodeConfig) health.SnapshotSource {
	if cfg.Health.Simulated {
		return health.NewSimulatedSnapshotSource()
	}
	return health.RealSnapshotSource{
		Throttle: strings.Contains(cfg.NodeModel, "Raspberry Pi"),
	}
}

func thresholds(h config.HealthConfig) health.Thresholds {
	return health.Thresholds{
		CPUWarn:         h.CPUWarn,
		CPUFail:         h.CPUFail,
		MemoryWarn:      h.MemoryWarn,
		MemoryFail:      h.MemoryFail,
		DiskWarn:        h.DiskWarn,
		DiskFail:        h.DiskFail,
		TemperatureWarn: h.TemperatureWarn,
		TemperatureFail: h.TemperatureFail,
	}
}

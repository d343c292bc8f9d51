package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"flowguard/internal/adaptive"
	"flowguard/internal/alert"
	"flowguard/internal/api"
	"flowguard/internal/detect"
	"flowguard/internal/enforce"
	"flowguard/internal/metrics"
	"flowguard/internal/model"
	"flowguard/internal/pipeline"
	"flowguard/internal/policy"
	"flowguard/internal/reputation"
	"flowguard/internal/storage"
	"flowguard/internal/utils"
)

func getVersion() string {
	content, err := os.ReadFile("VERSION")
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(content))
}

func main() {
	var (
		configFile = flag.String("config", "configs/flowguard.yaml", "Configuration file path (YAML)")
	)
	flag.Parse()

	config, err := utils.LoadConfig(*configFile)
	if err != nil {
		fmt.Printf("Failed to load YAML config %s: %v\n", *configFile, err)
		fmt.Println("Using default configuration...")
		config = utils.GetDefaultConfig()
	} else {
		fmt.Printf("Loaded configuration from %s\n", *configFile)
	}

	fmt.Printf("FlowGuard v%s\n", getVersion())
	fmt.Printf("API port: %s, metrics port: %s\n", config.Application.APIPort, config.Application.MetricsPort)
	fmt.Println("")

	logger := utils.NewLogger(config.Logging.Level, config.Logging.Format)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Metrics exporter on its own port.
	exporter := metrics.NewExporter(config.Application.MetricsPort, logger)
	go func() {
		if err := exporter.Start(rootCtx); err != nil {
			logger.Errorf("Metrics exporter error: %v", err)
		}
	}()
	m := exporter.Get()

	// Persistence is optional; the stores run memory-only without it.
	var policyBackend policy.Backend
	var reputationBackend reputation.Backend
	if config.Storage.Enabled {
		pg, err := storage.NewPostgresStore(storage.Options{
			Host:          config.Storage.Host,
			Port:          config.Storage.Port,
			Database:      config.Storage.Database,
			User:          config.Storage.User,
			Password:      config.Storage.Password,
			SSLMode:       config.Storage.SSLMode,
			RetryAttempts: config.Storage.RetryAttempts,
			RetryDelay:    time.Duration(config.Storage.RetryDelayMS) * time.Millisecond,
		}, logger)
		if err != nil {
			logger.Warnf("Postgres unavailable, running without persistence: %v", err)
		} else {
			defer pg.Close()
			policyBackend = pg
			reputationBackend = pg
		}
	}

	conditions := adaptive.NewConditions()

	policyStore := policy.NewStore(config.Policy.Shards, policyBackend, logger)
	policyStore.OnDegradation(m.StoreDegradations.Inc)
	resolver := policy.NewResolver(policyStore)

	reputationStore := reputation.NewStore(reputation.Options{
		MaxStep:       config.Reputation.MaxStep,
		HighTrustBand: config.Reputation.HighTrustBand,
		GoodBand:      config.Reputation.GoodBand,
		PoorBand:      config.Reputation.PoorBand,
	}, reputationBackend, logger)
	reputationStore.OnDegradation(m.StoreDegradations.Inc)

	detector := detect.NewDetector(detect.DetectorOptions{
		RateThreshold:   config.Detection.RateThreshold,
		EscalationBound: config.Detection.EscalationBound,
		Window:          time.Duration(config.Detection.WindowSeconds) * time.Second,
		BucketSize:      time.Duration(config.Detection.BucketSeconds) * time.Second,
		IdleEviction:    time.Duration(config.Detection.IdleEvictionSeconds) * time.Second,
		CriticalRatio:   config.Detection.CriticalRateMultiple,
	}, conditions.Get, logger)

	analyzer := detect.NewFlowAnalyzer(detect.AnalyzerOptions{
		MonitorThreshold:   config.Analysis.MonitorThreshold,
		RateLimitThreshold: config.Analysis.RateLimitThreshold,
		BlockThreshold:     config.Analysis.BlockThreshold,
		BurstBytes:         config.Analysis.BurstBytes,
		ConnRateThreshold:  config.Analysis.ConnRateThreshold,
	}, logger)
	for _, addr := range config.Analysis.Whitelist {
		analyzer.AddToWhitelist(addr)
	}
	for _, addr := range config.Analysis.Blacklist {
		analyzer.AddToBlacklist(addr)
	}

	behavior := detect.NewBehaviorAnalyzer(detect.BehaviorOptions{
		MinSamples:    config.Behavior.BaselineMinSamples,
		Deviation:     config.Behavior.DeviationThreshold,
		ScanThreshold: config.Behavior.ScanPortThreshold,
		Horizon:       time.Duration(config.Behavior.HorizonSeconds) * time.Second,
	}, logger)

	engine := adaptive.NewEngine(adaptive.Options{
		MinDuration:        time.Duration(config.Adaptive.MinDurationSeconds) * time.Second,
		MaxDuration:        time.Duration(config.Adaptive.MaxDurationSeconds) * time.Second,
		ControllerPriority: config.Adaptive.ControllerPriority,
	}, policyStore, reputationStore, conditions, logger)

	// Alerting
	alerts := alert.NewManager(logger)
	if config.Alerting.Enabled {
		if config.Alerting.Channels.Log {
			alerts.Register(alert.NewLogAlertNotifier(logger))
		}
		if config.Alerting.Channels.Webhook {
			alerts.Register(alert.NewWebhookNotifier(
				config.Alerting.Webhook.URL,
				time.Duration(config.Alerting.Webhook.TimeoutSeconds)*time.Second,
				config.Alerting.Webhook.Enabled,
				logger))
		}
	}

	// Enforcement with bounded retries; exhausted retries raise alerts.
	onFailure := func(f *model.EnforcementFailure) {
		m.EnforcementFailures.Inc()
		alerts.NotifyEnforcementFailure(f)
	}
	dispatcher := enforce.NewRetrier(
		enforce.NewLogDispatcher(logger),
		config.Enforcement.RetryAttempts,
		time.Duration(config.Enforcement.RetryDelayMS)*time.Millisecond,
		onFailure,
		logger)
	dispatcher.OnRetry(m.EnforcementRetries.Inc)

	processor := pipeline.NewProcessor(
		detector, analyzer, behavior, engine, policyStore, resolver, reputationStore,
		dispatcher, m,
		pipeline.Options{
			TelemetryBuffer: config.Application.TelemetryBuffer,
			DropOldest:      config.Application.DropOldest,
			Alerts:          alerts,
		}, logger)
	policyStore.RegisterListener(processor)

	// Background sweeps
	stop := make(chan struct{})
	go policyStore.RunSweeper(time.Duration(config.Policy.SweepSeconds)*time.Second, stop)
	go engine.RunSweeper(time.Duration(config.Adaptive.SweepSeconds)*time.Second, stop)
	go func() {
		ticker := time.NewTicker(time.Duration(config.Detection.SweepIntervalSeconds) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				detector.Sweep(time.Now())
				behavior.Sweep(time.Now())
			case <-stop:
				return
			}
		}
	}()

	go processor.Run(rootCtx)

	handlers := api.NewHandlers(policyStore, resolver, engine, reputationStore,
		analyzer, detector, behavior, conditions, processor, logger)
	server := api.NewServer(config.Application.APIPort, handlers, logger)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		logger.Info("Shutting down...")
		close(stop)
		rootCancel()
	}()

	if err := server.Start(rootCtx); err != nil {
		logger.Fatalf("Server failed: %v", err)
	}
}

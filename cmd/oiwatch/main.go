package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/rewired-gh/oiwatch/internal/admin"
	"github.com/rewired-gh/oiwatch/internal/binance"
	"github.com/rewired-gh/oiwatch/internal/catalog"
	"github.com/rewired-gh/oiwatch/internal/config"
	"github.com/rewired-gh/oiwatch/internal/logger"
	"github.com/rewired-gh/oiwatch/internal/marketdata"
	"github.com/rewired-gh/oiwatch/internal/models"
	"github.com/rewired-gh/oiwatch/internal/monitor"
	"github.com/rewired-gh/oiwatch/internal/scanner"
	"github.com/rewired-gh/oiwatch/internal/settings"
	"github.com/rewired-gh/oiwatch/internal/storage"
	"github.com/rewired-gh/oiwatch/internal/telegram"
	"github.com/rewired-gh/oiwatch/internal/throttle"
	"github.com/rewired-gh/oiwatch/internal/window"
)

const (
	alertRetention = 30 * 24 * time.Hour
	// logDestination keeps the engine active when alerts only go to the log
	logDestination = "log"
)

var (
	configPath = pflag.String("config", "configs/config.yaml", "Path to configuration file")
	sourceFlag = pflag.String("source", "", "Market data source override (poll or stream)")
)

func main() {
	pflag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Failed to load .env: %v", err)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *sourceFlag != "" {
		cfg.Monitor.Source = *sourceFlag
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Setup logging with level support
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAgeDays); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logger.Info("Configuration loaded from %s", *configPath)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, cleaning up...")
		cancel()
	}()

	// Initialize storage
	store, err := storage.Open(cfg.Storage.DBPath, 0o755)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	if pruned, err := store.PruneAlerts(ctx, time.Now().Add(-alertRetention)); err != nil {
		logger.Warn("Failed to prune alert log: %v", err)
	} else if pruned > 0 {
		logger.Info("Pruned %d alerts older than %v", pruned, alertRetention)
	}

	// Live settings: config seeds, persisted values win
	destination := cfg.Telegram.ChatID
	if !cfg.Telegram.Enabled && destination == "" {
		destination = logDestination
	}
	settingsStore, err := settings.NewStore(settings.Settings{
		Window:           cfg.Monitor.Window,
		ThresholdPct:     cfg.Monitor.ThresholdPct,
		Enabled:          cfg.Monitor.Enabled,
		Destination:      destination,
		MaxSignalsPerDay: cfg.Alerts.MaxSignalsPerDay,
	}, store)
	if err != nil {
		logger.Fatal("Invalid initial settings: %v", err)
	}
	if err := settingsStore.Load(ctx); err != nil {
		logger.Warn("Failed to load persisted settings, using configured values: %v", err)
	}

	// Market data
	restClient := binance.NewClient(cfg.Binance.RESTBaseURL, cfg.Binance.Timeout)
	symbolCatalog := catalog.New(restClient, cfg.Binance.CatalogTTL, cfg.Binance.TopSymbols, cfg.Binance.RequirePerpetual)

	var source marketdata.Source
	switch cfg.Monitor.Source {
	case config.SourceStream:
		source = marketdata.NewStreamer(marketdata.StreamConfig{
			URL:                      cfg.Binance.WSBaseURL,
			ChunkSize:                cfg.Binance.StreamChunkSize,
			MaxStreamsPerConnection:  cfg.Binance.MaxStreamsPerConnection,
			SubscribeBatchSize:       cfg.Binance.SubscribeBatchSize,
			ControlMessagesPerSecond: cfg.Binance.ControlMessagesPerSecond,
			ReconnectDelay:           cfg.Binance.ReconnectDelay,
		}, marketdata.NewMetricCache())
	default:
		source = marketdata.NewPoller(restClient, marketdata.PollConfig{
			Concurrency:       cfg.Binance.PollConcurrency,
			RequestsPerSecond: cfg.Binance.RequestsPerSecond,
			Timeout:           cfg.Binance.Timeout,
			Enrich:            cfg.Binance.Enrich,
		})
	}

	deps := scanner.Deps{
		Catalog:   symbolCatalog,
		Source:    source,
		Windows:   window.New(),
		Detector:  monitor.New(),
		Throttler: throttle.New(cfg.Location(), cfg.Alerts.CounterRetention),
		Settings:  settingsStore,
		Notifier:  logNotifier{},
		Recorder:  store,
	}

	// Initialize Telegram client
	var telegramClient *telegram.Client
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(
			cfg.Telegram.BotToken,
			settingsStore,
			cfg.Telegram.AllowedUsers,
			cfg.Location(),
			cfg.Telegram.MaxRetries,
			cfg.Telegram.RetryDelayBase,
		)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		deps.Notifier = telegramClient
		deps.Health = telegramClient
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled, alerts are logged only")
	}

	svc := scanner.New(deps, scanner.Config{
		ScanInterval: cfg.EvaluationInterval(),
		IdleInterval: cfg.Monitor.IdleInterval,
		ErrorBackoff: cfg.Monitor.ErrorBackoff,
	})

	// Start Telegram command listener
	if telegramClient != nil {
		telegramClient.SetStatusSource(svc)
		telegramClient.ListenForCommands(ctx)
	}

	if cfg.Admin.Enabled {
		srv := admin.NewServer(cfg.Admin.Addr, svc, settingsStore, store, cfg.Logging.Level == "debug")
		go func() {
			if err := srv.Run(ctx); err != nil {
				logger.Error("Admin API stopped: %v", err)
			}
		}()
	}

	st := settingsStore.Snapshot()
	logger.Info("Starting screener (source: %s, window: %v, threshold: %.2f%%, max_per_day: %d, timezone: %s)",
		source.Name(), st.Window, st.ThresholdPct, st.MaxSignalsPerDay, cfg.Alerts.Timezone)

	if err := svc.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("Screener stopped: %v", err)
	}
	logger.Info("Service stopped")
}

// logNotifier stands in for Telegram when notifications are disabled
type logNotifier struct{}

func (logNotifier) Notify(_ context.Context, alert models.Alert) error {
	logger.With(logger.Fields{
		"symbol":      alert.Symbol,
		"oi_change":   alert.OIChangePct,
		"daily_count": alert.DailyCount,
	}).Info("Open interest alert")
	return nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vitos/perp_engine/internal/domain"
	"github.com/vitos/perp_engine/internal/infrastructure/exchange"
	"github.com/vitos/perp_engine/internal/infrastructure/logger"
	"github.com/vitos/perp_engine/internal/infrastructure/metrics"
	"github.com/vitos/perp_engine/internal/infrastructure/notify"
	"github.com/vitos/perp_engine/internal/infrastructure/storage"
	"github.com/vitos/perp_engine/internal/usecase"
	"github.com/vitos/perp_engine/internal/web"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Exchange struct {
		APIKey       string `yaml:"api_key"`
		APISecret    string `yaml:"api_secret"`
		RESTEndpoint string `yaml:"rest_endpoint"`
		WSEndpoint   string `yaml:"ws_endpoint"`
		Demo         bool   `yaml:"demo"`
	} `yaml:"exchange"`
	Engine struct {
		CycleIntervalMs     int    `yaml:"cycle_interval_ms"`
		ReconcileIntervalMs int    `yaml:"reconcile_interval_ms"`
		KlineInterval       string `yaml:"kline_interval"`
		SessionTimezone     string `yaml:"session_timezone"`
		DBPath              string `yaml:"db_path"`
	} `yaml:"engine"`
	Risk        domain.RiskLimits        `yaml:"risk"`
	Instruments []domain.Instrument      `yaml:"instruments"`
	Allowed     []string                 `yaml:"allowed_symbols"`
	Strategies  []usecase.StrategyConfig `yaml:"strategies"`
	Logging     struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`
}

func loadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
		return fmt.Errorf("exchange credentials missing")
	}
	if c.Risk.VirtualEquity <= 0 {
		return fmt.Errorf("risk.virtual_equity must be positive")
	}
	if c.Risk.PerTradeRiskPct <= 0 || c.Risk.PerTradeRiskPct >= 1 {
		return fmt.Errorf("risk.per_trade_risk_pct must be in (0, 1)")
	}
	if c.Risk.MaxConcurrentPositions <= 0 {
		return fmt.Errorf("risk.max_concurrent_positions must be positive")
	}
	if len(c.Instruments) == 0 {
		return fmt.Errorf("no instruments configured")
	}
	if len(c.Strategies) == 0 {
		return fmt.Errorf("no strategies configured")
	}
	return nil
}

func main() {
	configPath := "config/config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("Invalid config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging.Level)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	dbPath := cfg.Engine.DBPath
	if dbPath == "" {
		dbPath = "engine.db"
	}
	store, err := storage.NewSQLiteStore(dbPath)
	if err != nil {
		log.Fatal("Failed to init sqlite", zap.Error(err))
	}
	defer store.Close()

	loc := time.UTC
	if cfg.Engine.SessionTimezone != "" {
		loc, err = time.LoadLocation(cfg.Engine.SessionTimezone)
		if err != nil {
			log.Fatal("Invalid session timezone", zap.Error(err))
		}
	}

	restEndpoint := cfg.Exchange.RESTEndpoint
	wsEndpoint := cfg.Exchange.WSEndpoint
	if restEndpoint == "" {
		restEndpoint = exchange.BybitBaseURL
		if cfg.Exchange.Demo {
			restEndpoint = exchange.BybitDemoBaseURL
		}
	}
	if wsEndpoint == "" {
		wsEndpoint = exchange.BybitWSURL
		if cfg.Exchange.Demo {
			wsEndpoint = exchange.BybitDemoWSURL
		}
	}
	adapter := exchange.NewBybitAdapter(
		cfg.Exchange.APIKey, cfg.Exchange.APISecret,
		restEndpoint, wsEndpoint, cfg.Engine.KlineInterval, log)

	m := metrics.New()
	notifier := notify.NewLogNotifier(log, m)
	limits := usecase.NewLimitsStore(cfg.Risk)
	ledger := usecase.NewPositionLedger()
	guard := usecase.NewSlippageGuard(store, notifier, log)
	risk := usecase.NewRiskEngine(ledger, guard, store, notifier, loc, log)
	resolver := usecase.NewConflictResolver(ledger, notifier, log)
	engine := usecase.NewExecutionEngine(adapter, ledger, guard, risk, store, notifier, limits.Get, log)
	adapter.OnExecution(engine.Submit)

	strategies, err := usecase.BuildStrategies(cfg.Strategies)
	if err != nil {
		log.Fatal("Failed to build strategies", zap.Error(err))
	}

	instruments := make(map[string]domain.Instrument, len(cfg.Instruments))
	for _, instr := range cfg.Instruments {
		instruments[instr.Symbol] = instr
	}

	// A restart must restore risk accounting and converge on the venue
	// before the first decision; failure to do either refuses startup.
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStartup()
	if err := risk.Restore(startupCtx); err != nil {
		log.Fatal("Failed to restore risk state", zap.Error(err))
	}
	reconcileInterval := time.Duration(cfg.Engine.ReconcileIntervalMs) * time.Millisecond
	if reconcileInterval <= 0 {
		reconcileInterval = time.Minute
	}
	reconciler := usecase.NewReconciler(adapter, ledger, engine, notifier, reconcileInterval, log)
	if err := reconciler.SyncOnStartup(startupCtx); err != nil {
		log.Fatal("Startup reconciliation failed", zap.Error(err))
	}

	cycleInterval := time.Duration(cfg.Engine.CycleIntervalMs) * time.Millisecond
	if cycleInterval <= 0 {
		cycleInterval = 5 * time.Second
	}
	worker := usecase.NewWorker(adapter, strategies, resolver, risk, engine, ledger,
		limits, instruments, cfg.Allowed, cycleInterval, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go adapter.RunExecutionStream(ctx)
	go engine.Run(ctx)
	go reconciler.Run(ctx)
	go worker.Run(ctx)

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.OpenPositions.Set(float64(ledger.OpenCount()))
				m.RealizedPnL.Set(risk.DailyRealized())
			}
		}
	}()

	server := web.NewServer(cfg.Server.Port, ledger, engine, risk, guard, limits, store, m, log)
	go func() {
		if err := server.Start(); err != nil {
			log.Error("Web server error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("Shutting down")
	cancel()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Web server shutdown error", zap.Error(err))
	}
}

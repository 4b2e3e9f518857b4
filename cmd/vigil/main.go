// Package main is the entry point for the vigil surveillance engine. It
// wires configuration, databases, providers, the alert pipeline, and the
// four worker threads, then hands the lifecycle to the service controller.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/mberan/vigil/internal/alerts"
	"github.com/mberan/vigil/internal/backup"
	"github.com/mberan/vigil/internal/breakout"
	"github.com/mberan/vigil/internal/config"
	"github.com/mberan/vigil/internal/database"
	"github.com/mberan/vigil/internal/domain"
	"github.com/mberan/vigil/internal/marketcal"
	"github.com/mberan/vigil/internal/monitor"
	"github.com/mberan/vigil/internal/notify"
	"github.com/mberan/vigil/internal/providers"
	"github.com/mberan/vigil/internal/regime"
	"github.com/mberan/vigil/internal/repository"
	"github.com/mberan/vigil/internal/server"
	"github.com/mberan/vigil/internal/service"
	"github.com/mberan/vigil/internal/techdata"
	"github.com/mberan/vigil/pkg/logger"
)

// barCacheTTL is how long cached daily bars stay fresh intraday; the
// maintenance worker re-warms active symbols nightly.
const barCacheTTL = 4 * time.Hour

var configPath string

func main() {
	root := &cobra.Command{
		Use:          "vigil",
		Short:        "CANSLIM surveillance engine",
		Long:         "Vigil watches breakout candidates and held positions, tracks the market regime, and routes prioritized alerts to Discord.",
		RunE:         run,
		SilenceUsage: true,
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		// Config failed before the real logger exists.
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Error().Err(err).Msg("Failed to load configuration")
		return err
	}

	log := logger.New(logger.Config{
		Level:         cfg.Logging.ConsoleLevel,
		Pretty:        cfg.Logging.Pretty,
		BaseDir:       cfg.LogDir(),
		RetentionDays: cfg.Logging.RetentionDays,
	})
	logger.SetGlobalLogger(log)
	if removed, err := logger.Cleanup(cfg.LogDir(), cfg.Logging.RetentionDays); err != nil {
		log.Warn().Err(err).Msg("Log cleanup failed")
	} else if removed > 0 {
		log.Info().Int("removed", removed).Msg("Removed old log files")
	}

	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting vigil")

	mainDB, err := database.New(database.Config{
		Path:    cfg.DatabasePath(),
		Profile: database.ProfileStandard,
		Name:    "vigil",
	})
	if err != nil {
		return fmt.Errorf("failed to open main database: %w", err)
	}
	defer mainDB.Close()
	if err := mainDB.Migrate(); err != nil {
		return fmt.Errorf("failed to migrate main database: %w", err)
	}

	cacheDB, err := database.New(database.Config{
		Path:    cfg.CachePath(),
		Profile: database.ProfileCache,
		Name:    "cache",
	})
	if err != nil {
		return fmt.Errorf("failed to open cache database: %w", err)
	}
	defer cacheDB.Close()
	if err := cacheDB.Migrate(); err != nil {
		return fmt.Errorf("failed to migrate cache database: %w", err)
	}

	positionRepo := repository.NewPositionRepository(mainDB.Conn(), log)
	alertRepo := repository.NewAlertRepository(mainDB.Conn(), log)
	providerRepo := repository.NewProviderConfigRepository(mainDB.Conn(), log)
	regimeRepo := repository.NewRegimeAlertRepository(mainDB.Conn(), log)

	calendar := marketcal.New(nil, log)

	factory := providers.NewFactory(providerRepo, log)
	if err := factory.SeedIfEmpty(); err != nil {
		return fmt.Errorf("failed to seed provider configuration: %w", err)
	}
	if cfg.MarketData.APIKey != "" {
		if err := storeHistoricalKey(providerRepo, cfg.MarketData.APIKey); err != nil {
			log.Warn().Err(err).Msg("Failed to store historical provider credential")
		}
	}

	historical, err := factory.Historical()
	if err != nil {
		return fmt.Errorf("failed to initialize historical provider: %w", err)
	}
	realtime, err := factory.Realtime()
	if err != nil {
		return fmt.Errorf("failed to initialize realtime provider: %w", err)
	}
	var futures providers.FuturesProvider
	if f, err := factory.Futures(); err != nil {
		log.Warn().Err(err).Msg("Futures provider unavailable, regime scoring runs without futures")
	} else {
		futures = f
	}

	tech := techdata.New(cacheDB.Conn(), historical, barCacheTTL, log)

	sink := notify.NewDiscord(cfg.Discord.Webhooks, cfg.Discord.DefaultWebhook, cfg.Discord.Enabled, log)
	registry := prometheus.NewRegistry()
	alertSvc := alerts.New(alertRepo, sink, cfg.Alerts, cfg.Monitoring.Cooldowns, registry, log)

	mon := monitor.New(cfg.Monitoring, alertSvc, positionRepo, log)
	calc := regime.New(cfg.Regime, log)
	scorer := breakout.NewScorer(log)
	sizer := breakout.NewSizer(cfg.Sizing)

	breakoutW := service.NewBreakoutWorker(cfg.Threads.Interval("breakout"), calendar.IsMarketOpen,
		positionRepo, realtime, tech, regimeRepo, alertSvc, scorer, sizer, log)
	positionW := service.NewPositionWorker(cfg.Threads.Interval("position"), calendar.IsMarketOpen,
		positionRepo, realtime, tech, regimeRepo, mon, log)
	regimeW := service.NewRegimeWorker(cfg.Threads.Interval("regime"), calendar.IsExtendedWindow,
		tech, futures, calc, regimeRepo, alertSvc, calendar.Location(), log)

	var backupJob interface {
		Run(ctx context.Context) error
	}
	if cfg.Backup.Enabled {
		store, err := backup.NewS3Store(context.Background(), cfg.Backup, log)
		if err != nil {
			return fmt.Errorf("failed to initialize backup store: %w", err)
		}
		backupJob = backup.New(store, map[string]backup.Snapshotter{
			"vigil": mainDB,
			"cache": cacheDB,
		}, cfg.DataDir, cfg.Backup.RetentionDays, log)
	}

	maintW := service.NewMaintenanceWorker(cfg.Threads.Interval("maintenance"), calendar.IsAfterClose,
		tech, alertRepo, positionRepo, []service.Checkpointer{mainDB, cacheDB},
		backupJob, calendar.Location(), log)

	// The admin server reads status through the controller, which is built
	// after it; the proxy closes the loop before anything starts serving.
	status := &statusProxy{}
	var httpSrv service.HTTPServer
	if cfg.AdminHTTP.Enabled {
		httpSrv = server.New(server.Config{
			Listen:   cfg.AdminHTTP.Listen,
			Status:   status,
			Regime:   &regimeSource{repo: regimeRepo},
			Alerts:   &alertSource{svc: alertSvc},
			Registry: registry,
			Log:      log,
		})
	}

	ctrl := service.NewController(service.Deps{
		Config:       cfg,
		ConfigPath:   configPath,
		Breakout:     breakoutW,
		Position:     positionW,
		Regime:       regimeW,
		Maintenance:  maintW,
		RegimeStore:  regimeRepo,
		AlertService: alertSvc,
		Realtime:     realtime,
		Disconnect:   factory.DisconnectAll,
		DB:           mainDB,
		HTTP:         httpSrv,
		Location:     calendar.Location(),
		Log:          log,
	})
	status.ctrl = ctrl

	if err := ctrl.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("Signal received, shutting down")
		ctrl.Shutdown()
	}()

	ctrl.Wait()
	return nil
}

// storeHistoricalKey pushes the env-provided API key onto the primary
// historical provider row so the factory can build it.
func storeHistoricalKey(repo *repository.ProviderConfigRepository, key string) error {
	cfg, err := repo.GetPrimaryForDomain(domain.DomainHistorical)
	if err != nil {
		return err
	}
	if cfg == nil {
		return fmt.Errorf("no historical provider row to attach credential to")
	}
	return repo.SetCredential(cfg.ID, "api_key", key)
}

// statusProxy defers StatusData to the controller, which does not exist
// yet when the admin server is constructed.
type statusProxy struct {
	ctrl *service.Controller
}

func (p *statusProxy) StatusData() map[string]interface{} {
	if p.ctrl == nil {
		return map[string]interface{}{}
	}
	return p.ctrl.StatusData()
}

// regimeSource renders the latest regime snapshot for the admin API.
type regimeSource struct {
	repo *repository.RegimeAlertRepository
}

func (r *regimeSource) RegimeData() (map[string]interface{}, error) {
	snap, err := r.repo.GetLatest()
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, nil
	}
	return map[string]interface{}{
		"date":         snap.Date.Format("2006-01-02"),
		"regime":       string(snap.Regime),
		"score":        snap.Score,
		"phase":        string(snap.Phase),
		"trend":        string(snap.Trend),
		"spy_d_days":   snap.SPYDDays,
		"qqq_d_days":   snap.QQQDDays,
		"total_d_days": snap.TotalDDays(),
		"exposure":     snap.Exposure().String(),
	}, nil
}

// alertSource serves recent alert history for the admin API.
type alertSource struct {
	svc *alerts.Service
}

func (a *alertSource) RecentAlerts(symbol string, hours, limit int) (interface{}, error) {
	return a.svc.Recent(symbol, hours, limit)
}

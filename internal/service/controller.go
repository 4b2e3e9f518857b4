package service

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/mberan/vigil/internal/alerts"
	"github.com/mberan/vigil/internal/config"
	"github.com/mberan/vigil/internal/ipc"
)

// joinTimeout bounds how long shutdown waits for each worker.
const joinTimeout = 5 * time.Second

// Cron schedules in the exchange timezone.
const (
	cronMorningRegime   = "45 8 * * 1-5" // before the open, force-overwrites today's row
	cronNightlyMaintain = "0 22 * * *"
)

// connectionChecker reports realtime provider connectivity for GET_STATUS.
type connectionChecker interface {
	IsConnected() bool
}

// dbPinger verifies persistence health for GET_STATUS.
type dbPinger interface {
	HealthCheck(ctx context.Context) error
}

// HTTPServer is the admin API lifecycle surface.
type HTTPServer interface {
	Start() error
	Shutdown(ctx context.Context) error
}

// Deps carries the wired components into the controller. HTTP, Realtime,
// and Disconnect may be nil when the matching feature is disabled.
type Deps struct {
	Config     *config.Config
	ConfigPath string

	Breakout    *BreakoutWorker
	Position    *PositionWorker
	Regime      *RegimeWorker
	Maintenance *MaintenanceWorker

	RegimeStore  regimeStore
	AlertService *alerts.Service
	Realtime     connectionChecker
	Disconnect   func()
	DB           dbPinger
	HTTP         HTTPServer
	Location     *time.Location
	Log          zerolog.Logger
}

// Controller owns the engine lifecycle: workers, cron, IPC, admin HTTP.
type Controller struct {
	deps Deps
	log  zerolog.Logger

	ipcServer *ipc.Server
	scheduler *cron.Cron

	startedAt time.Time
	done      chan struct{}
	stopOnce  sync.Once
}

// NewController builds the controller from wired dependencies.
func NewController(deps Deps) *Controller {
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	c := &Controller{
		deps: deps,
		log:  deps.Log.With().Str("component", "controller").Logger(),
		done: make(chan struct{}),
	}
	c.ipcServer = ipc.NewServer(deps.Config.SocketPath(), c.handleCommand, deps.Log)
	c.scheduler = cron.New(cron.WithLocation(deps.Location))
	return c
}

// Start launches workers, cron, IPC, and the admin API.
func (c *Controller) Start(ctx context.Context) error {
	c.startedAt = time.Now()

	c.deps.Breakout.Start(ctx)
	c.deps.Position.Start(ctx)
	c.deps.Regime.Start(ctx)
	c.deps.Maintenance.Start(ctx)

	if _, err := c.scheduler.AddFunc(cronMorningRegime, c.deps.Regime.Trigger); err != nil {
		return fmt.Errorf("failed to schedule morning regime job: %w", err)
	}
	if _, err := c.scheduler.AddFunc(cronNightlyMaintain, c.deps.Maintenance.Trigger); err != nil {
		return fmt.Errorf("failed to schedule nightly maintenance job: %w", err)
	}
	c.scheduler.Start()

	if err := c.ipcServer.Start(); err != nil {
		return fmt.Errorf("failed to start IPC server: %w", err)
	}

	if c.deps.HTTP != nil {
		if err := c.deps.HTTP.Start(); err != nil {
			return fmt.Errorf("failed to start admin API: %w", err)
		}
	}

	c.log.Info().Msg("Engine started")
	return nil
}

// Wait blocks until shutdown completes.
func (c *Controller) Wait() {
	<-c.done
}

// Shutdown stops everything once: cron, IPC, workers (bounded join),
// providers, admin API.
func (c *Controller) Shutdown() {
	c.stopOnce.Do(func() {
		c.log.Info().Msg("Shutdown initiated")

		cronCtx := c.scheduler.Stop()
		c.ipcServer.Stop()

		for _, w := range []*BaseThread{
			c.deps.Breakout.BaseThread,
			c.deps.Position.BaseThread,
			c.deps.Regime.BaseThread,
			c.deps.Maintenance.BaseThread,
		} {
			if !w.Stop(joinTimeout) {
				c.log.Warn().Str("thread", w.Name()).Msg("Worker abandoned after join timeout")
			}
		}

		if c.deps.Disconnect != nil {
			c.deps.Disconnect()
		}

		if c.deps.HTTP != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = c.deps.HTTP.Shutdown(ctx)
			cancel()
		}

		<-cronCtx.Done()
		close(c.done)
		c.log.Info().Msg("Engine stopped")
	})
}

// handleCommand dispatches one IPC request.
func (c *Controller) handleCommand(req ipc.Request) ipc.Reply {
	switch req.Type {
	case ipc.CmdGetStatus:
		return ipc.Success(req, c.StatusData())

	case ipc.CmdGetStats:
		return ipc.Success(req, map[string]interface{}{"threads": c.ThreadStats()})

	case ipc.CmdGetRegime:
		return c.regimeReply(req)

	case ipc.CmdForceCheck:
		symbol, _ := req.Data["symbol"].(string)
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		if symbol != "" {
			c.deps.Position.FocusSymbol(symbol)
			c.deps.Breakout.FocusSymbol(symbol)
		}
		c.deps.Position.Trigger()
		c.deps.Breakout.Trigger()
		reply := ipc.Success(req, nil)
		reply.Message = "Check triggered"
		if symbol != "" {
			reply.Message = fmt.Sprintf("Check triggered for %s", symbol)
		}
		return reply

	case ipc.CmdAckAlerts:
		return c.ackAlerts(req)

	case ipc.CmdReloadConfig:
		return c.reloadConfig(req)

	case ipc.CmdShutdown:
		go c.Shutdown()
		reply := ipc.Success(req, nil)
		reply.Message = "Shutdown initiated"
		return reply

	default:
		return ipc.Errorf(req, "unknown command %q", req.Type)
	}
}

// ThreadStats snapshots every worker's rolling stats.
func (c *Controller) ThreadStats() map[string]Stats {
	return map[string]Stats{
		"breakout":    c.deps.Breakout.Stats(),
		"position":    c.deps.Position.Stats(),
		"regime":      c.deps.Regime.Stats(),
		"maintenance": c.deps.Maintenance.Stats(),
	}
}

// StatusData is the GET_STATUS payload, shared with the admin API.
func (c *Controller) StatusData() map[string]interface{} {
	connected := false
	if c.deps.Realtime != nil {
		connected = c.deps.Realtime.IsConnected()
	}

	dbOK := false
	if c.deps.DB != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		dbOK = c.deps.DB.HealthCheck(ctx) == nil
		cancel()
	}

	return map[string]interface{}{
		"uptime_seconds":     int64(time.Since(c.startedAt).Seconds()),
		"threads":            c.ThreadStats(),
		"realtime_connected": connected,
		"database_ok":        dbOK,
		"system":             systemStats(),
	}
}

// systemStats samples host resource usage for GET_STATUS and the admin API.
func systemStats() map[string]interface{} {
	out := map[string]interface{}{
		"goroutines": runtime.NumGoroutine(),
	}
	if pcts, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(pcts) > 0 {
		out["cpu_percent"] = pcts[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		out["memory_percent"] = vm.UsedPercent
	}
	return out
}

func (c *Controller) regimeReply(req ipc.Request) ipc.Reply {
	snap, err := c.deps.RegimeStore.GetLatest()
	if err != nil {
		return ipc.Errorf(req, "failed to load regime: %v", err)
	}
	if snap == nil {
		return ipc.Errorf(req, "no regime snapshot computed yet")
	}
	return ipc.Success(req, map[string]interface{}{
		"date":         snap.Date.Format("2006-01-02"),
		"regime":       string(snap.Regime),
		"score":        snap.Score,
		"phase":        string(snap.Phase),
		"trend":        string(snap.Trend),
		"spy_d_days":   snap.SPYDDays,
		"qqq_d_days":   snap.QQQDDays,
		"total_d_days": snap.TotalDDays(),
		"exposure":     snap.Exposure().String(),
	})
}

// ackAlerts acknowledges one alert by id, or every unacknowledged alert
// when no id is given.
func (c *Controller) ackAlerts(req ipc.Request) ipc.Reply {
	if c.deps.AlertService == nil {
		return ipc.Errorf(req, "alert service not available")
	}
	if raw, ok := req.Data["id"]; ok {
		id, ok := raw.(float64)
		if !ok || id != float64(int64(id)) {
			return ipc.Errorf(req, "invalid alert id %v", raw)
		}
		if err := c.deps.AlertService.Acknowledge(int64(id)); err != nil {
			return ipc.Errorf(req, "failed to acknowledge alert %d: %v", int64(id), err)
		}
		reply := ipc.Success(req, map[string]interface{}{"acknowledged": 1})
		reply.Message = fmt.Sprintf("Alert %d acknowledged", int64(id))
		return reply
	}

	count, err := c.deps.AlertService.AcknowledgeAll()
	if err != nil {
		return ipc.Errorf(req, "failed to acknowledge alerts: %v", err)
	}
	reply := ipc.Success(req, map[string]interface{}{"acknowledged": count})
	reply.Message = fmt.Sprintf("%d alerts acknowledged", count)
	return reply
}

// reloadConfig re-reads the config file and pushes the live-reloadable
// sections into running services.
func (c *Controller) reloadConfig(req ipc.Request) ipc.Reply {
	cfg, err := config.Load(c.deps.ConfigPath)
	if err != nil {
		return ipc.Errorf(req, "failed to reload config: %v", err)
	}
	if c.deps.AlertService != nil {
		c.deps.AlertService.ApplyConfig(cfg.Alerts, cfg.Monitoring.Cooldowns)
	}
	c.deps.Config.Alerts = cfg.Alerts
	c.deps.Config.Monitoring.Cooldowns = cfg.Monitoring.Cooldowns
	reply := ipc.Success(req, nil)
	reply.Message = "Configuration reloaded"
	return reply
}

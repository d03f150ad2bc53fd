// Command mudforged is the driver entry point: it loads configuration,
// wires every subsystem, starts the websocket listener and operator HTTP
// surface, and runs until SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jasona/mudforge-sub002/internal/bridge"
	"github.com/jasona/mudforge-sub002/internal/command"
	"github.com/jasona/mudforge-sub002/internal/config"
	"github.com/jasona/mudforge-sub002/internal/connection"
	"github.com/jasona/mudforge-sub002/internal/hotreload"
	"github.com/jasona/mudforge-sub002/internal/loader"
	"github.com/jasona/mudforge-sub002/internal/logging"
	"github.com/jasona/mudforge-sub002/internal/opshttp"
	"github.com/jasona/mudforge-sub002/internal/orchestrator"
	"github.com/jasona/mudforge-sub002/internal/permission"
	"github.com/jasona/mudforge-sub002/internal/registry"
	"github.com/jasona/mudforge-sub002/internal/scheduler"
	"github.com/jasona/mudforge-sub002/internal/session"
	"github.com/jasona/mudforge-sub002/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional; env vars always apply)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mudforged: config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New("driver", cfg.LogLevel, cfg.LogPretty)
	log.With().Info("mudforged starting")

	reg := registry.New()
	perms := permission.New(500)
	sess := session.New(session.Config{Secret: cfg.SessionSecret, TTL: cfg.SessionTokenTTL(), ValidateIP: cfg.SessionValidateIP})
	cmds := command.New()

	fs, err := store.New(cfg.DataPath)
	if err != nil {
		log.With().WithError(err).Fatal("open data store")
	}

	vm := goja.New()
	br := bridge.New(reg, nil, nil, fs, perms, cfg, log)
	ld := loader.New(vm, cfg.MudlibPath, reg, func(vm *goja.Runtime) map[string]any {
		return map[string]any{"bridge": br}
	})

	// driver is assigned below, after the scheduler and bridge it depends on
	// are built; HeartbeatFn only ever fires once sched.Start runs inside
	// driver.Start, by which point driver is already non-nil.
	var driver *orchestrator.Driver
	sched := scheduler.New(scheduler.Config{
		HeartbeatInterval: cfg.HeartbeatInterval(),
		HeartbeatFn: func(id string) error {
			return driver.RunHeartbeat(id)
		},
		Logger: log,
	})

	// Bridge was constructed without a loader/scheduler since both depend on
	// the bridge itself (mudlib code reaches them only via the bridge
	// surface); rebuild it now that they exist.
	br = bridge.New(reg, ld, sched, fs, perms, cfg, log)

	var watcher *hotreload.Watcher
	if cfg.HotReload {
		watcher, err = hotreload.New(cfg.MudlibPath,
			func(vpath string) { reg.UnregisterBlueprint(vpath) },
			func(vpath string) {
				log.With().WithField("path", vpath).Info("mudlib source changed; run 'update' to reload it")
			},
			nil, log)
		if err != nil {
			log.With().WithError(err).Warn("hot reload watcher disabled")
			watcher = nil
		}
	}

	metrics := opshttp.NewMetrics(prometheus.DefaultRegisterer)

	driver = orchestrator.New(orchestrator.Deps{
		Config: cfg, Log: log, Registry: reg, Scheduler: sched,
		Permission: perms, Session: sess, Commands: cmds, Bridge: br, Watcher: watcher,
		OnCommand: func(verb string, dur time.Duration) {
			metrics.CommandsTotal.WithLabelValues(verb).Inc()
			metrics.CommandDuration.Observe(dur.Seconds())
		},
	})
	br.SetPlayerDirectory(driver)
	br.SetConnectionSender(driver)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := driver.Start(ctx, orchestrator.StartOptions{
		Loader:          ld,
		MasterPath:      cfg.MasterObject,
		LoginDaemonPath: "/daemon/login",
	}); err != nil {
		log.With().WithError(err).Fatal("driver start")
	}

	ops := opshttp.New(opshttp.Config{Addr: cfg.OpsAddr, Log: log, Registerer: prometheus.DefaultRegisterer})
	ops.SetStatsFunc(func() opshttp.DriverStats {
		return opshttp.DriverStats{
			State:           driver.State().String(),
			ActivePlayers:   len(driver.AllPlayers()),
			PendingCallOuts: sched.PendingCallOuts(),
			HeartbeatCount:  sched.HeartbeatCount(),
		}
	})
	ops.RegisterCheck("registry", func(ctx context.Context) opshttp.ComponentHealth {
		return opshttp.ComponentHealth{Status: "healthy"}
	})
	ops.RegisterCheck("driver", func(ctx context.Context) opshttp.ComponentHealth {
		if driver.State() == orchestrator.Running {
			return opshttp.ComponentHealth{Status: "healthy"}
		}
		return opshttp.ComponentHealth{Status: "degraded", Message: driver.State().String()}
	})
	ops.Start()
	log.With().WithField("addr", cfg.OpsAddr).Info("operator http surface listening")

	go func() {
		ticker := time.NewTicker(cfg.HeartbeatInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.PlayersActive.Set(float64(len(driver.AllPlayers())))
				metrics.CallOutsPending.Set(float64(sched.PendingCallOuts()))
			}
		}
	}()

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		handleWebSocket(driver, log, cfg, w, r)
	})
	wsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      wsMux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		log.With().WithField("port", cfg.Port).Info("listening for player connections")
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.With().WithError(err).Fatal("player listener failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.With().Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	_ = wsServer.Shutdown(shutdownCtx)
	_ = ops.Shutdown(shutdownCtx)
	if err := driver.Stop(); err != nil {
		log.With().WithError(err).Warn("driver stop")
	}
	log.With().Info("mudforged offline")
}

func handleWebSocket(driver *orchestrator.Driver, log *logging.Logger, cfg *config.Config, w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.With().WithError(err).Warn("websocket upgrade failed")
		return
	}

	connID := uuid.NewString()
	remoteAddr := r.RemoteAddr
	conn := connection.New(connID, remoteAddr, ws, cfg.ReplayBufferSize, log)
	conn.SetRateLimit(cfg.CommandRateLimitPerSec, cfg.CommandRateBurst)

	driver.RegisterConnection(connID, remoteAddr, conn)
	defer driver.DropConnection(connID)

	stop := make(chan struct{})
	go conn.WritePump(stop)
	conn.ReadPump(driver)
	close(stop)
}

package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oncfsd/oncfsd/internal/admin"
	"github.com/oncfsd/oncfsd/internal/audit"
	"github.com/oncfsd/oncfsd/internal/auth"
	"github.com/oncfsd/oncfsd/internal/config"
	"github.com/oncfsd/oncfsd/internal/dispatch"
	"github.com/oncfsd/oncfsd/internal/logger"
	"github.com/oncfsd/oncfsd/internal/oplock"
	"github.com/oncfsd/oncfsd/internal/oplock/durable"
	"github.com/oncfsd/oncfsd/internal/portmap"
	"github.com/oncfsd/oncfsd/internal/rpcpacket"
	"github.com/oncfsd/oncfsd/internal/telemetry"
	"github.com/oncfsd/oncfsd/internal/transport/tcp"
	"github.com/oncfsd/oncfsd/internal/transport/udp"
	"github.com/oncfsd/oncfsd/internal/worker"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the oncfsd server",
	Long: `Start the oncfsd server: bind the TCP and UDP RPC transports, bring
up the oplock manager and its optional durability mirror, the portmapper
registry, and the admin surface.

Runs in the foreground; send SIGINT or SIGTERM for a graceful shutdown.`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.Init(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "oncfsd",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(context.Background()); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	profilingShutdown, err := telemetry.InitProfiling(telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "oncfsd",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
	})
	if err != nil {
		return fmt.Errorf("init profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", "error", err)
		}
	}()

	auditStore, err := audit.Open(audit.Config{
		Enabled:   cfg.Audit.Enabled,
		Driver:    cfg.Audit.Driver,
		SQLite:    cfg.Audit.SQLite,
		Postgres:  cfg.Audit.Postgres,
		QueueSize: cfg.Audit.QueueSize,
	})
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	defer auditStore.Close()

	authenticator, err := buildAuthenticator(cfg, auditStore)
	if err != nil {
		return err
	}

	pool := rpcpacket.NewPool(rpcpacket.Config{
		SmallSize: cfg.Pool.SmallSize,
		LargeSize: cfg.Pool.LargeSize,
		SmallMax:  cfg.Pool.SmallMax,
		LargeMax:  cfg.Pool.LargeMax,
	})
	workers := worker.New(cfg.Server.Workers)
	defer workers.Stop()

	registry := dispatch.NewRegistry()
	portReg := portmap.NewRegistry()
	if cfg.Portmap.Serve {
		portmap.RegisterHandlers(registry, portReg)
		logger.Info("portmapper procedures registered")
	}

	oplockMgr := oplock.New(workers, nil, cfg.Oplock.MaxDeferred, cfg.Oplock.BreakTimeout)
	if cfg.Oplock.DurabilityEnabled {
		store, err := durable.Open(cfg.Oplock.DurabilityDir)
		if err != nil {
			return fmt.Errorf("open oplock durability store: %w", err)
		}
		defer store.Close()
		if _, err := store.Scan(); err != nil {
			logger.Warn("oplock durability scan failed", "error", err)
		}
		oplockMgr.SetDurability(store)
		logger.Info("oplock durability mirror enabled", "dir", cfg.Oplock.DurabilityDir)
	}
	scanInterval := cfg.Oplock.ScanInterval
	if scanInterval <= 0 {
		scanInterval = 5 * time.Second
	}
	oplockMgr.StartBreakScanner(scanInterval)
	defer oplockMgr.Stop()

	disp := dispatch.New(registry, authenticator)

	tcpListener, err := tcp.Listen(cfg.Server.TCPAddr, tcp.DefaultConfig(), pool, disp, workers)
	if err != nil {
		return fmt.Errorf("bind tcp %s: %w", cfg.Server.TCPAddr, err)
	}
	logger.Info("tcp transport bound", "addr", tcpListener.Addr())

	udpHandler, err := udp.Listen(cfg.Server.UDPAddr, pool, disp, workers)
	if err != nil {
		return fmt.Errorf("bind udp %s: %w", cfg.Server.UDPAddr, err)
	}
	logger.Info("udp transport bound", "addr", udpHandler.Addr())

	var adminSrv *admin.Server
	if cfg.Admin.Enabled {
		adminSrv = admin.New(cfg.Admin.Addr, oplockMgr, pool)
		logger.Info("admin surface enabled", "addr", cfg.Admin.Addr)
	}

	if cfg.Portmap.RegisterAddr != "" {
		registerWithPortmapper(ctx, cfg, auditStore)
	}

	serverErr := make(chan error, 3)
	go func() { serverErr <- tcpListener.Serve(ctx) }()
	go func() { serverErr <- udpHandler.Serve(ctx) }()
	if adminSrv != nil {
		go func() {
			if err := adminSrv.ListenAndServe(); err != nil {
				serverErr <- fmt.Errorf("admin server: %w", err)
				return
			}
			serverErr <- nil
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("oncfsd running", "tcp", cfg.Server.TCPAddr, "udp", cfg.Server.UDPAddr)

	select {
	case <-sigCh:
		signal.Stop(sigCh)
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error("server error", "error", err)
		}
	}

	cancel()
	tcpListener.Stop()
	udpHandler.Stop()
	if adminSrv != nil {
		if err := adminSrv.Shutdown(); err != nil {
			logger.Error("admin shutdown error", "error", err)
		}
	}
	unregisterFromPortmapper(cfg, auditStore)

	logger.Info("oncfsd stopped")
	return nil
}

// buildAuthenticator returns the Authenticator configured to sign JWT
// session keys when a secret is set, or the plain address/uid-derived one
// otherwise, wiring the audit store onto whichever is chosen.
func buildAuthenticator(cfg *config.Config, store *audit.Store) (dispatch.Authenticator, error) {
	sink := auditAdapter{store: store}
	if cfg.Auth.JWTSecret != "" {
		a, err := auth.NewJWT(cfg.Auth.JWTSecret)
		if err != nil {
			return nil, fmt.Errorf("build jwt authenticator: %w", err)
		}
		a.SetAudit(sink)
		return a, nil
	}
	a := auth.New()
	a.SetAudit(sink)
	return a, nil
}

// auditAdapter satisfies auth.AuditStore by translating auth.AuditRecord
// into audit.SessionRecord, keeping internal/auth free of a gorm import
// for the sake of logging a call.
type auditAdapter struct {
	store *audit.Store
}

func (a auditAdapter) RecordSession(ctx context.Context, rec auth.AuditRecord) error {
	return a.store.RecordSession(ctx, audit.SessionRecord{
		SessionKey: rec.SessionKey,
		ClientAddr: rec.ClientAddr,
		AuthFlavor: rec.AuthFlavor,
		UID:        rec.UID,
		GID:        rec.GID,
	})
}

func registerWithPortmapper(ctx context.Context, cfg *config.Config, auditStore *audit.Store) {
	client := portmap.NewClient(cfg.Portmap.RegisterAddr)
	for _, m := range cfg.Portmap.Programs {
		if err := client.Register(ctx, m.Program, m.Version, m.Protocol, m.Port); err != nil {
			logger.Warn("portmap registration failed", "program", m.Program, "version", m.Version, "error", err)
			continue
		}
		_ = auditStore.RecordPortmapAction(ctx, audit.PortmapAuditEntry{
			Program: m.Program, Version: m.Version, Protocol: m.Protocol, Port: m.Port, Action: "SET",
		})
		logger.Info("registered with portmapper", "program", m.Program, "version", m.Version, "port", m.Port)
	}
}

func unregisterFromPortmapper(cfg *config.Config, auditStore *audit.Store) {
	if cfg.Portmap.RegisterAddr == "" {
		return
	}
	client := portmap.NewClient(cfg.Portmap.RegisterAddr)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, m := range cfg.Portmap.Programs {
		if err := client.Unregister(ctx, m.Program, m.Version); err != nil {
			logger.Warn("portmap unregistration failed", "program", m.Program, "version", m.Version, "error", err)
			continue
		}
		_ = auditStore.RecordPortmapAction(ctx, audit.PortmapAuditEntry{
			Program: m.Program, Version: m.Version, Protocol: m.Protocol, Port: m.Port, Action: "UNSET",
		})
	}
}

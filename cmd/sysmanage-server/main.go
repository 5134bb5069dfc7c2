package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sysmanage/sysmanage-server/internal/agents"
	"github.com/sysmanage/sysmanage-server/internal/auth"
	"github.com/sysmanage/sysmanage-server/internal/ca"
	"github.com/sysmanage/sysmanage-server/internal/clock"
	"github.com/sysmanage/sysmanage-server/internal/config"
	"github.com/sysmanage/sysmanage-server/internal/db"
	"github.com/sysmanage/sysmanage-server/internal/dispatch"
	"github.com/sysmanage/sysmanage-server/internal/events"
	"github.com/sysmanage/sysmanage-server/internal/license"
	"github.com/sysmanage/sysmanage-server/internal/logging"
	"github.com/sysmanage/sysmanage-server/internal/maintenance"
	"github.com/sysmanage/sysmanage-server/internal/metrics"
	"github.com/sysmanage/sysmanage-server/internal/notify"
	"github.com/sysmanage/sysmanage-server/internal/orchestrator"
	"github.com/sysmanage/sysmanage-server/internal/queue"
	"github.com/sysmanage/sysmanage-server/internal/router"
	"github.com/sysmanage/sysmanage-server/internal/store"
	"github.com/sysmanage/sysmanage-server/internal/web"
)

var version = "dev"

// textfileInterval is how often the node-exporter textfile is rewritten
// when SYSMANAGE_TEXTFILE_DIR is set.
const textfileInterval = time.Minute

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	clk := clock.Real{}

	d, err := db.Open(cfg.DBDSN, log)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer d.Close()

	st, err := store.Open(cfg.StatePath)
	if err != nil {
		log.Error("failed to open state store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	authority, err := ca.EnsureCA(cfg.CertDir)
	if err != nil {
		log.Error("failed to initialize certificate authority", "error", err)
		os.Exit(1)
	}
	if err := authority.EnsureServerCert(cfg.Hostname); err != nil {
		log.Error("failed to issue server certificate", "error", err)
		os.Exit(1)
	}

	validator, err := license.New(license.VendorPublicKey, clk)
	if err != nil {
		log.Error("failed to build license validator", "error", err)
		os.Exit(1)
	}
	licMgr := license.NewManager(validator, st, log)
	if cfg.LicensePath != "" {
		raw, err := os.ReadFile(cfg.LicensePath)
		if err != nil {
			log.Error("failed to read license file", "path", cfg.LicensePath, "error", err)
			os.Exit(1)
		}
		if _, err := licMgr.Apply(strings.TrimSpace(string(raw))); err != nil {
			log.Error("failed to apply license", "path", cfg.LicensePath, "error", err)
			os.Exit(1)
		}
	}

	authSvc, err := auth.NewService(st, cfg.JWTSecret, cfg.TokenLifetime, clk, log)
	if err != nil {
		log.Error("failed to build auth service", "error", err)
		os.Exit(1)
	}
	if err := authSvc.Bootstrap(cfg.AdminPassword); err != nil {
		log.Error("failed to bootstrap admin account", "error", err)
		os.Exit(1)
	}

	oidc, err := auth.NewOIDCProvider(ctx, auth.OIDCConfig{
		IssuerURL:    cfg.OIDCIssuer,
		ClientID:     cfg.OIDCClientID,
		ClientSecret: cfg.OIDCSecret,
		RedirectURL:  cfg.OIDCRedirect,
	})
	if err != nil {
		log.Error("failed to configure oidc", "issuer", cfg.OIDCIssuer, "error", err)
		os.Exit(1)
	}
	if oidc != nil {
		log.Info("oidc login enabled", "issuer", cfg.OIDCIssuer)
	}

	bus := events.New()
	q := queue.New(d, clk, log)
	mgr := agents.NewManager(d, bus, log)
	orch := orchestrator.New(d, q, clk, bus, log)
	rtr := router.New(d, q, mgr, orch, clk, bus, log, cfg.HandlerTimeout)

	loop := dispatch.New(q, mgr, clk, bus, log, dispatch.Options{
		TickInterval:    cfg.DispatchInterval,
		BatchSize:       cfg.DispatchBatch,
		RetryEveryTicks: cfg.RetryCheckEvery,
		AckTimeout:      cfg.AckTimeout,
	})

	publisher, err := notify.New(cfg.MQTTBroker, cfg.MQTTPrefix, bus, log)
	if err != nil {
		log.Error("failed to connect mqtt broker", "broker", cfg.MQTTBroker, "error", err)
		os.Exit(1)
	}
	if publisher != nil {
		go func() {
			if err := publisher.Run(ctx); err != nil {
				log.Error("mqtt publisher stopped", "error", err)
			}
		}()
	}

	sweeper := maintenance.New(q, licMgr, authority, bus, clk, log,
		cfg.QueueMaxAge, cfg.QueueRetention)
	if err := sweeper.Start(cfg.CleanupSpec); err != nil {
		log.Error("failed to schedule maintenance", "spec", cfg.CleanupSpec, "error", err)
		os.Exit(1)
	}
	defer sweeper.Stop()

	if cfg.TextfileDir != "" {
		go runTextfileExport(ctx, cfg.TextfileDir, log)
	}

	go func() {
		if err := loop.Run(ctx); err != nil {
			log.Error("dispatch loop exited", "error", err)
			cancel()
		}
	}()

	srv := web.NewServer(web.Dependencies{
		DB: d, Queue: q, Agents: mgr, Orch: orch, Router: rtr,
		CA: authority, License: licMgr, Auth: authSvc, OIDC: oidc,
		Bus: bus, Clock: clk, Log: log,
		ShutdownTimeout:    cfg.ShutdownTimeout,
		SessionIdleTimeout: cfg.SessionIdleTimeout,
	})

	log.Info("sysmanage server started", "version", version, "listen", cfg.Listen, "hostname", cfg.Hostname)
	if err := srv.Run(ctx, cfg.Listen); err != nil {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

// runTextfileExport periodically dumps the sysmanage metrics into a
// node-exporter textfile collector directory.
func runTextfileExport(ctx context.Context, dir string, log *logging.Logger) {
	path := filepath.Join(dir, "sysmanage.prom")
	ticker := time.NewTicker(textfileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := metrics.WriteTextfile(path); err != nil {
				log.Warn("writing metrics textfile", "path", path, "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"otterchat.org/internal/auth"
	"otterchat.org/internal/chat"
	"otterchat.org/internal/config"
	"otterchat.org/internal/economy"
	"otterchat.org/internal/httpapi"
	"otterchat.org/internal/migrate"
	"otterchat.org/internal/moderation"
	"otterchat.org/internal/notify"
	"otterchat.org/internal/obs"
	"otterchat.org/internal/session"
	"otterchat.org/internal/store"
	"otterchat.org/internal/store/memory"
	"otterchat.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	// Инициализация observability (регистрация метрик, build info)
	obs.Init()
	obs.InitBuildInfo("otterchat", version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx := context.Background()
	gw, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("store: %v", err)
	}

	notifier, closeNotifier := newNotifier(cfg)

	registry := session.NewRegistry()
	policyOpts := []auth.PolicyOption{}
	if cfg.AdminsManageRoles {
		policyOpts = append(policyOpts, auth.WithAdminRoleManagement())
	}
	authority := moderation.New(gw, gw, registry,
		moderation.WithDisconnectOnBan(cfg.DisconnectOnBan),
		moderation.WithPolicy(auth.NewPolicy(policyOpts...)),
	)
	authority.Refresh(ctx)
	authority.Bootstrap(ctx, cfg.BootstrapAdmins)

	svcOpts := []auth.ServiceOption{
		auth.WithNotifier(notifier),
		auth.WithPendingTTL(cfg.PendingTTL),
	}
	if cfg.TokenSecret != "" {
		tokens, err := auth.NewTokenIssuer(cfg.TokenSecret, cfg.TokenTTL)
		if err != nil {
			log.Fatalf("tokens: %v", err)
		}
		svcOpts = append(svcOpts, auth.WithTokens(tokens))
	} else {
		obs.Warn("resume tokens disabled", map[string]any{"reason": "OTTERCHAT_TOKEN_SECRET is empty"})
	}
	authSvc, err := auth.NewService(gw, authority, svcOpts...)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}
	stopSweeper := authSvc.StartSweeper(time.Minute)

	router := chat.NewRouter(registry, authority,
		chat.WithRooms(cfg.Rooms...),
		chat.WithHistoryLimit(cfg.HistoryLimit),
		chat.WithOversight(cfg.Operator),
	)
	ledger := economy.NewLedger(gw, gw, authority, registry)
	alerts := economy.NewAlerts(ledger, gw, registry,
		economy.WithGatingItem(cfg.AlertItem),
		economy.WithDailyCap(cfg.AlertDailyCap),
		economy.WithExemptOperator(cfg.Operator),
		economy.WithAlertNotifier(notifier),
	)
	stopReset := alerts.StartReset(cfg.AlertResetInterval)

	hub, err := chat.NewHub(chat.HubDeps{
		Auth:      authSvc,
		Registry:  registry,
		Authority: authority,
		Router:    router,
		Ledger:    ledger,
		Alerts:    alerts,
		Accounts:  gw,

		CloseReplaced: cfg.CloseReplacedSession,
	})
	if err != nil {
		log.Fatalf("hub: %v", err)
	}

	probe := httpapi.ReadyProbe{Store: gw}
	api := httpapi.New(probe, version,
		httpapi.WithWebsocket(httpapi.NewWSHandler(hub, httpapi.WSConfig{
			FramesPerSecond: cfg.WSFramesPerSecond,
			Burst:           cfg.WSBurst,
			SendQueue:       cfg.WSSendQueue,
		})),
		httpapi.WithSessions(registry),
		httpapi.WithRooms(router.Rooms()),
		httpapi.WithCORSOrigins(cfg.CORSOrigins),
		httpapi.WithRateLimit(cfg.HTTPRatePerSecond, cfg.HTTPRateBurst),
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	health := httpapi.NewGRPCServer(probe)
	grpcSrv := grpc.NewServer()
	health.Register(grpcSrv)
	stopProbe := health.StartProbe(15 * time.Second)
	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("grpc listen: %v", err)
	}

	obs.Info("starting otterchat", map[string]any{
		"version": version, "http_addr": cfg.HTTPAddr, "grpc_addr": cfg.GRPCAddr,
		"store": storeKind(cfg), "rooms": router.Rooms(),
	})

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()
	go func() {
		if err := grpcSrv.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Fatalf("grpc serve: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	obs.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	stopProbe()
	health.Shutdown()
	_ = srv.Shutdown(shutdownCtx)
	for _, conn := range registry.Snapshot() {
		_ = conn.Close()
	}
	grpcSrv.GracefulStop()
	stopSweeper()
	stopReset()
	closeNotifier()
	if err := gw.Close(); err != nil {
		obs.Warn("store close failed", map[string]any{"err": err})
	}
	obs.Info("stopped", nil)
}

func openStore(ctx context.Context, cfg config.Config) (store.Gateway, error) {
	if cfg.PGDSN == "" {
		return memory.New(), nil
	}
	st, err := pg.Open(cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	if cfg.AutoMigrate {
		applied, err := migrate.NewManager(st.DB(), pg.Migrations, pg.MigrationsDir).Up(ctx)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		obs.Info("migrations applied", map[string]any{"applied": applied})
	}
	return st, nil
}

func newNotifier(cfg config.Config) (notify.Notifier, func()) {
	if !cfg.SMTP.Enabled() {
		obs.Warn("smtp disabled, notifications are logged only", nil)
		return notify.Log{}, func() {}
	}
	mailer, err := notify.NewSMTP(notify.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
	})
	if err != nil {
		log.Fatalf("smtp: %v", err)
	}
	async := notify.NewAsync(mailer, 256, 2, notify.WithRetry(3, 500*time.Millisecond))
	return async, async.Close
}

func storeKind(cfg config.Config) string {
	if cfg.PGDSN == "" {
		return "memory"
	}
	return "postgres"
}

// Package bootstrap sequences the gateway's startup: metrics, then
// database, then the presence store's initial sync, then the admin
// HTTP surface, and finally the two protocol acceptors — in that
// order so nothing is exposed before its dependencies are ready.
package bootstrap

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/openfms/telematics-gateway/internal/api"
	"github.com/openfms/telematics-gateway/internal/app"
	cfgpkg "github.com/openfms/telematics-gateway/internal/config"
	"github.com/openfms/telematics-gateway/internal/gateway"
	"github.com/openfms/telematics-gateway/internal/metrics"
	"github.com/openfms/telematics-gateway/internal/model"
	"github.com/openfms/telematics-gateway/internal/presence"
	"github.com/openfms/telematics-gateway/internal/protocol"
	"github.com/openfms/telematics-gateway/internal/protocol/gt06"
	"github.com/openfms/telematics-gateway/internal/protocol/teltonika"
	"github.com/openfms/telematics-gateway/internal/thirdparty"
)

// Run wires and starts every gateway component, then blocks until a
// termination signal arrives.
func Run(cfg *cfgpkg.Config, log *zap.Logger) error {
	startedAt := time.Now()
	log.Info("starting telematics gateway", zap.String("version", "1.0.0"))

	// ---------- metrics ----------
	reg, appm := app.NewMetrics()
	metricsHandler := metrics.Handler(reg)

	// ---------- database ----------
	dbpool, err := app.ConnectDBAndMigrate(context.Background(), cfg.Database, "db/migrations", log)
	if err != nil {
		log.Error("database initialization failed", zap.Error(err))
		return err
	}
	defer dbpool.Close()
	log.Info("database ready", zap.String("dsn", maskDSN(cfg.Database.DSN)))

	repo, err := app.NewRepository(cfg.Database, log)
	if err != nil {
		log.Error("repository initialization failed", zap.Error(err))
		return err
	}

	redisClient, err := app.NewRedisClient(cfg.Redis, log)
	if err != nil {
		log.Error("redis initialization failed", zap.Error(err))
		return err
	}
	defer redisClient.Close()

	// ---------- presence store & initial sync ----------
	presenceStore := presence.New(repo, redisClient, log)
	syncer := presence.NewSyncer(repo, redisClient, log)
	syncCtx, cancelSync := context.WithCancel(context.Background())
	defer cancelSync()
	if err := syncer.RunOnce(context.Background()); err != nil {
		log.Error("initial presence sync failed", zap.Error(err))
		return err
	}
	go syncer.Start(syncCtx)
	log.Info("presence store synced, background sync started")

	sessions := app.NewSessionRegistry()

	pusher := thirdparty.NewPusher(&http.Client{Timeout: 10 * time.Second}, cfg.Thirdparty.ForwardURL, cfg.Thirdparty.SecretKey, appm, log)

	// ---------- health aggregator ----------
	healthAgg := app.NewHealthAggregator(dbpool)
	app.AddRedisChecker(healthAgg, redisClient)

	// ---------- admin HTTP ----------
	readyFn := func() bool { return true }
	httpSrv, engine := app.NewHTTPServer(cfg.API, cfg.Metrics.Path, metricsHandler, readyFn)
	app.RegisterHealthRoutes(engine, healthAgg)
	api.RegisterRoutes(engine, &api.Handlers{
		Presence:  presenceStore,
		Sessions:  sessions,
		StartedAt: startedAt,
		Log:       log,
	}, cfg.API.SecretKey)

	go func() {
		if err := httpSrv.Start(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", zap.Error(err))
		}
	}()
	log.Info("http server started", zap.Int("port", cfg.API.Port))

	// ---------- GT06 acceptor ----------
	gt06Codec := gt06.NewCodec(cfg.GT06.CRCFallback)
	gt06Supervisor := gateway.NewSupervisor(
		model.ProtocolGT06, gt06Codec,
		func() protocol.Reassembler { return gt06.NewReassembler() },
		presenceStore, sessions, appm, pusher, log, cfg.Gateway.SocketTimeout,
	)
	gt06Srv := app.NewTCPServer(cfg.Gateway, cfg.GT06.Port, log)
	gt06Srv.SetMetricsCallbacks(
		func() { appm.TCPAccepted.Inc() },
		func(n int) { appm.TCPBytesReceived.Add(float64(n)) },
	)
	gt06Supervisor.SetConnGauges(
		func() { appm.GT06ConnsActive.Inc() },
		func() { appm.GT06ConnsActive.Dec() },
	)
	gt06Srv.SetConnHandler(gt06Supervisor.Handle)
	if err := gt06Srv.Start(); err != nil {
		log.Error("gt06 server start failed", zap.Error(err))
		return err
	}
	app.AddTCPChecker(healthAgg, "gt06", gt06Srv)
	log.Info("gt06 server started", zap.Int("port", cfg.GT06.Port))

	// ---------- Teltonika acceptor ----------
	teltonikaCodec := teltonika.NewCodec(cfg.Teltonika.StrictCRC)
	teltonikaSupervisor := gateway.NewSupervisor(
		model.ProtocolTeltonika, teltonikaCodec,
		func() protocol.Reassembler { return teltonika.NewReassembler() },
		presenceStore, sessions, appm, pusher, log, cfg.Gateway.SocketTimeout,
	)
	teltonikaSrv := app.NewTCPServer(cfg.Gateway, cfg.Teltonika.Port, log)
	teltonikaSrv.SetMetricsCallbacks(
		func() { appm.TCPAccepted.Inc() },
		func(n int) { appm.TCPBytesReceived.Add(float64(n)) },
	)
	teltonikaSupervisor.SetConnGauges(
		func() { appm.TeltonikaConnsActive.Inc() },
		func() { appm.TeltonikaConnsActive.Dec() },
	)
	teltonikaSrv.SetConnHandler(teltonikaSupervisor.Handle)
	if err := teltonikaSrv.Start(); err != nil {
		log.Error("teltonika server start failed", zap.Error(err))
		return err
	}
	app.AddTCPChecker(healthAgg, "teltonika", teltonikaSrv)
	log.Info("teltonika server started", zap.Int("port", cfg.Teltonika.Port))

	log.Info("all services ready, waiting for connections")

	// ---------- wait for shutdown signal ----------
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("received shutdown signal, gracefully shutting down")
	grace := cfg.Gateway.ShutdownGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	_ = httpSrv.Shutdown(ctx)
	log.Info("http server stopped")

	_ = gt06Srv.Shutdown(ctx)
	_ = teltonikaSrv.Shutdown(ctx)
	log.Info("tcp servers stopped")

	log.Info("shutdown complete")
	return nil
}

// maskDSN hides the password component of a Postgres DSN for logging.
func maskDSN(dsn string) string {
	if idx := strings.Index(dsn, "@"); idx > 0 {
		if pwdIdx := strings.LastIndex(dsn[:idx], ":"); pwdIdx > 0 {
			return dsn[:pwdIdx+1] + "****" + dsn[idx:]
		}
	}
	return dsn
}

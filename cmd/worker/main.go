package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/sudo-init-do/strathshare/internal/alerts"
	"github.com/sudo-init-do/strathshare/internal/auth"
	"github.com/sudo-init-do/strathshare/internal/config"
	"github.com/sudo-init-do/strathshare/internal/db"
	"github.com/sudo-init-do/strathshare/internal/events"
	"github.com/sudo-init-do/strathshare/internal/jobs"
	"github.com/sudo-init-do/strathshare/internal/marketplace"
	"github.com/sudo-init-do/strathshare/internal/obs"
)

const sweepBatch = 100

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	if err := run(log); err != nil {
		log.Error("worker exited", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.Init(ctx, cfg.DSN())
	if err != nil {
		return err
	}
	defer pool.Close()
	auth.Configure(cfg.JWTSecret, cfg.JWTTTL)

	shutdownTracer, err := obs.InitTracer(ctx, "strathshare-worker", cfg.OTLPEndpoint, cfg.Env)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(sctx)
	}()

	mailer, err := alerts.NewMailer(cfg.Mail, log)
	if err != nil {
		return err
	}

	taskClient := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer taskClient.Close()
	emails := alerts.NewQueue(taskClient)

	dispatchOpts := []alerts.DispatcherOption{
		alerts.WithNotifications(alerts.NewPgNotifications(pool)),
		alerts.WithEmailQueue(emails),
	}
	var consumer *events.Consumer
	if cfg.RabbitURL != "" {
		pub, err := events.NewPublisher(cfg.RabbitURL, cfg.EventsExchange)
		if err != nil {
			return err
		}
		defer pub.Close()
		dispatchOpts = append(dispatchOpts, alerts.WithEvents(pub))

		auditor := events.NewAuditor(log, emails, cfg.AdminEmail)
		consumer = events.NewConsumer(events.Config{
			URL:      cfg.RabbitURL,
			Exchange: cfg.EventsExchange,
			Queue:    "strathshare.audit",
		}, auditor.Handle, log)
		if err := consumer.Connect(); err != nil {
			return err
		}
		defer consumer.Close()
	}

	engine := marketplace.NewEngine(
		marketplace.NewPgStore(pool),
		alerts.NewDispatcher(log, dispatchOpts...),
		marketplace.WithPaymentMode(cfg.PaymentMode),
		marketplace.WithLogger(log),
		marketplace.WithNotifyTimeout(cfg.NotifyTimeout),
		marketplace.WithAdminEmail(cfg.AdminEmail),
	)
	sweeper := jobs.NewStuckRequestJob(engine, cfg.StuckRequestAfter, cfg.StuckSweepInterval, sweepBatch, log)
	expiry := jobs.NewPaymentExpiryJob(engine, cfg.PaymentExpireAfter, cfg.PaymentExpiryPeriod, sweepBatch, log)

	srv := alerts.NewServer(cfg.RedisAddr, 10, log)
	mux := alerts.NewProcessor(mailer, log).Mux()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("email worker started", "redis", cfg.RedisAddr, "provider", cfg.Mail.Provider)
		if err := srv.Start(mux); err != nil {
			return err
		}
		<-gctx.Done()
		srv.Shutdown()
		return nil
	})
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error { return expiry.Run(gctx) })
	if consumer != nil {
		g.Go(func() error { return consumer.Run(gctx) })
	}
	return g.Wait()
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/sudo-init-do/strathshare/internal/admin"
	"github.com/sudo-init-do/strathshare/internal/alerts"
	"github.com/sudo-init-do/strathshare/internal/auth"
	"github.com/sudo-init-do/strathshare/internal/config"
	"github.com/sudo-init-do/strathshare/internal/db"
	"github.com/sudo-init-do/strathshare/internal/events"
	"github.com/sudo-init-do/strathshare/internal/marketplace"
	"github.com/sudo-init-do/strathshare/internal/messaging"
	appmw "github.com/sudo-init-do/strathshare/internal/middleware"
	"github.com/sudo-init-do/strathshare/internal/mpesa"
	"github.com/sudo-init-do/strathshare/internal/obs"
	"github.com/sudo-init-do/strathshare/internal/user"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	if err := run(log); err != nil {
		log.Error("api exited", "error", err)
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

	shutdownTracer, err := obs.InitTracer(ctx, "strathshare-api", cfg.OTLPEndpoint, cfg.Env)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(sctx)
	}()

	// Side effects: notifications in postgres, email through asynq, events
	// through rabbitmq when configured, live updates over websockets.
	taskClient := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer taskClient.Close()
	emails := alerts.NewQueue(taskClient)
	notes := alerts.NewPgNotifications(pool)
	hub := messaging.NewHub(log)

	dispatchOpts := []alerts.DispatcherOption{
		alerts.WithNotifications(notes),
		alerts.WithEmailQueue(emails),
		alerts.WithBroadcaster(hub),
	}
	if cfg.RabbitURL != "" {
		pub, err := events.NewPublisher(cfg.RabbitURL, cfg.EventsExchange)
		if err != nil {
			return err
		}
		defer pub.Close()
		dispatchOpts = append(dispatchOpts, alerts.WithEvents(pub))
	}
	sink := alerts.NewDispatcher(log, dispatchOpts...)

	engineOpts := []marketplace.Option{
		marketplace.WithPaymentMode(cfg.PaymentMode),
		marketplace.WithLogger(log),
		marketplace.WithNotifyTimeout(cfg.NotifyTimeout),
		marketplace.WithAdminEmail(cfg.AdminEmail),
	}
	if cfg.PaymentMode == marketplace.PaymentModeMPesa {
		gw := mpesa.New(mpesa.Config{
			BaseURL:        cfg.MPesaBaseURL(),
			ConsumerKey:    cfg.MPesa.ConsumerKey,
			ConsumerSecret: cfg.MPesa.ConsumerSecret,
			Passkey:        cfg.MPesa.Passkey,
			Shortcode:      cfg.MPesa.Shortcode,
			CallbackURL:    cfg.MPesa.CallbackURL,
			Timeout:        cfg.MPesa.Timeout,
			RatePerSecond:  cfg.MPesa.RatePerSecond,
		})
		engineOpts = append(engineOpts, marketplace.WithGateway(gw, cfg.MPesa.Timeout))
	}
	engine := marketplace.NewEngine(marketplace.NewPgStore(pool), sink, engineOpts...)

	e := newServer(log)
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{"status": "ok", "service": "strathshare", "payment_mode": engine.PaymentMode()})
	})
	e.GET("/ready", func(c echo.Context) error {
		if err := pool.Ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "not_ready", "error": "db unreachable"})
		}
		return c.JSON(http.StatusOK, echo.Map{"status": "ready"})
	})

	pubGroup := e.Group("/api")
	apiGroup := e.Group("/api", appmw.JWTMiddleware, appmw.RequireRoles(auth.RoleStudent, auth.RoleAdmin))
	adminGroup := e.Group("/api/admin", appmw.JWTMiddleware, appmw.AdminGuard)

	auth.NewHandler(auth.NewPgStore(pool), log,
		auth.WithWelcomeEmails(emails, cfg.AppURL),
		auth.WithEmailDomain(cfg.SignupEmailDomain),
		auth.WithBootstrapSecret(cfg.AdminBootstrapSecret),
	).Register(pubGroup, apiGroup, adminGroup)

	user.NewHandler(user.NewPgRepository(pool), engine, log).Register(pubGroup, apiGroup)
	admin.NewHandler(admin.NewPgRepository(pool), engine, log).Register(adminGroup)
	alerts.NewHandler(notes).Register(apiGroup)
	messaging.NewHandler(messaging.NewPgStore(pool), hub, sink, log).Register(apiGroup)

	idem := appmw.Idempotency(appmw.NewPgIdempotencyStore(pool), log)
	marketplace.NewHandler(engine, log).Register(pubGroup, apiGroup, adminGroup, idem)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("api listening", "port", cfg.Port, "payment_mode", cfg.PaymentMode)
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(sctx)
	})
	return g.Wait()
}

func newServer(log *slog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = appmw.NewValidator()

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"request_id", v.RequestID,
			}
			if v.Error != nil {
				log.Error("request", append(attrs, "error", v.Error)...)
				return nil
			}
			log.Info("request", attrs...)
			return nil
		},
	}))
	// per-IP limit protecting signup and login
	e.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Skipper: func(c echo.Context) bool {
			return !strings.HasPrefix(c.Request().URL.Path, "/api/auth/")
		},
		Store: middleware.NewRateLimiterMemoryStore(20),
	}))
	return e
}

package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"authgate/internal/auth"
	"authgate/internal/config"
	"authgate/internal/httpapi"
	"authgate/internal/mail"
	"authgate/internal/password"
	"authgate/internal/session"
	"authgate/internal/store"
	"authgate/internal/token"
	"authgate/internal/totp"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to the yaml config")
	flag.Parse()
	if configPath == "" {
		log.Fatal("missing -config flag")
	}

	cfg := config.MustLoad(configPath)
	logger := setupLogger(cfg.Env)
	logger.Info("starting authgate", "env", cfg.Env)

	if cfg.Env == envProd {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewPostgres(ctx, cfg.DB.URL)
	if err != nil {
		logger.Error("connect postgres", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Error("connect redis", "err", err)
		os.Exit(1)
	}

	hasher, err := password.NewHasher(password.DefaultConfig())
	if err != nil {
		logger.Error("init hasher", "err", err)
		os.Exit(1)
	}

	issuer, err := token.NewIssuer(db, token.IssuerConfig{
		AccessKey:  []byte(cfg.Auth.AccessSigningKey),
		RefreshKey: []byte(cfg.Auth.RefreshSigningKey),
		AccessTTL:  cfg.Auth.AccessTTL,
		RefreshTTL: cfg.Auth.RefreshTTL,
		Issuer:     "authgate",
	})
	if err != nil {
		logger.Error("init token issuer", "err", err)
		os.Exit(1)
	}

	ledger, err := token.NewLedger(db, token.LedgerConfig{
		TTL:                cfg.Auth.EphemeralTTL,
		InvalidatePrevious: cfg.Auth.SingleEphemeralToken,
	})
	if err != nil {
		logger.Error("init token ledger", "err", err)
		os.Exit(1)
	}

	pending, err := session.NewPendingStore(redisClient, cfg.Auth.PendingLoginTTL)
	if err != nil {
		logger.Error("init pending store", "err", err)
		os.Exit(1)
	}

	totpManager, err := totp.NewManager(totp.DefaultConfig(cfg.SMTP.AppName))
	if err != nil {
		logger.Error("init totp", "err", err)
		os.Exit(1)
	}

	mailer, err := mail.NewSMTP(mail.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		User:     cfg.SMTP.User,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		AppName:  cfg.SMTP.AppName,
	})
	if err != nil {
		logger.Error("init mailer", "err", err)
		os.Exit(1)
	}

	engine, err := auth.NewEngine(db, hasher, issuer, ledger, pending, totpManager, mailer, auth.Config{
		MaxFailedLogins: cfg.Auth.MaxFailedLogins,
		LockoutDuration: cfg.Auth.LockoutDuration,
		EphemeralTTL:    cfg.Auth.EphemeralTTL,
		VerifyURL:       cfg.Auth.FrontendOrigin + "/auth/email-verify",
		ResetURL:        cfg.Auth.FrontendOrigin + "/auth/change-password",
	})
	if err != nil {
		logger.Error("init engine", "err", err)
		os.Exit(1)
	}

	sweeper := store.NewSweeper(db, cfg.Auth.SweepInterval, logger)
	go sweeper.Run(ctx)

	server, err := httpapi.NewServer(engine, logger, httpapi.Config{
		FrontendOrigin: cfg.Auth.FrontendOrigin,
		RefreshTTL:     cfg.Auth.RefreshTTL,
		CookieSecure:   cfg.Env == envProd,
		Google: httpapi.GoogleConfig{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			RedirectURL:  cfg.Google.RedirectURL,
		},
	})
	if err != nil {
		logger.Error("init http server", "err", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:         cfg.HTTPServer.Address,
		Handler:      server.Router(),
		IdleTimeout:  cfg.HTTPServer.IdleTimeout,
		ReadTimeout:  cfg.HTTPServer.ReadTimeout,
		WriteTimeout: cfg.HTTPServer.WriteTimeout,
	}

	go func() {
		logger.Info("listening", "addr", cfg.HTTPServer.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "err", err)
	}
}

func setupLogger(env string) *slog.Logger {
	switch env {
	case envDev:
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	case envProd:
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
}

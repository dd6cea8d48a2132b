// Package main runs the MSU package administration server.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	app "github.com/simianmac/msuadmin/internal/app"
	"github.com/simianmac/msuadmin/internal/app/httpapi"
	"github.com/simianmac/msuadmin/internal/app/storage/postgres"
	"github.com/simianmac/msuadmin/internal/app/storage/postgres/migrations"
	"github.com/simianmac/msuadmin/internal/auth"
	"github.com/simianmac/msuadmin/internal/config"
	"github.com/simianmac/msuadmin/internal/lock"
	"github.com/simianmac/msuadmin/internal/logging"
	"github.com/simianmac/msuadmin/internal/mail"
	"github.com/simianmac/msuadmin/internal/middleware"
	"github.com/simianmac/msuadmin/internal/xsrf"
)

func main() {
	envFile := flag.String("env", "", "optional .env file to load")
	migrateOnly := flag.Bool("migrate", false, "apply database migrations and exit")
	hashPassword := flag.String("hash-password", "", "print a bcrypt hash of the given password and exit")
	flag.Parse()

	if *hashPassword != "" {
		hash, err := auth.HashPassword(*hashPassword)
		if err != nil {
			fmt.Fprintf(os.Stderr, "hash password: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	var files []string
	if *envFile != "" {
		files = append(files, *envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New("msuadmin", logging.LoggingConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})

	if *migrateOnly {
		if cfg.DatabaseURL == "" {
			log.Fatal("MSU_DATABASE_URL is required with -migrate")
		}
		if err := migrations.Up(cfg.DatabaseURL); err != nil {
			log.WithError(err).Fatal("apply migrations")
		}
		log.Info("migrations applied")
		return
	}

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("server exited")
	}
}

func run(cfg *config.Config, log *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	settings := config.LoadSettingsOrDefault(cfg.SettingsFile)
	opts := app.Options{
		Settings:           settings,
		LockTTL:            cfg.LockTTL,
		EmailOnEveryChange: cfg.EmailOnEveryChange,
		CatalogDelay:       cfg.CatalogDelay,
		CatalogSchedule:    cfg.CatalogSchedule,
	}

	var stores app.Stores
	if cfg.DatabaseURL != "" {
		if cfg.Migrate {
			if err := migrations.Up(cfg.DatabaseURL); err != nil {
				return fmt.Errorf("apply migrations: %w", err)
			}
		}
		db, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		store := postgres.New(db)
		stores = app.Stores{Packages: store, Logs: store, Catalogs: store}
		opts.Health = db.PingContext
		log.Info("using postgres storage")
	} else {
		log.Warn("MSU_DATABASE_URL not set; using in-memory storage")
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		opts.Locker = lock.NewRedis(client, "msuadmin:lock:")
		log.WithField("addr", cfg.RedisAddr).Info("using redis package locks")
	}

	var sender mail.Sender
	if cfg.SMTPHost != "" {
		smtp, err := mail.NewSMTPSender(mail.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.EmailSender,
		})
		if err != nil {
			return fmt.Errorf("configure smtp: %w", err)
		}
		sender = smtp
	} else {
		sender = mail.NewLogSender(log.Named("mail"))
	}
	opts.Notifier = mail.NewNotifier(sender, cfg.AdminEmails(), log.Named("mail"))

	application, err := app.New(stores, opts, log)
	if err != nil {
		return err
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, log.Named("ratelimit"))
	limiter.StartCleanup(ctx, time.Minute)

	handler, err := httpapi.NewHandler(application, httpapi.Options{
		StaticPath:  cfg.StaticPath,
		Sessions:    auth.NewSessions(secretOrRandom(cfg.SessionSecret, "MSU_SESSION_SECRET", log), cfg.SessionTTL),
		Directory:   auth.NewDirectory(settings),
		Tokens:      xsrf.New(secretOrRandom(cfg.XSRFSecret, "MSU_XSRF_SECRET", log), 0),
		RateLimiter: limiter,
		AuditFile:   cfg.AuditLogFile,
		Logger:      log,
	})
	if err != nil {
		return err
	}

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("start application: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("admin server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownWait)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("application stop")
	}
	log.Info("server stopped")
	return nil
}

// secretOrRandom returns secret, or a per-process random value when it is
// unset. Sessions and forms then do not survive a restart.
func secretOrRandom(secret, name string, log *logging.Logger) string {
	if secret != "" {
		return secret
	}
	log.Warnf("%s not set; using a random per-process secret", name)
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		log.WithError(err).Fatal("generate secret")
	}
	return hex.EncodeToString(buf)
}

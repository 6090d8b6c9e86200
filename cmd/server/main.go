// Command server runs the study run HTTP API.
//
// Configuration comes from the environment (see pkg/config). With -token the
// command prints a bearer token for a researcher account and exits.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/simple-study-runs/pkg/config"
	"github.com/jdziat/simple-study-runs/pkg/engine"
	"github.com/jdziat/simple-study-runs/pkg/fixture"
	"github.com/jdziat/simple-study-runs/pkg/httpapi"
	"github.com/jdziat/simple-study-runs/pkg/stats"
	"github.com/jdziat/simple-study-runs/pkg/storage"
)

func main() {
	token := flag.String("token", "", "print a bearer token for this account and exit")
	tokenTTL := flag.Duration("token-ttl", 12*time.Hour, "lifetime of tokens printed with -token")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := cfg.Logger()
	slog.SetDefault(log)

	if *token != "" {
		if cfg.JWTSecret == "" {
			log.Error("RUNS_JWT_SECRET is not set")
			os.Exit(1)
		}
		t, err := httpapi.NewJWTAuth(cfg.JWTSecret).IssueToken(*token, *tokenTTL)
		if err != nil {
			log.Error("issue token", "error", err)
			os.Exit(1)
		}
		fmt.Println(t)
		return
	}

	if err := run(cfg, log); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(cfg.DatabaseURL, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	}, cfg.Pool()...)
	if err != nil {
		return err
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}()

	store := storage.NewGormStorage(db)
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	statStore := stats.NewGormStorage(db)
	if err := statStore.MigrateStats(ctx); err != nil {
		return fmt.Errorf("migrate stats: %w", err)
	}
	log.Info("database ready", "url", redactDSN(cfg.DatabaseURL))

	if cfg.SeedFile != "" {
		seed, err := fixture.Load(cfg.SeedFile)
		if err != nil {
			return err
		}
		res, err := fixture.Apply(ctx, store, seed, log)
		if err != nil {
			return fmt.Errorf("seed: %w", err)
		}
		log.Info("seed applied",
			"file", cfg.SeedFile,
			"studies", len(res.Studies),
			"workers", len(res.Workers),
			"skipped", res.Skipped,
		)
	}

	eng := engine.New(store,
		engine.WithLogger(log),
		engine.WithCookieConfig(cfg.Cookies()),
	)

	schedule, err := stats.ParseSchedule(cfg.StatsPruneCron)
	if err != nil {
		return err
	}
	collector := stats.NewCollector(eng, statStore,
		stats.WithRetention(cfg.StatsRetention),
		stats.WithFlushInterval(cfg.StatsFlush),
		stats.WithPruneSchedule(schedule),
		stats.WithLogger(log),
	)
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		collector.Start(ctx)
	}()
	collector.WaitReady()

	opts := []httpapi.Option{
		httpapi.WithLogger(log),
		httpapi.WithCookiePath(cfg.CookiePath),
		httpapi.WithSecureCookies(cfg.CookieSecure),
		httpapi.WithCookieMaxAge(cfg.CookieMaxAge),
	}
	if cfg.JWTSecret != "" {
		opts = append(opts,
			httpapi.WithJWT(httpapi.NewJWTAuth(cfg.JWTSecret)),
			httpapi.WithStats(statStore),
		)
	} else {
		log.Warn("RUNS_JWT_SECRET is not set: Jatos runs and statistics are unavailable")
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewHandler(eng, opts...),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		stop()
		<-collectorDone
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	<-collectorDone
	return nil
}

// redactDSN hides credentials in database URLs.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}

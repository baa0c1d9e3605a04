package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"relaychess/internal/config"
	"relaychess/internal/events"
	"relaychess/internal/game"
	"relaychess/internal/handlers"
	"relaychess/internal/logging"
	"relaychess/internal/longpoll"
	"relaychess/internal/rules"
	"relaychess/internal/storage"
	"relaychess/internal/telemetry"
	"relaychess/internal/token"
)

const shutdownGrace = 10 * time.Second

func main() {
	debug := flag.Bool("debug", false, "enable debug logging")
	envFile := flag.String("env", ".env", "optional dotenv file loaded before reading the environment")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("load %s: %v", *envFile, err)
	}

	cfg, err := config.Load(*debug)
	if err != nil {
		log.Fatal(err)
	}

	logger, err := logging.New(cfg.Debug)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTelEndpoint, "relaychess", commit)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("trace flush failed", zap.Error(err))
		}
	}()

	rdb, err := storage.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	eventLog := events.NewLog(rdb,
		events.WithHistoryTTL(cfg.EventHistoryTTL),
		events.WithLogger(logger.Named("events")),
	)

	storeOpts := []storage.StoreOption{storage.WithLogger(logger.Named("store"))}
	if cfg.DatabaseURL != "" {
		db, err := storage.OpenArchive(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		storeOpts = append(storeOpts, storage.WithArchive(storage.NewArchive(db)))
		logger.Info("archiving finished games to postgres")
	}
	store := storage.NewGameStore(rdb, eventLog, storeOpts...)

	tokens := token.NewCodec(cfg.JWTSecret, token.WithTTL(cfg.TokenTTL))
	engine := rules.NewChessEngine()
	svc := game.NewService(store, eventLog, tokens, engine,
		game.WithMoveBuffer(cfg.MoveTimeBuffer),
		game.WithLogger(logger.Named("game")),
	)
	poller := longpoll.NewPoller(store, eventLog, tokens, engine, svc,
		longpoll.WithTimeout(cfg.PollTimeout),
		longpoll.WithLogger(logger.Named("poll")),
	)
	janitor := game.NewJanitor(store, cfg.CleanupInterval, cfg.CleanupMaxAgeDays, logger.Named("janitor"))

	h := handlers.NewHandler(svc, poller,
		handlers.WithStats(store),
		handlers.WithCommit(commit),
		handlers.WithLogger(logger.Named("http")),
	)
	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.Port)),
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		// A poll may legitimately hold the connection for the full poll timeout.
		WriteTimeout: cfg.PollTimeout + 15*time.Second,
		IdleTimeout:  2 * time.Minute,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	// Waiters must be able to hear events before the first request lands.
	if err := eventLog.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("relaychess listening",
			zap.String("addr", "http://localhost"+srv.Addr),
			zap.String("commit", commit),
			zap.String("buildDate", buildDate))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return janitor.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

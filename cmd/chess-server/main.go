package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/cimsi/chess-arena/internal/arena"
	"github.com/cimsi/chess-arena/internal/auth"
	appcfg "github.com/cimsi/chess-arena/internal/config"
	"github.com/cimsi/chess-arena/internal/httpapi"
	"github.com/cimsi/chess-arena/internal/msgcat"
	"github.com/cimsi/chess-arena/internal/obslog"
	"github.com/cimsi/chess-arena/internal/rules"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}

	cat, err := msgcat.New(cfg.MsgCatalogDir)
	if err != nil {
		obslog.L().Fatal("msgcat init error", zap.Error(err))
	}

	repo, err := auth.NewRepository(cfg.DatabaseURL)
	if err != nil {
		obslog.L().Fatal("users repository init error", zap.Error(err))
	}
	defer repo.Close()
	if err := repo.EnsureSchema(context.Background()); err != nil {
		obslog.L().Fatal("users schema error", zap.Error(err))
	}

	sessions, err := auth.NewSessionStore(cfg.RedisURL, cfg.TokenTTL)
	if err != nil {
		obslog.L().Fatal("session store init error", zap.Error(err))
	}
	defer sessions.Close()

	authSvc := auth.NewService(repo, sessions, cfg.JWTSecret, cfg.TokenTTL)

	var oracle arena.RuleOracle
	if cfg.StrictMoves {
		oracle = rules.NewOracle()
	}
	coord := arena.New(arena.Options{
		Oracle:     oracle,
		Catalog:    cat,
		InboxSize:  cfg.InboxSize,
		CodeLength: cfg.RoomCodeLength,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		if err := coord.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			obslog.L().Error("coordinator stopped", zap.Error(err))
		}
	}()

	api := httpapi.NewServer(authSvc, coord, cfg.AllowedOrigins, cfg.SendBuffer)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		obslog.L().Info("server listening", zap.String("addr", cfg.ListenAddr), zap.Bool("strict_moves", cfg.StrictMoves))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obslog.L().Fatal("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	obslog.L().Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// Package main запускает HTTP-сервер магазина.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ordersmith/shopcore/internal/config"
	"github.com/ordersmith/shopcore/internal/gateway"
	"github.com/ordersmith/shopcore/internal/handler"
	"github.com/ordersmith/shopcore/internal/metrics"
	"github.com/ordersmith/shopcore/internal/middleware"
	"github.com/ordersmith/shopcore/internal/notify"
	"github.com/ordersmith/shopcore/internal/repository"
	"github.com/ordersmith/shopcore/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	var gatewayClient service.InvoiceCreator
	if cfg.GatewayAddress != "" {
		gatewayClient = gateway.NewClient(cfg.GatewayAddress, cfg.GatewayAPIKey, logger)
	}

	var notifier notify.Notifier = notify.Nop{}
	if cfg.NotifyAddress != "" {
		notifier = notify.NewHTTPNotifier(cfg.NotifyAddress, logger)
	}

	m := metrics.New()

	svc := service.NewService(repo, gatewayClient, notifier, logger, m, service.Options{
		AdminIDs:    cfg.AdminIDs,
		PromoCodes:  cfg.PromoCodes,
		DefaultCity: cfg.DefaultCity,
	})
	defer svc.Close()

	tokenAuth := middleware.NewTokenAuth(cfg.APIToken)
	h := handler.NewHandler(svc, logger, tokenAuth, cfg.IPNSecret)

	r := h.SetupRouter(m)

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting shopcore server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

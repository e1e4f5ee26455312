// Package main запускает HTTP-сервер движка заказов.
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

	"github.com/examhub/order-engine/internal/catalog"
	"github.com/examhub/order-engine/internal/config"
	"github.com/examhub/order-engine/internal/fulfillment"
	"github.com/examhub/order-engine/internal/gateway"
	"github.com/examhub/order-engine/internal/handler"
	"github.com/examhub/order-engine/internal/invoice"
	"github.com/examhub/order-engine/internal/middleware"
	"github.com/examhub/order-engine/internal/pricing"
	"github.com/examhub/order-engine/internal/repository"
	"github.com/examhub/order-engine/internal/service"
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

	catalogClient := catalog.NewClient(cfg.CatalogAddress)

	var gatewayClient *gateway.Client
	if cfg.PaymentGatewayAddress != "" {
		gatewayClient = gateway.NewClient(cfg.PaymentGatewayAddress)
	}

	var invoiceClient *invoice.Client
	if cfg.InvoiceAddress != "" {
		invoiceClient = invoice.NewClient(cfg.InvoiceAddress)
	}

	calculator := pricing.NewCalculator(cfg.TaxRateBP, nil)
	fulfillmentSvc := fulfillment.NewService(repo, logger)

	var refunder service.Refunder
	if gatewayClient != nil {
		refunder = gatewayClient
	}
	var invoices service.InvoiceRenderer
	if invoiceClient != nil {
		invoices = invoiceClient
	}

	svc := service.NewService(repo, calculator, catalogClient, fulfillmentSvc, refunder, invoices, logger)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware, cfg.WebhookSecret)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фоновых повторов операций фулфилмента
	g.Go(func() error {
		svc.StartFulfillmentRetries(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting order engine server", "addr", cfg.RunAddress)
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

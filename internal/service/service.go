// Package service реализует бизнес-логику движка заказов: оформление,
// сверку оплат и координацию отмен с возвратом средств.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/examhub/order-engine/internal/gateway"
	"github.com/examhub/order-engine/internal/model"
	"github.com/examhub/order-engine/internal/pricing"
	"github.com/examhub/order-engine/internal/repository"
)

// ErrOrderCannotBeCancelled возвращается при попытке отменить заказ в
// конечном статусе. Наружу транслируется стабильным кодом
// ORDER_CANNOT_BE_CANCELLED.
var ErrOrderCannotBeCancelled = errors.New("order cannot be cancelled")

// PaymentOutcome — исход оплаты, сообщённый платёжным шлюзом.
type PaymentOutcome string

const (
	PaymentOutcomePaid   PaymentOutcome = "paid"
	PaymentOutcomeFailed PaymentOutcome = "failed"
)

// Repository описывает контракт хранилища заказов, используемый сервисом.
type Repository interface {
	Close() error
	CreateOrder(ctx context.Context, number string, userID int64, items []model.PricedItem, pricing model.Pricing, paymentMethod, billingAddress string) (*model.Order, error)
	GetOrder(ctx context.Context, orderID, userID int64) (*model.Order, error)
	GetOrderByID(ctx context.Context, orderID int64) (*model.Order, error)
	GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, expected, newStatus model.OrderStatus, fields repository.StatusFields, message string) (*model.Order, error)
	EnqueueFulfillmentJob(ctx context.Context, orderID int64, kind repository.FulfillmentJobKind) error
	DueFulfillmentJobs(ctx context.Context, limit int) ([]repository.FulfillmentJob, error)
	CompleteFulfillmentJob(ctx context.Context, jobID int64) error
	BumpFulfillmentJob(ctx context.Context, jobID int64, delay time.Duration) error
}

// Fulfillment описывает контракт выдачи и отзыва доступа.
type Fulfillment interface {
	GrantAccess(ctx context.Context, order *model.Order) error
	RevokeAccess(ctx context.Context, order *model.Order) error
}

// Refunder описывает контракт возврата средств во внешнем шлюзе.
type Refunder interface {
	Refund(ctx context.Context, paymentID string, amount int64) (*gateway.RefundResult, error)
}

// InvoiceRenderer описывает контракт внешнего рендерера счетов.
type InvoiceRenderer interface {
	Render(ctx context.Context, order *model.Order) ([]byte, error)
}

// Service содержит бизнес-логику движка заказов.
type Service struct {
	repo        Repository
	calculator  *pricing.Calculator
	catalog     pricing.Catalog
	fulfillment Fulfillment
	refunder    Refunder
	invoices    InvoiceRenderer
	logger      *zap.Logger
}

// NewService создаёт сервис движка заказов. refunder и invoices могут быть
// nil, если соответствующие внешние системы не сконфигурированы.
func NewService(repo Repository, calculator *pricing.Calculator, catalog pricing.Catalog, f Fulfillment, refunder Refunder, invoices InvoiceRenderer, logger *zap.Logger) *Service {
	return &Service{
		repo:        repo,
		calculator:  calculator,
		catalog:     catalog,
		fulfillment: f,
		refunder:    refunder,
		invoices:    invoices,
		logger:      logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// CreateOrder оформляет заказ: рассчитывает суммы по актуальным ценам
// каталога и атомарно сохраняет заказ с зафиксированными ценами позиций.
func (s *Service) CreateOrder(ctx context.Context, userID int64, items []pricing.CartItem, couponCode, paymentMethod, billingAddress string) (*model.Order, error) {
	if len(items) == 0 {
		return nil, repository.ErrEmptyCart
	}

	priced, pricedItems, err := s.calculator.Calculate(ctx, userID, items, s.catalog, couponCode)
	if err != nil {
		return nil, err
	}

	number := "ORD-" + uuid.NewString()

	order, err := s.repo.CreateOrder(ctx, number, userID, pricedItems, priced, paymentMethod, billingAddress)
	if err != nil {
		return nil, err
	}

	s.logger.Info("order created",
		zap.Int64("orderID", order.ID),
		zap.String("number", order.Number),
		zap.Int64("userID", userID),
		zap.Int64("total", order.Total))

	return order, nil
}

// GetOrder возвращает заказ пользователя.
func (s *Service) GetOrder(ctx context.Context, orderID, userID int64) (*model.Order, error) {
	return s.repo.GetOrder(ctx, orderID, userID)
}

// GetOrdersByUser возвращает список заказов пользователя.
func (s *Service) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.repo.GetOrdersByUser(ctx, userID)
}

// OnPaymentConfirmed обрабатывает подтверждение оплаты от платёжного шлюза.
// Вебхук может приходить повторно: проигранный compare-and-swap трактуется
// как уже применённый переход, но выдача доступа выполняется в любом случае,
// чтобы повтор не привёл к недовыдаче.
func (s *Service) OnPaymentConfirmed(ctx context.Context, orderID int64, paymentID string, outcome PaymentOutcome) error {
	switch outcome {
	case PaymentOutcomePaid:
		return s.applyPaymentPaid(ctx, orderID, paymentID)
	case PaymentOutcomeFailed:
		return s.applyPaymentFailed(ctx, orderID)
	default:
		return fmt.Errorf("unknown payment outcome %q", outcome)
	}
}

func (s *Service) applyPaymentPaid(ctx context.Context, orderID int64, paymentID string) error {
	paid := model.PaymentStatusPaid

	order, err := s.repo.UpdateOrderStatus(ctx, orderID,
		model.OrderStatusPending, model.OrderStatusProcessing,
		repository.StatusFields{PaymentStatus: &paid, PaymentID: &paymentID},
		"Payment confirmed",
	)
	if err != nil {
		if !errors.Is(err, repository.ErrStatusConflict) {
			return err
		}

		// Переход уже применён другим вызовом. Перечитываем заказ и
		// решаем, нужна ли довыдача доступа.
		order, err = s.repo.GetOrderByID(ctx, orderID)
		if err != nil {
			return err
		}

		if order.Status != model.OrderStatusProcessing && order.Status != model.OrderStatusCompleted {
			s.logger.Info("payment webhook ignored, order left payable states",
				zap.Int64("orderID", orderID),
				zap.String("status", string(order.Status)))
			return nil
		}
	}

	if err := s.fulfillment.GrantAccess(ctx, order); err != nil {
		s.logger.Error("grant after payment failed, queued for retry",
			zap.Int64("orderID", orderID),
			zap.Error(err))
		if qErr := s.repo.EnqueueFulfillmentJob(ctx, orderID, repository.FulfillmentJobGrant); qErr != nil {
			return fmt.Errorf("enqueue grant retry: %w", qErr)
		}
	}

	return nil
}

func (s *Service) applyPaymentFailed(ctx context.Context, orderID int64) error {
	failed := model.PaymentStatusFailed

	_, err := s.repo.UpdateOrderStatus(ctx, orderID,
		model.OrderStatusPending, model.OrderStatusPending,
		repository.StatusFields{PaymentStatus: &failed},
		"Payment failed",
	)
	if err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			// Заказ уже ушёл из pending, отметка об отказе не нужна.
			return nil
		}
		return err
	}

	return nil
}

// CancelOrder отменяет заказ пользователя. Оплаченный заказ возвращается
// через шлюз и помечается refunded, неоплаченный — cancelled. Отзыв доступа
// выполняется после фиксации перехода; его сбой не отменяет уже принятую
// отмену, а ставится в очередь фоновых повторов.
func (s *Service) CancelOrder(ctx context.Context, orderID, userID int64) (*model.Order, error) {
	order, err := s.repo.GetOrder(ctx, orderID, userID)
	if err != nil {
		return nil, err
	}

	if order.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: order %d is %s", ErrOrderCannotBeCancelled, orderID, order.Status)
	}

	var updated *model.Order
	if order.PaymentStatus == model.PaymentStatusPaid {
		if s.refunder == nil {
			return nil, fmt.Errorf("%w: refunder not configured", gateway.ErrRefundFailed)
		}

		refund, err := s.refunder.Refund(ctx, order.PaymentID, order.Total)
		if err != nil {
			// Возврат не прошёл — заказ остаётся ровно в прежнем
			// состоянии, вызывающий может повторить.
			return nil, fmt.Errorf("%w: order %d", err, orderID)
		}

		refunded := model.PaymentStatusRefunded
		updated, err = s.repo.UpdateOrderStatus(ctx, orderID,
			order.Status, model.OrderStatusRefunded,
			repository.StatusFields{PaymentStatus: &refunded},
			fmt.Sprintf("Order refunded, refund %s", refund.RefundID),
		)
		if err != nil {
			return nil, err
		}
	} else {
		updated, err = s.repo.UpdateOrderStatus(ctx, orderID,
			order.Status, model.OrderStatusCancelled,
			repository.StatusFields{},
			"Order cancelled by user",
		)
		if err != nil {
			return nil, err
		}
	}

	s.revokeOrQueue(ctx, updated)

	return updated, nil
}

// revokeOrQueue отзывает доступ с небольшим бюджетом повторов. Переход
// статуса уже зафиксирован, поэтому окончательный сбой не всплывает наружу:
// операция ставится в очередь и логируется как риск консистентности.
func (s *Service) revokeOrQueue(ctx context.Context, order *model.Order) {
	backoff := retry.WithMaxRetries(2, retry.NewFibonacci(100*time.Millisecond))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := s.fulfillment.RevokeAccess(ctx, order); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err == nil {
		return
	}

	s.logger.Error("revoke after cancellation failed, queued for retry",
		zap.Int64("orderID", order.ID),
		zap.String("status", string(order.Status)),
		zap.Error(err))

	if qErr := s.repo.EnqueueFulfillmentJob(ctx, order.ID, repository.FulfillmentJobRevoke); qErr != nil {
		s.logger.Error("enqueue revoke retry failed, access may outlive cancelled order",
			zap.Int64("orderID", order.ID),
			zap.Error(qErr))
	}
}

// CompleteOrder переводит оплаченный заказ в конечный статус completed.
func (s *Service) CompleteOrder(ctx context.Context, orderID, userID int64) (*model.Order, error) {
	order, err := s.repo.GetOrder(ctx, orderID, userID)
	if err != nil {
		return nil, err
	}

	return s.repo.UpdateOrderStatus(ctx, orderID,
		order.Status, model.OrderStatusCompleted,
		repository.StatusFields{},
		"Order completed",
	)
}

// RenderInvoice возвращает PDF-счёт по заказу пользователя.
func (s *Service) RenderInvoice(ctx context.Context, orderID, userID int64) ([]byte, error) {
	if s.invoices == nil {
		return nil, errors.New("invoice renderer not configured")
	}

	order, err := s.repo.GetOrder(ctx, orderID, userID)
	if err != nil {
		return nil, err
	}

	return s.invoices.Render(ctx, order)
}

// StartFulfillmentRetries запускает фоновый процесс повторного выполнения
// отложенных операций фулфилмента.
func (s *Service) StartFulfillmentRetries(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processFulfillmentBatch(ctx)
			}
		}
	}()
}

func (s *Service) processFulfillmentBatch(ctx context.Context) {
	jobs, err := s.repo.DueFulfillmentJobs(ctx, 100)
	if err != nil {
		s.logger.Error("select due fulfillment jobs failed", zap.Error(err))
		return
	}

	for _, job := range jobs {
		if err := s.runFulfillmentJob(ctx, job); err != nil {
			delay := retryDelay(job.Attempts)
			s.logger.Warn("fulfillment retry failed",
				zap.Int64("jobID", job.ID),
				zap.Int64("orderID", job.OrderID),
				zap.String("kind", string(job.Kind)),
				zap.Int32("attempts", job.Attempts+1),
				zap.Duration("nextRetryIn", delay),
				zap.Error(err))
			if bErr := s.repo.BumpFulfillmentJob(ctx, job.ID, delay); bErr != nil {
				s.logger.Error("bump fulfillment job failed", zap.Int64("jobID", job.ID), zap.Error(bErr))
			}
			continue
		}

		if err := s.repo.CompleteFulfillmentJob(ctx, job.ID); err != nil {
			s.logger.Error("complete fulfillment job failed", zap.Int64("jobID", job.ID), zap.Error(err))
		}
	}
}

func (s *Service) runFulfillmentJob(ctx context.Context, job repository.FulfillmentJob) error {
	order, err := s.repo.GetOrderByID(ctx, job.OrderID)
	if err != nil {
		return err
	}

	switch job.Kind {
	case repository.FulfillmentJobGrant:
		// Заказ мог быть отменён, пока выдача ждала повтора. Выдавать
		// доступ по отменённому заказу нельзя, операция снимается.
		if order.Status != model.OrderStatusProcessing && order.Status != model.OrderStatusCompleted {
			s.logger.Info("grant job dropped, order no longer payable",
				zap.Int64("orderID", order.ID),
				zap.String("status", string(order.Status)))
			return nil
		}
		return s.fulfillment.GrantAccess(ctx, order)
	case repository.FulfillmentJobRevoke:
		return s.fulfillment.RevokeAccess(ctx, order)
	default:
		return fmt.Errorf("unknown fulfillment job kind %q", job.Kind)
	}
}

// retryDelay возвращает интервал до следующего повтора с экспоненциальным
// ростом, ограниченным десятью минутами.
func retryDelay(attempts int32) time.Duration {
	if attempts > 9 {
		attempts = 9
	}
	delay := time.Duration(1<<uint(attempts)) * time.Second
	if delay > 10*time.Minute {
		delay = 10 * time.Minute
	}
	return delay
}

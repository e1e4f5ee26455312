// Package fulfillment отвечает за выдачу и отзыв доступа к купленным тестам.
package fulfillment

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/examhub/order-engine/internal/model"
)

// ErrRetryable помечает сбой фулфилмента, который безопасно повторить:
// обе операции идемпотентны по ключу (order_id, test_id).
var ErrRetryable = errors.New("fulfillment operation failed, retry required")

// GrantStore описывает контракт хранилища записей доступа.
type GrantStore interface {
	InsertAccessGrants(ctx context.Context, order *model.Order) error
	DeleteAccessGrantsByOrder(ctx context.Context, orderID int64) error
}

// Service выдаёт и отзывает доступ к купленным тестам.
type Service struct {
	store  GrantStore
	logger *zap.Logger
}

// NewService создаёт сервис фулфилмента.
func NewService(store GrantStore, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger,
	}
}

// GrantAccess выдаёт доступ по всем позициям заказа. Повторный вызов для
// того же заказа ничего не меняет: уже выданные позиции пропускаются на
// уровне уникального ключа хранилища, дубликат вебхука не приводит ни к
// двойной выдаче, ни к ошибке.
func (s *Service) GrantAccess(ctx context.Context, order *model.Order) error {
	if err := s.store.InsertAccessGrants(ctx, order); err != nil {
		s.logger.Error("grant access failed",
			zap.Int64("orderID", order.ID),
			zap.Int64("userID", order.UserID),
			zap.Error(err))
		return fmt.Errorf("%w: grant order %d: %w", ErrRetryable, order.ID, err)
	}

	s.logger.Info("access granted",
		zap.Int64("orderID", order.ID),
		zap.Int64("userID", order.UserID),
		zap.Int("items", len(order.Items)))
	return nil
}

// RevokeAccess отзывает доступ, выданный указанным заказом. Затрагиваются
// только записи с order_id этого заказа: доступ из других заказов того же
// пользователя к тем же тестам сохраняется. Идемпотентен.
func (s *Service) RevokeAccess(ctx context.Context, order *model.Order) error {
	if err := s.store.DeleteAccessGrantsByOrder(ctx, order.ID); err != nil {
		s.logger.Error("revoke access failed",
			zap.Int64("orderID", order.ID),
			zap.Int64("userID", order.UserID),
			zap.Error(err))
		return fmt.Errorf("%w: revoke order %d: %w", ErrRetryable, order.ID, err)
	}

	s.logger.Info("access revoked",
		zap.Int64("orderID", order.ID),
		zap.Int64("userID", order.UserID))
	return nil
}

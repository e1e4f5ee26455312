package model

import "errors"

// ErrInvalidTransition возвращается при попытке недопустимого перехода статуса.
var ErrInvalidTransition = errors.New("invalid order status transition")

// transitions задаёт допустимые переходы жизненного цикла заказа.
// Переход pending -> pending используется для фиксации неуспешной оплаты:
// статус заказа не меняется, меняется только paymentStatus.
var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusPending, OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing: {OrderStatusCompleted, OrderStatusCancelled, OrderStatusRefunded},
	OrderStatusCompleted:  {},
	OrderStatusCancelled:  {},
	OrderStatusRefunded:   {},
}

// CanTransition сообщает, допустим ли переход статуса заказа from -> to.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition возвращает ErrInvalidTransition, если переход недопустим.
func ValidateTransition(from, to OrderStatus) error {
	if !CanTransition(from, to) {
		return ErrInvalidTransition
	}
	return nil
}

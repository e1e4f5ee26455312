// Package model содержит доменные сущности движка заказов.
package model

import "time"

// OrderStatus описывает статус жизненного цикла заказа.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusRefunded   OrderStatus = "refunded"
)

// PaymentStatus описывает статус оплаты заказа.
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// Order описывает заказ пользователя на покупку тестов.
// Все денежные суммы хранятся в минимальных единицах валюты.
type Order struct {
	ID            int64
	Number        string
	UserID        int64
	Status        OrderStatus
	PaymentStatus PaymentStatus
	Subtotal      int64
	Discount      int64
	Tax           int64
	Total         int64
	PaymentMethod string
	// PaymentID — идентификатор транзакции во внешнем платёжном шлюзе.
	// Пустой до подтверждения оплаты.
	PaymentID      string
	BillingAddress string
	Items          []OrderItem
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// OrderItem описывает позицию заказа. Цена фиксируется в момент покупки
// и не перечитывается из каталога после создания заказа.
type OrderItem struct {
	ID       int64
	OrderID  int64
	TestID   string
	Quantity int32
	Price    int64
	Total    int64
}

// OrderStatusEvent — запись журнала переходов статуса заказа.
// Журнал только дополняется, записи не изменяются и не удаляются.
type OrderStatusEvent struct {
	ID        int64
	OrderID   int64
	Status    OrderStatus
	Message   string
	CreatedAt time.Time
}

// AccessGrant описывает предоставленный пользователю доступ к купленному
// тесту со ссылкой на породивший его заказ.
type AccessGrant struct {
	ID        int64
	UserID    int64
	TestID    string
	OrderID   int64
	CreatedAt time.Time
}

// Pricing содержит рассчитанные суммы заказа.
type Pricing struct {
	Subtotal int64
	Discount int64
	Tax      int64
	Total    int64
}

// PricedItem — позиция корзины с зафиксированной ценой каталога.
type PricedItem struct {
	TestID   string
	Quantity int32
	Price    int64
	Total    int64
}

// IsTerminal сообщает, является ли статус конечным.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusCompleted, OrderStatusCancelled, OrderStatusRefunded:
		return true
	}
	return false
}

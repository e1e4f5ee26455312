// Package pricing реализует расчёт сумм заказа по корзине.
package pricing

import (
	"context"
	"errors"
	"fmt"

	"github.com/examhub/order-engine/internal/model"
)

// ErrInvalidCart возвращается, если корзина содержит некорректное количество
// или недоступный для покупки тест.
var ErrInvalidCart = errors.New("invalid cart")

// ErrNotPurchasable возвращается каталогом, если тест недоступен для покупки.
var ErrNotPurchasable = errors.New("item is not purchasable")

// CartItem — позиция корзины до расчёта цены.
type CartItem struct {
	TestID   string
	Quantity int32
}

// Catalog предоставляет актуальные цены тестов, доступных для покупки.
type Catalog interface {
	GetPurchasablePrice(ctx context.Context, testID string) (int64, error)
}

// Promotions рассчитывает скидку по купону. Возвращённая скидка указывается
// в минимальных единицах валюты.
type Promotions interface {
	Discount(ctx context.Context, userID int64, couponCode string, subtotal int64) (int64, error)
}

// Calculator выполняет расчёт сумм заказа. Не имеет побочных эффектов:
// вызывается один раз при создании заказа, результат фиксируется в позициях.
type Calculator struct {
	taxRateBP  int64
	promotions Promotions
}

// DefaultTaxRateBP — ставка налога в базисных пунктах (18%).
const DefaultTaxRateBP = 1800

// NewCalculator создаёт калькулятор с указанной ставкой налога в базисных
// пунктах. promotions может быть nil, тогда скидка всегда равна нулю.
func NewCalculator(taxRateBP int64, promotions Promotions) *Calculator {
	return &Calculator{
		taxRateBP:  taxRateBP,
		promotions: promotions,
	}
}

// Calculate считает суммы по корзине и возвращает зафиксированные позиции.
// Цены запрашиваются из каталога ровно один раз и более не перечитываются.
func (c *Calculator) Calculate(ctx context.Context, userID int64, items []CartItem, catalog Catalog, couponCode string) (model.Pricing, []model.PricedItem, error) {
	var pricing model.Pricing

	priced := make([]model.PricedItem, 0, len(items))
	for _, item := range items {
		if item.Quantity <= 0 {
			return pricing, nil, fmt.Errorf("%w: quantity %d for test %s", ErrInvalidCart, item.Quantity, item.TestID)
		}

		price, err := catalog.GetPurchasablePrice(ctx, item.TestID)
		if err != nil {
			if errors.Is(err, ErrNotPurchasable) {
				return pricing, nil, fmt.Errorf("%w: test %s", ErrInvalidCart, item.TestID)
			}
			return pricing, nil, fmt.Errorf("catalog price for %s: %w", item.TestID, err)
		}

		total := price * int64(item.Quantity)
		priced = append(priced, model.PricedItem{
			TestID:   item.TestID,
			Quantity: item.Quantity,
			Price:    price,
			Total:    total,
		})
		pricing.Subtotal += total
	}

	if c.promotions != nil && couponCode != "" {
		discount, err := c.promotions.Discount(ctx, userID, couponCode, pricing.Subtotal)
		if err != nil {
			return model.Pricing{}, nil, fmt.Errorf("coupon %s: %w", couponCode, err)
		}
		if discount < 0 {
			discount = 0
		}
		if discount > pricing.Subtotal {
			discount = pricing.Subtotal
		}
		pricing.Discount = discount
	}

	pricing.Tax = roundHalfUp((pricing.Subtotal-pricing.Discount)*c.taxRateBP, 10000)
	pricing.Total = pricing.Subtotal - pricing.Discount + pricing.Tax

	return pricing, priced, nil
}

// roundHalfUp делит num на den с округлением половины вверх.
// Суммы заказов неотрицательны, отрицательные значения сюда не попадают.
func roundHalfUp(num, den int64) int64 {
	return (num + den/2) / den
}

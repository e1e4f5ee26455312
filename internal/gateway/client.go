// Package gateway предоставляет клиент внешнего платёжного шлюза.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// ErrRefundFailed возвращается, если шлюз не смог провести возврат средств.
var ErrRefundFailed = errors.New("refund failed")

// Client инкапсулирует HTTP-взаимодействие с платёжным шлюзом.
// Сам шлюз обрабатывает карты и вебхуки на своей стороне; отсюда выполняются
// только исходящие запросы на возврат средств.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

type refundRequest struct {
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
}

// RefundResult описывает ответ шлюза на запрос возврата.
type RefundResult struct {
	RefundID string `json:"refund_id"`
}

// NewClient создаёт клиент платёжного шлюза по указанному адресу.
func NewClient(baseURL string) *Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 2
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = 1 * time.Second
	c.HTTPClient.Timeout = 5 * time.Second
	c.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: c,
	}
}

// Refund запрашивает возврат средств по транзакции шлюза. Сумма указывается
// в минимальных единицах валюты. Запрос ограничен таймаутом: зависший шлюз
// классифицируется как отказ, а не ожидается бесконечно.
func (c *Client) Refund(ctx context.Context, paymentID string, amount int64) (*RefundResult, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("gateway client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	body, err := json.Marshal(refundRequest{
		PaymentID: paymentID,
		Amount:    amount,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal refund request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, base+"/api/refunds", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRefundFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrRefundFailed, resp.StatusCode)
	}

	var result RefundResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode refund response: %w", err)
	}

	return &result, nil
}

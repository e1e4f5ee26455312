// Package invoice предоставляет клиент внешнего рендерера счетов.
package invoice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/examhub/order-engine/internal/model"
)

// Client инкапсулирует HTTP-взаимодействие с рендерером счетов.
// Рендерер не хранит состояния: счёт строится по переданному заказу.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type renderRequest struct {
	Number        string       `json:"number"`
	Subtotal      int64        `json:"subtotal"`
	Discount      int64        `json:"discount"`
	Tax           int64        `json:"tax"`
	Total         int64        `json:"total"`
	PaymentMethod string       `json:"payment_method"`
	Items         []renderItem `json:"items"`
}

type renderItem struct {
	TestID   string `json:"test_id"`
	Quantity int32  `json:"quantity"`
	Price    int64  `json:"price"`
	Total    int64  `json:"total"`
}

// NewClient создаёт HTTP-клиент рендерера счетов по указанному адресу.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Render возвращает PDF-счёт для заказа.
func (c *Client) Render(ctx context.Context, order *model.Order) ([]byte, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("invoice client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	req := renderRequest{
		Number:        order.Number,
		Subtotal:      order.Subtotal,
		Discount:      order.Discount,
		Tax:           order.Tax,
		Total:         order.Total,
		PaymentMethod: order.PaymentMethod,
	}
	for _, item := range order.Items {
		req.Items = append(req.Items, renderItem{
			TestID:   item.TestID,
			Quantity: item.Quantity,
			Price:    item.Price,
			Total:    item.Total,
		})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal render request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/invoices/render", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	pdf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return pdf, nil
}

// Package catalog предоставляет клиент каталога тестов.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/examhub/order-engine/internal/pricing"
)

// Client инкапсулирует HTTP-взаимодействие с каталогом. С точки зрения
// движка заказов каталог только читается.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type priceResponse struct {
	TestID string `json:"test_id"`
	Price  int64  `json:"price"`
}

// NewClient создаёт HTTP-клиент каталога по указанному адресу.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// GetPurchasablePrice возвращает актуальную цену теста в минимальных
// единицах валюты. Для неопубликованного или удалённого теста каталог
// отвечает 404, что транслируется в pricing.ErrNotPurchasable.
func (c *Client) GetPurchasablePrice(ctx context.Context, testID string) (int64, error) {
	if c == nil || c.baseURL == "" {
		return 0, fmt.Errorf("catalog client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	url := fmt.Sprintf("%s/api/tests/%s/price", base, testID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return 0, fmt.Errorf("%w: test %s", pricing.ErrNotPurchasable, testID)
	}

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result priceResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}

	if result.Price < 0 {
		return 0, fmt.Errorf("catalog returned negative price %d for test %s", result.Price, testID)
	}

	return result.Price, nil
}

package handler

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/examhub/order-engine/internal/middleware"
	"github.com/examhub/order-engine/internal/model"
	"github.com/examhub/order-engine/internal/pricing"
	"github.com/examhub/order-engine/internal/repository"
	"github.com/examhub/order-engine/internal/service"
)

type stubService struct {
	createResp *model.Order
	createErr  error

	getResp *model.Order
	getErr  error

	listResp []model.Order
	listErr  error

	webhookErr     error
	webhookOrderID int64
	webhookPayID   string
	webhookOutcome service.PaymentOutcome

	cancelResp *model.Order
	cancelErr  error

	completeResp *model.Order
	completeErr  error

	invoiceResp []byte
	invoiceErr  error
}

func (s *stubService) CreateOrder(ctx context.Context, userID int64, items []pricing.CartItem, couponCode, paymentMethod, billingAddress string) (*model.Order, error) {
	return s.createResp, s.createErr
}

func (s *stubService) GetOrder(ctx context.Context, orderID, userID int64) (*model.Order, error) {
	return s.getResp, s.getErr
}

func (s *stubService) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.listResp, s.listErr
}

func (s *stubService) OnPaymentConfirmed(ctx context.Context, orderID int64, paymentID string, outcome service.PaymentOutcome) error {
	s.webhookOrderID = orderID
	s.webhookPayID = paymentID
	s.webhookOutcome = outcome
	return s.webhookErr
}

func (s *stubService) CancelOrder(ctx context.Context, orderID, userID int64) (*model.Order, error) {
	return s.cancelResp, s.cancelErr
}

func (s *stubService) CompleteOrder(ctx context.Context, orderID, userID int64) (*model.Order, error) {
	return s.completeResp, s.completeErr
}

func (s *stubService) RenderInvoice(ctx context.Context, orderID, userID int64) ([]byte, error) {
	return s.invoiceResp, s.invoiceErr
}

const testWebhookSecret = "webhook-secret"

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(svc, logger, auth, testWebhookSecret)
}

func authedRequest(t *testing.T, h *Handler, method, target string, body []byte) *http.Request {
	t.Helper()

	rec := httptest.NewRecorder()
	h.authMiddleware.SetAuthCookie(rec, 1)

	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.AddCookie(rec.Result().Cookies()[0])
	return req
}

func sampleOrder() *model.Order {
	return &model.Order{
		ID:            7,
		Number:        "ORD-test",
		UserID:        1,
		Status:        model.OrderStatusPending,
		PaymentStatus: model.PaymentStatusPending,
		Subtotal:      49700,
		Tax:           8946,
		Total:         58646,
		PaymentMethod: "card",
		Items: []model.OrderItem{
			{TestID: "t1", Quantity: 1, Price: 9900, Total: 9900},
			{TestID: "t2", Quantity: 2, Price: 19900, Total: 39800},
		},
	}
}

func TestCheckout_Created(t *testing.T) {
	svc := &stubService{createResp: sampleOrder()}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(checkoutRequest{
		Items:         []checkoutItem{{TestID: "t1", Quantity: 1}, {TestID: "t2", Quantity: 2}},
		PaymentMethod: "card",
	})

	req := authedRequest(t, h, http.MethodPost, "/api/user/orders", body)
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var resp orderResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 58646 || len(resp.Items) != 2 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestCheckout_EmptyCart(t *testing.T) {
	svc := &stubService{createErr: repository.ErrEmptyCart}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(checkoutRequest{PaymentMethod: "card"})

	req := authedRequest(t, h, http.MethodPost, "/api/user/orders", body)
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}

	var resp errorResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Code != "EMPTY_CART" {
		t.Fatalf("code = %q, want EMPTY_CART", resp.Code)
	}
}

func TestCheckout_Unauthorized(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodPost, "/api/user/orders", bytes.NewReader(nil))
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusUnauthorized)
	}
}

func TestGetOrder_NotFound(t *testing.T) {
	svc := &stubService{getErr: repository.ErrOrderNotFound}
	h := newTestHandler(t, svc)

	req := authedRequest(t, h, http.MethodGet, "/api/user/orders/55", nil)
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusNotFound)
	}
}

func TestGetOrders_NoContent(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := authedRequest(t, h, http.MethodGet, "/api/user/orders", nil)
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusNoContent)
	}
}

func TestCancelOrder_CannotBeCancelled(t *testing.T) {
	svc := &stubService{cancelErr: service.ErrOrderCannotBeCancelled}
	h := newTestHandler(t, svc)

	req := authedRequest(t, h, http.MethodPost, "/api/user/orders/7/cancel", nil)
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}

	var resp errorResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Code != "ORDER_CANNOT_BE_CANCELLED" {
		t.Fatalf("code = %q, want ORDER_CANNOT_BE_CANCELLED", resp.Code)
	}
}

func TestCancelOrder_Conflict(t *testing.T) {
	svc := &stubService{cancelErr: repository.ErrStatusConflict}
	h := newTestHandler(t, svc)

	req := authedRequest(t, h, http.MethodPost, "/api/user/orders/7/cancel", nil)
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusConflict)
	}
}

func signWebhook(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestPaymentWebhook_OK(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(webhookRequest{OrderID: 7, PaymentID: "pay-1", Status: "paid"})

	req := httptest.NewRequest(http.MethodPost, "/api/payments/webhook", bytes.NewReader(body))
	req.Header.Set("X-Gateway-Signature", signWebhook(body))
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusOK)
	}
	if svc.webhookOrderID != 7 || svc.webhookPayID != "pay-1" || svc.webhookOutcome != service.PaymentOutcomePaid {
		t.Fatalf("webhook args not passed through: %+v", svc)
	}
}

func TestPaymentWebhook_BadSignature(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(webhookRequest{OrderID: 7, PaymentID: "pay-1", Status: "paid"})

	req := httptest.NewRequest(http.MethodPost, "/api/payments/webhook", bytes.NewReader(body))
	req.Header.Set("X-Gateway-Signature", "deadbeef")
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusUnauthorized)
	}
	if svc.webhookOrderID != 0 {
		t.Fatalf("service must not be called with bad signature")
	}
}

func TestPaymentWebhook_UnknownOutcome(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(webhookRequest{OrderID: 7, PaymentID: "pay-1", Status: "maybe"})

	req := httptest.NewRequest(http.MethodPost, "/api/payments/webhook", bytes.NewReader(body))
	req.Header.Set("X-Gateway-Signature", signWebhook(body))
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusBadRequest)
	}
}

func TestGetInvoice_PDF(t *testing.T) {
	svc := &stubService{invoiceResp: []byte("%PDF-1.7 fake")}
	h := newTestHandler(t, svc)

	req := authedRequest(t, h, http.MethodGet, "/api/user/orders/7/invoice", nil)
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/pdf" {
		t.Fatalf("content-type = %q, want application/pdf", ct)
	}
}

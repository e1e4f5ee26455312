// Package handler содержит HTTP-обработчики API движка заказов.
package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/examhub/order-engine/internal/gateway"
	"github.com/examhub/order-engine/internal/middleware"
	"github.com/examhub/order-engine/internal/model"
	"github.com/examhub/order-engine/internal/pricing"
	"github.com/examhub/order-engine/internal/repository"
	"github.com/examhub/order-engine/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateOrder(ctx context.Context, userID int64, items []pricing.CartItem, couponCode, paymentMethod, billingAddress string) (*model.Order, error)
	GetOrder(ctx context.Context, orderID, userID int64) (*model.Order, error)
	GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)
	OnPaymentConfirmed(ctx context.Context, orderID int64, paymentID string, outcome service.PaymentOutcome) error
	CancelOrder(ctx context.Context, orderID, userID int64) (*model.Order, error)
	CompleteOrder(ctx context.Context, orderID, userID int64) (*model.Order, error)
	RenderInvoice(ctx context.Context, orderID, userID int64) ([]byte, error)
}

// Handler реализует HTTP-обработчики API движка заказов.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	webhookSecret  []byte
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, webhookSecret string) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		webhookSecret:  []byte(webhookSecret),
	}
}

type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Code: code, Error: message})
}

type checkoutItem struct {
	TestID   string `json:"test_id"`
	Quantity int32  `json:"quantity"`
}

type checkoutRequest struct {
	Items          []checkoutItem `json:"items"`
	CouponCode     string         `json:"coupon_code,omitempty"`
	PaymentMethod  string         `json:"payment_method"`
	BillingAddress string         `json:"billing_address"`
}

type orderItemResponse struct {
	TestID   string `json:"test_id"`
	Quantity int32  `json:"quantity"`
	Price    int64  `json:"price"`
	Total    int64  `json:"total"`
}

type orderResponse struct {
	ID            int64               `json:"id"`
	Number        string              `json:"number"`
	Status        string              `json:"status"`
	PaymentStatus string              `json:"payment_status"`
	Subtotal      int64               `json:"subtotal"`
	Discount      int64               `json:"discount"`
	Tax           int64               `json:"tax"`
	Total         int64               `json:"total"`
	PaymentMethod string              `json:"payment_method"`
	Items         []orderItemResponse `json:"items,omitempty"`
	CreatedAt     string              `json:"created_at"`
}

func toOrderResponse(o *model.Order) orderResponse {
	resp := orderResponse{
		ID:            o.ID,
		Number:        o.Number,
		Status:        string(o.Status),
		PaymentStatus: string(o.PaymentStatus),
		Subtotal:      o.Subtotal,
		Discount:      o.Discount,
		Tax:           o.Tax,
		Total:         o.Total,
		PaymentMethod: o.PaymentMethod,
		CreatedAt:     o.CreatedAt.Format(time.RFC3339),
	}
	for _, item := range o.Items {
		resp.Items = append(resp.Items, orderItemResponse{
			TestID:   item.TestID,
			Quantity: item.Quantity,
			Price:    item.Price,
			Total:    item.Total,
		})
	}
	return resp
}

func writeOrder(w http.ResponseWriter, status int, o *model.Order) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(toOrderResponse(o))
}

// Checkout оформляет заказ из корзины текущего пользователя.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	items := make([]pricing.CartItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, pricing.CartItem{TestID: item.TestID, Quantity: item.Quantity})
	}

	order, err := h.service.CreateOrder(r.Context(), userID, items, req.CouponCode, req.PaymentMethod, req.BillingAddress)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrEmptyCart):
			writeError(w, http.StatusBadRequest, "EMPTY_CART", "cart is empty")
		case errors.Is(err, pricing.ErrInvalidCart):
			writeError(w, http.StatusBadRequest, "INVALID_CART", err.Error())
		default:
			h.logger.Error("checkout error", zap.Error(err), zap.Int64("userID", userID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeOrder(w, http.StatusCreated, order)
}

// GetOrder возвращает заказ текущего пользователя.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orderID, err := strconv.ParseInt(chi.URLParam(r, "orderID"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.GetOrder(r.Context(), orderID, userID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get order error", zap.Error(err), zap.Int64("orderID", orderID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeOrder(w, http.StatusOK, order)
}

// GetOrders возвращает список заказов текущего пользователя.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orders, err := h.service.GetOrdersByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("get orders error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, toOrderResponse(&orders[i]))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// CancelOrder отменяет заказ текущего пользователя.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orderID, err := strconv.ParseInt(chi.URLParam(r, "orderID"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.CancelOrder(r.Context(), orderID, userID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrOrderNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrOrderCannotBeCancelled), errors.Is(err, model.ErrInvalidTransition):
			writeError(w, http.StatusBadRequest, "ORDER_CANNOT_BE_CANCELLED", "order cannot be cancelled")
		case errors.Is(err, repository.ErrStatusConflict):
			writeError(w, http.StatusConflict, "ORDER_STATUS_CONFLICT", "order was modified concurrently, re-read and retry")
		case errors.Is(err, gateway.ErrRefundFailed):
			writeError(w, http.StatusPaymentRequired, "REFUND_FAILED", "refund failed, order left unchanged")
		default:
			h.logger.Error("cancel order error", zap.Error(err), zap.Int64("orderID", orderID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeOrder(w, http.StatusOK, order)
}

// CompleteOrder переводит заказ текущего пользователя в статус completed.
func (h *Handler) CompleteOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orderID, err := strconv.ParseInt(chi.URLParam(r, "orderID"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.CompleteOrder(r.Context(), orderID, userID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrOrderNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, model.ErrInvalidTransition), errors.Is(err, repository.ErrStatusConflict):
			writeError(w, http.StatusConflict, "ORDER_STATUS_CONFLICT", err.Error())
		default:
			h.logger.Error("complete order error", zap.Error(err), zap.Int64("orderID", orderID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeOrder(w, http.StatusOK, order)
}

// GetInvoice возвращает PDF-счёт по заказу текущего пользователя.
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orderID, err := strconv.ParseInt(chi.URLParam(r, "orderID"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	pdf, err := h.service.RenderInvoice(r.Context(), orderID, userID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("render invoice error", zap.Error(err), zap.Int64("orderID", orderID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pdf)
}

type webhookRequest struct {
	OrderID   int64  `json:"order_id"`
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
}

// PaymentWebhook принимает колбэк платёжного шлюза об исходе оплаты.
// Тело запроса подписано HMAC-SHA256 общим с шлюзом секретом.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if len(h.webhookSecret) > 0 && !h.verifySignature(body, r.Header.Get("X-Gateway-Signature")) {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req webhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	outcome := service.PaymentOutcome(req.Status)
	if outcome != service.PaymentOutcomePaid && outcome != service.PaymentOutcomeFailed {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.OnPaymentConfirmed(r.Context(), req.OrderID, req.PaymentID, outcome); err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("payment webhook error", zap.Error(err), zap.Int64("orderID", req.OrderID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Handler) verifySignature(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, h.webhookSecret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}

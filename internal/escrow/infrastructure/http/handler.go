package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	auditdomain "github.com/zemipay/zemi-escrow/internal/audit/domain"
	"github.com/zemipay/zemi-escrow/internal/escrow/application"
	"github.com/zemipay/zemi-escrow/internal/escrow/domain"
	"github.com/zemipay/zemi-escrow/internal/provider/mpesa"
)

// EscrowService is the orchestrator surface the handlers need.
type EscrowService interface {
	CreateOrder(ctx context.Context, in application.CreateOrderInput) (*application.CreateOrderResult, error)
	ConfirmPayment(ctx context.Context, in application.ConfirmPaymentInput) (*domain.Order, error)
	ConfirmDelivery(ctx context.Context, orderReference, deliveryCode string) (*application.ConfirmDeliveryResult, error)
	GetOrder(ctx context.Context, reference string) (*application.MaskedOrder, error)
	HandleDisbursementResult(ctx context.Context, providerRef, transactionID string, ok bool, reason string) error
}

// WebhookRecorder is the ingress audit log. Failures here are reported
// but never block a money-state transition.
type WebhookRecorder interface {
	Record(ctx context.Context, webhookType string, payload json.RawMessage, headers map[string]string) (*auditdomain.LogEntry, error)
	MarkProcessed(ctx context.Context, id uuid.UUID, transactionID, processingError *string) error
}

// CollectionInitiator starts a provider collection; kept outside any
// storage transaction.
type CollectionInitiator interface {
	STKPush(ctx context.Context, in mpesa.STKPushRequest) (*mpesa.STKPushResponse, error)
}

// SeenStore deduplicates provider callbacks, best-effort.
type SeenStore interface {
	WebhookKey(webhookType, providerID string) string
	Seen(ctx context.Context, key string) (bool, error)
}

type Handler struct {
	log       *slog.Logger
	service   EscrowService
	audit     WebhookRecorder
	collector CollectionInitiator
	seen      SeenStore
	limiter   *rate.Limiter
	tracer    trace.Tracer
}

func NewHandler(log *slog.Logger, service EscrowService, audit WebhookRecorder, collector CollectionInitiator, seen SeenStore) *Handler {
	return &Handler{
		log:       log,
		service:   service,
		audit:     audit,
		collector: collector,
		seen:      seen,
		limiter:   rate.NewLimiter(rate.Limit(10), 20),
		tracer:    otel.Tracer("escrow-http"),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/orders", h.createOrder)
	r.Get("/orders/{reference}", h.getOrder)
	r.Post("/orders/confirm-delivery", h.confirmDelivery)
	r.Post("/payments/mpesa/stk-push", h.stkPush)
	r.Post("/webhooks/payment", h.paymentWebhook)
	r.Post("/webhooks/mpesa", h.mpesaCallback)
	r.Post("/webhooks/mpesa/b2c-result", h.b2cResult)
	r.Get("/health", h.health)

	return r
}

type createOrderReq struct {
	BuyerPhone         string          `json:"buyer_phone"`
	SellerPhone        string          `json:"seller_phone"`
	Amount             decimal.Decimal `json:"amount"`
	ProductDescription string          `json:"product_description"`
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CreateOrder")
	defer span.End()

	var req createOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.service.CreateOrder(ctx, application.CreateOrderInput{
		BuyerPhone:         req.BuyerPhone,
		SellerPhone:        req.SellerPhone,
		Amount:             req.Amount,
		ProductDescription: req.ProductDescription,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"order_reference": result.Order.Reference,
		"amount":          result.Order.Amount,
		"status":          result.Order.Status,
		"delivery_code":   result.DeliveryCode,
		"created_at":      result.Order.CreatedAt,
		"message":         "Order created successfully. Keep your delivery code safe!",
	})
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "GetOrder")
	defer span.End()

	order, err := h.service.GetOrder(ctx, chi.URLParam(r, "reference"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

type confirmDeliveryReq struct {
	OrderReference string `json:"order_reference"`
	DeliveryCode   string `json:"delivery_code"`
}

func (h *Handler) confirmDelivery(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ConfirmDelivery")
	defer span.End()

	var req confirmDeliveryReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.service.ConfirmDelivery(ctx, req.OrderReference, req.DeliveryCode)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"order_reference":  result.Order.Reference,
		"status":           result.Order.Status,
		"completed_at":     result.Order.CompletedAt,
		"payout_initiated": true,
		"message":          "Delivery confirmed. Payment is being released to seller.",
	})
}

type paymentWebhookReq struct {
	OrderReference string               `json:"order_reference"`
	TransactionID  string               `json:"transaction_id"`
	Amount         decimal.Decimal      `json:"amount"`
	PaymentMethod  domain.PaymentMethod `json:"payment_method"`
	PayerPhone     string               `json:"payer_phone"`
	Metadata       map[string]any       `json:"metadata"`
}

func (h *Handler) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "PaymentWebhook")
	defer span.End()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	entry := h.record(ctx, auditdomain.TypePaymentWebhook, body, r.Header)

	var req paymentWebhookReq
	if err := json.Unmarshal(body, &req); err != nil {
		h.markProcessed(ctx, entry, nil, strPtr("invalid payload"))
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = domain.MethodMpesa
	}

	order, err := h.service.ConfirmPayment(ctx, application.ConfirmPaymentInput{
		OrderReference: req.OrderReference,
		TransactionID:  req.TransactionID,
		Amount:         req.Amount,
		Method:         req.PaymentMethod,
		PayerPhone:     req.PayerPhone,
		Metadata:       req.Metadata,
	})
	if err != nil {
		h.markProcessed(ctx, entry, nil, strPtr(err.Error()))
		h.writeDomainError(w, err)
		return
	}

	h.markProcessed(ctx, entry, &req.TransactionID, nil)
	writeJSON(w, http.StatusOK, map[string]any{
		"order_reference": order.Reference,
		"transaction_id":  req.TransactionID,
		"status":          order.Status,
		"paid_at":         order.PaidAt,
	})
}

type stkPushReq struct {
	PhoneNumber      string          `json:"phone_number"`
	Amount           decimal.Decimal `json:"amount"`
	AccountReference string          `json:"account_reference"`
	TransactionDesc  string          `json:"transaction_desc"`
}

func (h *Handler) stkPush(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "STKPush")
	defer span.End()

	if !h.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "too many payment initiations, retry shortly")
		return
	}

	var req stkPushReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	phone, err := domain.NormalizePhone(req.PhoneNumber)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if !req.Amount.IsPositive() {
		h.writeDomainError(w, domain.ErrInvalidAmount)
		return
	}
	if req.TransactionDesc == "" {
		req.TransactionDesc = "Payment"
	}

	resp, err := h.collector.STKPush(ctx, mpesa.STKPushRequest{
		PhoneNumber:      phone,
		Amount:           req.Amount,
		AccountReference: req.AccountReference,
		TransactionDesc:  req.TransactionDesc,
	})
	if err != nil {
		h.log.Error("stk push failed", "reference", req.AccountReference, "err", err)
		writeError(w, http.StatusBadGateway, "payment initiation failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"merchant_request_id":  resp.MerchantRequestID,
		"checkout_request_id":  resp.CheckoutRequestID,
		"response_code":        resp.ResponseCode,
		"response_description": resp.ResponseDescription,
		"customer_message":     resp.CustomerMessage,
	})
}

// mpesaCallback receives STK push results from Daraja. The raw payload is
// logged before any parsing; correlation to a transaction id is
// best-effort and never drives confirmPayment here.
func (h *Handler) mpesaCallback(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "MpesaCallback")
	defer span.End()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeProviderAck(w, 1, "Failed")
		return
	}

	entry := h.record(ctx, auditdomain.TypeMpesaSTK, body, r.Header)

	var envelope mpesa.STKCallbackEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		h.markProcessed(ctx, entry, nil, strPtr("malformed callback payload"))
		writeProviderAck(w, 0, "Success")
		return
	}
	callback := envelope.Body.StkCallback

	if h.seenBefore(ctx, auditdomain.TypeMpesaSTK, callback.CheckoutRequestID) {
		writeProviderAck(w, 0, "Success")
		return
	}

	if callback.Succeeded() {
		receipt := callback.ReceiptNumber()
		h.markProcessed(ctx, entry, strPtr(receipt), nil)
		h.log.Info("mpesa payment successful", "receipt", receipt,
			"checkout_request_id", callback.CheckoutRequestID)
	} else {
		h.markProcessed(ctx, entry, nil, strPtr(callback.ResultDesc))
		h.log.Warn("mpesa payment failed", "result_desc", callback.ResultDesc,
			"checkout_request_id", callback.CheckoutRequestID)
	}

	writeProviderAck(w, 0, "Success")
}

// b2cResult receives the async outcome of a disbursement and applies it
// to the matching payout.
func (h *Handler) b2cResult(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "B2CResult")
	defer span.End()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeProviderAck(w, 1, "Failed")
		return
	}

	entry := h.record(ctx, auditdomain.TypeMpesaB2CResult, body, r.Header)

	var envelope mpesa.B2CResultEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		h.markProcessed(ctx, entry, nil, strPtr("malformed result payload"))
		writeProviderAck(w, 0, "Success")
		return
	}
	result := envelope.Result

	if h.seenBefore(ctx, auditdomain.TypeMpesaB2CResult, result.ConversationID) {
		writeProviderAck(w, 0, "Success")
		return
	}

	err = h.service.HandleDisbursementResult(ctx,
		result.ConversationID, result.TransactionID, result.Succeeded(), result.ResultDesc)
	if err != nil {
		h.log.Error("disbursement result handling failed",
			"conversation_id", result.ConversationID, "err", err)
		h.markProcessed(ctx, entry, nil, strPtr(err.Error()))
		writeProviderAck(w, 0, "Success")
		return
	}

	h.markProcessed(ctx, entry, strPtr(result.TransactionID), nil)
	writeProviderAck(w, 0, "Success")
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) record(ctx context.Context, webhookType string, body []byte, header http.Header) *auditdomain.LogEntry {
	headers := make(map[string]string, len(header))
	for k := range header {
		headers[k] = header.Get(k)
	}
	entry, err := h.audit.Record(ctx, webhookType, body, headers)
	if err != nil {
		// Audit trail is best-effort; the money path continues.
		h.log.Error("webhook audit record failed", "type", webhookType, "err", err)
		return nil
	}
	return entry
}

func (h *Handler) markProcessed(ctx context.Context, entry *auditdomain.LogEntry, transactionID, processingError *string) {
	if entry == nil {
		return
	}
	_ = h.audit.MarkProcessed(ctx, entry.ID, transactionID, processingError)
}

func (h *Handler) seenBefore(ctx context.Context, webhookType, providerID string) bool {
	if h.seen == nil || providerID == "" {
		return false
	}
	seen, err := h.seen.Seen(ctx, h.seen.WebhookKey(webhookType, providerID))
	if err != nil {
		h.log.Error("webhook dedupe check failed", "err", err)
		return false
	}
	if seen {
		h.log.Info("duplicate webhook skipped", "type", webhookType, "provider_id", providerID)
	}
	return seen
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, statusForError(err), err.Error())
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, domain.ErrPayoutNotFound),
		errors.Is(err, domain.ErrNoCompletedPayment):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrDuplicateTransactionID),
		errors.Is(err, domain.ErrDuplicateReference),
		errors.Is(err, domain.ErrAmountMismatch):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidPhoneFormat),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrAmountLimitExceeded),
		errors.Is(err, domain.ErrInvalidDescription),
		errors.Is(err, domain.ErrInvalidPaymentMethod),
		errors.Is(err, domain.ErrMissingTransactionID),
		errors.Is(err, domain.ErrInvalidDeliveryCodeFormat),
		errors.Is(err, domain.ErrInvalidDeliveryCode):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrLockTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type successEnvelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

type errorEnvelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(successEnvelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Success: false, Error: msg})
}

// writeProviderAck answers in the shape Daraja expects.
func writeProviderAck(w http.ResponseWriter, code int, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"ResultCode": code, "ResultDesc": desc})
}

func strPtr(s string) *string { return &s }

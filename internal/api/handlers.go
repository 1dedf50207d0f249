/**
 * @description
 * This file contains the HTTP handlers for the escrow-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain: For service logic and domain models.
 */

package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cotafacil/escrow-service/internal/app"
	"github.com/cotafacil/escrow-service/internal/domain"
)

// webhookTokenHeader carries the shared secret the payment network sends with
// every delivery.
const webhookTokenHeader = "X-Webhook-Token"

// maxWebhookBodyBytes bounds how much of a delivery body is read.
const maxWebhookBodyBytes = 1 << 20

// EscrowHandlers holds the application service that handlers will use.
type EscrowHandlers struct {
	service                   *app.Service
	limiter                   *app.RedisRateLimiter
	webhookLimitPerMinute     int
	paymentCodeLimitPerMinute int
}

// NewEscrowHandlers creates a new instance of EscrowHandlers. limiter may be
// nil, which disables rate limiting.
func NewEscrowHandlers(service *app.Service, limiter *app.RedisRateLimiter, webhookLimit, paymentCodeLimit int) *EscrowHandlers {
	return &EscrowHandlers{
		service:                   service,
		limiter:                   limiter,
		webhookLimitPerMinute:     webhookLimit,
		paymentCodeLimitPerMinute: paymentCodeLimit,
	}
}

// TransferWebhookHandler handles the payment network's pre-execution webhook.
// The engine decides everything; the handler only moves bytes.
func (h *EscrowHandlers) TransferWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if !h.enforceRateLimit(w, r, app.RateLimitScopeWebhook, h.webhookLimitPerMinute) {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		log.Printf("level=warn component=api msg=\"failed to read webhook body\" err=%v", err)
		h.writeError(w, http.StatusBadRequest, "Could not read request body")
		return
	}

	decision := h.service.AuthorizeTransfer(r.Context(), r.Header.Get(webhookTokenHeader), body)
	h.writeJSON(w, decision.HTTPStatus, decision)
}

// paymentCodeRequest is the wire shape for code generation.
type paymentCodeRequest struct {
	PixKey        string `json:"pix_key"`
	Amount        string `json:"amount"`
	RecipientName string `json:"recipient_name"`
	Description   string `json:"description,omitempty"`
}

// CreatePaymentCodeHandler generates a PIX copy-and-paste code.
func (h *EscrowHandlers) CreatePaymentCodeHandler(w http.ResponseWriter, r *http.Request) {
	if !h.enforceRateLimit(w, r, app.RateLimitScopePaymentCode, h.paymentCodeLimitPerMinute) {
		return
	}

	var req paymentCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.PixKey) == "" {
		h.writeError(w, http.StatusBadRequest, "pix_key is required")
		return
	}
	if strings.TrimSpace(req.RecipientName) == "" {
		h.writeError(w, http.StatusBadRequest, "recipient_name is required")
		return
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid amount")
		return
	}
	if !amount.IsPositive() {
		h.writeError(w, http.StatusBadRequest, "Amount must be positive")
		return
	}

	result := h.service.GeneratePaymentCode(app.PaymentCodeRequest{
		PixKey:        req.PixKey,
		Amount:        amount,
		RecipientName: req.RecipientName,
		Description:   req.Description,
	})
	h.writeJSON(w, http.StatusCreated, result)
}

// ClassifyKeyHandler classifies and formats a raw PIX key without generating
// a payload. Used by frontends for live validation feedback.
func (h *EscrowHandlers) ClassifyKeyHandler(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "key")
	if strings.TrimSpace(raw) == "" {
		h.writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	formatted, keyType := h.service.ClassifyPixKey(raw)
	h.writeJSON(w, http.StatusOK, map[string]string{
		"key":      formatted,
		"key_type": keyType,
	})
}

// ListReviewsHandler returns the manual review queue.
func (h *EscrowHandlers) ListReviewsHandler(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = parsed
	}

	items, err := h.service.ListPendingReviews(r.Context(), limit)
	if err != nil {
		log.Printf("level=error component=api msg=\"failed to list review queue\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Could not list pending reviews")
		return
	}
	if items == nil {
		items = []domain.ReviewItem{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"items": items, "count": len(items)})
}

// reviewNoteRequest is the optional wire body for an operator decision.
type reviewNoteRequest struct {
	Note string `json:"note,omitempty"`
}

// ApproveReviewHandler releases one deferred transfer after manual review.
func (h *EscrowHandlers) ApproveReviewHandler(w http.ResponseWriter, r *http.Request) {
	h.resolveReview(w, r, true)
}

// RejectReviewHandler fails one deferred transfer after manual review.
func (h *EscrowHandlers) RejectReviewHandler(w http.ResponseWriter, r *http.Request) {
	h.resolveReview(w, r, false)
}

// resolveReview applies an operator decision to the record named by the URL.
// The verdict comes from the route, the record kind and id from the path
// parameters, and an optional note from the body.
func (h *EscrowHandlers) resolveReview(w http.ResponseWriter, r *http.Request, approve bool) {
	reviewer, ok := GetAdminSubject(r.Context())
	if !ok || reviewer == "" {
		h.writeError(w, http.StatusInternalServerError, "Could not get reviewer from context")
		return
	}

	kind := domain.RecordKind(chi.URLParam(r, "kind"))
	if kind != domain.KindSupplierTransfer && kind != domain.KindEscrowPayment {
		h.writeError(w, http.StatusBadRequest, "kind must be supplier_transfer or escrow_payment")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid review item id")
		return
	}

	var req reviewNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	err = h.service.ResolveReview(r.Context(), app.ReviewResolution{
		Kind:     kind,
		ID:       id,
		Approve:  approve,
		Reviewer: reviewer,
		Note:     req.Note,
	})
	if err != nil {
		switch {
		case errors.Is(err, app.ErrReviewNotFound):
			h.writeError(w, http.StatusNotFound, "Review item not found")
		case errors.Is(err, app.ErrReviewNotPending):
			h.writeError(w, http.StatusConflict, "Record is no longer awaiting review")
		case errors.Is(err, app.ErrUnknownRecordKind):
			h.writeError(w, http.StatusBadRequest, "Unknown record kind")
		default:
			log.Printf("level=error component=api msg=\"failed to resolve review\" review_id=%s err=%v", id, err)
			h.writeError(w, http.StatusInternalServerError, "Could not resolve review")
		}
		return
	}

	status := "rejected"
	if approve {
		status = "approved"
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

// enforceRateLimit consumes one hit for the caller and answers 429 when the
// limit is exceeded. A limiter failure fails open: availability of the
// endpoints matters more than strict limiting.
func (h *EscrowHandlers) enforceRateLimit(w http.ResponseWriter, r *http.Request, scope string, limit int) bool {
	allowed, retryAfter, err := h.limiter.Allow(r.Context(), scope, clientIP(r), limit)
	if err != nil {
		log.Printf("level=warn component=api msg=\"rate limiter unavailable; allowing request\" scope=%s err=%v", scope, err)
		return true
	}
	if !allowed {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		h.writeError(w, http.StatusTooManyRequests, "Too many requests")
		return false
	}
	return true
}

// clientIP extracts the caller's address, honoring the first hop recorded by
// a reverse proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeJSON is a helper for writing JSON responses.
func (h *EscrowHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *EscrowHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

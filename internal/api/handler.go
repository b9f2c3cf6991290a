package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nudgeworks/nudge/internal/db"
	"github.com/nudgeworks/nudge/internal/metrics"
	"github.com/nudgeworks/nudge/internal/recurrence"
	"github.com/nudgeworks/nudge/internal/redis"
	"github.com/nudgeworks/nudge/internal/verify"
)

// ReminderRepository defines the interface for reminder database operations
type ReminderRepository interface {
	CreateReminder(ctx context.Context, rem *db.Reminder) error
	GetReminder(ctx context.Context, id uuid.UUID) (*db.Reminder, error)
	ListReminders(ctx context.Context, status string, limit, offset int) ([]*db.Reminder, error)
	DeleteReminder(ctx context.Context, id uuid.UUID) error
	PhoneByNumber(ctx context.Context, e164 string) (*db.PhoneNumber, error)
}

// Verifier drives the phone verification flow.
type Verifier interface {
	IssueCode(ctx context.Context, phone string) (string, error)
	Confirm(ctx context.Context, phone, code string) error
	Unlink(ctx context.Context, phone string) error
}

// ReminderRequest represents the incoming request body
type ReminderRequest struct {
	Phone       string           `json:"phone"`
	Body        string           `json:"body"`
	ScheduledAt time.Time        `json:"scheduled_at"`
	Recurring   bool             `json:"recurring"`
	Rule        *recurrence.Rule `json:"rule,omitempty"`
}

// ReminderResponse is returned after creating a reminder
type ReminderResponse struct {
	ID string `json:"id"`
}

// VerificationRequest starts or confirms a verification cycle
type VerificationRequest struct {
	Phone string `json:"phone"`
	Code  string `json:"code,omitempty"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	repo        ReminderRepository
	verifier    Verifier
	idempotency *redis.IdempotencyService // nil if Redis not configured
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, repo ReminderRepository, verifier Verifier) *Handler {
	return &Handler{
		logger:   logger,
		repo:     repo,
		verifier: verifier,
	}
}

// WithIdempotency enables Idempotency-Key support on reminder creation.
func (h *Handler) WithIdempotency(idempotency *redis.IdempotencyService) *Handler {
	h.idempotency = idempotency
	return h
}

// CreateReminder handles POST /v1/reminders
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreateReminder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req ReminderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	// Validate required fields
	if req.Phone == "" || req.Body == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "phone and body are required")
		return
	}
	if req.ScheduledAt.IsZero() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing scheduled_at", "scheduled_at must be an RFC 3339 timestamp")
		return
	}

	// A recurring reminder needs a valid rule; a one-shot must not carry one.
	if req.Recurring {
		if req.Rule == nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing rule", "recurring reminders require a rule")
			return
		}
		if err := req.Rule.Validate(); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid rule", err.Error())
			return
		}
	} else if req.Rule != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unexpected rule", "rule is only valid on recurring reminders")
		return
	}

	// Check idempotency if key provided
	if idempotencyKey != "" && h.idempotency != nil {
		cachedResult, err := h.idempotency.CheckOrReserve(ctx, idempotencyKey)

		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cachedResult != nil {
			metrics.RecordIdempotencyHit()
			resp := ReminderResponse{ID: cachedResult.ReminderID}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cachedResult.StatusCode)
			_ = json.NewEncoder(w).Encode(resp)
			return
		}
	}

	// The recipient must be linked and verified before anything can be
	// scheduled at it.
	phone, err := h.repo.PhoneByNumber(ctx, req.Phone)
	if errors.Is(err, db.ErrPhoneNotFound) {
		h.writeError(w, http.StatusNotFound, "phone_not_found", "Phone number not linked",
			"Verify the phone number before scheduling reminders to it")
		return
	}
	if err != nil {
		h.logger.Error("failed to resolve phone", zap.Error(err), zap.String("phone", req.Phone))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to resolve phone number", "")
		return
	}
	if !phone.Verified {
		h.writeError(w, http.StatusConflict, "phone_unverified", "Phone number not verified",
			"Complete verification before scheduling reminders to this number")
		return
	}

	rem := &db.Reminder{
		ID:          uuid.New(),
		PhoneID:     phone.ID,
		Body:        req.Body,
		ScheduledAt: req.ScheduledAt,
		Recurring:   req.Recurring,
		Rule:        req.Rule,
		Status:      db.StatusPending,
	}

	if err := h.repo.CreateReminder(ctx, rem); err != nil {
		h.logger.Error("failed to create reminder",
			zap.Error(err),
			zap.String("phone", req.Phone),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create reminder", "")
		return
	}

	h.logger.Info("reminder created",
		zap.String("id", rem.ID.String()),
		zap.Time("scheduled_at", rem.ScheduledAt),
		zap.Bool("recurring", rem.Recurring),
	)

	// Store idempotency result
	if idempotencyKey != "" && h.idempotency != nil {
		result := &redis.IdempotencyResult{
			ReminderID: rem.ID.String(),
			StatusCode: http.StatusCreated,
		}
		if err := h.idempotency.Store(ctx, idempotencyKey, result); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(ReminderResponse{ID: rem.ID.String()})
}

// GetReminder handles GET /v1/reminders/{id}
func (h *Handler) GetReminder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	remID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid reminder ID", "ID must be a valid UUID")
		return
	}

	rem, err := h.repo.GetReminder(ctx, remID)
	if errors.Is(err, db.ErrReminderNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Reminder not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to get reminder",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get reminder", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(rem)
}

// ListReminders handles GET /v1/reminders?status=pending&limit=20&offset=0
func (h *Handler) ListReminders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := r.URL.Query().Get("status")
	switch status {
	case "", db.StatusPending, db.StatusSent, db.StatusFailed:
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status",
			"status must be one of: pending, sent, failed")
		return
	}

	// Parse pagination parameters with defaults
	limit := 20
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	reminders, err := h.repo.ListReminders(ctx, status, limit, offset)
	if err != nil {
		h.logger.Error("failed to list reminders", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list reminders", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":   reminders,
		"limit":  limit,
		"offset": offset,
		"count":  len(reminders),
	})
}

// DeleteReminder handles DELETE /v1/reminders/{id}
func (h *Handler) DeleteReminder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	remID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid reminder ID", "ID must be a valid UUID")
		return
	}

	if err := h.repo.DeleteReminder(ctx, remID); err != nil {
		if errors.Is(err, db.ErrReminderNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Reminder not found",
				"Only pending reminders can be cancelled")
			return
		}
		h.logger.Error("failed to delete reminder",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to delete reminder", "")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// CreateVerification handles POST /v1/verifications
// The code travels out-of-band over SMS and is never echoed in the response.
func (h *Handler) CreateVerification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req VerificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	_, err := h.verifier.IssueCode(ctx, req.Phone)
	switch {
	case err == nil:
	case errors.Is(err, verify.ErrInvalidPhoneNumber):
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid phone number",
			"phone must be in E.164 format, e.g. +15551234567")
		return
	case errors.Is(err, verify.ErrAlreadyVerified):
		h.writeError(w, http.StatusConflict, "already_verified", "Phone number already verified", "")
		return
	case errors.Is(err, verify.ErrResendThrottled):
		h.writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Too many codes requested",
			"Wait before requesting another verification code")
		return
	default:
		h.logger.Error("failed to issue verification code",
			zap.Error(err),
			zap.String("phone", req.Phone),
		)
		h.writeError(w, http.StatusBadGateway, "send_failed", "Failed to send verification code", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"phone":  req.Phone,
		"status": "code_sent",
	})
}

// ConfirmVerification handles POST /v1/verifications/confirm
func (h *Handler) ConfirmVerification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req VerificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Phone == "" || req.Code == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "phone and code are required")
		return
	}

	err := h.verifier.Confirm(ctx, req.Phone, req.Code)
	switch {
	case err == nil:
	case errors.Is(err, verify.ErrNoPendingCode):
		h.writeError(w, http.StatusNotFound, "no_pending_code", "No verification pending",
			"Request a verification code for this phone first")
		return
	case errors.Is(err, verify.ErrCodeExpired):
		h.writeError(w, http.StatusGone, "code_expired", "Verification code expired",
			"Request a new verification code")
		return
	case errors.Is(err, verify.ErrCodeInvalid):
		h.writeError(w, http.StatusUnprocessableEntity, "code_invalid", "Verification code does not match", "")
		return
	default:
		h.logger.Error("failed to confirm verification",
			zap.Error(err),
			zap.String("phone", req.Phone),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to confirm verification", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"phone":    req.Phone,
		"verified": true,
	})
}

// DeleteVerification handles DELETE /v1/verifications/{phone}
func (h *Handler) DeleteVerification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// The + in E.164 numbers arrives percent-encoded.
	phone, err := url.PathUnescape(chi.URLParam(r, "phone"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid phone number", err.Error())
		return
	}

	if err := h.verifier.Unlink(ctx, phone); err != nil {
		if errors.Is(err, db.ErrPhoneNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Phone number not linked", "")
			return
		}
		h.logger.Error("failed to unlink phone",
			zap.Error(err),
			zap.String("phone", phone),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to unlink phone number", "")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

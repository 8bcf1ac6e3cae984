// Package handler содержит HTTP-обработчики API платёжного ядра coursepay.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/coursepay-system/internal/coupon"
	"github.com/mmeshcher/coursepay-system/internal/middleware"
	"github.com/mmeshcher/coursepay-system/internal/model"
	"github.com/mmeshcher/coursepay-system/internal/processor"
	"github.com/mmeshcher/coursepay-system/internal/repository"
	"github.com/mmeshcher/coursepay-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (*model.User, error)
	ValidateCoupon(ctx context.Context, code string, courseID, userID int64, now time.Time) (*model.Coupon, model.CouponReason, error)
	CalculateDiscount(ctx context.Context, code string, courseID, userID, originalCents int64) (*coupon.Discount, error)
	EnrollWithPayment(ctx context.Context, userID, courseID int64, couponCode, paymentReference string) (*service.EnrollmentSummary, error)
	Donate(ctx context.Context, userID, amountCents int64, paymentReference string) (*service.DonationSummary, error)
	GetRewards(ctx context.Context, userID int64) (*model.RewardSummary, error)
	CreateCoupon(ctx context.Context, c *model.Coupon) (int64, error)
	DeactivateCoupon(ctx context.Context, code string) error
	CancelPayment(ctx context.Context, userID, paymentID int64) error
	RefundPayment(ctx context.Context, paymentID int64) error
	ProcessWebhook(ctx context.Context, payload []byte, signature string) error
}

// Handler реализует HTTP-обработчики API платёжного ядра.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID, model.RoleUser)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	user, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) || errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, user.ID, user.Role)
	w.WriteHeader(http.StatusOK)
}

type validateCouponRequest struct {
	Code     string `json:"code"`
	CourseID int64  `json:"course_id"`
}

type couponInfo struct {
	Code          string  `json:"code"`
	DiscountType  string  `json:"discount_type"`
	DiscountValue float64 `json:"discount_value"`
}

type validateCouponResponse struct {
	Valid  bool        `json:"valid"`
	Reason string      `json:"reason,omitempty"`
	Coupon *couponInfo `json:"coupon,omitempty"`
}

// ValidateCoupon проверяет применимость промокода без побочных эффектов.
// Отказ возвращается со статусом 200: это справочный запрос, а не операция.
func (h *Handler) ValidateCoupon(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req validateCouponRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	c, reason, err := h.service.ValidateCoupon(r.Context(), req.Code, req.CourseID, userID, time.Now().UTC())
	if err != nil {
		h.logger.Error("validate coupon error", zap.Error(err), zap.String("code", req.Code))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := validateCouponResponse{Valid: reason == "", Reason: string(reason)}
	if c != nil {
		resp.Coupon = &couponInfo{
			Code:          c.Code,
			DiscountType:  string(c.DiscountType),
			DiscountValue: couponValueMajor(c),
		}
	}

	writeJSON(w, h.logger, http.StatusOK, resp)
}

// couponValueMajor переводит значение скидки во внешнее представление:
// проценты отдаются как есть, фиксированная сумма — в мажорных единицах.
func couponValueMajor(c *model.Coupon) float64 {
	if c.DiscountType == model.DiscountFixed {
		return model.ToMajor(c.DiscountValue)
	}
	return float64(c.DiscountValue)
}

type discountRequest struct {
	Code     string  `json:"code"`
	CourseID int64   `json:"course_id"`
	Amount   float64 `json:"amount"`
}

type discountResponse struct {
	OriginalAmount float64 `json:"original_amount"`
	DiscountAmount float64 `json:"discount_amount"`
	FinalAmount    float64 `json:"final_amount"`
}

// CalculateDiscount считает скидку промокода для указанной суммы.
func (h *Handler) CalculateDiscount(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req discountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Amount <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	originalCents := model.ToCents(req.Amount)

	d, err := h.service.CalculateDiscount(r.Context(), req.Code, req.CourseID, userID, originalCents)
	if err != nil {
		h.writeDomainError(w, err, "calculate discount")
		return
	}

	writeJSON(w, h.logger, http.StatusOK, discountResponse{
		OriginalAmount: model.ToMajor(originalCents),
		DiscountAmount: model.ToMajor(d.DiscountCents),
		FinalAmount:    model.ToMajor(d.FinalCents),
	})
}

type enrollRequest struct {
	CourseID         int64  `json:"course_id"`
	CouponCode       string `json:"coupon_code,omitempty"`
	PaymentReference string `json:"payment_reference,omitempty"`
}

type enrollResponse struct {
	EnrollmentID   int64   `json:"enrollment_id"`
	PaymentID      int64   `json:"payment_id"`
	OriginalAmount float64 `json:"original_amount"`
	DiscountAmount float64 `json:"discount_amount"`
	FinalAmount    float64 `json:"final_amount"`
	Method         string  `json:"method"`
}

// Enroll записывает текущего пользователя на курс.
func (h *Handler) Enroll(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req enrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.CourseID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	sum, err := h.service.EnrollWithPayment(r.Context(), userID, req.CourseID, req.CouponCode, req.PaymentReference)
	if err != nil {
		h.writeDomainError(w, err, "enroll")
		return
	}

	writeJSON(w, h.logger, http.StatusOK, enrollResponse{
		EnrollmentID:   sum.EnrollmentID,
		PaymentID:      sum.PaymentID,
		OriginalAmount: model.ToMajor(sum.OriginalCents),
		DiscountAmount: model.ToMajor(sum.DiscountCents),
		FinalAmount:    model.ToMajor(sum.FinalCents),
		Method:         string(sum.Method),
	})
}

type donationRequest struct {
	Amount           float64 `json:"amount"`
	PaymentReference string  `json:"payment_reference,omitempty"`
}

type donationResponse struct {
	DonationID int64   `json:"donation_id"`
	PaymentID  int64   `json:"payment_id"`
	Amount     float64 `json:"amount"`
	Status     string  `json:"status"`
}

// Donate оформляет пожертвование текущего пользователя.
func (h *Handler) Donate(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req donationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	sum, err := h.service.Donate(r.Context(), userID, model.ToCents(req.Amount), req.PaymentReference)
	if err != nil {
		h.writeDomainError(w, err, "donate")
		return
	}

	writeJSON(w, h.logger, http.StatusOK, donationResponse{
		DonationID: sum.DonationID,
		PaymentID:  sum.PaymentID,
		Amount:     model.ToMajor(sum.AmountCents),
		Status:     string(sum.Status),
	})
}

// CancelDonation отменяет незавершённый платёж пожертвования текущего пользователя.
func (h *Handler) CancelDonation(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	paymentID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || paymentID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.CancelPayment(r.Context(), userID, paymentID); err != nil {
		h.writeDomainError(w, err, "cancel payment")
		return
	}

	w.WriteHeader(http.StatusOK)
}

// GetRewards возвращает накопленные показатели текущего пользователя.
func (h *Handler) GetRewards(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	rewards, err := h.service.GetRewards(r.Context(), userID)
	if err != nil {
		h.logger.Error("get rewards error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, h.logger, http.StatusOK, rewards)
}

type createCouponRequest struct {
	Code              string  `json:"code"`
	DiscountType      string  `json:"discount_type"`
	DiscountValue     float64 `json:"discount_value"`
	MaxUses           *int64  `json:"max_uses,omitempty"`
	ApplicableCourses []int64 `json:"applicable_courses,omitempty"`
	MinimumOrder      float64 `json:"minimum_order,omitempty"`
	StartsAt          *string `json:"starts_at,omitempty"`
	ExpiresAt         *string `json:"expires_at,omitempty"`
}

type createCouponResponse struct {
	ID   int64  `json:"id"`
	Code string `json:"code"`
}

// CreateCoupon создаёт новый промокод. Только для администраторов.
func (h *Handler) CreateCoupon(w http.ResponseWriter, r *http.Request) {
	var req createCouponRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	c := model.Coupon{
		Code:              req.Code,
		DiscountType:      model.DiscountType(req.DiscountType),
		ApplicableCourses: req.ApplicableCourses,
		MinimumOrderCents: model.ToCents(req.MinimumOrder),
		MaxUses:           req.MaxUses,
		IsActive:          true,
	}

	if c.DiscountType == model.DiscountFixed {
		c.DiscountValue = model.ToCents(req.DiscountValue)
	} else {
		c.DiscountValue = int64(req.DiscountValue)
	}

	if req.StartsAt != nil {
		ts, err := time.Parse(time.RFC3339, *req.StartsAt)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		c.StartsAt = &ts
	}
	if req.ExpiresAt != nil {
		ts, err := time.Parse(time.RFC3339, *req.ExpiresAt)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		c.ExpiresAt = &ts
	}

	id, err := h.service.CreateCoupon(r.Context(), &c)
	if err != nil {
		h.writeDomainError(w, err, "create coupon")
		return
	}

	writeJSON(w, h.logger, http.StatusCreated, createCouponResponse{ID: id, Code: c.Code})
}

// DeactivateCoupon отключает промокод. Только для администраторов.
func (h *Handler) DeactivateCoupon(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if code == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.DeactivateCoupon(r.Context(), code); err != nil {
		h.writeDomainError(w, err, "deactivate coupon")
		return
	}

	w.WriteHeader(http.StatusOK)
}

// RefundPayment выполняет возврат завершённого платежа. Только для администраторов.
func (h *Handler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	paymentID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || paymentID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.RefundPayment(r.Context(), paymentID); err != nil {
		h.writeDomainError(w, err, "refund payment")
		return
	}

	w.WriteHeader(http.StatusOK)
}

// PaymentWebhook принимает подписанные события платёжного провайдера.
// Аутентификация — только подписью тела, cookie не используется.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	signature := r.Header.Get(processor.SignatureHeader)

	if err := h.service.ProcessWebhook(r.Context(), payload, signature); err != nil {
		if errors.Is(err, service.ErrInvalidSignature) {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		h.logger.Error("process webhook error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type couponErrorResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason"`
}

// writeDomainError переводит доменные ошибки в HTTP-статусы единым образом.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error, op string) {
	var cerr *service.CouponError
	if errors.As(err, &cerr) {
		writeJSON(w, h.logger, http.StatusUnprocessableEntity, couponErrorResponse{Reason: string(cerr.Reason)})
		return
	}

	switch {
	case errors.Is(err, repository.ErrCourseNotFound),
		errors.Is(err, repository.ErrCouponNotFound),
		errors.Is(err, repository.ErrPaymentRecordNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)

	case errors.Is(err, repository.ErrCouponExhausted),
		errors.Is(err, repository.ErrAlreadyRedeemed),
		errors.Is(err, repository.ErrAlreadyEnrolled),
		errors.Is(err, repository.ErrCouponExists),
		errors.Is(err, repository.ErrInvalidTransition):
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)

	case errors.Is(err, service.ErrPaymentRequired),
		errors.Is(err, processor.ErrPaymentNotFound),
		errors.Is(err, processor.ErrNotSucceeded),
		errors.Is(err, processor.ErrAmountMismatch),
		errors.Is(err, processor.ErrCurrencyMismatch):
		http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)

	case errors.Is(err, processor.ErrLookup):
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)

	case errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrInvalidCouponInput):
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)

	default:
		h.logger.Error(op+" error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("encode response error", zap.Error(err))
	}
}

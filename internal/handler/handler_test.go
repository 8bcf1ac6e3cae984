package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/coursepay-system/internal/coupon"
	"github.com/mmeshcher/coursepay-system/internal/middleware"
	"github.com/mmeshcher/coursepay-system/internal/model"
	"github.com/mmeshcher/coursepay-system/internal/processor"
	"github.com/mmeshcher/coursepay-system/internal/repository"
	"github.com/mmeshcher/coursepay-system/internal/service"
)

type stubService struct {
	registerUserID int64
	registerErr    error

	authUser *model.User
	authErr  error

	validateCoupon *model.Coupon
	validateReason model.CouponReason
	validateErr    error

	discount    *coupon.Discount
	discountErr error

	enrollSummary *service.EnrollmentSummary
	enrollErr     error

	donateSummary *service.DonationSummary
	donateErr     error

	rewards    *model.RewardSummary
	rewardsErr error

	createCouponID  int64
	createCouponErr error

	deactivateErr error
	cancelErr     error
	refundErr     error

	webhookErr     error
	webhookPayload []byte
}

func (s *stubService) RegisterUser(ctx context.Context, login, password string) (int64, error) {
	return s.registerUserID, s.registerErr
}

func (s *stubService) AuthenticateUser(ctx context.Context, login, password string) (*model.User, error) {
	return s.authUser, s.authErr
}

func (s *stubService) ValidateCoupon(ctx context.Context, code string, courseID, userID int64, now time.Time) (*model.Coupon, model.CouponReason, error) {
	return s.validateCoupon, s.validateReason, s.validateErr
}

func (s *stubService) CalculateDiscount(ctx context.Context, code string, courseID, userID, originalCents int64) (*coupon.Discount, error) {
	return s.discount, s.discountErr
}

func (s *stubService) EnrollWithPayment(ctx context.Context, userID, courseID int64, couponCode, paymentReference string) (*service.EnrollmentSummary, error) {
	return s.enrollSummary, s.enrollErr
}

func (s *stubService) Donate(ctx context.Context, userID, amountCents int64, paymentReference string) (*service.DonationSummary, error) {
	return s.donateSummary, s.donateErr
}

func (s *stubService) GetRewards(ctx context.Context, userID int64) (*model.RewardSummary, error) {
	return s.rewards, s.rewardsErr
}

func (s *stubService) CreateCoupon(ctx context.Context, c *model.Coupon) (int64, error) {
	return s.createCouponID, s.createCouponErr
}

func (s *stubService) DeactivateCoupon(ctx context.Context, code string) error {
	return s.deactivateErr
}

func (s *stubService) CancelPayment(ctx context.Context, userID, paymentID int64) error {
	return s.cancelErr
}

func (s *stubService) RefundPayment(ctx context.Context, paymentID int64) error {
	return s.refundErr
}

func (s *stubService) ProcessWebhook(ctx context.Context, payload []byte, signature string) error {
	s.webhookPayload = payload
	return s.webhookErr
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(svc, logger, auth)
}

func authCookie(t *testing.T, h *Handler, userID int64, role model.Role) *http.Cookie {
	t.Helper()

	rec := httptest.NewRecorder()
	h.authMiddleware.SetAuthCookie(rec, userID, role)

	cookies := rec.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatalf("auth cookie not set")
	}
	return cookies[0]
}

func TestRegister_Success(t *testing.T) {
	svc := &stubService{
		registerUserID: 42,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{
		Login:    "user",
		Password: "pass",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if len(res.Cookies()) == 0 {
		t.Fatalf("auth cookie not set on register")
	}
}

func TestRegister_Conflict(t *testing.T) {
	svc := &stubService{
		registerErr: repository.ErrUserExists,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{
		Login:    "user",
		Password: "pass",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	svc := &stubService{
		authErr: service.ErrInvalidCredentials,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{
		Login:    "user",
		Password: "wrong",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Login(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestValidateCoupon_RejectedStillOK(t *testing.T) {
	svc := &stubService{
		validateReason: model.CouponExpired,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(validateCouponRequest{Code: "SUMMER", CourseID: 1})

	req := httptest.NewRequest(http.MethodPost, "/api/coupons/validate", bytes.NewReader(body))
	req.AddCookie(authCookie(t, h, 1, model.RoleUser))
	rec := httptest.NewRecorder()

	h.authMiddleware.Middleware(http.HandlerFunc(h.ValidateCoupon)).ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp validateCouponResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Valid {
		t.Fatalf("expired coupon reported as valid")
	}
	if resp.Reason != string(model.CouponExpired) {
		t.Fatalf("reason = %q, want %q", resp.Reason, model.CouponExpired)
	}
}

func TestCalculateDiscount_CouponRejected(t *testing.T) {
	svc := &stubService{
		discountErr: &service.CouponError{Reason: model.CouponUsageLimitReached},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(discountRequest{Code: "SALE", CourseID: 1, Amount: 100})

	req := httptest.NewRequest(http.MethodPost, "/api/coupons/discount", bytes.NewReader(body))
	req.AddCookie(authCookie(t, h, 1, model.RoleUser))
	rec := httptest.NewRecorder()

	h.authMiddleware.Middleware(http.HandlerFunc(h.CalculateDiscount)).ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnprocessableEntity)
	}

	var resp couponErrorResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Reason != string(model.CouponUsageLimitReached) {
		t.Fatalf("reason = %q, want %q", resp.Reason, model.CouponUsageLimitReached)
	}
}

func TestEnroll_Success(t *testing.T) {
	svc := &stubService{
		enrollSummary: &service.EnrollmentSummary{
			EnrollmentID:  10,
			PaymentID:     20,
			OriginalCents: 10000,
			DiscountCents: 2500,
			FinalCents:    7500,
			Method:        model.MethodProcessor,
		},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(enrollRequest{CourseID: 3, CouponCode: "WELCOME25", PaymentReference: "pay_1"})

	req := httptest.NewRequest(http.MethodPost, "/api/enrollments", bytes.NewReader(body))
	req.AddCookie(authCookie(t, h, 1, model.RoleUser))
	rec := httptest.NewRecorder()

	h.authMiddleware.Middleware(http.HandlerFunc(h.Enroll)).ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp enrollResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.FinalAmount != 75 {
		t.Fatalf("final amount = %v, want 75", resp.FinalAmount)
	}
}

func TestEnroll_PaymentRequired(t *testing.T) {
	svc := &stubService{
		enrollErr: service.ErrPaymentRequired,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(enrollRequest{CourseID: 3})

	req := httptest.NewRequest(http.MethodPost, "/api/enrollments", bytes.NewReader(body))
	req.AddCookie(authCookie(t, h, 1, model.RoleUser))
	rec := httptest.NewRecorder()

	h.authMiddleware.Middleware(http.HandlerFunc(h.Enroll)).ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusPaymentRequired)
	}
}

func TestEnroll_AmountMismatch(t *testing.T) {
	svc := &stubService{
		enrollErr: processor.ErrAmountMismatch,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(enrollRequest{CourseID: 3, PaymentReference: "pay_1"})

	req := httptest.NewRequest(http.MethodPost, "/api/enrollments", bytes.NewReader(body))
	req.AddCookie(authCookie(t, h, 1, model.RoleUser))
	rec := httptest.NewRecorder()

	h.authMiddleware.Middleware(http.HandlerFunc(h.Enroll)).ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusPaymentRequired)
	}
}

func TestEnroll_LookupFailureBadGateway(t *testing.T) {
	svc := &stubService{
		enrollErr: processor.ErrLookup,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(enrollRequest{CourseID: 3, PaymentReference: "pay_1"})

	req := httptest.NewRequest(http.MethodPost, "/api/enrollments", bytes.NewReader(body))
	req.AddCookie(authCookie(t, h, 1, model.RoleUser))
	rec := httptest.NewRecorder()

	h.authMiddleware.Middleware(http.HandlerFunc(h.Enroll)).ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadGateway)
	}
}

func TestEnroll_AlreadyEnrolledConflict(t *testing.T) {
	svc := &stubService{
		enrollErr: repository.ErrAlreadyEnrolled,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(enrollRequest{CourseID: 3, PaymentReference: "pay_1"})

	req := httptest.NewRequest(http.MethodPost, "/api/enrollments", bytes.NewReader(body))
	req.AddCookie(authCookie(t, h, 1, model.RoleUser))
	rec := httptest.NewRecorder()

	h.authMiddleware.Middleware(http.HandlerFunc(h.Enroll)).ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
}

func TestDonate_Success(t *testing.T) {
	svc := &stubService{
		donateSummary: &service.DonationSummary{
			DonationID:  5,
			PaymentID:   6,
			AmountCents: 5000,
			Status:      model.PaymentSucceeded,
		},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(donationRequest{Amount: 50, PaymentReference: "pay_d"})

	req := httptest.NewRequest(http.MethodPost, "/api/donations", bytes.NewReader(body))
	req.AddCookie(authCookie(t, h, 1, model.RoleUser))
	rec := httptest.NewRecorder()

	h.authMiddleware.Middleware(http.HandlerFunc(h.Donate)).ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp donationResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Amount != 50 || resp.Status != string(model.PaymentSucceeded) {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestGetRewards_Unauthorized(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodGet, "/api/user/rewards", nil)
	rec := httptest.NewRecorder()

	h.authMiddleware.Middleware(http.HandlerFunc(h.GetRewards)).ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestAdminRoutes_ForbiddenForUserRole(t *testing.T) {
	h := newTestHandler(t, &stubService{createCouponID: 1})
	router := h.SetupRouter()

	body, _ := json.Marshal(createCouponRequest{
		Code:          "SALE10",
		DiscountType:  string(model.DiscountPercentage),
		DiscountValue: 10,
	})

	req := httptest.NewRequest(http.MethodPost, "/api/admin/coupons", bytes.NewReader(body))
	req.AddCookie(authCookie(t, h, 1, model.RoleUser))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusForbidden)
	}
}

func TestCreateCoupon_AdminCreated(t *testing.T) {
	h := newTestHandler(t, &stubService{createCouponID: 7})
	router := h.SetupRouter()

	body, _ := json.Marshal(createCouponRequest{
		Code:          "SALE10",
		DiscountType:  string(model.DiscountPercentage),
		DiscountValue: 10,
	})

	req := httptest.NewRequest(http.MethodPost, "/api/admin/coupons", bytes.NewReader(body))
	req.AddCookie(authCookie(t, h, 2, model.RoleAdmin))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var resp createCouponResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != 7 {
		t.Fatalf("id = %d, want 7", resp.ID)
	}
}

func TestRefundPayment_InvalidTransitionConflict(t *testing.T) {
	h := newTestHandler(t, &stubService{refundErr: repository.ErrInvalidTransition})
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/admin/payments/5/refund", nil)
	req.AddCookie(authCookie(t, h, 2, model.RoleAdmin))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
}

func TestPaymentWebhook_NoCookieRequired(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	payload := []byte(`{"id":"evt_1","type":"payment.succeeded","payment_reference":"pay_1"}`)

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/payment", bytes.NewReader(payload))
	req.Header.Set(processor.SignatureHeader, "sig")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if !bytes.Equal(svc.webhookPayload, payload) {
		t.Fatalf("webhook payload not passed through")
	}
}

func TestPaymentWebhook_BadSignature(t *testing.T) {
	svc := &stubService{webhookErr: service.ErrInvalidSignature}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/payment", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestCancelDonation_NotFound(t *testing.T) {
	svc := &stubService{cancelErr: repository.ErrPaymentRecordNotFound}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/donations/9/cancel", nil)
	req.AddCookie(authCookie(t, h, 1, model.RoleUser))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

// Package service реализует бизнес-логику платёжного ядра coursepay.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/coursepay-system/internal/coupon"
	"github.com/mmeshcher/coursepay-system/internal/model"
	"github.com/mmeshcher/coursepay-system/internal/processor"
	"github.com/mmeshcher/coursepay-system/internal/repository"
	"github.com/mmeshcher/coursepay-system/internal/validation"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	GetUserLedger(ctx context.Context, userID int64) (*model.User, error)
	SetMembershipLevel(ctx context.Context, userID int64, level model.MembershipLevel) error
	GetCourse(ctx context.Context, id int64) (*model.Course, error)
	CreateCoupon(ctx context.Context, c *model.Coupon) (int64, error)
	GetCouponByCode(ctx context.Context, code string) (*model.Coupon, error)
	DeactivateCoupon(ctx context.Context, code string) error
	HasRedemption(ctx context.Context, couponID, userID, courseID int64) (bool, error)
	CommitEnrollment(ctx context.Context, p repository.EnrollmentParams) (*repository.EnrollmentResult, error)
	CommitDonation(ctx context.Context, p repository.DonationParams) (*repository.DonationResult, error)
	GetPaymentByExternalRef(ctx context.Context, reference string) (*model.PaymentRecord, error)
	GetPaymentByID(ctx context.Context, id int64) (*model.PaymentRecord, error)
	ApplyPaymentSucceeded(ctx context.Context, eventID, eventType, reference string, points int64) (*repository.ApplyResult, error)
	ApplyPaymentFailed(ctx context.Context, eventID, eventType, reference string) (*repository.ApplyResult, error)
	CancelPayment(ctx context.Context, paymentID, userID int64) error
	RefundPayment(ctx context.Context, paymentID int64) error
	GetStalePendingPayments(ctx context.Context, olderThan time.Duration, limit int) ([]model.PaymentRecord, error)
}

// PaymentClient описывает контракт клиента платёжного провайдера.
type PaymentClient interface {
	GetPayment(ctx context.Context, reference string) (*processor.Payment, error)
}

var (
	// ErrInvalidCredentials возвращается при неверной паре логин/пароль.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrPaymentRequired возвращается, когда ненулевая сумма требует ссылки на платёж.
	ErrPaymentRequired = errors.New("payment reference required")
	// ErrInvalidSignature возвращается при неверной подписи вебхука.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrInvalidAmount возвращается при недопустимой сумме пожертвования.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrInvalidCouponInput возвращается при недопустимых параметрах создаваемого промокода.
	ErrInvalidCouponInput = errors.New("invalid coupon parameters")
)

// CouponError несёт причину отказа в применении промокода для точного
// сообщения пользователю.
type CouponError struct {
	Reason model.CouponReason
}

func (e *CouponError) Error() string {
	return "coupon rejected: " + string(e.Reason)
}

// Service содержит бизнес-логику платёжного ядра coursepay.
type Service struct {
	repo          Repository
	payments      PaymentClient
	logger        *zap.Logger
	webhookSecret []byte
	currency      string
	tierFor       func(int64) model.MembershipLevel
}

// NewService создаёт новый сервис с указанным репозиторием и клиентом провайдера.
func NewService(repo Repository, payments PaymentClient, logger *zap.Logger, webhookSecret, currency string) *Service {
	return &Service{
		repo:          repo,
		payments:      payments,
		logger:        logger,
		webhookSecret: []byte(webhookSecret),
		currency:      currency,
		tierFor:       TierFor,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя.
func (s *Service) RegisterUser(ctx context.Context, login, password string) (int64, error) {
	hashed := hashPassword(login, password)
	id, err := s.repo.CreateUser(ctx, login, hashed)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AuthenticateUser проверяет логин и пароль пользователя.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (*model.User, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return nil, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	return u, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// ValidateCoupon выполняет полную проверку промокода без побочных эффектов.
// Пустая причина означает, что промокод применим. Проверки идут в фиксированном
// порядке: существование, активность, окно действия, лимит применений,
// применимость к курсу, повторное погашение.
func (s *Service) ValidateCoupon(ctx context.Context, code string, courseID, userID int64, now time.Time) (*model.Coupon, model.CouponReason, error) {
	c, err := s.repo.GetCouponByCode(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrCouponNotFound) {
			return nil, model.CouponNotFound, nil
		}
		return nil, "", err
	}

	if !c.IsActive {
		return nil, model.CouponInactive, nil
	}

	if c.StartsAt != nil && now.Before(*c.StartsAt) {
		return nil, model.CouponNotYetStarted, nil
	}

	if c.ExpiresAt != nil && now.After(*c.ExpiresAt) {
		return nil, model.CouponExpired, nil
	}

	if c.MaxUses != nil && c.CurrentUses >= *c.MaxUses {
		return nil, model.CouponUsageLimitReached, nil
	}

	if courseID != 0 {
		if !c.AppliesTo(courseID) {
			return nil, model.CouponCourseNotEligible, nil
		}

		redeemed, err := s.repo.HasRedemption(ctx, c.ID, userID, courseID)
		if err != nil {
			return nil, "", err
		}
		if redeemed {
			return nil, model.CouponAlreadyRedeemed, nil
		}
	}

	return c, "", nil
}

// CalculateDiscount проверяет промокод и считает скидку для указанной суммы.
func (s *Service) CalculateDiscount(ctx context.Context, code string, courseID, userID, originalCents int64) (*coupon.Discount, error) {
	c, reason, err := s.ValidateCoupon(ctx, code, courseID, userID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if reason != "" {
		return nil, &CouponError{Reason: reason}
	}

	d, err := coupon.Compute(c, originalCents)
	if err != nil {
		if errors.Is(err, coupon.ErrMinimumOrderNotMet) {
			return nil, &CouponError{Reason: model.CouponMinimumOrderNotMet}
		}
		return nil, err
	}

	return &d, nil
}

// EnrollmentSummary содержит итог записи на курс.
type EnrollmentSummary struct {
	EnrollmentID  int64
	PaymentID     int64
	OriginalCents int64
	DiscountCents int64
	FinalCents    int64
	Method        model.PaymentMethod
}

// EnrollWithPayment записывает пользователя на курс. Для ненулевой итоговой
// суммы платёж сверяется с провайдером до каких-либо записей; бесплатный
// доступ предоставляется сразу при фиксации погашения промокода.
func (s *Service) EnrollWithPayment(ctx context.Context, userID, courseID int64, couponCode, paymentReference string) (*EnrollmentSummary, error) {
	course, err := s.repo.GetCourse(ctx, courseID)
	if err != nil {
		return nil, err
	}

	originalCents := course.PriceCents
	disc := coupon.Discount{FinalCents: originalCents}

	var cpn *model.Coupon
	if couponCode != "" {
		c, reason, err := s.ValidateCoupon(ctx, couponCode, courseID, userID, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		if reason != "" {
			return nil, &CouponError{Reason: reason}
		}

		d, err := coupon.Compute(c, originalCents)
		if err != nil {
			if errors.Is(err, coupon.ErrMinimumOrderNotMet) {
				return nil, &CouponError{Reason: model.CouponMinimumOrderNotMet}
			}
			return nil, err
		}

		cpn = c
		disc = d
	}

	params := repository.EnrollmentParams{
		UserID:        userID,
		CourseID:      courseID,
		Coupon:        cpn,
		OriginalCents: originalCents,
		DiscountCents: disc.DiscountCents,
		FinalCents:    disc.FinalCents,
		Currency:      s.currency,
	}

	if disc.FinalCents > 0 {
		if paymentReference == "" {
			return nil, ErrPaymentRequired
		}

		p, err := s.payments.GetPayment(ctx, paymentReference)
		if err != nil {
			return nil, err
		}

		if err := processor.Verify(disc.FinalCents, s.currency, p); err != nil {
			s.logger.Warn("payment verification failed",
				zap.String("reference", paymentReference),
				zap.Int64("userID", userID),
				zap.Error(err),
			)
			return nil, err
		}

		params.Method = model.MethodProcessor
		params.ExternalReference = &paymentReference
		params.Points = PointsFor(disc.FinalCents)
	} else {
		ref := "coupon-" + uuid.NewString()
		params.Method = model.MethodCoupon
		params.ExternalReference = &ref
	}

	res, err := s.repo.CommitEnrollment(ctx, params)
	if err != nil {
		return nil, err
	}

	return &EnrollmentSummary{
		EnrollmentID:  res.EnrollmentID,
		PaymentID:     res.PaymentID,
		OriginalCents: originalCents,
		DiscountCents: disc.DiscountCents,
		FinalCents:    disc.FinalCents,
		Method:        params.Method,
	}, nil
}

// DonationSummary содержит итог оформления пожертвования.
type DonationSummary struct {
	DonationID  int64
	PaymentID   int64
	AmountCents int64
	Status      model.PaymentStatus
}

// Donate оформляет пожертвование. Если провайдер уже подтвердил платёж,
// пожертвование фиксируется завершённым и начисления применяются сразу;
// иначе платёж остаётся pending до прихода вебхука. Расхождение суммы или
// валюты — отказ без каких-либо записей.
func (s *Service) Donate(ctx context.Context, userID, amountCents int64, paymentReference string) (*DonationSummary, error) {
	if amountCents <= 0 {
		return nil, ErrInvalidAmount
	}
	if paymentReference == "" {
		return nil, ErrPaymentRequired
	}

	status := model.PaymentPending
	points := int64(0)

	p, err := s.payments.GetPayment(ctx, paymentReference)
	switch {
	case err == nil:
		verr := processor.Verify(amountCents, s.currency, p)
		switch {
		case verr == nil:
			status = model.PaymentSucceeded
			points = PointsFor(amountCents)
		case errors.Is(verr, processor.ErrAmountMismatch) || errors.Is(verr, processor.ErrCurrencyMismatch):
			s.logger.Warn("donation verification failed",
				zap.String("reference", paymentReference),
				zap.Int64("userID", userID),
				zap.Error(verr),
			)
			return nil, verr
		default:
			// Платёж ещё не завершён на стороне провайдера — ждём вебхук.
		}
	case errors.Is(err, processor.ErrLookup):
		s.logger.Warn("payment lookup failed, donation stays pending",
			zap.String("reference", paymentReference),
			zap.Error(err),
		)
	default:
		return nil, err
	}

	res, err := s.repo.CommitDonation(ctx, repository.DonationParams{
		UserID:            userID,
		AmountCents:       amountCents,
		Currency:          s.currency,
		InvoiceNumber:     "INV-" + uuid.NewString(),
		ExternalReference: &paymentReference,
		Status:            status,
		Points:            points,
	})
	if err != nil {
		return nil, err
	}

	if status == model.PaymentSucceeded {
		if err := s.repo.SetMembershipLevel(ctx, userID, s.tierFor(res.NewDonationTotal)); err != nil {
			return nil, err
		}
	}

	return &DonationSummary{
		DonationID:  res.DonationID,
		PaymentID:   res.PaymentID,
		AmountCents: amountCents,
		Status:      status,
	}, nil
}

// GetRewards возвращает накопленные показатели пользователя.
func (s *Service) GetRewards(ctx context.Context, userID int64) (*model.RewardSummary, error) {
	u, err := s.repo.GetUserLedger(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &model.RewardSummary{
		DonationTotal:   model.ToMajor(u.DonationTotalCents),
		RewardPoints:    u.RewardPoints,
		MembershipLevel: u.MembershipLevel,
	}, nil
}

// CreateCoupon проверяет параметры и создаёт промокод.
func (s *Service) CreateCoupon(ctx context.Context, c *model.Coupon) (int64, error) {
	if !validation.IsValidCouponCode(c.Code) {
		return 0, fmt.Errorf("%w: bad code %q", ErrInvalidCouponInput, c.Code)
	}

	switch c.DiscountType {
	case model.DiscountPercentage:
		if c.DiscountValue <= 0 || c.DiscountValue > 100 {
			return 0, fmt.Errorf("%w: percentage out of range", ErrInvalidCouponInput)
		}
	case model.DiscountFixed:
		if c.DiscountValue <= 0 {
			return 0, fmt.Errorf("%w: fixed amount must be positive", ErrInvalidCouponInput)
		}
	case model.DiscountFreeAccess:
		c.DiscountValue = 0
	default:
		return 0, fmt.Errorf("%w: unknown discount type %q", ErrInvalidCouponInput, c.DiscountType)
	}

	if c.MaxUses != nil && *c.MaxUses <= 0 {
		return 0, fmt.Errorf("%w: max uses must be positive", ErrInvalidCouponInput)
	}
	if c.MinimumOrderCents < 0 {
		return 0, fmt.Errorf("%w: negative minimum order", ErrInvalidCouponInput)
	}
	if c.StartsAt != nil && c.ExpiresAt != nil && c.ExpiresAt.Before(*c.StartsAt) {
		return 0, fmt.Errorf("%w: expires before starts", ErrInvalidCouponInput)
	}

	return s.repo.CreateCoupon(ctx, c)
}

// DeactivateCoupon отключает промокод с сохранением истории погашений.
func (s *Service) DeactivateCoupon(ctx context.Context, code string) error {
	return s.repo.DeactivateCoupon(ctx, code)
}

// CancelPayment отменяет собственный незавершённый платёж пользователя.
func (s *Service) CancelPayment(ctx context.Context, userID, paymentID int64) error {
	return s.repo.CancelPayment(ctx, paymentID, userID)
}

// RefundPayment выполняет административный возврат завершённого платежа.
func (s *Service) RefundPayment(ctx context.Context, paymentID int64) error {
	return s.repo.RefundPayment(ctx, paymentID)
}

// ProcessWebhook проверяет подпись вебхука и применяет событие идемпотентно.
// Нераспознанные типы событий и неизвестные платежи подтверждаются без
// побочных эффектов, чтобы провайдер не повторял доставку бесконечно.
func (s *Service) ProcessWebhook(ctx context.Context, payload []byte, signature string) error {
	if !processor.VerifySignature(s.webhookSecret, payload, signature) {
		s.logger.Warn("webhook signature verification failed")
		return ErrInvalidSignature
	}

	evt, err := processor.ParseEvent(payload)
	if err != nil {
		s.logger.Warn("malformed webhook payload acknowledged", zap.Error(err))
		return nil
	}

	return s.applyEvent(ctx, evt.ID, evt.Type, evt.PaymentReference)
}

func (s *Service) applyEvent(ctx context.Context, eventID, eventType, reference string) error {
	switch eventType {
	case processor.EventPaymentSucceeded:
		rec, err := s.repo.GetPaymentByExternalRef(ctx, reference)
		if err != nil {
			if errors.Is(err, repository.ErrPaymentRecordNotFound) {
				s.logger.Warn("payment event for unknown reference",
					zap.String("eventID", eventID),
					zap.String("reference", reference),
				)
				return nil
			}
			return err
		}

		res, err := s.repo.ApplyPaymentSucceeded(ctx, eventID, eventType, reference, PointsFor(rec.AmountCents))
		if err != nil {
			return err
		}

		switch res.Outcome {
		case repository.ApplyApplied:
			s.logger.Info("payment succeeded",
				zap.String("eventID", eventID),
				zap.String("reference", reference),
				zap.Int64("userID", res.UserID),
			)
			if res.SubjectKind == model.SubjectDonation {
				if err := s.repo.SetMembershipLevel(ctx, res.UserID, s.tierFor(res.NewDonationTotal)); err != nil {
					return err
				}
			}
		case repository.ApplyDuplicateEvent:
			s.logger.Info("duplicate webhook event skipped", zap.String("eventID", eventID))
		case repository.ApplyAlreadyFinal:
			s.logger.Warn("ignored transition for terminal payment",
				zap.String("eventID", eventID),
				zap.String("reference", reference),
			)
		case repository.ApplyUnknownPayment:
			s.logger.Warn("payment event for unknown reference",
				zap.String("eventID", eventID),
				zap.String("reference", reference),
			)
		}
		return nil

	case processor.EventPaymentFailed:
		res, err := s.repo.ApplyPaymentFailed(ctx, eventID, eventType, reference)
		if err != nil {
			return err
		}

		switch res.Outcome {
		case repository.ApplyApplied:
			s.logger.Info("payment failed",
				zap.String("eventID", eventID),
				zap.String("reference", reference),
			)
		case repository.ApplyDuplicateEvent:
			s.logger.Info("duplicate webhook event skipped", zap.String("eventID", eventID))
		case repository.ApplyAlreadyFinal:
			s.logger.Warn("ignored transition for terminal payment",
				zap.String("eventID", eventID),
				zap.String("reference", reference),
			)
		case repository.ApplyUnknownPayment:
			s.logger.Warn("payment event for unknown reference",
				zap.String("eventID", eventID),
				zap.String("reference", reference),
			)
		}
		return nil

	default:
		s.logger.Warn("unknown webhook event type acknowledged",
			zap.String("eventID", eventID),
			zap.String("type", eventType),
		)
		return nil
	}
}

// StartPendingSweep запускает фоновую сверку зависших платежей с провайдером.
func (s *Service) StartPendingSweep(ctx context.Context) {
	if s.payments == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweepPendingBatch(ctx)
			}
		}
	}()
}

func (s *Service) sweepPendingBatch(ctx context.Context) {
	records, err := s.repo.GetStalePendingPayments(ctx, 5*time.Minute, 100)
	if err != nil {
		s.logger.Error("select stale pending payments", zap.Error(err))
		return
	}

	for _, rec := range records {
		if rec.ExternalReference == nil {
			continue
		}
		ref := *rec.ExternalReference

		p, err := s.payments.GetPayment(ctx, ref)
		if err != nil {
			continue
		}

		// Синтетический идентификатор события детерминирован: повторный
		// проход и настоящий вебхук дедуплицируются одинаково.
		switch p.Status {
		case processor.StatusSucceeded:
			if err := processor.Verify(rec.AmountCents, rec.Currency, p); err != nil {
				s.logger.Warn("stale payment failed verification",
					zap.String("reference", ref),
					zap.Error(err),
				)
				continue
			}
			_ = s.applyEvent(ctx, "sweep-"+ref, processor.EventPaymentSucceeded, ref)
		case processor.StatusFailed:
			_ = s.applyEvent(ctx, "sweep-"+ref, processor.EventPaymentFailed, ref)
		}
	}
}

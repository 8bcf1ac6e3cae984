// Package model содержит доменные сущности платёжного ядра coursepay.
package model

import (
	"math"
	"time"
)

// Role определяет роль пользователя в системе.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// MembershipLevel описывает уровень членства, производный от суммы пожертвований.
type MembershipLevel string

const (
	MembershipBasic    MembershipLevel = "basic"
	MembershipBronze   MembershipLevel = "bronze"
	MembershipSilver   MembershipLevel = "silver"
	MembershipGold     MembershipLevel = "gold"
	MembershipPlatinum MembershipLevel = "platinum"
)

// User представляет зарегистрированного пользователя платформы.
type User struct {
	ID                 int64
	Login              string
	PasswordHash       []byte
	Role               Role
	DonationTotalCents int64
	RewardPoints       int64
	MembershipLevel    MembershipLevel
	CreatedAt          time.Time
}

// Course описывает курс с базовой ценой в минорных единицах валюты.
type Course struct {
	ID         int64
	Title      string
	PriceCents int64
	IsActive   bool
}

// DiscountType описывает тип скидки промокода.
type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed_amount"
	DiscountFreeAccess DiscountType = "free_access"
)

// Coupon описывает промокод с ограничениями на применение.
// DiscountValue интерпретируется по типу скидки: проценты для percentage,
// центы для fixed_amount, не используется для free_access.
type Coupon struct {
	ID                int64
	Code              string
	DiscountType      DiscountType
	DiscountValue     int64
	MaxUses           *int64
	CurrentUses       int64
	ApplicableCourses []int64
	MinimumOrderCents int64
	StartsAt          *time.Time
	ExpiresAt         *time.Time
	IsActive          bool
	CreatedAt         time.Time
}

// AppliesTo сообщает, действует ли промокод для указанного курса.
// Пустой список применимых курсов означает отсутствие ограничений.
func (c *Coupon) AppliesTo(courseID int64) bool {
	if len(c.ApplicableCourses) == 0 {
		return true
	}
	for _, id := range c.ApplicableCourses {
		if id == courseID {
			return true
		}
	}
	return false
}

// CouponReason описывает причину отказа в применении промокода.
type CouponReason string

const (
	CouponNotFound           CouponReason = "not_found"
	CouponInactive           CouponReason = "inactive"
	CouponNotYetStarted      CouponReason = "not_yet_started"
	CouponExpired            CouponReason = "expired"
	CouponUsageLimitReached  CouponReason = "usage_limit_reached"
	CouponCourseNotEligible  CouponReason = "course_not_eligible"
	CouponAlreadyRedeemed    CouponReason = "already_redeemed"
	CouponMinimumOrderNotMet CouponReason = "minimum_order_not_met"
)

// CouponRedemption фиксирует однократное применение промокода пользователем к курсу.
// Запись создаётся один раз в момент принятия погашения и далее не изменяется.
type CouponRedemption struct {
	ID               int64
	CouponID         int64
	UserID           int64
	CourseID         int64
	OriginalCents    int64
	DiscountCents    int64
	FinalCents       int64
	PaymentReference *string
	CreatedAt        time.Time
}

// SubjectKind определяет, к какой сущности относится платёж.
type SubjectKind string

const (
	SubjectEnrollment SubjectKind = "enrollment"
	SubjectDonation   SubjectKind = "donation"
)

// PaymentMethod описывает способ оплаты.
type PaymentMethod string

const (
	MethodProcessor  PaymentMethod = "processor"
	MethodCoupon     PaymentMethod = "coupon"
	MethodAdminGrant PaymentMethod = "admin_grant"
)

// PaymentStatus описывает состояние платежа.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentSucceeded  PaymentStatus = "succeeded"
	PaymentFailed     PaymentStatus = "failed"
	PaymentCancelled  PaymentStatus = "cancelled"
	PaymentRefunded   PaymentStatus = "refunded"
)

// PaymentRecord описывает платёж за запись на курс или пожертвование.
// ExternalReference присваивается платёжным провайдером и служит ключом
// сопоставления при обработке вебхуков.
type PaymentRecord struct {
	ID                int64
	SubjectKind       SubjectKind
	SubjectID         int64
	UserID            int64
	AmountCents       int64
	Currency          string
	Method            PaymentMethod
	ExternalReference *string
	Status            PaymentStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Enrollment фиксирует запись пользователя на курс.
type Enrollment struct {
	ID        int64
	UserID    int64
	CourseID  int64
	CreatedAt time.Time
}

// Donation фиксирует пожертвование пользователя.
type Donation struct {
	ID            int64
	UserID        int64
	AmountCents   int64
	InvoiceNumber string
	CreatedAt     time.Time
}

// RewardSummary содержит накопленные показатели пользователя.
type RewardSummary struct {
	DonationTotal   float64         `json:"donation_total"`
	RewardPoints    int64           `json:"reward_points"`
	MembershipLevel MembershipLevel `json:"membership_level"`
}

// ToCents переводит сумму из мажорных единиц в центы с округлением half-up.
// Все сравнения с суммами провайдера выполняются в центах.
func ToCents(major float64) int64 {
	return int64(math.Round(major * 100))
}

// ToMajor переводит центы в мажорные единицы для внешнего API.
func ToMajor(cents int64) float64 {
	return float64(cents) / 100
}

// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/coursepay-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrCourseNotFound возвращается, если курс не найден или неактивен.
	ErrCourseNotFound = errors.New("course not found")
	// ErrCouponExists возвращается при создании промокода с занятым кодом.
	ErrCouponExists = errors.New("coupon code already exists")
	// ErrCouponNotFound возвращается, если промокод не найден.
	ErrCouponNotFound = errors.New("coupon not found")
	// ErrCouponExhausted возвращается, когда условное обновление счётчика
	// применений затронуло ноль строк: лимит выбран конкурентным запросом.
	ErrCouponExhausted = errors.New("coupon usage limit reached")
	// ErrAlreadyRedeemed возвращается при повторном погашении промокода
	// тем же пользователем на том же курсе.
	ErrAlreadyRedeemed = errors.New("coupon already redeemed")
	// ErrAlreadyEnrolled возвращается, если пользователь уже записан на курс.
	ErrAlreadyEnrolled = errors.New("user already enrolled")
	// ErrPaymentRecordNotFound возвращается, если платёж не найден.
	ErrPaymentRecordNotFound = errors.New("payment record not found")
	// ErrInvalidTransition возвращается при недопустимом переходе статуса платежа.
	ErrInvalidTransition = errors.New("invalid payment status transition")
)

// ApplyOutcome описывает результат идемпотентного применения события платежа.
type ApplyOutcome int

const (
	// ApplyApplied — переход применён, побочные эффекты выполнены.
	ApplyApplied ApplyOutcome = iota
	// ApplyDuplicateEvent — событие уже обработано ранее, выполнение пропущено.
	ApplyDuplicateEvent
	// ApplyAlreadyFinal — платёж в терминальном статусе, переход отвергнут.
	ApplyAlreadyFinal
	// ApplyUnknownPayment — платёж с таким внешним идентификатором не найден.
	ApplyUnknownPayment
)

// ApplyResult содержит итог применения события платежа.
type ApplyResult struct {
	Outcome          ApplyOutcome
	UserID           int64
	SubjectKind      model.SubjectKind
	NewDonationTotal int64
}

// EnrollmentParams описывает параметры атомарной фиксации записи на курс.
type EnrollmentParams struct {
	UserID            int64
	CourseID          int64
	Coupon            *model.Coupon
	OriginalCents     int64
	DiscountCents     int64
	FinalCents        int64
	Currency          string
	Method            model.PaymentMethod
	ExternalReference *string
	Points            int64
}

// EnrollmentResult содержит идентификаторы созданных записей.
type EnrollmentResult struct {
	EnrollmentID int64
	PaymentID    int64
}

// DonationParams описывает параметры фиксации пожертвования.
type DonationParams struct {
	UserID            int64
	AmountCents       int64
	Currency          string
	InvoiceNumber     string
	ExternalReference *string
	Status            model.PaymentStatus
	Points            int64
}

// DonationResult содержит итог фиксации пожертвования.
type DonationResult struct {
	DonationID       int64
	PaymentID        int64
	NewDonationTotal int64
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет операцию при ошибках сериализации, дедлоках и
// обрывах соединения. Неповторяемые ошибки возвращаются сразу.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
			return err
		}

		if isConnectionError(err) {
			return retry.RetryableError(err)
		}

		return err
	})
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя с ролью user.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, password_hash) VALUES ($1, $2) RETURNING id`,
		login, passwordHash,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, role, donation_total, reward_points, membership_level, created_at
		 FROM users WHERE login = $1`,
		login,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.Role, &u.DonationTotalCents, &u.RewardPoints, &u.MembershipLevel, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// GetUserLedger возвращает накопленные показатели пользователя.
func (r *PostgresRepository) GetUserLedger(ctx context.Context, userID int64) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, role, donation_total, reward_points, membership_level, created_at
		 FROM users WHERE id = $1`,
		userID,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.Role, &u.DonationTotalCents, &u.RewardPoints, &u.MembershipLevel, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user ledger: %w", err)
	}

	return &u, nil
}

// SetMembershipLevel обновляет уровень членства пользователя.
// Уровень выводится из накопленной суммы пожертвований, поэтому повторное
// применение безопасно.
func (r *PostgresRepository) SetMembershipLevel(ctx context.Context, userID int64, level model.MembershipLevel) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET membership_level = $2 WHERE id = $1`,
		userID, string(level),
	)
	if err != nil {
		return fmt.Errorf("set membership level: %w", err)
	}
	return nil
}

// GetCourse возвращает активный курс по идентификатору.
func (r *PostgresRepository) GetCourse(ctx context.Context, id int64) (*model.Course, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, title, price_cents, is_active FROM courses WHERE id = $1 AND is_active`,
		id,
	)

	var c model.Course
	err := row.Scan(&c.ID, &c.Title, &c.PriceCents, &c.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCourseNotFound
		}
		return nil, fmt.Errorf("get course: %w", err)
	}

	return &c, nil
}

// CreateCoupon создаёт новый промокод.
func (r *PostgresRepository) CreateCoupon(ctx context.Context, c *model.Coupon) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO coupons (code, discount_type, discount_value, max_uses, applicable_courses, minimum_order_cents, starts_at, expires_at, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE)
		 RETURNING id`,
		c.Code, string(c.DiscountType), c.DiscountValue, c.MaxUses, c.ApplicableCourses, c.MinimumOrderCents, c.StartsAt, c.ExpiresAt,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: %s", ErrCouponExists, c.Code)
		}
		return 0, fmt.Errorf("create coupon: %w", err)
	}
	return id, nil
}

// GetCouponByCode возвращает промокод по коду. Коды чувствительны к регистру.
func (r *PostgresRepository) GetCouponByCode(ctx context.Context, code string) (*model.Coupon, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, code, discount_type, discount_value, max_uses, current_uses, applicable_courses, minimum_order_cents, starts_at, expires_at, is_active, created_at
		 FROM coupons WHERE code = $1`,
		code,
	)

	var c model.Coupon
	var discountType string
	err := row.Scan(&c.ID, &c.Code, &discountType, &c.DiscountValue, &c.MaxUses, &c.CurrentUses, &c.ApplicableCourses, &c.MinimumOrderCents, &c.StartsAt, &c.ExpiresAt, &c.IsActive, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCouponNotFound
		}
		return nil, fmt.Errorf("get coupon: %w", err)
	}
	c.DiscountType = model.DiscountType(discountType)

	return &c, nil
}

// DeactivateCoupon отключает промокод, не удаляя историю погашений.
func (r *PostgresRepository) DeactivateCoupon(ctx context.Context, code string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE coupons SET is_active = FALSE WHERE code = $1`,
		code,
	)
	if err != nil {
		return fmt.Errorf("deactivate coupon: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrCouponNotFound
	}
	return nil
}

// HasRedemption сообщает, погашал ли пользователь промокод на указанном курсе.
func (r *PostgresRepository) HasRedemption(ctx context.Context, couponID, userID, courseID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM coupon_redemptions
			WHERE coupon_id = $1 AND user_id = $2 AND course_id = $3
		)`,
		couponID, userID, courseID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check redemption: %w", err)
	}
	return exists, nil
}

// commitRedemptionTx выполняет условный инкремент счётчика применений и
// создание записи о погашении внутри переданной транзакции. Инкремент
// закрывает гонку check-then-act: успех определяется числом затронутых строк.
func commitRedemptionTx(ctx context.Context, tx pgx.Tx, coupon *model.Coupon, userID, courseID, originalCents, discountCents, finalCents int64, paymentReference *string) error {
	cmdTag, err := tx.Exec(ctx,
		`UPDATE coupons
		 SET current_uses = current_uses + 1
		 WHERE id = $1 AND is_active AND (max_uses IS NULL OR current_uses < max_uses)`,
		coupon.ID,
	)
	if err != nil {
		return fmt.Errorf("increment coupon uses: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrCouponExhausted
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO coupon_redemptions (coupon_id, user_id, course_id, original_cents, discount_cents, final_cents, payment_reference)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		coupon.ID, userID, courseID, originalCents, discountCents, finalCents, paymentReference,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: coupon %s", ErrAlreadyRedeemed, coupon.Code)
		}
		return fmt.Errorf("insert redemption: %w", err)
	}

	return nil
}

// CommitEnrollment атомарно фиксирует запись на курс: создание записи,
// погашение промокода, платёж и начисление баллов в одной транзакции.
// Вызывается только после успешной проверки платежа (или при нулевой сумме).
func (r *PostgresRepository) CommitEnrollment(ctx context.Context, p EnrollmentParams) (*EnrollmentResult, error) {
	var res EnrollmentResult

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		err = tx.QueryRow(ctx,
			`INSERT INTO enrollments (user_id, course_id) VALUES ($1, $2) RETURNING id`,
			p.UserID, p.CourseID,
		).Scan(&res.EnrollmentID)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: course %d", ErrAlreadyEnrolled, p.CourseID)
			}
			return fmt.Errorf("insert enrollment: %w", err)
		}

		if p.Coupon != nil {
			err = commitRedemptionTx(ctx, tx, p.Coupon, p.UserID, p.CourseID, p.OriginalCents, p.DiscountCents, p.FinalCents, p.ExternalReference)
			if err != nil {
				return err
			}
		}

		err = tx.QueryRow(ctx,
			`INSERT INTO payment_records (subject_kind, subject_id, user_id, amount_cents, currency, method, external_reference, status)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 RETURNING id`,
			string(model.SubjectEnrollment), res.EnrollmentID, p.UserID, p.FinalCents, p.Currency, string(p.Method), p.ExternalReference, string(model.PaymentSucceeded),
		).Scan(&res.PaymentID)
		if err != nil {
			return fmt.Errorf("insert payment record: %w", err)
		}

		if p.Points > 0 {
			_, err = tx.Exec(ctx,
				`UPDATE users SET reward_points = reward_points + $2 WHERE id = $1`,
				p.UserID, p.Points,
			)
			if err != nil {
				return fmt.Errorf("add reward points: %w", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &res, nil
}

// CommitDonation атомарно фиксирует пожертвование и его платёж.
// Для платежа в статусе succeeded сразу начисляются баллы и сумма пожертвований.
func (r *PostgresRepository) CommitDonation(ctx context.Context, p DonationParams) (*DonationResult, error) {
	var res DonationResult

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		err = tx.QueryRow(ctx,
			`INSERT INTO donations (user_id, amount_cents, invoice_number) VALUES ($1, $2, $3) RETURNING id`,
			p.UserID, p.AmountCents, p.InvoiceNumber,
		).Scan(&res.DonationID)
		if err != nil {
			return fmt.Errorf("insert donation: %w", err)
		}

		err = tx.QueryRow(ctx,
			`INSERT INTO payment_records (subject_kind, subject_id, user_id, amount_cents, currency, method, external_reference, status)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 RETURNING id`,
			string(model.SubjectDonation), res.DonationID, p.UserID, p.AmountCents, p.Currency, string(model.MethodProcessor), p.ExternalReference, string(p.Status),
		).Scan(&res.PaymentID)
		if err != nil {
			return fmt.Errorf("insert payment record: %w", err)
		}

		if p.Status == model.PaymentSucceeded {
			err = tx.QueryRow(ctx,
				`UPDATE users
				 SET donation_total = donation_total + $2, reward_points = reward_points + $3
				 WHERE id = $1
				 RETURNING donation_total`,
				p.UserID, p.AmountCents, p.Points,
			).Scan(&res.NewDonationTotal)
			if err != nil {
				return fmt.Errorf("update user ledger: %w", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &res, nil
}

func scanPaymentRecord(row pgx.Row) (*model.PaymentRecord, error) {
	var rec model.PaymentRecord
	var kind, method, status string
	err := row.Scan(&rec.ID, &kind, &rec.SubjectID, &rec.UserID, &rec.AmountCents, &rec.Currency, &method, &rec.ExternalReference, &status, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentRecordNotFound
		}
		return nil, fmt.Errorf("scan payment record: %w", err)
	}
	rec.SubjectKind = model.SubjectKind(kind)
	rec.Method = model.PaymentMethod(method)
	rec.Status = model.PaymentStatus(status)
	return &rec, nil
}

const paymentRecordColumns = `id, subject_kind, subject_id, user_id, amount_cents, currency, method, external_reference, status, created_at, updated_at`

// GetPaymentByExternalRef возвращает платёж по внешнему идентификатору провайдера.
func (r *PostgresRepository) GetPaymentByExternalRef(ctx context.Context, reference string) (*model.PaymentRecord, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+paymentRecordColumns+` FROM payment_records WHERE external_reference = $1`,
		reference,
	)
	return scanPaymentRecord(row)
}

// GetPaymentByID возвращает платёж по внутреннему идентификатору.
func (r *PostgresRepository) GetPaymentByID(ctx context.Context, id int64) (*model.PaymentRecord, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+paymentRecordColumns+` FROM payment_records WHERE id = $1`,
		id,
	)
	return scanPaymentRecord(row)
}

// ApplyPaymentSucceeded идемпотентно применяет событие успешной оплаты.
// В одной транзакции: дедупликация по идентификатору события, условный
// переход pending/processing -> succeeded и начисления пользователю.
// Для пожертвований к сумме добавляется amount, баллы начисляются всегда.
func (r *PostgresRepository) ApplyPaymentSucceeded(ctx context.Context, eventID, eventType, reference string, points int64) (*ApplyResult, error) {
	var res ApplyResult

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		cmdTag, err := tx.Exec(ctx,
			`INSERT INTO webhook_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING`,
			eventID, eventType,
		)
		if err != nil {
			return fmt.Errorf("insert webhook event: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			res = ApplyResult{Outcome: ApplyDuplicateEvent}
			return tx.Commit(ctx)
		}

		var amountCents int64
		var kind string
		err = tx.QueryRow(ctx,
			`UPDATE payment_records
			 SET status = $2, updated_at = now()
			 WHERE external_reference = $1 AND status IN ($3, $4)
			 RETURNING user_id, amount_cents, subject_kind`,
			reference, string(model.PaymentSucceeded), string(model.PaymentPending), string(model.PaymentProcessing),
		).Scan(&res.UserID, &amountCents, &kind)
		if err != nil {
			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("transition payment: %w", err)
			}

			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM payment_records WHERE external_reference = $1)`,
				reference,
			).Scan(&exists); err != nil {
				return fmt.Errorf("check payment existence: %w", err)
			}

			if exists {
				res = ApplyResult{Outcome: ApplyAlreadyFinal}
			} else {
				res = ApplyResult{Outcome: ApplyUnknownPayment}
			}
			// Событие остаётся в журнале обработанных, повторная доставка будет no-op.
			return tx.Commit(ctx)
		}

		res.Outcome = ApplyApplied
		res.SubjectKind = model.SubjectKind(kind)

		donationDelta := int64(0)
		if res.SubjectKind == model.SubjectDonation {
			donationDelta = amountCents
		}

		err = tx.QueryRow(ctx,
			`UPDATE users
			 SET donation_total = donation_total + $2, reward_points = reward_points + $3
			 WHERE id = $1
			 RETURNING donation_total`,
			res.UserID, donationDelta, points,
		).Scan(&res.NewDonationTotal)
		if err != nil {
			return fmt.Errorf("update user ledger: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &res, nil
}

// ApplyPaymentFailed идемпотентно применяет событие неуспешной оплаты.
// Начислений не производится.
func (r *PostgresRepository) ApplyPaymentFailed(ctx context.Context, eventID, eventType, reference string) (*ApplyResult, error) {
	var res ApplyResult

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		cmdTag, err := tx.Exec(ctx,
			`INSERT INTO webhook_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING`,
			eventID, eventType,
		)
		if err != nil {
			return fmt.Errorf("insert webhook event: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			res = ApplyResult{Outcome: ApplyDuplicateEvent}
			return tx.Commit(ctx)
		}

		var kind string
		err = tx.QueryRow(ctx,
			`UPDATE payment_records
			 SET status = $2, updated_at = now()
			 WHERE external_reference = $1 AND status IN ($3, $4)
			 RETURNING user_id, subject_kind`,
			reference, string(model.PaymentFailed), string(model.PaymentPending), string(model.PaymentProcessing),
		).Scan(&res.UserID, &kind)
		if err != nil {
			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("transition payment: %w", err)
			}

			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM payment_records WHERE external_reference = $1)`,
				reference,
			).Scan(&exists); err != nil {
				return fmt.Errorf("check payment existence: %w", err)
			}

			if exists {
				res = ApplyResult{Outcome: ApplyAlreadyFinal}
			} else {
				res = ApplyResult{Outcome: ApplyUnknownPayment}
			}
			return tx.Commit(ctx)
		}

		res.Outcome = ApplyApplied
		res.SubjectKind = model.SubjectKind(kind)

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &res, nil
}

// CancelPayment переводит собственный платёж пользователя из pending в cancelled.
func (r *PostgresRepository) CancelPayment(ctx context.Context, paymentID, userID int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE payment_records
		 SET status = $3, updated_at = now()
		 WHERE id = $1 AND user_id = $2 AND status = $4`,
		paymentID, userID, string(model.PaymentCancelled), string(model.PaymentPending),
	)
	if err != nil {
		return fmt.Errorf("cancel payment: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// RefundPayment переводит платёж из succeeded в refunded. Единственный
// разрешённый переход из терминального статуса, выполняется администратором.
func (r *PostgresRepository) RefundPayment(ctx context.Context, paymentID int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE payment_records
		 SET status = $2, updated_at = now()
		 WHERE id = $1 AND status = $3`,
		paymentID, string(model.PaymentRefunded), string(model.PaymentSucceeded),
	)
	if err != nil {
		return fmt.Errorf("refund payment: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// GetStalePendingPayments возвращает зависшие платежи для фоновой сверки с провайдером.
func (r *PostgresRepository) GetStalePendingPayments(ctx context.Context, olderThan time.Duration, limit int) ([]model.PaymentRecord, error) {
	cutoff := time.Now().Add(-olderThan)

	rows, err := r.pool.Query(ctx,
		`SELECT `+paymentRecordColumns+`
		 FROM payment_records
		 WHERE status = $1 AND external_reference IS NOT NULL AND created_at < $2
		 ORDER BY created_at
		 LIMIT $3`,
		string(model.PaymentPending), cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select stale payments: %w", err)
	}
	defer rows.Close()

	var res []model.PaymentRecord
	for rows.Next() {
		rec, err := scanPaymentRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

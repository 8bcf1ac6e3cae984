package processor

import (
	"errors"
	"fmt"
	"strings"
)

// Ошибки проверки платежа. Любая из них означает отказ в предоставлении доступа.
var (
	ErrNotSucceeded     = errors.New("payment not in succeeded status")
	ErrAmountMismatch   = errors.New("payment amount mismatch")
	ErrCurrencyMismatch = errors.New("payment currency mismatch")
)

// Verify сверяет платёж провайдера с ожидаемой суммой и валютой.
// Проверка выполняется до предоставления любых прав: запись на курс
// и фиксация промокода возможны только после её успеха.
func Verify(expectedCents int64, currency string, p *Payment) error {
	if p == nil {
		return fmt.Errorf("%w: no payment object", ErrNotSucceeded)
	}

	if p.Status != StatusSucceeded {
		return fmt.Errorf("%w: status %q", ErrNotSucceeded, p.Status)
	}

	if p.Amount != expectedCents {
		return fmt.Errorf("%w: reported %d, expected %d", ErrAmountMismatch, p.Amount, expectedCents)
	}

	if !strings.EqualFold(p.Currency, currency) {
		return fmt.Errorf("%w: reported %q, expected %q", ErrCurrencyMismatch, p.Currency, currency)
	}

	return nil
}

// Package coupon содержит чистую логику расчёта скидок по промокодам.
package coupon

import (
	"errors"
	"fmt"

	"github.com/mmeshcher/coursepay-system/internal/model"
)

// ErrMinimumOrderNotMet возвращается, если сумма заказа меньше минимальной для промокода.
var ErrMinimumOrderNotMet = errors.New("order amount below coupon minimum")

// Discount содержит результат расчёта скидки в центах.
type Discount struct {
	DiscountCents int64
	FinalCents    int64
}

// Compute вычисляет скидку и итоговую сумму для промокода.
// Функция чистая: не обращается к хранилищу и детерминирована по входу.
// Суммы считаются в центах, итог никогда не опускается ниже нуля.
func Compute(c *model.Coupon, originalCents int64) (Discount, error) {
	if originalCents < 0 {
		return Discount{}, fmt.Errorf("negative order amount: %d", originalCents)
	}

	if originalCents < c.MinimumOrderCents {
		return Discount{}, ErrMinimumOrderNotMet
	}

	var discount int64

	switch c.DiscountType {
	case model.DiscountPercentage:
		// Округление half-up на целых центах.
		discount = (originalCents*c.DiscountValue + 50) / 100
		if discount > originalCents {
			discount = originalCents
		}
	case model.DiscountFixed:
		discount = c.DiscountValue
		if discount > originalCents {
			discount = originalCents
		}
	case model.DiscountFreeAccess:
		discount = originalCents
	default:
		return Discount{}, fmt.Errorf("unknown discount type: %q", c.DiscountType)
	}

	if discount < 0 {
		discount = 0
	}

	return Discount{
		DiscountCents: discount,
		FinalCents:    originalCents - discount,
	}, nil
}

package service

import "github.com/mmeshcher/coursepay-system/internal/model"

// PointsFor возвращает бонусные баллы за завершённый платёж:
// floor(сумма в мажорных единицах * 10), то есть целочисленное amountCents / 10.
func PointsFor(amountCents int64) int64 {
	if amountCents <= 0 {
		return 0
	}
	return amountCents / 10
}

// Пороги уровней членства по накопленной сумме пожертвований в центах.
var tierThresholds = []struct {
	level    model.MembershipLevel
	minCents int64
}{
	{model.MembershipPlatinum, 500000},
	{model.MembershipGold, 100000},
	{model.MembershipSilver, 50000},
	{model.MembershipBronze, 10000},
}

// TierFor возвращает уровень членства для накопленной суммы пожертвований.
// Функция чистая, используется сервисом как политика по умолчанию.
func TierFor(totalCents int64) model.MembershipLevel {
	for _, t := range tierThresholds {
		if totalCents >= t.minCents {
			return t.level
		}
	}
	return model.MembershipBasic
}

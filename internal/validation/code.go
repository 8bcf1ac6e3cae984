// Package validation содержит функции валидации входных данных.
package validation

// IsValidCouponCode проверяет формат кода промокода: от 3 до 32 символов,
// заглавные латинские буквы, цифры, дефис и подчёркивание. Коды чувствительны
// к регистру, строчные буквы не допускаются при создании.
func IsValidCouponCode(code string) bool {
	if len(code) < 3 || len(code) > 32 {
		return false
	}

	for i := 0; i < len(code); i++ {
		ch := code[i]
		switch {
		case ch >= 'A' && ch <= 'Z':
		case ch >= '0' && ch <= '9':
		case ch == '-' || ch == '_':
		default:
			return false
		}
	}

	return true
}

// IsValidCurrency проверяет, что код валюты состоит из трёх латинских букв (ISO 4217).
func IsValidCurrency(currency string) bool {
	if len(currency) != 3 {
		return false
	}

	for i := 0; i < len(currency); i++ {
		ch := currency[i]
		if (ch < 'a' || ch > 'z') && (ch < 'A' || ch > 'Z') {
			return false
		}
	}

	return true
}

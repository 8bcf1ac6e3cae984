package processor

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Типы событий вебхука провайдера.
const (
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentFailed    = "payment.failed"
)

// SignatureHeader — заголовок с HMAC-подписью тела вебхука.
const SignatureHeader = "X-Payment-Signature"

// Event описывает событие, доставленное вебхуком провайдера.
// Доставка идёт по модели at-least-once: события могут приходить
// повторно и не по порядку, ID события служит ключом дедупликации.
type Event struct {
	ID               string `json:"id"`
	Type             string `json:"type"`
	PaymentReference string `json:"payment_reference"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
}

// SignPayload вычисляет hex-подпись HMAC-SHA256 для тела вебхука.
func SignPayload(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature сверяет подпись вебхука с общим секретом.
// Сравнение выполняется в константное время.
func VerifySignature(secret, payload []byte, signature string) bool {
	if len(secret) == 0 || signature == "" {
		return false
	}

	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)

	return hmac.Equal(provided, mac.Sum(nil))
}

// ParseEvent разбирает тело вебхука. Вызывается только после проверки подписи.
func ParseEvent(payload []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	if e.ID == "" {
		return nil, fmt.Errorf("event without id")
	}
	if e.Type == "" {
		return nil, fmt.Errorf("event %s without type", e.ID)
	}

	return &e, nil
}

// Package processor предоставляет клиент платёжного провайдера и проверки его данных.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Терминальные статусы платежа на стороне провайдера.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

var (
	// ErrLookup возвращается при сетевой или временной ошибке обращения к провайдеру.
	// Такая ошибка допускает повтор, но никогда не трактуется как успех платежа.
	ErrLookup = errors.New("payment lookup failed")
	// ErrPaymentNotFound возвращается, если провайдер не знает указанный платёж.
	ErrPaymentNotFound = errors.New("payment not found")
)

// Payment описывает платёж в представлении провайдера. Сумма в минорных единицах.
type Payment struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// Client инкапсулирует HTTP-взаимодействие с платёжным провайдером.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// NewClient создаёт клиент провайдера по указанному адресу.
// Временные ошибки и ответы 5xx повторяются ограниченное число раз.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = time.Second
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc,
	}
}

// GetPayment запрашивает у провайдера платёж по внешнему идентификатору.
func (c *Client) GetPayment(ctx context.Context, reference string) (*Payment, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("%w: client not configured", ErrLookup)
	}
	if reference == "" {
		return nil, fmt.Errorf("empty payment reference")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	url := fmt.Sprintf("%s/api/payments/%s", base, reference)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLookup, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrPaymentNotFound, reference)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrLookup, resp.StatusCode)
	}

	var p Payment
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrLookup, err)
	}

	return &p, nil
}

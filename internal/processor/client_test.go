package processor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGetPayment_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("method = %s, want GET", r.Method)
		}
		if r.URL.Path != "/api/payments/pay_123" {
			t.Fatalf("path = %s, want /api/payments/pay_123", r.URL.Path)
		}

		resp := Payment{
			ID:       "pay_123",
			Status:   StatusSucceeded,
			Amount:   7500,
			Currency: "usd",
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := client.GetPayment(ctx, "pay_123")
	if err != nil {
		t.Fatalf("GetPayment error: %v", err)
	}
	if p.ID != "pay_123" || p.Status != StatusSucceeded {
		t.Fatalf("unexpected payment: %+v", p)
	}
	if p.Amount != 7500 || p.Currency != "usd" {
		t.Fatalf("unexpected amount/currency: %+v", p)
	}
}

func TestGetPayment_NotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.GetPayment(ctx, "missing")
	if !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("error = %v, want ErrPaymentNotFound", err)
	}
}

func TestGetPayment_ServerErrorIsLookupFailure(t *testing.T) {
	var calls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := client.GetPayment(ctx, "pay_500")
	if !errors.Is(err, ErrLookup) {
		t.Fatalf("error = %v, want ErrLookup", err)
	}
	if calls < 2 {
		t.Fatalf("expected retries on 5xx, got %d calls", calls)
	}
}

func TestGetPayment_NotConfigured(t *testing.T) {
	client := &Client{}

	_, err := client.GetPayment(context.Background(), "pay_1")
	if !errors.Is(err, ErrLookup) {
		t.Fatalf("error = %v, want ErrLookup", err)
	}
}

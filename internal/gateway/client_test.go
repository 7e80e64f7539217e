package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCreateInvoice_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/v1/payment" {
			t.Fatalf("path = %s, want /v1/payment", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "key" {
			t.Fatalf("missing api key header")
		}

		var req createPaymentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.PriceAmount != 9.5 || req.PriceCurrency != "usd" {
			t.Fatalf("unexpected request: %+v", req)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"payment_id": 123456, "pay_address": "ltc1qaddress", "pay_amount": 0.0521}`))
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "key", nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	invoice, err := client.CreateInvoice(ctx, 950, "UID_10_VIP", "purchase of VIP")
	if err != nil {
		t.Fatalf("CreateInvoice error: %v", err)
	}
	if invoice.PaymentID != "123456" {
		t.Fatalf("payment id = %q, want 123456", invoice.PaymentID)
	}
	if invoice.PayAddress != "ltc1qaddress" || invoice.PayAmount != "0.0521" {
		t.Fatalf("unexpected invoice: %+v", invoice)
	}
	if invoice.AmountCents != 950 {
		t.Fatalf("amount = %d, want 950", invoice.AmountCents)
	}
}

func TestCreateInvoice_StringPaymentID(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"payment_id": "abc-42", "pay_address": "addr", "pay_amount": "1.5"}`))
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "key", nil)

	invoice, err := client.CreateInvoice(context.Background(), 100, "ref", "desc")
	if err != nil {
		t.Fatalf("CreateInvoice error: %v", err)
	}
	if invoice.PaymentID != "abc-42" {
		t.Fatalf("payment id = %q, want abc-42", invoice.PaymentID)
	}
}

func TestCreateInvoice_MissingPaymentID(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message": "invalid api key"}`))
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "key", nil)

	if _, err := client.CreateInvoice(context.Background(), 100, "ref", "desc"); err == nil {
		t.Fatalf("expected error for response without payment_id")
	}
}

func TestCreateInvoice_NotConfigured(t *testing.T) {
	client := NewClient("", "", nil)

	if _, err := client.CreateInvoice(context.Background(), 100, "ref", "desc"); err == nil {
		t.Fatalf("expected error for unconfigured client")
	}
}

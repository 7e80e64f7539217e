package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/ordersmith/shopcore/internal/middleware"
	"github.com/ordersmith/shopcore/internal/model"
	"github.com/ordersmith/shopcore/internal/repository"
	"github.com/ordersmith/shopcore/internal/service"
)

type stubService struct {
	ensureUserResp *model.User
	ensureUserErr  error

	profileResp *model.User
	profileErr  error

	setCityErr error

	catalogResp []model.CatalogItem
	catalogErr  error

	quoteCents   int64
	quotePercent int
	quoteErr     error

	purchaseResp *service.PurchaseResult
	purchaseErr  error

	topupResp *model.Invoice
	topupErr  error

	notifyPaymentID string
	notifyStatus    string
	notifyAmount    int64
	notifyCalls     int
	notifyErr       error

	promoReward int64
	promoErr    error

	addStockAdded int
	addStockErr   error
}

func (s *stubService) EnsureUser(ctx context.Context, id int64, username string, referrerID int64) (*model.User, error) {
	return s.ensureUserResp, s.ensureUserErr
}

func (s *stubService) Profile(ctx context.Context, id int64) (*model.User, error) {
	return s.profileResp, s.profileErr
}

func (s *stubService) SetCity(ctx context.Context, id int64, city string) error {
	return s.setCityErr
}

func (s *stubService) Catalog(ctx context.Context, city string) ([]model.CatalogItem, error) {
	return s.catalogResp, s.catalogErr
}

func (s *stubService) QuotePrice(ctx context.Context, userID int64, title, city string) (int64, int, error) {
	return s.quoteCents, s.quotePercent, s.quoteErr
}

func (s *stubService) Purchase(ctx context.Context, userID int64, title, city string) (*service.PurchaseResult, error) {
	return s.purchaseResp, s.purchaseErr
}

func (s *stubService) CreateTopup(ctx context.Context, userID int64, amountCents int64) (*model.Invoice, error) {
	return s.topupResp, s.topupErr
}

func (s *stubService) HandleNotification(ctx context.Context, paymentID, status string, amountCents int64) error {
	s.notifyCalls++
	s.notifyPaymentID = paymentID
	s.notifyStatus = status
	s.notifyAmount = amountCents
	return s.notifyErr
}

func (s *stubService) RedeemPromo(ctx context.Context, userID int64, code string) (int64, error) {
	return s.promoReward, s.promoErr
}

func (s *stubService) AddStock(ctx context.Context, adminID int64, units []model.Unit) (int, error) {
	return s.addStockAdded, s.addStockErr
}

func newTestHandler(t *testing.T, svc Service, ipnSecret string) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewTokenAuth("")

	return NewHandler(svc, logger, auth, ipnSecret)
}

func TestPurchase_BalancePath(t *testing.T) {
	svc := &stubService{
		purchaseResp: &service.PurchaseResult{
			Unit: &model.Unit{
				Content:     "secret",
				ContentKind: model.ContentKindText,
			},
			FinalCents:      950,
			DiscountPercent: 5,
		},
	}
	h := newTestHandler(t, svc, "")

	body, _ := json.Marshal(purchaseRequest{UserID: 10, Title: "VIP", City: "C"})
	req := httptest.NewRequest(http.MethodPost, "/api/purchase", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Purchase(rec, req)

	res := rec.Result()
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp contentResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Content != "secret" || resp.Price != 9.5 || resp.DiscountPercent != 5 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestPurchase_DeferredPath(t *testing.T) {
	svc := &stubService{
		purchaseResp: &service.PurchaseResult{
			Invoice: &model.Invoice{
				PaymentID:   "12345",
				PayAddress:  "ltc1qaddress",
				PayAmount:   "0.05",
				AmountCents: 950,
			},
			FinalCents: 950,
		},
	}
	h := newTestHandler(t, svc, "")

	body, _ := json.Marshal(purchaseRequest{UserID: 10, Title: "VIP", City: "C"})
	req := httptest.NewRequest(http.MethodPost, "/api/purchase", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Purchase(rec, req)

	res := rec.Result()
	defer res.Body.Close()
	if res.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusPaymentRequired)
	}

	var resp invoiceResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.PaymentID != "12345" || resp.PayAddress != "ltc1qaddress" || resp.Amount != 9.5 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestPurchase_OutOfStock(t *testing.T) {
	svc := &stubService{purchaseErr: repository.ErrOutOfStock}
	h := newTestHandler(t, svc, "")

	body, _ := json.Marshal(purchaseRequest{UserID: 10, Title: "VIP", City: "C"})
	req := httptest.NewRequest(http.MethodPost, "/api/purchase", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Purchase(rec, req)

	if rec.Result().StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusConflict)
	}
}

func TestPurchase_GatewayUnavailable(t *testing.T) {
	svc := &stubService{purchaseErr: service.ErrGatewayUnavailable}
	h := newTestHandler(t, svc, "")

	body, _ := json.Marshal(purchaseRequest{UserID: 10, Title: "VIP", City: "C"})
	req := httptest.NewRequest(http.MethodPost, "/api/purchase", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Purchase(rec, req)

	if rec.Result().StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusBadGateway)
	}
}

func TestPaymentNotification_NumericPaymentID(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc, "")

	body := []byte(`{"payment_id": 987654, "payment_status": "confirmed", "amount": 15.0}`)
	req := httptest.NewRequest(http.MethodPost, "/api/payments/ipn", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.PaymentNotification(rec, req)

	res := rec.Result()
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	if svc.notifyCalls != 1 {
		t.Fatalf("notify calls = %d, want 1", svc.notifyCalls)
	}
	if svc.notifyPaymentID != "987654" || svc.notifyStatus != "confirmed" || svc.notifyAmount != 1500 {
		t.Fatalf("unexpected notification: %q %q %d", svc.notifyPaymentID, svc.notifyStatus, svc.notifyAmount)
	}
}

func TestPaymentNotification_MalformedAcked(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc, "")

	req := httptest.NewRequest(http.MethodPost, "/api/payments/ipn", bytes.NewReader([]byte(`{not json`)))
	rec := httptest.NewRecorder()

	h.PaymentNotification(rec, req)

	res := rec.Result()
	defer res.Body.Close()
	// Некорректное уведомление подтверждается, чтобы шлюз не повторял его.
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if svc.notifyCalls != 0 {
		t.Fatalf("service must not be called for malformed payload")
	}
}

func TestPaymentNotification_InvalidSignature(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc, "topsecret")

	body := []byte(`{"payment_id": "1", "payment_status": "confirmed"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/payments/ipn", bytes.NewReader(body))
	req.Header.Set(ipnSignatureHeader, "deadbeef")
	rec := httptest.NewRecorder()

	h.PaymentNotification(rec, req)

	if rec.Result().StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusForbidden)
	}
	if svc.notifyCalls != 0 {
		t.Fatalf("service must not be called for unsigned payload")
	}
}

func TestPaymentNotification_ValidSignature(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc, "topsecret")

	body := []byte(`{"payment_id": "1", "payment_status": "confirmed", "amount": 1}`)

	mac := signBody(body, "topsecret")
	req := httptest.NewRequest(http.MethodPost, "/api/payments/ipn", bytes.NewReader(body))
	req.Header.Set(ipnSignatureHeader, mac)
	rec := httptest.NewRecorder()

	h.PaymentNotification(rec, req)

	if rec.Result().StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusOK)
	}
	if svc.notifyCalls != 1 {
		t.Fatalf("notify calls = %d, want 1", svc.notifyCalls)
	}
}

func TestGetCatalog_Empty(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc, "")

	req := httptest.NewRequest(http.MethodGet, "/api/catalog?city=C", nil)
	rec := httptest.NewRecorder()

	h.GetCatalog(rec, req)

	if rec.Result().StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusNoContent)
	}
}

func TestAddStock_Forbidden(t *testing.T) {
	svc := &stubService{addStockErr: service.ErrNotAdmin}
	h := newTestHandler(t, svc, "")

	body, _ := json.Marshal(addStockRequest{
		AdminID: 99,
		Units: []stockUnitRequest{{
			Title: "VIP", Price: 10, Content: "c", City: "C",
		}},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/admin/stock", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.AddStock(rec, req)

	if rec.Result().StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusForbidden)
	}
}

func TestRouter_RequiresToken(t *testing.T) {
	svc := &stubService{catalogResp: []model.CatalogItem{{Title: "VIP", PriceCents: 1000, Count: 1}}}

	logger := zap.NewNop()
	auth := middleware.NewTokenAuth("api-token")
	h := NewHandler(svc, logger, auth, "")

	ts := httptest.NewServer(h.SetupRouter(nil))
	defer ts.Close()

	// Без токена.
	resp, err := http.Get(ts.URL + "/api/catalog?city=C")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}

	// С токеном.
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/catalog?city=C", nil)
	req.Header.Set("Authorization", "Bearer api-token")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	// Webhook доступен без токена.
	resp, err = http.Post(ts.URL+"/api/payments/ipn", "application/json",
		bytes.NewReader([]byte(`{"payment_id":"1","payment_status":"waiting"}`)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

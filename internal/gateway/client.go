// Package gateway предоставляет клиент внешнего платёжного шлюза.
//
// Шлюз для сервиса непрозрачен: клиент не проверяет формат платёжного
// адреса и не пересчитывает курс, а лишь передаёт сумму счёта и
// возвращает выданные шлюзом реквизиты.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ordersmith/shopcore/internal/model"
)

// Client инкапсулирует HTTP-взаимодействие с платёжным шлюзом.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient создаёт HTTP-клиент платёжного шлюза. Временные сбои при
// создании счёта повторяются на транспортном уровне.
func NewClient(baseURL, apiKey string, logger *zap.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.HTTPClient.Timeout = 10 * time.Second
	rc.Logger = nil
	if logger != nil {
		rc.Logger = zap.NewStdLog(logger.Named("gateway"))
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: rc.StandardClient(),
	}
}

type createPaymentRequest struct {
	PriceAmount      float64 `json:"price_amount"`
	PriceCurrency    string  `json:"price_currency"`
	PayCurrency      string  `json:"pay_currency"`
	OrderID          string  `json:"order_id"`
	OrderDescription string  `json:"order_description"`
}

// flexString принимает значение, которое шлюз присылает то числом, то
// строкой.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type createPaymentResponse struct {
	PaymentID  flexString `json:"payment_id"`
	PayAddress string     `json:"pay_address"`
	PayAmount  flexString `json:"pay_amount"`
}

// CreateInvoice запрашивает у шлюза счёт на указанную сумму в центах.
// Возвращённый платёжный идентификатор глобально уникален и служит
// ключом идемпотентности для последующих уведомлений.
func (c *Client) CreateInvoice(ctx context.Context, amountCents int64, orderRef, description string) (*model.Invoice, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("gateway client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}

	amount, _ := decimal.NewFromInt(amountCents).Div(decimal.NewFromInt(100)).Float64()

	payload := createPaymentRequest{
		PriceAmount:      amount,
		PriceCurrency:    "usd",
		PayCurrency:      "ltc",
		OrderID:          orderRef,
		OrderDescription: description,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/payment", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result createPaymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if result.PaymentID == "" {
		return nil, fmt.Errorf("gateway response without payment_id")
	}

	return &model.Invoice{
		PaymentID:   string(result.PaymentID),
		PayAddress:  result.PayAddress,
		PayAmount:   string(result.PayAmount),
		AmountCents: amountCents,
	}, nil
}

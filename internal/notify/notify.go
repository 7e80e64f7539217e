// Package notify содержит доставку сообщений покупателю через чат-фронтенд.
//
// Доставка выполняется по принципу best effort: ошибка доставки
// логируется вызывающей стороной и никогда не влияет на состояние
// платёжного цикла.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/ordersmith/shopcore/internal/model"
)

// Notifier доставляет содержимое покупки или текстовое сообщение
// пользователю чата.
type Notifier interface {
	DeliverContent(ctx context.Context, userID int64, content string, kind model.ContentKind) error
	DeliverText(ctx context.Context, userID int64, text string) error
}

// HTTPNotifier отправляет сообщения на endpoint чат-фронтенда.
type HTTPNotifier struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPNotifier создаёт нотификатор, доставляющий сообщения по HTTP.
func NewHTTPNotifier(baseURL string, logger *zap.Logger) *HTTPNotifier {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 1
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil
	if logger != nil {
		rc.Logger = zap.NewStdLog(logger.Named("notify"))
	}

	return &HTTPNotifier{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc.StandardClient(),
	}
}

type deliverRequest struct {
	UserID  int64  `json:"user_id"`
	Content string `json:"content"`
	Kind    string `json:"kind"`
}

// DeliverContent отправляет пользователю оплаченное содержимое товара.
func (n *HTTPNotifier) DeliverContent(ctx context.Context, userID int64, content string, kind model.ContentKind) error {
	return n.post(ctx, deliverRequest{
		UserID:  userID,
		Content: content,
		Kind:    string(kind),
	})
}

// DeliverText отправляет пользователю текстовое сообщение.
func (n *HTTPNotifier) DeliverText(ctx context.Context, userID int64, text string) error {
	return n.post(ctx, deliverRequest{
		UserID:  userID,
		Content: text,
		Kind:    string(model.ContentKindText),
	})
}

func (n *HTTPNotifier) post(ctx context.Context, payload deliverRequest) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/send", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return nil
}

// Nop используется, когда адрес чат-фронтенда не сконфигурирован.
type Nop struct{}

// DeliverContent ничего не делает.
func (Nop) DeliverContent(ctx context.Context, userID int64, content string, kind model.ContentKind) error {
	return nil
}

// DeliverText ничего не делает.
func (Nop) DeliverText(ctx context.Context, userID int64, text string) error {
	return nil
}

package handler

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"
)

// Заголовок с подписью тела уведомления.
const ipnSignatureHeader = "X-Shopcore-Sig"

type ipnRequest struct {
	PaymentID json.RawMessage `json:"payment_id"`
	Status    string          `json:"payment_status"`
	Amount    float64         `json:"amount"`
}

type ipnResponse struct {
	OK bool `json:"ok"`
}

// PaymentNotification обрабатывает входящее уведомление платёжного
// шлюза. Уведомления доставляются как минимум один раз; после успешной
// обработки повторная доставка того же платежа не производит эффекта.
// Некорректные полезные нагрузки логируются и подтверждаются, чтобы не
// провоцировать шлюз на бесконечные повторы; ошибкой отвечаем только на
// сбой хранилища, когда повтор действительно может помочь.
func (h *Handler) PaymentNotification(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if h.ipnSecret != "" && !h.verifySignature(body, r.Header.Get(ipnSignatureHeader)) {
		h.logger.Warn("notification with invalid signature")
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	var req ipnRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.logger.Warn("malformed notification", zap.Error(err))
		writeJSON(w, http.StatusOK, ipnResponse{OK: true})
		return
	}

	paymentID := normalizePaymentID(req.PaymentID)
	if paymentID == "" {
		h.logger.Warn("notification without payment_id")
		writeJSON(w, http.StatusOK, ipnResponse{OK: true})
		return
	}

	if err := h.service.HandleNotification(r.Context(), paymentID, req.Status, cents(req.Amount)); err != nil {
		h.logger.Error("handle notification error",
			zap.Error(err), zap.String("paymentID", paymentID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, ipnResponse{OK: true})
}

func (h *Handler) verifySignature(body []byte, signature string) bool {
	return hmac.Equal([]byte(signature), []byte(signBody(body, h.ipnSecret)))
}

func signBody(body []byte, secret string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Шлюз присылает payment_id то числом, то строкой.
func normalizePaymentID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}

	return ""
}

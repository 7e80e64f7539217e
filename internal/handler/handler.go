// Package handler содержит HTTP-обработчики API сервиса.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ordersmith/shopcore/internal/middleware"
	"github.com/ordersmith/shopcore/internal/model"
	"github.com/ordersmith/shopcore/internal/repository"
	"github.com/ordersmith/shopcore/internal/service"
	"github.com/ordersmith/shopcore/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	EnsureUser(ctx context.Context, id int64, username string, referrerID int64) (*model.User, error)
	Profile(ctx context.Context, id int64) (*model.User, error)
	SetCity(ctx context.Context, id int64, city string) error
	Catalog(ctx context.Context, city string) ([]model.CatalogItem, error)
	QuotePrice(ctx context.Context, userID int64, title, city string) (int64, int, error)
	Purchase(ctx context.Context, userID int64, title, city string) (*service.PurchaseResult, error)
	CreateTopup(ctx context.Context, userID int64, amountCents int64) (*model.Invoice, error)
	HandleNotification(ctx context.Context, paymentID, status string, amountCents int64) error
	RedeemPromo(ctx context.Context, userID int64, code string) (int64, error)
	AddStock(ctx context.Context, adminID int64, units []model.Unit) (int, error)
}

// Handler реализует HTTP-обработчики API сервиса.
type Handler struct {
	service   Service
	logger    *zap.Logger
	tokenAuth *middleware.TokenAuth
	ipnSecret string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.TokenAuth, ipnSecret string) *Handler {
	return &Handler{
		service:   s,
		logger:    logger,
		tokenAuth: auth,
		ipnSecret: ipnSecret,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func cents(dollars float64) int64 {
	return int64(dollars*100 + 0.5)
}

func dollars(cents int64) float64 {
	return float64(cents) / 100
}

type ensureUserRequest struct {
	UserID     int64  `json:"user_id"`
	Username   string `json:"username"`
	ReferrerID int64  `json:"referrer_id,omitempty"`
}

type userResponse struct {
	ID            int64   `json:"id"`
	Username      string  `json:"username"`
	Balance       float64 `json:"balance"`
	City          string  `json:"city"`
	ReferralCount int     `json:"referral_count"`
	PromoUsed     bool    `json:"promo_used"`
}

func toUserResponse(u *model.User) userResponse {
	return userResponse{
		ID:            u.ID,
		Username:      u.Username,
		Balance:       dollars(u.BalanceCents),
		City:          u.City,
		ReferralCount: u.ReferralCount,
		PromoUsed:     u.PromoUsed,
	}
}

// EnsureUser регистрирует пользователя при первом обращении.
func (h *Handler) EnsureUser(w http.ResponseWriter, r *http.Request) {
	var req ensureUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	user, err := h.service.EnsureUser(r.Context(), req.UserID, req.Username, req.ReferrerID)
	if err != nil {
		h.logger.Error("ensure user error", zap.Error(err), zap.Int64("userID", req.UserID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, toUserResponse(user))
}

func userIDFromURL(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	return id, err == nil && id != 0
}

// GetProfile возвращает профиль пользователя.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromURL(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	user, err := h.service.Profile(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get profile error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, toUserResponse(user))
}

type setCityRequest struct {
	City string `json:"city"`
}

// SetCity сохраняет выбранный пользователем город.
func (h *Handler) SetCity(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromURL(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req setCityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !validation.IsValidTitle(req.City) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.SetCity(r.Context(), userID, req.City); err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("set city error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type catalogItemResponse struct {
	Title string  `json:"title"`
	Price float64 `json:"price"`
	Count int     `json:"count"`
}

// GetCatalog возвращает витрину указанного города.
func (h *Handler) GetCatalog(w http.ResponseWriter, r *http.Request) {
	city := r.URL.Query().Get("city")
	if !validation.IsValidTitle(city) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	items, err := h.service.Catalog(r.Context(), city)
	if err != nil {
		h.logger.Error("get catalog error", zap.Error(err), zap.String("city", city))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(items) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]catalogItemResponse, 0, len(items))
	for _, item := range items {
		resp = append(resp, catalogItemResponse{
			Title: item.Title,
			Price: dollars(item.PriceCents),
			Count: item.Count,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

type purchaseRequest struct {
	UserID int64  `json:"user_id"`
	Title  string `json:"title"`
	City   string `json:"city"`
}

type contentResponse struct {
	Content         string  `json:"content"`
	ContentKind     string  `json:"content_kind"`
	Price           float64 `json:"price"`
	DiscountPercent int     `json:"discount_percent"`
}

type invoiceResponse struct {
	PaymentID  string  `json:"payment_id"`
	PayAddress string  `json:"pay_address"`
	PayAmount  string  `json:"pay_amount"`
	Amount     float64 `json:"amount"`
}

// Purchase обрабатывает запрос на покупку: при достаточном балансе сразу
// возвращает содержимое товара, иначе выставляет счёт и отвечает 402.
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil ||
		req.UserID == 0 || !validation.IsValidTitle(req.Title) || !validation.IsValidTitle(req.City) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	result, err := h.service.Purchase(r.Context(), req.UserID, req.Title, req.City)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrUserNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrOutOfStock):
			http.Error(w, "out of stock", http.StatusConflict)
		case errors.Is(err, service.ErrGatewayUnavailable):
			http.Error(w, "payment system unavailable", http.StatusBadGateway)
		default:
			h.logger.Error("purchase error", zap.Error(err),
				zap.Int64("userID", req.UserID), zap.String("title", req.Title))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	if result.Unit != nil {
		writeJSON(w, http.StatusOK, contentResponse{
			Content:         result.Unit.Content,
			ContentKind:     string(result.Unit.ContentKind),
			Price:           dollars(result.FinalCents),
			DiscountPercent: result.DiscountPercent,
		})
		return
	}

	writeJSON(w, http.StatusPaymentRequired, invoiceResponse{
		PaymentID:  result.Invoice.PaymentID,
		PayAddress: result.Invoice.PayAddress,
		PayAmount:  result.Invoice.PayAmount,
		Amount:     dollars(result.Invoice.AmountCents),
	})
}

type quoteResponse struct {
	Price           float64 `json:"price"`
	DiscountPercent int     `json:"discount_percent"`
}

// QuotePrice возвращает цену товара для пользователя с учётом скидки.
func (h *Handler) QuotePrice(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	title := r.URL.Query().Get("title")
	city := r.URL.Query().Get("city")
	if err != nil || userID == 0 || !validation.IsValidTitle(title) || !validation.IsValidTitle(city) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	finalCents, percent, err := h.service.QuotePrice(r.Context(), userID, title, city)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrUserNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrOutOfStock):
			http.Error(w, "out of stock", http.StatusConflict)
		default:
			h.logger.Error("quote price error", zap.Error(err), zap.String("title", title))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, quoteResponse{
		Price:           dollars(finalCents),
		DiscountPercent: percent,
	})
}

type topupRequest struct {
	UserID int64   `json:"user_id"`
	Amount float64 `json:"amount"`
}

// CreateTopup выставляет счёт на пополнение баланса.
func (h *Handler) CreateTopup(w http.ResponseWriter, r *http.Request) {
	var req topupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	amountCents := cents(req.Amount)
	if !validation.IsValidAmount(amountCents) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	invoice, err := h.service.CreateTopup(r.Context(), req.UserID, amountCents)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrUserNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrGatewayUnavailable):
			http.Error(w, "payment system unavailable", http.StatusBadGateway)
		default:
			h.logger.Error("create topup error", zap.Error(err), zap.Int64("userID", req.UserID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, invoiceResponse{
		PaymentID:  invoice.PaymentID,
		PayAddress: invoice.PayAddress,
		PayAmount:  invoice.PayAmount,
		Amount:     dollars(invoice.AmountCents),
	})
}

type promoRequest struct {
	UserID int64  `json:"user_id"`
	Code   string `json:"code"`
}

type promoResponse struct {
	Reward float64 `json:"reward"`
}

// RedeemPromo активирует промокод пользователя.
func (h *Handler) RedeemPromo(w http.ResponseWriter, r *http.Request) {
	var req promoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == 0 || req.Code == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	rewardCents, err := h.service.RedeemPromo(r.Context(), req.UserID, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrUnknownPromo):
			http.Error(w, "unknown promo code", http.StatusNotFound)
		case errors.Is(err, repository.ErrPromoUsed):
			http.Error(w, "promo already used", http.StatusConflict)
		case errors.Is(err, repository.ErrUserNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		default:
			h.logger.Error("redeem promo error", zap.Error(err), zap.Int64("userID", req.UserID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, promoResponse{Reward: dollars(rewardCents)})
}

type stockUnitRequest struct {
	Title       string  `json:"title"`
	Price       float64 `json:"price"`
	Content     string  `json:"content"`
	ContentKind string  `json:"content_kind"`
	City        string  `json:"city"`
}

type addStockRequest struct {
	AdminID int64              `json:"admin_id"`
	Units   []stockUnitRequest `json:"units"`
}

type addStockResponse struct {
	Added int `json:"added"`
}

// AddStock добавляет партию единиц товара: по одной строке на каждую
// физическую единицу.
func (h *Handler) AddStock(w http.ResponseWriter, r *http.Request) {
	var req addStockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AdminID == 0 || len(req.Units) == 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	units := make([]model.Unit, 0, len(req.Units))
	for _, u := range req.Units {
		kind := u.ContentKind
		if kind == "" {
			kind = string(model.ContentKindText)
		}

		priceCents := cents(u.Price)
		if !validation.IsValidTitle(u.Title) || !validation.IsValidTitle(u.City) ||
			!validation.IsValidAmount(priceCents) || !validation.IsValidContentKind(kind) || u.Content == "" {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}

		units = append(units, model.Unit{
			Title:       u.Title,
			PriceCents:  priceCents,
			Content:     u.Content,
			ContentKind: model.ContentKind(kind),
			City:        u.City,
		})
	}

	added, err := h.service.AddStock(r.Context(), req.AdminID, units)
	if err != nil {
		if errors.Is(err, service.ErrNotAdmin) {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		h.logger.Error("add stock error", zap.Error(err), zap.Int64("adminID", req.AdminID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, addStockResponse{Added: added})
}

// Package service реализует движок сверки заказов и склада.
//
// Движок обрабатывает два входа: запрос на покупку (немедленная оплата с
// баланса либо отложенная оплата через платёжный шлюз) и входящее
// платёжное уведомление. Уведомления доставляются как минимум один раз
// и в произвольном порядке; единственный механизм дедупликации —
// условный переход заказа waiting -> paid по платёжному идентификатору.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ordersmith/shopcore/internal/metrics"
	"github.com/ordersmith/shopcore/internal/model"
	"github.com/ordersmith/shopcore/internal/notify"
	"github.com/ordersmith/shopcore/internal/pricing"
	"github.com/ordersmith/shopcore/internal/repository"
)

// ErrGatewayUnavailable возвращается, когда платёжный шлюз не смог
// выставить счёт. Состояние при этом не меняется, пользователь может
// повторить попытку.
var (
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrUnknownPromo возвращается для промокода, отсутствующего в таблице.
	ErrUnknownPromo = errors.New("unknown promo code")
	// ErrNotAdmin возвращается при попытке администрирования без прав.
	ErrNotAdmin = errors.New("not an admin")
)

// Repository описывает контракт доступа к данным, используемый движком.
type Repository interface {
	Close() error
	EnsureUser(ctx context.Context, id int64, username, city string) (bool, error)
	GetUser(ctx context.Context, id int64) (*model.User, error)
	SetCity(ctx context.Context, id int64, city string) error
	IncrementReferrals(ctx context.Context, id int64) error
	Debit(ctx context.Context, id int64, amountCents int64) error
	Credit(ctx context.Context, id int64, amountCents int64) error
	RedeemPromo(ctx context.Context, id int64, rewardCents int64) error
	AddUnits(ctx context.Context, units []model.Unit) (int, error)
	ListCatalog(ctx context.Context, city string) ([]model.CatalogItem, error)
	QuoteListPrice(ctx context.Context, title, city string) (int64, error)
	ClaimUnit(ctx context.Context, title, city string) (*model.Unit, error)
	CreateOrder(ctx context.Context, o *model.Order) error
	GetOrderByPayment(ctx context.Context, paymentID string) (*model.Order, error)
	MarkOrderPaid(ctx context.Context, paymentID string) (*model.Order, bool, error)
	BindOrderUnit(ctx context.Context, orderID, unitID int64) error
}

// InvoiceCreator описывает контракт клиента платёжного шлюза.
type InvoiceCreator interface {
	CreateInvoice(ctx context.Context, amountCents int64, orderRef, description string) (*model.Invoice, error)
}

// Options содержит внедряемую конфигурацию движка: предикат
// административных прав и таблицу промокодов.
type Options struct {
	AdminIDs    []int64
	PromoCodes  map[string]int64
	DefaultCity string
}

// Service реализует бизнес-логику магазина.
type Service struct {
	repo        Repository
	gateway     InvoiceCreator
	notifier    notify.Notifier
	logger      *zap.Logger
	metrics     *metrics.Metrics
	admins      map[int64]struct{}
	promoCodes  map[string]int64
	defaultCity string
}

// NewService создаёт движок с указанными репозиторием, клиентом
// платёжного шлюза и нотификатором. gw может быть nil, тогда отложенный
// путь оплаты недоступен и покупки без достаточного баланса завершаются
// ошибкой шлюза.
func NewService(repo Repository, gw InvoiceCreator, n notify.Notifier, logger *zap.Logger, m *metrics.Metrics, opts Options) *Service {
	if n == nil {
		n = notify.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	admins := make(map[int64]struct{}, len(opts.AdminIDs))
	for _, id := range opts.AdminIDs {
		admins[id] = struct{}{}
	}

	city := opts.DefaultCity
	if city == "" {
		city = "Bukhara"
	}

	return &Service{
		repo:        repo,
		gateway:     gw,
		notifier:    n,
		logger:      logger,
		metrics:     m,
		admins:      admins,
		promoCodes:  opts.PromoCodes,
		defaultCity: city,
	}
}

// Close закрывает ресурсы движка.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// EnsureUser регистрирует пользователя при первом обращении и обновляет
// имя при повторных. Если пользователь новый и указан пригласивший, его
// счётчик приглашённых увеличивается.
func (s *Service) EnsureUser(ctx context.Context, id int64, username string, referrerID int64) (*model.User, error) {
	created, err := s.repo.EnsureUser(ctx, id, username, s.defaultCity)
	if err != nil {
		return nil, err
	}

	if created && referrerID != 0 && referrerID != id {
		if err := s.repo.IncrementReferrals(ctx, referrerID); err != nil {
			// Неизвестный пригласивший не мешает регистрации.
			s.logger.Warn("increment referrals failed",
				zap.Int64("referrerID", referrerID), zap.Error(err))
		}
	}

	return s.repo.GetUser(ctx, id)
}

// Profile возвращает профиль пользователя.
func (s *Service) Profile(ctx context.Context, id int64) (*model.User, error) {
	return s.repo.GetUser(ctx, id)
}

// SetCity сохраняет выбранный пользователем город.
func (s *Service) SetCity(ctx context.Context, id int64, city string) error {
	return s.repo.SetCity(ctx, id, city)
}

// Catalog возвращает витрину города.
func (s *Service) Catalog(ctx context.Context, city string) ([]model.CatalogItem, error) {
	return s.repo.ListCatalog(ctx, city)
}

// QuotePrice возвращает цену товара для пользователя с учётом его
// реферальной скидки.
func (s *Service) QuotePrice(ctx context.Context, userID int64, title, city string) (int64, int, error) {
	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return 0, 0, err
	}

	listCents, err := s.repo.QuoteListPrice(ctx, title, city)
	if err != nil {
		return 0, 0, err
	}

	percent := pricing.Discount(user.ReferralCount)
	return pricing.FinalPrice(listCents, percent), percent, nil
}

// PurchaseResult содержит исход запроса на покупку: либо содержимое
// купленной единицы (немедленная оплата с баланса), либо счёт на оплату
// (отложенный путь через шлюз).
type PurchaseResult struct {
	Unit            *model.Unit
	Invoice         *model.Invoice
	FinalCents      int64
	DiscountPercent int
}

// Purchase обрабатывает запрос на покупку. Если баланса хватает,
// списание, продажа единицы и фиксация оплаченного заказа выполняются
// сразу; единственная компенсирующая операция системы — возврат
// списанной суммы, если единица исчезла между котировкой и продажей.
// При нехватке баланса движок выставляет счёт через шлюз и создаёт
// ожидающий заказ без привязки к единице: единица будет выбрана в
// момент подтверждения оплаты.
func (s *Service) Purchase(ctx context.Context, userID int64, title, city string) (*PurchaseResult, error) {
	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		s.metrics.Purchase(metrics.ResultError)
		return nil, err
	}

	listCents, err := s.repo.QuoteListPrice(ctx, title, city)
	if err != nil {
		if errors.Is(err, repository.ErrOutOfStock) {
			s.metrics.Purchase(metrics.ResultOutOfStock)
		} else {
			s.metrics.Purchase(metrics.ResultError)
		}
		return nil, err
	}

	percent := pricing.Discount(user.ReferralCount)
	finalCents := pricing.FinalPrice(listCents, percent)

	err = s.repo.Debit(ctx, userID, finalCents)
	switch {
	case err == nil:
		return s.fulfillFromBalance(ctx, userID, title, city, finalCents, percent)
	case errors.Is(err, repository.ErrInsufficientFunds):
		return s.deferToGateway(ctx, userID, title, city, finalCents, percent)
	default:
		s.metrics.Purchase(metrics.ResultError)
		return nil, err
	}
}

func (s *Service) fulfillFromBalance(ctx context.Context, userID int64, title, city string, finalCents int64, percent int) (*PurchaseResult, error) {
	unit, err := s.repo.ClaimUnit(ctx, title, city)
	if err != nil {
		// Единица ушла другому покупателю между котировкой и продажей:
		// возвращаем списанную сумму.
		if creditErr := s.repo.Credit(ctx, userID, finalCents); creditErr != nil {
			s.logger.Error("debit reversal failed",
				zap.Int64("userID", userID),
				zap.Int64("amountCents", finalCents),
				zap.Error(creditErr))
		}

		if errors.Is(err, repository.ErrOutOfStock) {
			s.metrics.Purchase(metrics.ResultOutOfStock)
			return nil, repository.ErrOutOfStock
		}
		s.metrics.Purchase(metrics.ResultError)
		return nil, err
	}

	order := &model.Order{
		PaymentID:   "balance:" + uuid.NewString(),
		UserID:      userID,
		UnitID:      &unit.ID,
		AmountCents: finalCents,
		Status:      model.OrderStatusPaid,
		Kind:        model.OrderKindProduct,
		Title:       title,
		City:        city,
	}
	if err := s.repo.CreateOrder(ctx, order); err != nil {
		// Единица продана и оплачена; отсутствие аудиторской записи не
		// должно отменять покупку.
		s.logger.Error("create paid order failed",
			zap.Int64("userID", userID), zap.String("title", title), zap.Error(err))
	}

	s.metrics.Purchase(metrics.ResultBalance)
	return &PurchaseResult{
		Unit:            unit,
		FinalCents:      finalCents,
		DiscountPercent: percent,
	}, nil
}

func (s *Service) deferToGateway(ctx context.Context, userID int64, title, city string, finalCents int64, percent int) (*PurchaseResult, error) {
	if s.gateway == nil {
		s.metrics.Purchase(metrics.ResultGatewayError)
		return nil, ErrGatewayUnavailable
	}

	orderRef := fmt.Sprintf("UID_%d_%s", userID, title)
	invoice, err := s.gateway.CreateInvoice(ctx, finalCents, orderRef, "purchase of "+title)
	if err != nil {
		s.metrics.Purchase(metrics.ResultGatewayError)
		return nil, fmt.Errorf("%w: %s", ErrGatewayUnavailable, err)
	}

	order := &model.Order{
		PaymentID:   invoice.PaymentID,
		UserID:      userID,
		AmountCents: finalCents,
		Status:      model.OrderStatusWaiting,
		Kind:        model.OrderKindProduct,
		Title:       title,
		City:        city,
	}
	if err := s.repo.CreateOrder(ctx, order); err != nil {
		s.metrics.Purchase(metrics.ResultError)
		return nil, err
	}

	s.metrics.Purchase(metrics.ResultInvoice)
	return &PurchaseResult{
		Invoice:         invoice,
		FinalCents:      finalCents,
		DiscountPercent: percent,
	}, nil
}

// CreateTopup выставляет счёт на пополнение баланса и создаёт ожидающий
// заказ без привязки к товару.
func (s *Service) CreateTopup(ctx context.Context, userID int64, amountCents int64) (*model.Invoice, error) {
	if amountCents <= 0 {
		return nil, fmt.Errorf("topup amount must be positive")
	}

	if _, err := s.repo.GetUser(ctx, userID); err != nil {
		return nil, err
	}

	if s.gateway == nil {
		return nil, ErrGatewayUnavailable
	}

	orderRef := fmt.Sprintf("UID_%d_TOPUP", userID)
	invoice, err := s.gateway.CreateInvoice(ctx, amountCents, orderRef, "balance topup")
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrGatewayUnavailable, err)
	}

	order := &model.Order{
		PaymentID:   invoice.PaymentID,
		UserID:      userID,
		AmountCents: amountCents,
		Status:      model.OrderStatusWaiting,
		Kind:        model.OrderKindTopup,
	}
	if err := s.repo.CreateOrder(ctx, order); err != nil {
		return nil, err
	}

	return invoice, nil
}

// Статусы шлюза, означающие подтверждённую оплату.
var successStatuses = map[string]struct{}{
	"confirmed": {},
	"finished":  {},
}

// HandleNotification обрабатывает входящее платёжное уведомление.
// Возвращает ошибку только при сбое хранилища до перехода заказа в
// оплаченное состояние: такой сбой безопасно отдать шлюзу на повтор.
// Все остальные исходы, включая дубликаты и неизвестные платежи,
// завершаются без ошибки и должны быть подтверждены шлюзу.
func (s *Service) HandleNotification(ctx context.Context, paymentID, status string, amountCents int64) error {
	if _, ok := successStatuses[status]; !ok {
		s.logger.Debug("notification ignored",
			zap.String("paymentID", paymentID), zap.String("status", status))
		s.metrics.Notification(metrics.ResultIgnored)
		return nil
	}

	if _, err := s.repo.GetOrderByPayment(ctx, paymentID); err != nil {
		if errors.Is(err, repository.ErrUnknownOrder) {
			s.logger.Info("notification for unknown order", zap.String("paymentID", paymentID))
			s.metrics.Notification(metrics.ResultUnknown)
			return nil
		}
		s.metrics.Notification(metrics.ResultError)
		return err
	}

	order, won, err := s.repo.MarkOrderPaid(ctx, paymentID)
	if err != nil {
		s.metrics.Notification(metrics.ResultError)
		return err
	}
	if !won {
		s.logger.Info("duplicate notification", zap.String("paymentID", paymentID))
		s.metrics.Notification(metrics.ResultDuplicate)
		return nil
	}

	switch order.Kind {
	case model.OrderKindTopup:
		s.settleTopup(ctx, order, amountCents)
	default:
		s.settleProduct(ctx, order)
	}

	return nil
}

// settleProduct выбирает единицу для оплаченного заказа и доставляет
// содержимое. Заказ уже оплачен, поэтому любые сбои здесь логируются и
// не возвращаются шлюзу: повторная доставка уведомления всё равно будет
// отброшена дедупликацией.
func (s *Service) settleProduct(ctx context.Context, order *model.Order) {
	unit, err := s.repo.ClaimUnit(ctx, order.Title, order.City)
	if err != nil {
		s.logger.Error("claim after payment failed",
			zap.String("paymentID", order.PaymentID),
			zap.String("title", order.Title),
			zap.String("city", order.City),
			zap.Error(err))

		if deliverErr := s.notifier.DeliverText(ctx, order.UserID,
			"Payment received, but the item is out of stock. Please contact support."); deliverErr != nil {
			s.logger.Warn("apology delivery failed",
				zap.Int64("userID", order.UserID), zap.Error(deliverErr))
		}

		s.metrics.Notification(metrics.ResultOutOfStock)
		return
	}

	if err := s.repo.BindOrderUnit(ctx, order.ID, unit.ID); err != nil {
		s.logger.Error("bind order unit failed",
			zap.Int64("orderID", order.ID), zap.Int64("unitID", unit.ID), zap.Error(err))
	}

	if err := s.notifier.DeliverContent(ctx, order.UserID, unit.Content, unit.ContentKind); err != nil {
		s.logger.Warn("content delivery failed",
			zap.Int64("userID", order.UserID),
			zap.String("paymentID", order.PaymentID),
			zap.Error(err))
	}

	s.metrics.Notification(metrics.ResultFulfilled)
	s.logger.Info("order fulfilled",
		zap.String("paymentID", order.PaymentID),
		zap.Int64("userID", order.UserID),
		zap.Int64("unitID", unit.ID))
}

// settleTopup зачисляет подтверждённую шлюзом сумму на баланс.
func (s *Service) settleTopup(ctx context.Context, order *model.Order, amountCents int64) {
	credited := amountCents
	if credited <= 0 {
		credited = order.AmountCents
	}

	if err := s.repo.Credit(ctx, order.UserID, credited); err != nil {
		// Заказ уже оплачен, повтор уведомления будет отброшен: деньги
		// придётся зачислить вручную.
		s.logger.Error("topup credit failed",
			zap.String("paymentID", order.PaymentID),
			zap.Int64("userID", order.UserID),
			zap.Int64("amountCents", credited),
			zap.Error(err))
		s.metrics.Notification(metrics.ResultError)
		return
	}

	if err := s.notifier.DeliverText(ctx, order.UserID, "Balance topped up."); err != nil {
		s.logger.Warn("topup notice delivery failed",
			zap.Int64("userID", order.UserID), zap.Error(err))
	}

	s.metrics.Notification(metrics.ResultCredited)
	s.logger.Info("topup credited",
		zap.String("paymentID", order.PaymentID),
		zap.Int64("userID", order.UserID),
		zap.Int64("amountCents", credited))
}

// RedeemPromo активирует промокод и возвращает размер вознаграждения.
// Промокод можно активировать один раз за всю жизнь пользователя.
func (s *Service) RedeemPromo(ctx context.Context, userID int64, code string) (int64, error) {
	rewardCents, ok := s.promoCodes[code]
	if !ok {
		return 0, ErrUnknownPromo
	}

	if err := s.repo.RedeemPromo(ctx, userID, rewardCents); err != nil {
		return 0, err
	}

	return rewardCents, nil
}

// AddStock добавляет партию единиц товара. Доступно только
// администраторам из внедрённого набора.
func (s *Service) AddStock(ctx context.Context, adminID int64, units []model.Unit) (int, error) {
	if _, ok := s.admins[adminID]; !ok {
		return 0, ErrNotAdmin
	}

	return s.repo.AddUnits(ctx, units)
}

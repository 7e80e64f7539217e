// Package model содержит доменные сущности магазина.
package model

import "time"

// User представляет покупателя чат-магазина. Пользователь создаётся при
// первом обращении и никогда не удаляется.
type User struct {
	ID            int64
	Username      string
	BalanceCents  int64
	City          string
	ReferralCount int
	PromoUsed     bool
	CreatedAt     time.Time
}

// ContentKind описывает вид содержимого товарной позиции.
type ContentKind string

const (
	ContentKindText  ContentKind = "text"
	ContentKindMedia ContentKind = "media"
)

// Unit представляет одну физическую единицу товара. Несколько единиц с
// одинаковым названием и городом взаимозаменяемы; каждая хранится
// отдельной строкой, флаг Sold переводится в true ровно один раз.
type Unit struct {
	ID          int64
	Title       string
	PriceCents  int64
	Content     string
	ContentKind ContentKind
	City        string
	Sold        bool
}

// OrderStatus описывает статус жизненного цикла заказа.
type OrderStatus string

const (
	OrderStatusWaiting OrderStatus = "waiting"
	OrderStatusPaid    OrderStatus = "paid"
)

// OrderKind описывает назначение заказа: покупка товара или пополнение
// баланса.
type OrderKind string

const (
	OrderKindProduct OrderKind = "product"
	OrderKindTopup   OrderKind = "topup"
)

// Order описывает одну попытку покупки. PaymentID уникален и служит
// ключом идемпотентности для уведомлений платёжного шлюза. У заказа,
// ожидающего оплату, единица товара не зафиксирована: хранятся только
// название и город, а привязка происходит в момент подтверждения оплаты.
type Order struct {
	ID          int64
	PaymentID   string
	UserID      int64
	UnitID      *int64
	AmountCents int64
	Status      OrderStatus
	Kind        OrderKind
	Title       string
	City        string
	CreatedAt   time.Time
}

// Invoice содержит реквизиты оплаты, выданные платёжным шлюзом.
type Invoice struct {
	PaymentID   string
	PayAddress  string
	PayAmount   string
	AmountCents int64
}

// CatalogItem описывает группу единиц товара для витрины: название, цена
// и количество непроданных единиц. Количество носит справочный характер
// и может устареть к моменту покупки.
type CatalogItem struct {
	Title      string
	PriceCents int64
	Count      int
}

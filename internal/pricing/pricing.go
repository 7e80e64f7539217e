// Package pricing содержит расчёт скидки по количеству приглашённых
// пользователей и применение её к цене товара.
package pricing

import "github.com/shopspring/decimal"

// Пороговые значения реферальной программы.
const (
	tierGoldReferrals   = 10
	tierSilverReferrals = 5

	tierGoldPercent   = 7
	tierSilverPercent = 5
)

// Discount возвращает процент скидки для указанного числа приглашённых.
func Discount(referralCount int) int {
	switch {
	case referralCount >= tierGoldReferrals:
		return tierGoldPercent
	case referralCount >= tierSilverReferrals:
		return tierSilverPercent
	default:
		return 0
	}
}

var hundred = decimal.NewFromInt(100)

// FinalPrice применяет процент скидки к цене в центах и округляет
// результат до целого цента.
func FinalPrice(listCents int64, percent int) int64 {
	if percent <= 0 {
		return listCents
	}

	factor := hundred.Sub(decimal.NewFromInt(int64(percent))).Div(hundred)
	return decimal.NewFromInt(listCents).Mul(factor).Round(0).IntPart()
}

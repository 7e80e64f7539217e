// Package validation содержит функции валидации входных данных.
package validation

import (
	"strings"

	"github.com/ordersmith/shopcore/internal/model"
)

// IsValidContentKind проверяет, что вид содержимого товара известен.
func IsValidContentKind(kind string) bool {
	switch model.ContentKind(kind) {
	case model.ContentKindText, model.ContentKindMedia:
		return true
	default:
		return false
	}
}

// IsValidTitle проверяет название товара или города: непустая строка
// без управляющих символов разумной длины.
func IsValidTitle(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > 200 {
		return false
	}
	for _, r := range s {
		if r < ' ' {
			return false
		}
	}
	return true
}

// IsValidAmount проверяет сумму в центах: строго положительная.
func IsValidAmount(cents int64) bool {
	return cents > 0
}

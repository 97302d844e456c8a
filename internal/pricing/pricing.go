// Package pricing содержит арифметику сумм заказа.
package pricing

// LineTotal возвращает стоимость позиции заказа в копейках.
func LineTotal(quantity int32, unitPrice int64) int64 {
	return int64(quantity) * unitPrice
}

// Discount возвращает размер скидки по купону: floor(subtotal * rate / 100).
// Целочисленное деление в Go для неотрицательных аргументов и есть floor.
func Discount(subtotal int64, rate int32) int64 {
	return subtotal * int64(rate) / 100
}

// IsValidRate проверяет, что процент скидки лежит в допустимом диапазоне (0, 100].
func IsValidRate(rate int32) bool {
	return rate > 0 && rate <= 100
}

// Package model содержит доменные сущности книжного магазина.
package model

import "time"

// Role определяет роль пользователя в системе.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User представляет зарегистрированного пользователя магазина.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	Role         Role
	CreatedAt    time.Time
}

// Book описывает книгу каталога. Цена хранится в копейках.
type Book struct {
	ID      int64  `json:"id"`
	Title   string `json:"title"`
	Price   int64  `json:"price"`
	Deleted bool   `json:"-"`
}

// CartItem описывает позицию корзины пользователя.
type CartItem struct {
	ID       int64 `json:"id"`
	UserID   int64 `json:"-"`
	BookID   int64 `json:"book_id"`
	Quantity int32 `json:"quantity"`
	Active   bool  `json:"-"`
}

// CouponStatus описывает статус жизненного цикла купона.
type CouponStatus string

const (
	CouponStatusScheduled CouponStatus = "SCHEDULED"
	CouponStatusActive    CouponStatus = "ACTIVE"
	CouponStatusPaused    CouponStatus = "PAUSED"
	CouponStatusEnded     CouponStatus = "ENDED"
)

// Coupon описывает купон со скидкой в процентах и окном действия.
// Статус — кэш принадлежности текущего времени окну действия:
// продвигается проходом refresh или администратором, при погашении
// окно действия проверяется повторно независимо от статуса.
type Coupon struct {
	ID           int64        `json:"id"`
	Name         *string      `json:"name,omitempty"`
	DiscountRate int32        `json:"discount_rate"`
	ValidFrom    time.Time    `json:"valid_from"`
	ValidUntil   time.Time    `json:"valid_until"`
	Status       CouponStatus `json:"status"`
}

// UserCouponStatus описывает статус выданного пользователю купона.
type UserCouponStatus string

const (
	UserCouponStatusIssued UserCouponStatus = "ISSUED"
	UserCouponStatusUsed   UserCouponStatus = "USED"
)

// UserCoupon описывает факт выдачи купона пользователю.
// Пара (UserID, CouponID) уникальна, переход ISSUED→USED необратим.
type UserCoupon struct {
	ID       int64
	UserID   int64
	CouponID int64
	Status   UserCouponStatus
	IssuedAt time.Time
	UsedAt   *time.Time
}

// OrderStatus описывает статус заказа.
type OrderStatus string

const (
	OrderStatusCreated   OrderStatus = "CREATED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// Order описывает заказ пользователя. Все суммы в копейках.
type Order struct {
	ID             int64       `json:"id"`
	UserID         int64       `json:"-"`
	SubtotalAmount int64       `json:"subtotal_amount"`
	CouponDiscount int64       `json:"coupon_discount"`
	TotalAmount    int64       `json:"total_amount"`
	Status         OrderStatus `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
}

// OrderItem описывает позицию заказа со снимком названия и цены книги
// на момент оформления. После создания не изменяется.
type OrderItem struct {
	ID        int64  `json:"id"`
	OrderID   int64  `json:"-"`
	BookID    int64  `json:"book_id"`
	Title     string `json:"title"`
	Quantity  int32  `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	LineTotal int64  `json:"line_total"`
}

// OrderCoupon описывает факт погашения купона при оформлении заказа.
type OrderCoupon struct {
	OrderID          int64
	CouponID         int64
	AmountDiscounted int64
}

// OrderSummary возвращается после успешного оформления заказа.
type OrderSummary struct {
	OrderID        int64  `json:"orderId"`
	SubtotalAmount int64  `json:"subtotalAmount"`
	CouponDiscount int64  `json:"couponDiscount"`
	TotalAmount    int64  `json:"totalAmount"`
	ItemsCount     int    `json:"itemsCount"`
	CouponID       *int64 `json:"couponId,omitempty"`
}

// SweepResult содержит результат прохода по статусам купонов.
type SweepResult struct {
	Activated  []int64   `json:"activated_ids"`
	Ended      []int64   `json:"ended_ids"`
	ExecutedAt time.Time `json:"executed_at"`
}

// AssignResult содержит разбиение пользователей по результату выдачи купона.
type AssignResult struct {
	Assigned []int64 `json:"assigned"`
	Skipped  []int64 `json:"skipped"`
	Invalid  []int64 `json:"invalid"`
}

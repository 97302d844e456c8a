// Package handler содержит HTTP-обработчики API книжного магазина.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dmakarov/bookstore-system/internal/apierr"
	"github.com/dmakarov/bookstore-system/internal/middleware"
	"github.com/dmakarov/bookstore-system/internal/model"
	"github.com/dmakarov/bookstore-system/internal/pricing"
	"github.com/dmakarov/bookstore-system/internal/repository"
	"github.com/dmakarov/bookstore-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (*model.User, error)
	CreateBook(ctx context.Context, title string, price int64) (int64, error)
	ListBooks(ctx context.Context) ([]model.Book, error)
	AddCartItem(ctx context.Context, userID, bookID int64, quantity int32) (*model.CartItem, error)
	GetActiveCart(ctx context.Context, userID int64) ([]model.CartItem, error)
	RemoveCartItem(ctx context.Context, userID, bookID int64) error
	PlaceOrder(ctx context.Context, userID int64, couponID *int64) (*model.OrderSummary, error)
	GetOrdersByUser(ctx context.Context, userID int64, filter repository.OrderFilter) ([]model.Order, error)
	GetOrderDetail(ctx context.Context, userID, orderID int64, itemsSortDesc bool) (*model.Order, []model.OrderItem, error)
	CancelOrder(ctx context.Context, userID, orderID int64) error
	CreateCoupon(ctx context.Context, name *string, discountRate int32, validFrom, validUntil time.Time) (int64, error)
	ListCoupons(ctx context.Context) ([]model.Coupon, error)
	RefreshCouponStatuses(ctx context.Context) (*model.SweepResult, error)
	AssignCouponToUsers(ctx context.Context, couponID int64, userIDs []int64) (*model.AssignResult, error)
	GetUserCoupons(ctx context.Context, userID int64) ([]model.UserCoupon, []model.Coupon, error)
}

// Handler реализует HTTP-обработчики API книжного магазина.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	apierr.Write(w, status, code, message)
}

func (h *Handler) writeInternal(w http.ResponseWriter, msg string, err error, fields ...zap.Field) {
	h.logger.Error(msg, append(fields, zap.Error(err))...)
	h.writeError(w, http.StatusInternalServerError, apierr.CodeInternal, "internal server error")
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, apierr.CodeValidationFailed, "malformed request body")
		return
	}

	if req.Login == "" || req.Password == "" {
		h.writeError(w, http.StatusBadRequest, apierr.CodeValidationFailed, "login and password are required")
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			h.writeError(w, http.StatusConflict, apierr.CodeValidationFailed, "login already taken")
			return
		}
		h.writeInternal(w, "register user error", err)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID, model.RoleUser)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, apierr.CodeValidationFailed, "malformed request body")
		return
	}

	if req.Login == "" || req.Password == "" {
		h.writeError(w, http.StatusBadRequest, apierr.CodeValidationFailed, "login and password are required")
		return
	}

	u, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) || errors.Is(err, service.ErrInvalidCredentials) {
			h.writeError(w, http.StatusUnauthorized, apierr.CodeUnauthorized, "authentication required")
			return
		}
		h.writeInternal(w, "login user error", err)
		return
	}

	h.authMiddleware.SetAuthCookie(w, u.ID, u.Role)
	w.WriteHeader(http.StatusOK)
}

// ListBooks возвращает каталог книг.
func (h *Handler) ListBooks(w http.ResponseWriter, r *http.Request) {
	books, err := h.service.ListBooks(r.Context())
	if err != nil {
		h.writeInternal(w, "list books error", err)
		return
	}

	if books == nil {
		books = []model.Book{}
	}
	h.writeJSON(w, http.StatusOK, books)
}

type createBookRequest struct {
	Title string `json:"title"`
	Price int64  `json:"price"`
}

// CreateBook добавляет книгу в каталог (только для администратора).
func (h *Handler) CreateBook(w http.ResponseWriter, r *http.Request) {
	var req createBookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, apierr.CodeValidationFailed, "malformed request body")
		return
	}

	if req.Title == "" {
		h.writeError(w, http.StatusBadRequest, apierr.CodeValidationFailed, "title is required")
		return
	}
	if req.Price < 0 {
		h.writeError(w, http.StatusBadRequest, apierr.CodeValidationFailed, "price must not be negative")
		return
	}

	id, err := h.service.CreateBook(r.Context(), req.Title, req.Price)
	if err != nil {
		h.writeInternal(w, "create book error", err)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

type addCartItemRequest struct {
	BookID   int64 `json:"book_id"`
	Quantity int32 `json:"quantity"`
}

// AddCartItem добавляет книгу в корзину текущего пользователя.
func (h *Handler) AddCartItem(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, apierr.CodeUnauthorized, "authentication required")
		return
	}

	var req addCartItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, apierr.CodeValidationFailed, "malformed request body")
		return
	}

	if req.BookID <= 0 || req.Quantity <= 0 {
		h.writeError(w, http.StatusBadRequest, apierr.CodeValidationFailed, "book_id and quantity must be positive")
		return
	}

	item, err := h.service.AddCartItem(r.Context(), userID, req.BookID, req.Quantity)
	if err != nil {
		if errors.Is(err, repository.ErrBookNotFound) {
			h.writeError(w, http.StatusBadRequest, apierr.CodeBookNotFound, "book not found")
			return
		}
		h.writeInternal(w, "add cart item error", err, zap.Int64("userID", userID))
		return
	}

	h.writeJSON(w, http.StatusOK, item)
}

// GetCart возвращает активные позиции корзины текущего пользователя.
func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, apierr.CodeUnauthorized, "authentication required")
		return
	}

	items, err := h.service.GetActiveCart(r.Context(), userID)
	if err != nil {
		h.writeInternal(w, "get cart error", err, zap.Int64("userID", userID))
		return
	}

	if len(items) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.writeJSON(w, http.StatusOK, items)
}

// RemoveCartItem убирает книгу из корзины текущего пользователя.
func (h *Handler) RemoveCartItem(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, apierr.CodeUnauthorized, "authentication required")
		return
	}

	bookID, err := strconv.ParseInt(chi.URLParam(r, "bookID"), 10, 64)
	if err != nil || bookID <= 0 {
		h.writeError(w, http.StatusBadRequest, apierr.CodeValidationFailed, "invalid book id")
		return
	}

	if err := h.service.RemoveCartItem(r.Context(), userID, bookID); err != nil {
		if errors.Is(err, repository.ErrCartItemNotFound) {
			h.writeError(w, http.StatusNotFound, apierr.CodeNotFound, "cart item not found")
			return
		}
		h.writeInternal(w, "remove cart item error", err, zap.Int64("userID", userID))
		return
	}

	w.WriteHeader(http.StatusOK)
}

type placeOrderRequest struct {
	CouponID *int64 `json:"coupon_id"`
}

// PlaceOrder оформляет заказ из корзины текущего пользователя.
// Отсутствующее тело запроса равнозначно заказу без купона.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, apierr.CodeUnauthorized, "authentication required")
		return
	}

	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, apierr.CodeValidationFailed, "malformed request body")
		return
	}

	if req.CouponID != nil && *req.CouponID <= 0 {
		h.writeError(w, http.StatusBadRequest, apierr.CodeValidationFailed, "coupon_id must be positive")
		return
	}

	summary, err := h.service.PlaceOrder(r.Context(), userID, req.CouponID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrEmptyCart):
			h.writeError(w, http.StatusBadRequest, apierr.CodeEmptyCart, "cart is empty")
		case errors.Is(err, repository.ErrBookNotFound):
			h.writeError(w, http.StatusBadRequest, apierr.CodeBookNotFound, "a book from the cart is no longer available")
		case errors.Is(err, repository.ErrInvalidCoupon):
			h.writeError(w, http.StatusBadRequest, apierr.CodeInvalidCoupon, "coupon cannot be applied")
		default:
			h.writeInternal(w, "place order error", err, zap.Int64("userID", userID))
		}
		return
	}

	h.writeJSON(w, http.StatusOK, summary)
}

// GetOrders возвращает страницу заказов текущего пользователя.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, apierr.CodeUnauthorized, "authentication required")
		return
	}

	filter := repository.OrderFilter{SortDesc: true}

	q := r.URL.Query()
	if v := q.Get("page"); v != "" {
		page, err := strconv.Atoi(v)
		if err != nil || page < 0 {
			h.writeError(w, http.StatusBadRequest, apierr.CodeValidationFailed, "invalid page")
			return
		}
		filter.Page = page
	}
	if v := q.Get("size"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil || size <= 0 {
			h.writeError(w, http.StatusBadRequest, apierr.CodeValidationFailed, "invalid size")
			return
		}
		filter.Size = size
	}
	if v := q.Get("sort"); v != "" {
		switch v {
		case "asc":
			filter.SortDesc = false
		case "desc":
			filter.SortDesc = true
		default:
			h.writeError(w, http.StatusBadRequest, apierr.CodeValidationFailed, "sort must be asc or desc")
			return
		}
	}
	if v := q.Get("status"); v != "" {
		status := model.OrderStatus(v)
		if status != model.OrderStatusCreated && status != model.OrderStatusCancelled {
			h.writeError(w, http.StatusBadRequest, apierr.CodeValidationFailed, "unknown order status")
			return
		}
		filter.Status = &status
	}

	orders, err := h.service.GetOrdersByUser(r.Context(), userID, filter)
	if err != nil {
		h.writeInternal(w, "get orders error", err, zap.Int64("userID", userID))
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.writeJSON(w, http.StatusOK, orders)
}

type orderDetailResponse struct {
	model.Order
	Items []model.OrderItem `json:"items"`
}

// GetOrderDetail возвращает заказ текущего пользователя вместе с позициями.
func (h *Handler) GetOrderDetail(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, apierr.CodeUnauthorized, "authentication required")
		return
	}

	orderID, err := strconv.ParseInt(chi.URLParam(r, "orderID"), 10, 64)
	if err != nil || orderID <= 0 {
		h.writeError(w, http.StatusBadRequest, apierr.CodeValidationFailed, "invalid order id")
		return
	}

	itemsSortDesc := false
	if v := r.URL.Query().Get("sort"); v != "" {
		switch v {
		case "asc":
		case "desc":
			itemsSortDesc = true
		default:
			h.writeError(w, http.StatusBadRequest, apierr.CodeValidationFailed, "sort must be asc or desc")
			return
		}
	}

	order, items, err := h.service.GetOrderDetail(r.Context(), userID, orderID, itemsSortDesc)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			h.writeError(w, http.StatusNotFound, apierr.CodeNotFound, "order not found")
			return
		}
		h.writeInternal(w, "get order detail error", err, zap.Int64("userID", userID), zap.Int64("orderID", orderID))
		return
	}

	if items == nil {
		items = []model.OrderItem{}
	}
	h.writeJSON(w, http.StatusOK, orderDetailResponse{Order: *order, Items: items})
}

// CancelOrder отменяет заказ текущего пользователя.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, apierr.CodeUnauthorized, "authentication required")
		return
	}

	orderID, err := strconv.ParseInt(chi.URLParam(r, "orderID"), 10, 64)
	if err != nil || orderID <= 0 {
		h.writeError(w, http.StatusBadRequest, apierr.CodeValidationFailed, "invalid order id")
		return
	}

	if err := h.service.CancelOrder(r.Context(), userID, orderID); err != nil {
		switch {
		case errors.Is(err, repository.ErrOrderNotFound):
			h.writeError(w, http.StatusNotFound, apierr.CodeNotFound, "order not found")
		case errors.Is(err, repository.ErrOrderNotCancellable):
			h.writeError(w, http.StatusBadRequest, apierr.CodeInvalidState, "order cannot be cancelled")
		default:
			h.writeInternal(w, "cancel order error", err, zap.Int64("userID", userID), zap.Int64("orderID", orderID))
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

type createCouponRequest struct {
	Name         *string   `json:"name"`
	DiscountRate int32     `json:"discount_rate"`
	ValidFrom    time.Time `json:"valid_from"`
	ValidUntil   time.Time `json:"valid_until"`
}

// CreateCoupon создаёт купон (только для администратора).
func (h *Handler) CreateCoupon(w http.ResponseWriter, r *http.Request) {
	var req createCouponRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, apierr.CodeValidationFailed, "malformed request body")
		return
	}

	if !pricing.IsValidRate(req.DiscountRate) {
		h.writeError(w, http.StatusBadRequest, apierr.CodeValidationFailed, "discount_rate must be between 1 and 100")
		return
	}
	if req.ValidFrom.IsZero() || req.ValidUntil.IsZero() || !req.ValidFrom.Before(req.ValidUntil) {
		h.writeError(w, http.StatusBadRequest, apierr.CodeValidationFailed, "valid_from must be before valid_until")
		return
	}

	id, err := h.service.CreateCoupon(r.Context(), req.Name, req.DiscountRate, req.ValidFrom, req.ValidUntil)
	if err != nil {
		h.writeInternal(w, "create coupon error", err)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

// ListCoupons возвращает все купоны (только для администратора).
func (h *Handler) ListCoupons(w http.ResponseWriter, r *http.Request) {
	coupons, err := h.service.ListCoupons(r.Context())
	if err != nil {
		h.writeInternal(w, "list coupons error", err)
		return
	}

	if coupons == nil {
		coupons = []model.Coupon{}
	}
	h.writeJSON(w, http.StatusOK, coupons)
}

type sweepResponse struct {
	Activated    int       `json:"activated"`
	Ended        int       `json:"ended"`
	ActivatedIDs []int64   `json:"activated_ids"`
	EndedIDs     []int64   `json:"ended_ids"`
	ExecutedAt   time.Time `json:"executed_at"`
}

// RefreshCoupons выполняет проход по статусам купонов (только для администратора).
func (h *Handler) RefreshCoupons(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.RefreshCouponStatuses(r.Context())
	if err != nil {
		h.writeInternal(w, "refresh coupons error", err)
		return
	}

	h.writeJSON(w, http.StatusOK, sweepResponse{
		Activated:    len(result.Activated),
		Ended:        len(result.Ended),
		ActivatedIDs: result.Activated,
		EndedIDs:     result.Ended,
		ExecutedAt:   result.ExecutedAt,
	})
}

type assignCouponRequest struct {
	UserIDs []int64 `json:"user_ids"`
}

// AssignCoupon выдаёт купон перечисленным пользователям (только для администратора).
func (h *Handler) AssignCoupon(w http.ResponseWriter, r *http.Request) {
	couponID, err := strconv.ParseInt(chi.URLParam(r, "couponID"), 10, 64)
	if err != nil || couponID <= 0 {
		h.writeError(w, http.StatusBadRequest, apierr.CodeValidationFailed, "invalid coupon id")
		return
	}

	var req assignCouponRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, apierr.CodeValidationFailed, "malformed request body")
		return
	}

	if len(req.UserIDs) == 0 {
		h.writeError(w, http.StatusBadRequest, apierr.CodeValidationFailed, "user_ids must not be empty")
		return
	}

	result, err := h.service.AssignCouponToUsers(r.Context(), couponID, req.UserIDs)
	if err != nil {
		if errors.Is(err, repository.ErrCouponNotFound) {
			h.writeError(w, http.StatusNotFound, apierr.CodeNotFound, "coupon not found")
			return
		}
		h.writeInternal(w, "assign coupon error", err, zap.Int64("couponID", couponID))
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

type userCouponResponse struct {
	CouponID     int64      `json:"coupon_id"`
	Name         *string    `json:"name,omitempty"`
	DiscountRate int32      `json:"discount_rate"`
	ValidFrom    time.Time  `json:"valid_from"`
	ValidUntil   time.Time  `json:"valid_until"`
	CouponStatus string     `json:"coupon_status"`
	Status       string     `json:"status"`
	IssuedAt     time.Time  `json:"issued_at"`
	UsedAt       *time.Time `json:"used_at,omitempty"`
}

// GetUserCoupons возвращает купоны, выданные текущему пользователю.
func (h *Handler) GetUserCoupons(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, apierr.CodeUnauthorized, "authentication required")
		return
	}

	grants, coupons, err := h.service.GetUserCoupons(r.Context(), userID)
	if err != nil {
		h.writeInternal(w, "get user coupons error", err, zap.Int64("userID", userID))
		return
	}

	if len(grants) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]userCouponResponse, 0, len(grants))
	for i, g := range grants {
		c := coupons[i]
		resp = append(resp, userCouponResponse{
			CouponID:     g.CouponID,
			Name:         c.Name,
			DiscountRate: c.DiscountRate,
			ValidFrom:    c.ValidFrom,
			ValidUntil:   c.ValidUntil,
			CouponStatus: string(c.Status),
			Status:       string(g.Status),
			IssuedAt:     g.IssuedAt,
			UsedAt:       g.UsedAt,
		})
	}

	h.writeJSON(w, http.StatusOK, resp)
}

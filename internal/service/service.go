// Package service реализует бизнес-логику сервиса книжного магазина.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/dmakarov/bookstore-system/internal/model"
	"github.com/dmakarov/bookstore-system/internal/repository"
)

// ErrInvalidCredentials возвращается при неверной паре логин/пароль.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte, role model.Role) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	CreateBook(ctx context.Context, title string, price int64) (int64, error)
	ListBooks(ctx context.Context) ([]model.Book, error)
	AddCartItem(ctx context.Context, userID, bookID int64, quantity int32) (*model.CartItem, error)
	GetActiveCart(ctx context.Context, userID int64) ([]model.CartItem, error)
	RemoveCartItem(ctx context.Context, userID, bookID int64) error
	PlaceOrder(ctx context.Context, userID int64, couponID *int64, now time.Time) (*model.OrderSummary, error)
	GetOrdersByUser(ctx context.Context, userID int64, filter repository.OrderFilter) ([]model.Order, error)
	GetOrderDetail(ctx context.Context, userID, orderID int64, itemsSortDesc bool) (*model.Order, []model.OrderItem, error)
	CancelOrder(ctx context.Context, userID, orderID int64) error
	CreateCoupon(ctx context.Context, name *string, discountRate int32, validFrom, validUntil time.Time) (int64, error)
	ListCoupons(ctx context.Context) ([]model.Coupon, error)
	RefreshCouponStatuses(ctx context.Context, now time.Time) (*model.SweepResult, error)
	AssignCouponToUsers(ctx context.Context, couponID int64, userIDs []int64) (*model.AssignResult, error)
	GetUserCoupons(ctx context.Context, userID int64) ([]model.UserCoupon, []model.Coupon, error)
}

// Service содержит бизнес-логику сервиса книжного магазина.
type Service struct {
	repo Repository
}

// NewService создаёт новый сервис с указанным репозиторием.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя с ролью user.
func (s *Service) RegisterUser(ctx context.Context, login, password string) (int64, error) {
	hashed := hashPassword(login, password)
	id, err := s.repo.CreateUser(ctx, login, hashed, model.RoleUser)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AuthenticateUser проверяет логин и пароль пользователя и возвращает его.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (*model.User, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return nil, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	return u, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// CreateBook добавляет книгу в каталог.
func (s *Service) CreateBook(ctx context.Context, title string, price int64) (int64, error) {
	if title == "" {
		return 0, errors.New("book title must not be empty")
	}
	if price < 0 {
		return 0, errors.New("book price must not be negative")
	}
	return s.repo.CreateBook(ctx, title, price)
}

// ListBooks возвращает каталог книг.
func (s *Service) ListBooks(ctx context.Context) ([]model.Book, error) {
	return s.repo.ListBooks(ctx)
}

// AddCartItem добавляет книгу в корзину пользователя.
func (s *Service) AddCartItem(ctx context.Context, userID, bookID int64, quantity int32) (*model.CartItem, error) {
	if quantity <= 0 {
		return nil, errors.New("quantity must be positive")
	}
	return s.repo.AddCartItem(ctx, userID, bookID, quantity)
}

// GetActiveCart возвращает активные позиции корзины пользователя.
func (s *Service) GetActiveCart(ctx context.Context, userID int64) ([]model.CartItem, error) {
	return s.repo.GetActiveCart(ctx, userID)
}

// RemoveCartItem убирает книгу из корзины пользователя.
func (s *Service) RemoveCartItem(ctx context.Context, userID, bookID int64) error {
	return s.repo.RemoveCartItem(ctx, userID, bookID)
}

// PlaceOrder оформляет заказ из активной корзины пользователя.
// couponID равный nil означает оформление без скидки.
func (s *Service) PlaceOrder(ctx context.Context, userID int64, couponID *int64) (*model.OrderSummary, error) {
	if couponID != nil && *couponID <= 0 {
		return nil, repository.ErrInvalidCoupon
	}
	return s.repo.PlaceOrder(ctx, userID, couponID, time.Now().UTC())
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// GetOrdersByUser возвращает страницу заказов пользователя.
func (s *Service) GetOrdersByUser(ctx context.Context, userID int64, filter repository.OrderFilter) ([]model.Order, error) {
	if filter.Page < 0 {
		filter.Page = 0
	}
	if filter.Size <= 0 {
		filter.Size = defaultPageSize
	}
	if filter.Size > maxPageSize {
		filter.Size = maxPageSize
	}
	return s.repo.GetOrdersByUser(ctx, userID, filter)
}

// GetOrderDetail возвращает заказ пользователя вместе с позициями.
func (s *Service) GetOrderDetail(ctx context.Context, userID, orderID int64, itemsSortDesc bool) (*model.Order, []model.OrderItem, error) {
	return s.repo.GetOrderDetail(ctx, userID, orderID, itemsSortDesc)
}

// CancelOrder отменяет заказ пользователя в статусе CREATED.
func (s *Service) CancelOrder(ctx context.Context, userID, orderID int64) error {
	return s.repo.CancelOrder(ctx, userID, orderID)
}

// CreateCoupon создаёт новый купон.
func (s *Service) CreateCoupon(ctx context.Context, name *string, discountRate int32, validFrom, validUntil time.Time) (int64, error) {
	return s.repo.CreateCoupon(ctx, name, discountRate, validFrom, validUntil)
}

// ListCoupons возвращает все купоны.
func (s *Service) ListCoupons(ctx context.Context) ([]model.Coupon, error) {
	return s.repo.ListCoupons(ctx)
}

// RefreshCouponStatuses выполняет проход по статусам купонов на текущий момент.
func (s *Service) RefreshCouponStatuses(ctx context.Context) (*model.SweepResult, error) {
	return s.repo.RefreshCouponStatuses(ctx, time.Now().UTC())
}

// AssignCouponToUsers выдаёт купон перечисленным пользователям.
func (s *Service) AssignCouponToUsers(ctx context.Context, couponID int64, userIDs []int64) (*model.AssignResult, error) {
	return s.repo.AssignCouponToUsers(ctx, couponID, userIDs)
}

// GetUserCoupons возвращает купоны, выданные пользователю.
func (s *Service) GetUserCoupons(ctx context.Context, userID int64) ([]model.UserCoupon, []model.Coupon, error) {
	return s.repo.GetUserCoupons(ctx, userID)
}

// StartCouponSweep запускает фоновый проход по статусам купонов с указанным
// интервалом. Нулевой интервал отключает фоновый проход — статусы продвигаются
// только явным вызовом администратора.
func (s *Service) StartCouponSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = s.repo.RefreshCouponStatuses(ctx, time.Now().UTC())
			}
		}
	}()
}

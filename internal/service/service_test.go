package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dmakarov/bookstore-system/internal/model"
	"github.com/dmakarov/bookstore-system/internal/repository"
)

func TestHashPasswordDeterministic(t *testing.T) {
	a := hashPassword("user", "pass")
	b := hashPassword("user", "pass")
	c := hashPassword("user", "other")

	if string(a) != string(b) {
		t.Fatalf("hashPassword must be deterministic, got %x and %x", a, b)
	}
	if string(a) == string(c) {
		t.Fatalf("different passwords must produce different hashes")
	}
}

type stubRepo struct {
	mu sync.Mutex

	createUserID  int64
	createUserErr error

	getUser    *model.User
	getUserErr error

	placeOrderSummary  *model.OrderSummary
	placeOrderErr      error
	placeOrderCalls    int
	placeOrderCouponID *int64

	ordersFilter repository.OrderFilter

	sweepResult *model.SweepResult
	sweepErr    error
	sweepCalls  int
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) CreateUser(ctx context.Context, login string, passwordHash []byte, role model.Role) (int64, error) {
	return s.createUserID, s.createUserErr
}

func (s *stubRepo) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	return s.getUser, s.getUserErr
}

func (s *stubRepo) CreateBook(ctx context.Context, title string, price int64) (int64, error) {
	return 1, nil
}

func (s *stubRepo) ListBooks(ctx context.Context) ([]model.Book, error) {
	return nil, nil
}

func (s *stubRepo) AddCartItem(ctx context.Context, userID, bookID int64, quantity int32) (*model.CartItem, error) {
	return &model.CartItem{UserID: userID, BookID: bookID, Quantity: quantity, Active: true}, nil
}

func (s *stubRepo) GetActiveCart(ctx context.Context, userID int64) ([]model.CartItem, error) {
	return nil, nil
}

func (s *stubRepo) RemoveCartItem(ctx context.Context, userID, bookID int64) error {
	return nil
}

func (s *stubRepo) PlaceOrder(ctx context.Context, userID int64, couponID *int64, now time.Time) (*model.OrderSummary, error) {
	s.mu.Lock()
	s.placeOrderCalls++
	s.placeOrderCouponID = couponID
	s.mu.Unlock()
	return s.placeOrderSummary, s.placeOrderErr
}

func (s *stubRepo) GetOrdersByUser(ctx context.Context, userID int64, filter repository.OrderFilter) ([]model.Order, error) {
	s.ordersFilter = filter
	return nil, nil
}

func (s *stubRepo) GetOrderDetail(ctx context.Context, userID, orderID int64, itemsSortDesc bool) (*model.Order, []model.OrderItem, error) {
	return nil, nil, repository.ErrOrderNotFound
}

func (s *stubRepo) CancelOrder(ctx context.Context, userID, orderID int64) error {
	return nil
}

func (s *stubRepo) CreateCoupon(ctx context.Context, name *string, discountRate int32, validFrom, validUntil time.Time) (int64, error) {
	return 1, nil
}

func (s *stubRepo) ListCoupons(ctx context.Context) ([]model.Coupon, error) {
	return nil, nil
}

func (s *stubRepo) RefreshCouponStatuses(ctx context.Context, now time.Time) (*model.SweepResult, error) {
	s.mu.Lock()
	s.sweepCalls++
	s.mu.Unlock()
	return s.sweepResult, s.sweepErr
}

func (s *stubRepo) AssignCouponToUsers(ctx context.Context, couponID int64, userIDs []int64) (*model.AssignResult, error) {
	return &model.AssignResult{}, nil
}

func (s *stubRepo) GetUserCoupons(ctx context.Context, userID int64) ([]model.UserCoupon, []model.Coupon, error) {
	return nil, nil, nil
}

func TestRegisterUser_PropagatesDuplicateError(t *testing.T) {
	repo := &stubRepo{
		createUserErr: repository.ErrUserExists,
	}
	svc := NewService(repo)

	_, err := svc.RegisterUser(context.Background(), "login", "pass")
	if !errors.Is(err, repository.ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
}

func TestAuthenticateUser_InvalidCredentials(t *testing.T) {
	hashed := hashPassword("user", "correct")
	repo := &stubRepo{
		getUser: &model.User{
			ID:           1,
			Login:        "user",
			PasswordHash: hashed,
			Role:         model.RoleUser,
		},
	}

	svc := NewService(repo)

	_, err := svc.AuthenticateUser(context.Background(), "user", "wrong")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestAuthenticateUser_ReturnsRole(t *testing.T) {
	hashed := hashPassword("admin", "secret")
	repo := &stubRepo{
		getUser: &model.User{
			ID:           7,
			Login:        "admin",
			PasswordHash: hashed,
			Role:         model.RoleAdmin,
		},
	}

	svc := NewService(repo)

	u, err := svc.AuthenticateUser(context.Background(), "admin", "secret")
	if err != nil {
		t.Fatalf("AuthenticateUser error: %v", err)
	}
	if u.Role != model.RoleAdmin {
		t.Fatalf("role = %q, want %q", u.Role, model.RoleAdmin)
	}
}

func TestAddCartItem_NonPositiveQuantity(t *testing.T) {
	svc := NewService(&stubRepo{})

	if _, err := svc.AddCartItem(context.Background(), 1, 2, 0); err == nil {
		t.Fatalf("expected error for zero quantity")
	}
	if _, err := svc.AddCartItem(context.Background(), 1, 2, -3); err == nil {
		t.Fatalf("expected error for negative quantity")
	}
}

func TestPlaceOrder_RejectsNonPositiveCouponID(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo)

	couponID := int64(0)
	_, err := svc.PlaceOrder(context.Background(), 1, &couponID)
	if !errors.Is(err, repository.ErrInvalidCoupon) {
		t.Fatalf("expected ErrInvalidCoupon, got %v", err)
	}
	if repo.placeOrderCalls != 0 {
		t.Fatalf("repository must not be called for invalid coupon id")
	}
}

func TestPlaceOrder_NilCouponMeansNoDiscount(t *testing.T) {
	repo := &stubRepo{
		placeOrderSummary: &model.OrderSummary{OrderID: 5, TotalAmount: 100},
	}
	svc := NewService(repo)

	summary, err := svc.PlaceOrder(context.Background(), 1, nil)
	if err != nil {
		t.Fatalf("PlaceOrder error: %v", err)
	}
	if summary.OrderID != 5 {
		t.Fatalf("orderID = %d, want 5", summary.OrderID)
	}
	if repo.placeOrderCouponID != nil {
		t.Fatalf("couponID passed to repository must stay nil")
	}
}

func TestGetOrdersByUser_AppliesPaginationDefaults(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo)

	_, err := svc.GetOrdersByUser(context.Background(), 1, repository.OrderFilter{Page: -1, Size: 0})
	if err != nil {
		t.Fatalf("GetOrdersByUser error: %v", err)
	}
	if repo.ordersFilter.Page != 0 {
		t.Fatalf("page = %d, want 0", repo.ordersFilter.Page)
	}
	if repo.ordersFilter.Size != defaultPageSize {
		t.Fatalf("size = %d, want %d", repo.ordersFilter.Size, defaultPageSize)
	}

	_, err = svc.GetOrdersByUser(context.Background(), 1, repository.OrderFilter{Size: 1000})
	if err != nil {
		t.Fatalf("GetOrdersByUser error: %v", err)
	}
	if repo.ordersFilter.Size != maxPageSize {
		t.Fatalf("size = %d, want %d", repo.ordersFilter.Size, maxPageSize)
	}
}

func TestStartCouponSweep_ZeroIntervalDisabled(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc.StartCouponSweep(ctx, 0)
	time.Sleep(50 * time.Millisecond)

	repo.mu.Lock()
	calls := repo.sweepCalls
	repo.mu.Unlock()
	if calls != 0 {
		t.Fatalf("sweep must not run with zero interval, got %d calls", calls)
	}
}

func TestStartCouponSweep_RunsPeriodically(t *testing.T) {
	repo := &stubRepo{
		sweepResult: &model.SweepResult{},
	}
	svc := NewService(repo)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc.StartCouponSweep(ctx, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	cancel()

	repo.mu.Lock()
	calls := repo.sweepCalls
	repo.mu.Unlock()
	if calls == 0 {
		t.Fatalf("sweep did not run")
	}
}

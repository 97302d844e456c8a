// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/dmakarov/bookstore-system/internal/model"
	"github.com/dmakarov/bookstore-system/internal/pricing"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrBookNotFound возвращается, если книга удалена или не существует.
	ErrBookNotFound = errors.New("book not found")
	// ErrCartItemNotFound возвращается при попытке удалить отсутствующую позицию корзины.
	ErrCartItemNotFound = errors.New("cart item not found")
	// ErrEmptyCart возвращается при оформлении заказа с пустой корзиной.
	ErrEmptyCart = errors.New("cart is empty")
	// ErrInvalidCoupon возвращается, если купон не выдан пользователю, уже погашен,
	// не активен или вне окна действия. Причина намеренно не уточняется.
	ErrInvalidCoupon = errors.New("invalid coupon")
	// ErrCouponNotFound возвращается, если купон с указанным идентификатором не существует.
	ErrCouponNotFound = errors.New("coupon not found")
	// ErrOrderNotFound возвращается, если заказ не существует или принадлежит другому пользователю.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderNotCancellable возвращается при попытке отменить заказ не в статусе CREATED.
	ErrOrderNotCancellable = errors.New("order cannot be cancelled")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи полезны для Serialization Failure или Deadlocks.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		// Если это не pg-ошибка, но сетевая
		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя с указанной ролью.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte, role model.Role) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, password_hash, role) VALUES ($1, $2, $3) RETURNING id`,
		login, passwordHash, string(role),
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, role, created_at FROM users WHERE login = $1`,
		login,
	)

	var u model.User
	var role string
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &role, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.Role = model.Role(role)

	return &u, nil
}

// CreateBook добавляет книгу в каталог.
func (r *PostgresRepository) CreateBook(ctx context.Context, title string, price int64) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO books (title, price) VALUES ($1, $2) RETURNING id`,
		title, price,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create book: %w", err)
	}
	return id, nil
}

// ListBooks возвращает каталог без удалённых книг.
func (r *PostgresRepository) ListBooks(ctx context.Context) ([]model.Book, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, title, price FROM books WHERE NOT deleted ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("select books: %w", err)
	}
	defer rows.Close()

	var books []model.Book
	for rows.Next() {
		var b model.Book
		if err := rows.Scan(&b.ID, &b.Title, &b.Price); err != nil {
			return nil, fmt.Errorf("scan book: %w", err)
		}
		books = append(books, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return books, nil
}

// AddCartItem добавляет книгу в корзину пользователя. Повторное добавление
// той же книги увеличивает количество в существующей активной позиции.
func (r *PostgresRepository) AddCartItem(ctx context.Context, userID, bookID int64, quantity int32) (*model.CartItem, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM books WHERE id = $1 AND NOT deleted)`,
		bookID,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check book: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %d", ErrBookNotFound, bookID)
	}

	var item model.CartItem
	err = r.pool.QueryRow(ctx,
		`INSERT INTO cart_items (user_id, book_id, quantity)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, book_id) WHERE active
		 DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity
		 RETURNING id, user_id, book_id, quantity, active`,
		userID, bookID, quantity,
	).Scan(&item.ID, &item.UserID, &item.BookID, &item.Quantity, &item.Active)
	if err != nil {
		return nil, fmt.Errorf("upsert cart item: %w", err)
	}

	return &item, nil
}

// GetActiveCart возвращает активные позиции корзины пользователя.
func (r *PostgresRepository) GetActiveCart(ctx context.Context, userID int64) ([]model.CartItem, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, book_id, quantity, active
		 FROM cart_items
		 WHERE user_id = $1 AND active
		 ORDER BY id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select cart items: %w", err)
	}
	defer rows.Close()

	var items []model.CartItem
	for rows.Next() {
		var it model.CartItem
		if err := rows.Scan(&it.ID, &it.UserID, &it.BookID, &it.Quantity, &it.Active); err != nil {
			return nil, fmt.Errorf("scan cart item: %w", err)
		}
		items = append(items, it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

// RemoveCartItem деактивирует позицию корзины с указанной книгой.
func (r *PostgresRepository) RemoveCartItem(ctx context.Context, userID, bookID int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE cart_items SET active = FALSE WHERE user_id = $1 AND book_id = $2 AND active`,
		userID, bookID,
	)
	if err != nil {
		return fmt.Errorf("deactivate cart item: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrCartItemNotFound
	}
	return nil
}

// PlaceOrder оформляет заказ из активной корзины пользователя в одной транзакции:
// блокирует и читает корзину, снимает снимки цен из каталога, при наличии купона
// погашает его под блокировкой строки выдачи, создаёт заказ с позициями и
// деактивирует корзину. Любая ошибка откатывает транзакцию целиком.
func (r *PostgresRepository) PlaceOrder(ctx context.Context, userID int64, couponID *int64, now time.Time) (*model.OrderSummary, error) {
	var summary *model.OrderSummary

	err := r.withRetry(ctx, func() error {
		s, err := r.placeOrderTx(ctx, userID, couponID, now)
		if err != nil {
			return err
		}
		summary = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	return summary, nil
}

type cartLine struct {
	itemID    int64
	bookID    int64
	title     string
	quantity  int32
	unitPrice int64
}

func (r *PostgresRepository) placeOrderTx(ctx context.Context, userID int64, couponID *int64, now time.Time) (*model.OrderSummary, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Блокируем позиции корзины, чтобы параллельное оформление или изменение
	// корзины не обработало те же строки дважды.
	rows, err := tx.Query(ctx,
		`SELECT id, book_id, quantity
		 FROM cart_items
		 WHERE user_id = $1 AND active
		 ORDER BY id
		 FOR UPDATE`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select cart for order: %w", err)
	}

	var lines []cartLine
	var itemIDs []int64
	bookIDSet := make(map[int64]struct{})
	for rows.Next() {
		var l cartLine
		if err := rows.Scan(&l.itemID, &l.bookID, &l.quantity); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan cart line: %w", err)
		}
		lines = append(lines, l)
		itemIDs = append(itemIDs, l.itemID)
		bookIDSet[l.bookID] = struct{}{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if len(lines) == 0 {
		return nil, ErrEmptyCart
	}

	bookIDs := make([]int64, 0, len(bookIDSet))
	for id := range bookIDSet {
		bookIDs = append(bookIDs, id)
	}

	bookRows, err := tx.Query(ctx,
		`SELECT id, title, price FROM books WHERE id = ANY($1) AND NOT deleted`,
		bookIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("select books for order: %w", err)
	}

	books := make(map[int64]model.Book, len(bookIDs))
	for bookRows.Next() {
		var b model.Book
		if err := bookRows.Scan(&b.ID, &b.Title, &b.Price); err != nil {
			bookRows.Close()
			return nil, fmt.Errorf("scan book: %w", err)
		}
		books[b.ID] = b
	}
	bookRows.Close()
	if err := bookRows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if len(books) < len(bookIDs) {
		return nil, ErrBookNotFound
	}

	// Снимок названий и цен на момент оформления; последующие изменения
	// каталога не влияют на созданный заказ.
	var subtotal int64
	for i := range lines {
		b := books[lines[i].bookID]
		if lines[i].quantity <= 0 {
			return nil, fmt.Errorf("invariant violation: non-positive quantity %d for book %d", lines[i].quantity, b.ID)
		}
		if b.Price < 0 {
			return nil, fmt.Errorf("invariant violation: negative price %d for book %d", b.Price, b.ID)
		}
		lines[i].title = b.Title
		lines[i].unitPrice = b.Price
		subtotal += pricing.LineTotal(lines[i].quantity, b.Price)
	}

	var discount int64
	var grantID int64
	if couponID != nil {
		// Блокировка строки выдачи сериализует конкурентные попытки погашения:
		// вторая транзакция дождётся первой и не найдёт строку со статусом ISSUED.
		var rate int32
		err := tx.QueryRow(ctx,
			`SELECT uc.id, c.discount_rate
			 FROM user_coupons uc
			 JOIN coupons c ON c.id = uc.coupon_id
			 WHERE uc.user_id = $1
			   AND uc.coupon_id = $2
			   AND uc.status = $3
			   AND c.status = $4
			   AND c.valid_from <= $5
			   AND c.valid_until >= $5
			 FOR UPDATE OF uc`,
			userID, *couponID, string(model.UserCouponStatusIssued), string(model.CouponStatusActive), now,
		).Scan(&grantID, &rate)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, ErrInvalidCoupon
			}
			return nil, fmt.Errorf("select user coupon: %w", err)
		}

		if !pricing.IsValidRate(rate) {
			return nil, fmt.Errorf("invariant violation: discount rate %d out of range for coupon %d", rate, *couponID)
		}

		discount = pricing.Discount(subtotal, rate)
	}

	total := subtotal - discount
	if total < 0 {
		return nil, fmt.Errorf("invariant violation: negative total %d", total)
	}

	var orderID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO orders (user_id, subtotal_amount, coupon_discount, total_amount, status)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		userID, subtotal, discount, total, string(model.OrderStatusCreated),
	).Scan(&orderID)
	if err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}

	for _, l := range lines {
		_, err = tx.Exec(ctx,
			`INSERT INTO order_items (order_id, book_id, title, quantity, unit_price, line_total)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			orderID, l.bookID, l.title, l.quantity, l.unitPrice, pricing.LineTotal(l.quantity, l.unitPrice),
		)
		if err != nil {
			return nil, fmt.Errorf("insert order item: %w", err)
		}
	}

	if couponID != nil {
		_, err = tx.Exec(ctx,
			`INSERT INTO order_coupons (order_id, coupon_id, amount_discounted) VALUES ($1, $2, $3)`,
			orderID, *couponID, discount,
		)
		if err != nil {
			return nil, fmt.Errorf("insert order coupon: %w", err)
		}

		// Условие по статусу дублирует предикат чтения под блокировкой:
		// если строка уже погашена, обновление не затронет ни одной строки
		// и транзакция откатится целиком.
		cmdTag, err := tx.Exec(ctx,
			`UPDATE user_coupons SET status = $2, used_at = $3 WHERE id = $1 AND status = $4`,
			grantID, string(model.UserCouponStatusUsed), now, string(model.UserCouponStatusIssued),
		)
		if err != nil {
			return nil, fmt.Errorf("consume user coupon: %w", err)
		}
		if cmdTag.RowsAffected() != 1 {
			return nil, ErrInvalidCoupon
		}
	}

	// Гасим только те строки, что попали в заказ: позиция, добавленная
	// параллельно после блокировки корзины, остаётся активной.
	_, err = tx.Exec(ctx,
		`UPDATE cart_items SET active = FALSE WHERE id = ANY($1)`,
		itemIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("deactivate cart: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &model.OrderSummary{
		OrderID:        orderID,
		SubtotalAmount: subtotal,
		CouponDiscount: discount,
		TotalAmount:    total,
		ItemsCount:     len(lines),
		CouponID:       couponID,
	}, nil
}

// OrderFilter задаёт параметры выборки списка заказов.
type OrderFilter struct {
	Status   *model.OrderStatus
	Page     int
	Size     int
	SortDesc bool
}

// GetOrdersByUser возвращает страницу заказов пользователя.
func (r *PostgresRepository) GetOrdersByUser(ctx context.Context, userID int64, filter OrderFilter) ([]model.Order, error) {
	order := "ASC"
	if filter.SortDesc {
		order = "DESC"
	}

	query := `SELECT id, user_id, subtotal_amount, coupon_discount, total_amount, status, created_at
		 FROM orders
		 WHERE user_id = $1`
	args := []any{userID}

	if filter.Status != nil {
		query += ` AND status = $2`
		args = append(args, string(*filter.Status))
	}

	query += ` ORDER BY created_at ` + order
	query += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, filter.Size, filter.Page*filter.Size)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var o model.Order
		var status string
		if err := rows.Scan(&o.ID, &o.UserID, &o.SubtotalAmount, &o.CouponDiscount, &o.TotalAmount, &status, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.Status = model.OrderStatus(status)
		orders = append(orders, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}

// GetOrderDetail возвращает заказ пользователя вместе с позициями.
func (r *PostgresRepository) GetOrderDetail(ctx context.Context, userID, orderID int64, itemsSortDesc bool) (*model.Order, []model.OrderItem, error) {
	var o model.Order
	var status string
	err := r.pool.QueryRow(ctx,
		`SELECT id, user_id, subtotal_amount, coupon_discount, total_amount, status, created_at
		 FROM orders
		 WHERE id = $1 AND user_id = $2`,
		orderID, userID,
	).Scan(&o.ID, &o.UserID, &o.SubtotalAmount, &o.CouponDiscount, &o.TotalAmount, &status, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, ErrOrderNotFound
		}
		return nil, nil, fmt.Errorf("get order: %w", err)
	}
	o.Status = model.OrderStatus(status)

	order := "ASC"
	if itemsSortDesc {
		order = "DESC"
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, order_id, book_id, title, quantity, unit_price, line_total
		 FROM order_items
		 WHERE order_id = $1
		 ORDER BY id `+order,
		orderID,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()

	var items []model.OrderItem
	for rows.Next() {
		var it model.OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.BookID, &it.Title, &it.Quantity, &it.UnitPrice, &it.LineTotal); err != nil {
			return nil, nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, it)
	}

	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("rows error: %w", err)
	}

	return &o, items, nil
}

// CancelOrder переводит заказ пользователя из статуса CREATED в CANCELLED.
// Погашенный купон и корзина не восстанавливаются.
func (r *PostgresRepository) CancelOrder(ctx context.Context, userID, orderID int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx,
		`SELECT status FROM orders WHERE id = $1 AND user_id = $2 FOR UPDATE`,
		orderID, userID,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrOrderNotFound
		}
		return fmt.Errorf("lock order: %w", err)
	}

	if model.OrderStatus(status) != model.OrderStatusCreated {
		return ErrOrderNotCancellable
	}

	_, err = tx.Exec(ctx,
		`UPDATE orders SET status = $2 WHERE id = $1`,
		orderID, string(model.OrderStatusCancelled),
	)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// CreateCoupon создаёт купон со статусом SCHEDULED.
func (r *PostgresRepository) CreateCoupon(ctx context.Context, name *string, discountRate int32, validFrom, validUntil time.Time) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO coupons (name, discount_rate, valid_from, valid_until, status)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		name, discountRate, validFrom, validUntil, string(model.CouponStatusScheduled),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create coupon: %w", err)
	}
	return id, nil
}

// ListCoupons возвращает все купоны.
func (r *PostgresRepository) ListCoupons(ctx context.Context) ([]model.Coupon, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, discount_rate, valid_from, valid_until, status FROM coupons ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("select coupons: %w", err)
	}
	defer rows.Close()

	var coupons []model.Coupon
	for rows.Next() {
		var c model.Coupon
		var status string
		if err := rows.Scan(&c.ID, &c.Name, &c.DiscountRate, &c.ValidFrom, &c.ValidUntil, &status); err != nil {
			return nil, fmt.Errorf("scan coupon: %w", err)
		}
		c.Status = model.CouponStatus(status)
		coupons = append(coupons, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return coupons, nil
}

// RefreshCouponStatuses продвигает статусы купонов по текущему времени
// в одной транзакции: SCHEDULED→ACTIVE для купонов внутри окна действия,
// затем ACTIVE→ENDED для купонов с истёкшим окном. PAUSED не затрагивается.
func (r *PostgresRepository) RefreshCouponStatuses(ctx context.Context, now time.Time) (*model.SweepResult, error) {
	var result *model.SweepResult

	err := r.withRetry(ctx, func() error {
		res, err := r.refreshCouponStatusesTx(ctx, now)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PostgresRepository) refreshCouponStatusesTx(ctx context.Context, now time.Time) (*model.SweepResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	activated, err := updateCouponStatuses(ctx, tx,
		`UPDATE coupons SET status = $1
		 WHERE status = $2 AND valid_from <= $3 AND valid_until >= $3
		 RETURNING id`,
		string(model.CouponStatusActive), string(model.CouponStatusScheduled), now,
	)
	if err != nil {
		return nil, fmt.Errorf("activate coupons: %w", err)
	}

	ended, err := updateCouponStatuses(ctx, tx,
		`UPDATE coupons SET status = $1
		 WHERE status = $2 AND valid_until < $3
		 RETURNING id`,
		string(model.CouponStatusEnded), string(model.CouponStatusActive), now,
	)
	if err != nil {
		return nil, fmt.Errorf("end coupons: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &model.SweepResult{
		Activated:  activated,
		Ended:      ended,
		ExecutedAt: now,
	}, nil
}

func updateCouponStatuses(ctx context.Context, tx pgx.Tx, query string, args ...any) ([]int64, error) {
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// AssignCouponToUsers выдаёт купон перечисленным пользователям. Несуществующие
// пользователи попадают в invalid, уже имеющие купон — в skipped; операция
// никогда не завершается ошибкой из-за частичного пересечения.
func (r *PostgresRepository) AssignCouponToUsers(ctx context.Context, couponID int64, userIDs []int64) (*model.AssignResult, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM coupons WHERE id = $1)`,
		couponID,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check coupon: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %d", ErrCouponNotFound, couponID)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT id FROM users WHERE id = ANY($1)`,
		userIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("select users: %w", err)
	}

	validSet := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		validSet[id] = struct{}{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	result := &model.AssignResult{
		Assigned: []int64{},
		Skipped:  []int64{},
		Invalid:  []int64{},
	}

	// Повторы во входном списке учитываются один раз, иначе идентификатор
	// попал бы в assigned или invalid дважды.
	seen := make(map[int64]struct{}, len(userIDs))
	valid := make([]int64, 0, len(validSet))
	for _, id := range userIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := validSet[id]; ok {
			valid = append(valid, id)
		} else {
			result.Invalid = append(result.Invalid, id)
		}
	}

	assignedRows, err := tx.Query(ctx,
		`INSERT INTO user_coupons (user_id, coupon_id)
		 SELECT unnest($1::BIGINT[]), $2
		 ON CONFLICT (user_id, coupon_id) DO NOTHING
		 RETURNING user_id`,
		valid, couponID,
	)
	if err != nil {
		return nil, fmt.Errorf("insert user coupons: %w", err)
	}

	assignedSet := make(map[int64]struct{})
	for assignedRows.Next() {
		var id int64
		if err := assignedRows.Scan(&id); err != nil {
			assignedRows.Close()
			return nil, fmt.Errorf("scan assigned id: %w", err)
		}
		assignedSet[id] = struct{}{}
	}
	assignedRows.Close()
	if err := assignedRows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	for _, id := range valid {
		if _, ok := assignedSet[id]; ok {
			result.Assigned = append(result.Assigned, id)
		} else {
			result.Skipped = append(result.Skipped, id)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return result, nil
}

// GetUserCoupons возвращает купоны, выданные пользователю, вместе с определениями.
func (r *PostgresRepository) GetUserCoupons(ctx context.Context, userID int64) ([]model.UserCoupon, []model.Coupon, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT uc.id, uc.user_id, uc.coupon_id, uc.status, uc.issued_at, uc.used_at,
		        c.id, c.name, c.discount_rate, c.valid_from, c.valid_until, c.status
		 FROM user_coupons uc
		 JOIN coupons c ON c.id = uc.coupon_id
		 WHERE uc.user_id = $1
		 ORDER BY uc.issued_at DESC`,
		userID,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("select user coupons: %w", err)
	}
	defer rows.Close()

	var grants []model.UserCoupon
	var coupons []model.Coupon
	for rows.Next() {
		var g model.UserCoupon
		var c model.Coupon
		var gStatus, cStatus string
		if err := rows.Scan(&g.ID, &g.UserID, &g.CouponID, &gStatus, &g.IssuedAt, &g.UsedAt,
			&c.ID, &c.Name, &c.DiscountRate, &c.ValidFrom, &c.ValidUntil, &cStatus); err != nil {
			return nil, nil, fmt.Errorf("scan user coupon: %w", err)
		}
		g.Status = model.UserCouponStatus(gStatus)
		c.Status = model.CouponStatus(cStatus)
		grants = append(grants, g)
		coupons = append(coupons, c)
	}

	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("rows error: %w", err)
	}

	return grants, coupons, nil
}

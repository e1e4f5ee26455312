// Package repository содержит реализацию хранилища заказов в PostgreSQL.
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

	"github.com/examhub/order-engine/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrEmptyCart возвращается при попытке создать заказ без позиций.
var (
	ErrEmptyCart = errors.New("cart is empty")
	// ErrOrderNotFound возвращается, если заказ не существует или не
	// принадлежит запрашивающему пользователю. Проверка владения — граница
	// контроля доступа всего движка, различие наружу не раскрывается.
	ErrOrderNotFound = errors.New("order not found")
	// ErrStatusConflict возвращается, если текущий статус заказа не совпал
	// с ожидаемым: параллельный переход успел раньше.
	ErrStatusConflict = errors.New("order status conflict")
)

// PostgresRepository предоставляет доступ к хранилищу заказов в PostgreSQL.
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

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
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

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

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
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// CreateOrder сохраняет заказ, его позиции и первую запись журнала статусов
// в одной транзакции. Частичное сохранение невозможно.
func (r *PostgresRepository) CreateOrder(ctx context.Context, number string, userID int64, items []model.PricedItem, pricing model.Pricing, paymentMethod, billingAddress string) (*model.Order, error) {
	if len(items) == 0 {
		return nil, ErrEmptyCart
	}

	var order *model.Order
	err := r.withRetry(ctx, func() error {
		var txErr error
		order, txErr = r.createOrderTx(ctx, number, userID, items, pricing, paymentMethod, billingAddress)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (r *PostgresRepository) createOrderTx(ctx context.Context, number string, userID int64, items []model.PricedItem, pricing model.Pricing, paymentMethod, billingAddress string) (*model.Order, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	order := &model.Order{
		Number:         number,
		UserID:         userID,
		Status:         model.OrderStatusPending,
		PaymentStatus:  model.PaymentStatusPending,
		Subtotal:       pricing.Subtotal,
		Discount:       pricing.Discount,
		Tax:            pricing.Tax,
		Total:          pricing.Total,
		PaymentMethod:  paymentMethod,
		BillingAddress: billingAddress,
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO orders (number, user_id, status, payment_status, subtotal, discount, tax, total, payment_method, billing_address)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id, created_at, updated_at`,
		number, userID,
		string(model.OrderStatusPending), string(model.PaymentStatusPending),
		pricing.Subtotal, pricing.Discount, pricing.Tax, pricing.Total,
		paymentMethod, billingAddress,
	).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}

	for _, item := range items {
		var oi model.OrderItem
		err = tx.QueryRow(ctx,
			`INSERT INTO order_items (order_id, test_id, quantity, price, total)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING id`,
			order.ID, item.TestID, item.Quantity, item.Price, item.Total,
		).Scan(&oi.ID)
		if err != nil {
			return nil, fmt.Errorf("insert order item: %w", err)
		}

		oi.OrderID = order.ID
		oi.TestID = item.TestID
		oi.Quantity = item.Quantity
		oi.Price = item.Price
		oi.Total = item.Total
		order.Items = append(order.Items, oi)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO order_status_events (order_id, status, message)
		 VALUES ($1, $2, $3)`,
		order.ID, string(model.OrderStatusPending), "Order created",
	)
	if err != nil {
		return nil, fmt.Errorf("insert status event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return order, nil
}

// GetOrder возвращает заказ с позициями. Заказ чужого пользователя
// неотличим от несуществующего.
func (r *PostgresRepository) GetOrder(ctx context.Context, orderID, userID int64) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, number, user_id, status, payment_status, subtotal, discount, tax, total,
		        payment_method, COALESCE(payment_id, ''), billing_address, created_at, updated_at
		 FROM orders
		 WHERE id = $1 AND user_id = $2`,
		orderID, userID,
	)

	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	if err := r.loadItems(ctx, order); err != nil {
		return nil, err
	}

	return order, nil
}

// GetOrderByID возвращает заказ без проверки владения. Используется только
// внутренними процессами (фоновые повторы фулфилмента, вебхуки шлюза).
func (r *PostgresRepository) GetOrderByID(ctx context.Context, orderID int64) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, number, user_id, status, payment_status, subtotal, discount, tax, total,
		        payment_method, COALESCE(payment_id, ''), billing_address, created_at, updated_at
		 FROM orders
		 WHERE id = $1`,
		orderID,
	)

	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order by id: %w", err)
	}

	if err := r.loadItems(ctx, order); err != nil {
		return nil, err
	}

	return order, nil
}

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o             model.Order
		status        string
		paymentStatus string
	)
	err := row.Scan(&o.ID, &o.Number, &o.UserID, &status, &paymentStatus,
		&o.Subtotal, &o.Discount, &o.Tax, &o.Total,
		&o.PaymentMethod, &o.PaymentID, &o.BillingAddress,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Status = model.OrderStatus(status)
	o.PaymentStatus = model.PaymentStatus(paymentStatus)
	return &o, nil
}

func (r *PostgresRepository) loadItems(ctx context.Context, order *model.Order) error {
	rows, err := r.pool.Query(ctx,
		`SELECT id, order_id, test_id, quantity, price, total
		 FROM order_items
		 WHERE order_id = $1
		 ORDER BY id`,
		order.ID,
	)
	if err != nil {
		return fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item model.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.TestID, &item.Quantity, &item.Price, &item.Total); err != nil {
			return fmt.Errorf("scan order item: %w", err)
		}
		order.Items = append(order.Items, item)
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows error: %w", err)
	}

	return nil
}

// GetOrdersByUser возвращает заказы пользователя от новых к старым.
func (r *PostgresRepository) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, number, user_id, status, payment_status, subtotal, discount, tax, total,
		        payment_method, COALESCE(payment_id, ''), billing_address, created_at, updated_at
		 FROM orders
		 WHERE user_id = $1
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}

// StatusFields — изменяемые при переходе статуса поля оплаты заказа.
type StatusFields struct {
	PaymentStatus *model.PaymentStatus
	PaymentID     *string
}

// UpdateOrderStatus выполняет атомарный compare-and-swap статуса заказа.
// Строка заказа блокируется на время транзакции, поэтому из двух
// конкурентных переходов побеждает ровно один, второй получает
// ErrStatusConflict. Недопустимый по жизненному циклу переход возвращает
// model.ErrInvalidTransition. На каждый успешный переход добавляется
// запись журнала статусов.
func (r *PostgresRepository) UpdateOrderStatus(ctx context.Context, orderID int64, expected, newStatus model.OrderStatus, fields StatusFields, message string) (*model.Order, error) {
	var order *model.Order
	err := r.withRetry(ctx, func() error {
		var txErr error
		order, txErr = r.updateOrderStatusTx(ctx, orderID, expected, newStatus, fields, message)
		return txErr
	})
	if err != nil {
		return nil, err
	}

	if err := r.loadItems(ctx, order); err != nil {
		return nil, err
	}

	return order, nil
}

func (r *PostgresRepository) updateOrderStatusTx(ctx context.Context, orderID int64, expected, newStatus model.OrderStatus, fields StatusFields, message string) (*model.Order, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx,
		`SELECT status FROM orders WHERE id = $1 FOR UPDATE`,
		orderID,
	).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("lock order: %w", err)
	}

	if model.OrderStatus(current) != expected {
		return nil, fmt.Errorf("%w: status is %s, expected %s", ErrStatusConflict, current, expected)
	}

	if err := model.ValidateTransition(model.OrderStatus(current), newStatus); err != nil {
		return nil, fmt.Errorf("%w: %s -> %s", err, current, newStatus)
	}

	row := tx.QueryRow(ctx,
		`UPDATE orders
		 SET status = $2,
		     payment_status = COALESCE($3, payment_status),
		     payment_id = COALESCE($4, payment_id),
		     updated_at = NOW()
		 WHERE id = $1
		 RETURNING id, number, user_id, status, payment_status, subtotal, discount, tax, total,
		           payment_method, COALESCE(payment_id, ''), billing_address, created_at, updated_at`,
		orderID, string(newStatus), paymentStatusArg(fields.PaymentStatus), fields.PaymentID,
	)

	order, err := scanOrder(row)
	if err != nil {
		return nil, fmt.Errorf("update order: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO order_status_events (order_id, status, message)
		 VALUES ($1, $2, $3)`,
		orderID, string(newStatus), message,
	)
	if err != nil {
		return nil, fmt.Errorf("insert status event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return order, nil
}

func paymentStatusArg(ps *model.PaymentStatus) *string {
	if ps == nil {
		return nil
	}
	s := string(*ps)
	return &s
}

// GetStatusEvents возвращает журнал статусов заказа от старых к новым.
func (r *PostgresRepository) GetStatusEvents(ctx context.Context, orderID int64) ([]model.OrderStatusEvent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, order_id, status, message, created_at
		 FROM order_status_events
		 WHERE order_id = $1
		 ORDER BY id`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select status events: %w", err)
	}
	defer rows.Close()

	var events []model.OrderStatusEvent
	for rows.Next() {
		var (
			e      model.OrderStatusEvent
			status string
		)
		if err := rows.Scan(&e.ID, &e.OrderID, &status, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan status event: %w", err)
		}
		e.Status = model.OrderStatus(status)
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return events, nil
}

// InsertAccessGrants создаёт записи доступа по позициям заказа.
// Уникальный индекс (order_id, test_id) служит ключом идемпотентности:
// повторная вставка по тому же заказу ничего не меняет.
func (r *PostgresRepository) InsertAccessGrants(ctx context.Context, order *model.Order) error {
	for _, item := range order.Items {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO access_grants (user_id, test_id, order_id)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (order_id, test_id) DO NOTHING`,
			order.UserID, item.TestID, order.ID,
		)
		if err != nil {
			return fmt.Errorf("insert access grant for test %s: %w", item.TestID, err)
		}
	}
	return nil
}

// DeleteAccessGrantsByOrder удаляет записи доступа, созданные указанным
// заказом. Доступы того же пользователя из других заказов не затрагиваются.
func (r *PostgresRepository) DeleteAccessGrantsByOrder(ctx context.Context, orderID int64) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM access_grants WHERE order_id = $1`,
		orderID,
	)
	if err != nil {
		return fmt.Errorf("delete access grants: %w", err)
	}
	return nil
}

// FulfillmentJobKind — тип отложенной операции фулфилмента.
type FulfillmentJobKind string

const (
	FulfillmentJobGrant  FulfillmentJobKind = "grant"
	FulfillmentJobRevoke FulfillmentJobKind = "revoke"
)

// FulfillmentJob — отложенная операция выдачи или отзыва доступа,
// ожидающая фонового повтора.
type FulfillmentJob struct {
	ID          int64
	OrderID     int64
	Kind        FulfillmentJobKind
	Attempts    int32
	NextRetryAt time.Time
	CreatedAt   time.Time
}

// EnqueueFulfillmentJob ставит операцию фулфилмента в очередь повторов.
// Повторная постановка той же операции по тому же заказу схлопывается.
func (r *PostgresRepository) EnqueueFulfillmentJob(ctx context.Context, orderID int64, kind FulfillmentJobKind) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO fulfillment_jobs (order_id, kind)
		 VALUES ($1, $2)
		 ON CONFLICT (order_id, kind) DO NOTHING`,
		orderID, string(kind),
	)
	if err != nil {
		return fmt.Errorf("enqueue fulfillment job: %w", err)
	}
	return nil
}

// DueFulfillmentJobs возвращает операции, срок повтора которых наступил.
func (r *PostgresRepository) DueFulfillmentJobs(ctx context.Context, limit int) ([]FulfillmentJob, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, order_id, kind, attempts, next_retry_at, created_at
		 FROM fulfillment_jobs
		 WHERE next_retry_at <= NOW()
		 ORDER BY next_retry_at
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select fulfillment jobs: %w", err)
	}
	defer rows.Close()

	var jobs []FulfillmentJob
	for rows.Next() {
		var (
			j    FulfillmentJob
			kind string
		)
		if err := rows.Scan(&j.ID, &j.OrderID, &kind, &j.Attempts, &j.NextRetryAt, &j.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan fulfillment job: %w", err)
		}
		j.Kind = FulfillmentJobKind(kind)
		jobs = append(jobs, j)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return jobs, nil
}

// CompleteFulfillmentJob удаляет успешно выполненную операцию из очереди.
func (r *PostgresRepository) CompleteFulfillmentJob(ctx context.Context, jobID int64) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM fulfillment_jobs WHERE id = $1`,
		jobID,
	)
	if err != nil {
		return fmt.Errorf("complete fulfillment job: %w", err)
	}
	return nil
}

// BumpFulfillmentJob увеличивает счётчик попыток и откладывает следующий
// повтор на указанный интервал.
func (r *PostgresRepository) BumpFulfillmentJob(ctx context.Context, jobID int64, delay time.Duration) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE fulfillment_jobs
		 SET attempts = attempts + 1,
		     next_retry_at = NOW() + $2
		 WHERE id = $1`,
		jobID, delay,
	)
	if err != nil {
		return fmt.Errorf("bump fulfillment job: %w", err)
	}
	return nil
}

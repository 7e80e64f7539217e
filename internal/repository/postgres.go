// Package repository содержит реализацию доступа к данным в PostgreSQL.
//
// Вся корректность при конкурентном доступе обеспечивается атомарными
// условными операциями над отдельными строками: списание баланса,
// продажа единицы товара и перевод заказа в оплаченное состояние
// выполняются одним SQL-запросом, результат которого сообщает, удалась
// ли операция. Глобальных блокировок нет.
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
	"github.com/sethvargo/go-retry"

	"github.com/ordersmith/shopcore/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserNotFound возвращается, если пользователь не найден.
var (
	ErrUserNotFound = errors.New("user not found")
	// ErrInsufficientFunds возвращается при попытке списания суммы, превышающей баланс.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrOutOfStock возвращается, если непроданных единиц товара с указанными названием и городом нет.
	ErrOutOfStock = errors.New("out of stock")
	// ErrUnknownOrder возвращается, если заказ с указанным платёжным идентификатором не найден.
	ErrUnknownOrder = errors.New("unknown order")
	// ErrOrderExists возвращается при попытке создать заказ с уже занятым платёжным идентификатором.
	ErrOrderExists = errors.New("order already exists")
	// ErrPromoUsed возвращается при повторной попытке активировать промокод.
	ErrPromoUsed = errors.New("promo already used")
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

// withRetry повторяет операцию при временных сбоях: сериализационных
// конфликтах, дедлоках и обрывах соединения. Ошибки контекста и
// бизнес-ошибки не повторяются.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
			return err
		}

		if isConnectionError(err) {
			return retry.RetryableError(err)
		}

		return err
	})
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// EnsureUser создаёт пользователя при первом обращении и обновляет имя
// при повторных. Возвращает true, если пользователь был создан.
func (r *PostgresRepository) EnsureUser(ctx context.Context, id int64, username, city string) (bool, error) {
	var created bool

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		cmdTag, err := tx.Exec(ctx,
			`INSERT INTO users (id, username, city) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`,
			id, username, city,
		)
		if err != nil {
			return fmt.Errorf("insert user: %w", err)
		}

		created = cmdTag.RowsAffected() == 1

		if !created {
			if _, err := tx.Exec(ctx,
				`UPDATE users SET username = $2 WHERE id = $1`,
				id, username,
			); err != nil {
				return fmt.Errorf("update username: %w", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})

	return created, err
}

// GetUser возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUser(ctx context.Context, id int64) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, username, balance, city, referral_count, promo_used, created_at
		 FROM users
		 WHERE id = $1`,
		id,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Username, &u.BalanceCents, &u.City, &u.ReferralCount, &u.PromoUsed, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// SetCity сохраняет выбранный пользователем город.
func (r *PostgresRepository) SetCity(ctx context.Context, id int64, city string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE users SET city = $2 WHERE id = $1`,
		id, city,
	)
	if err != nil {
		return fmt.Errorf("set city: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// IncrementReferrals увеличивает счётчик приглашённых у пользователя.
func (r *PostgresRepository) IncrementReferrals(ctx context.Context, id int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE users SET referral_count = referral_count + 1 WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("increment referrals: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// Debit атомарно списывает сумму с баланса пользователя. Списание,
// уводящее баланс в минус, отклоняется без изменений.
func (r *PostgresRepository) Debit(ctx context.Context, id int64, amountCents int64) error {
	return r.withRetry(ctx, func() error {
		cmdTag, err := r.pool.Exec(ctx,
			`UPDATE users SET balance = balance - $2 WHERE id = $1 AND balance >= $2`,
			id, amountCents,
		)
		if err != nil {
			return fmt.Errorf("debit: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return ErrInsufficientFunds
		}
		return nil
	})
}

// Credit атомарно зачисляет сумму на баланс пользователя.
func (r *PostgresRepository) Credit(ctx context.Context, id int64, amountCents int64) error {
	return r.withRetry(ctx, func() error {
		cmdTag, err := r.pool.Exec(ctx,
			`UPDATE users SET balance = balance + $2 WHERE id = $1`,
			id, amountCents,
		)
		if err != nil {
			return fmt.Errorf("credit: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return ErrUserNotFound
		}
		return nil
	})
}

// RedeemPromo одним запросом помечает промокод использованным и
// зачисляет вознаграждение. Повторная активация отклоняется.
func (r *PostgresRepository) RedeemPromo(ctx context.Context, id int64, rewardCents int64) error {
	return r.withRetry(ctx, func() error {
		cmdTag, err := r.pool.Exec(ctx,
			`UPDATE users SET promo_used = TRUE, balance = balance + $2 WHERE id = $1 AND NOT promo_used`,
			id, rewardCents,
		)
		if err != nil {
			return fmt.Errorf("redeem promo: %w", err)
		}
		if cmdTag.RowsAffected() == 1 {
			return nil
		}

		if _, err := r.GetUser(ctx, id); err != nil {
			return err
		}
		return ErrPromoUsed
	})
}

// AddUnits добавляет партию единиц товара: по одной строке на каждую
// физическую единицу. Возвращает количество добавленных строк.
func (r *PostgresRepository) AddUnits(ctx context.Context, units []model.Unit) (int, error) {
	var added int

	err := r.withRetry(ctx, func() error {
		added = 0

		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		for _, u := range units {
			if _, err := tx.Exec(ctx,
				`INSERT INTO units (title, price, content, content_kind, city) VALUES ($1, $2, $3, $4, $5)`,
				u.Title, u.PriceCents, u.Content, string(u.ContentKind), u.City,
			); err != nil {
				return fmt.Errorf("insert unit: %w", err)
			}
			added++
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})

	return added, err
}

// ListCatalog возвращает витрину города: непроданные единицы,
// сгруппированные по названию. Количества справочные и могут устареть к
// моменту покупки.
func (r *PostgresRepository) ListCatalog(ctx context.Context, city string) ([]model.CatalogItem, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT title, MIN(price), COUNT(*)
		 FROM units
		 WHERE city = $1 AND NOT sold
		 GROUP BY title
		 ORDER BY title`,
		city,
	)
	if err != nil {
		return nil, fmt.Errorf("select catalog: %w", err)
	}
	defer rows.Close()

	var res []model.CatalogItem
	for rows.Next() {
		var item model.CatalogItem
		if err := rows.Scan(&item.Title, &item.PriceCents, &item.Count); err != nil {
			return nil, fmt.Errorf("scan catalog item: %w", err)
		}
		res = append(res, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// QuoteListPrice возвращает цену самой дешёвой непроданной единицы с
// указанными названием и городом.
func (r *PostgresRepository) QuoteListPrice(ctx context.Context, title, city string) (int64, error) {
	var price int64
	err := r.pool.QueryRow(ctx,
		`SELECT price
		 FROM units
		 WHERE title = $1 AND city = $2 AND NOT sold
		 ORDER BY price
		 LIMIT 1`,
		title, city,
	).Scan(&price)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrOutOfStock
		}
		return 0, fmt.Errorf("quote list price: %w", err)
	}

	return price, nil
}

// ClaimUnit атомарно выбирает одну непроданную единицу с указанными
// названием и городом, помечает её проданной и возвращает содержимое.
// SKIP LOCKED разводит конкурирующие запросы по разным строкам: за
// последнюю единицу успешно поборется ровно один вызов, остальные
// получат ErrOutOfStock.
func (r *PostgresRepository) ClaimUnit(ctx context.Context, title, city string) (*model.Unit, error) {
	var u model.Unit

	err := r.withRetry(ctx, func() error {
		row := r.pool.QueryRow(ctx,
			`UPDATE units SET sold = TRUE
			 WHERE id = (
			     SELECT id FROM units
			     WHERE title = $1 AND city = $2 AND NOT sold
			     LIMIT 1
			     FOR UPDATE SKIP LOCKED
			 )
			 RETURNING id, title, price, content, content_kind, city`,
			title, city,
		)

		var kind string
		if err := row.Scan(&u.ID, &u.Title, &u.PriceCents, &u.Content, &kind, &u.City); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrOutOfStock
			}
			return fmt.Errorf("claim unit: %w", err)
		}

		u.ContentKind = model.ContentKind(kind)
		u.Sold = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &u, nil
}

// CreateOrder сохраняет новый заказ.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o *model.Order) error {
	return r.withRetry(ctx, func() error {
		err := r.pool.QueryRow(ctx,
			`INSERT INTO orders (payment_id, user_id, unit_id, amount, status, kind, title, city)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 RETURNING id, created_at`,
			o.PaymentID, o.UserID, o.UnitID, o.AmountCents, string(o.Status), string(o.Kind), o.Title, o.City,
		).Scan(&o.ID, &o.CreatedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				return fmt.Errorf("%w: %s", ErrOrderExists, o.PaymentID)
			}
			return fmt.Errorf("insert order: %w", err)
		}
		return nil
	})
}

// GetOrderByPayment возвращает заказ по платёжному идентификатору.
func (r *PostgresRepository) GetOrderByPayment(ctx context.Context, paymentID string) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, payment_id, user_id, unit_id, amount, status, kind, title, city, created_at
		 FROM orders
		 WHERE payment_id = $1`,
		paymentID,
	)

	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUnknownOrder
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	return o, nil
}

// MarkOrderPaid выполняет условный переход заказа waiting -> paid.
// Возвращаемый признак true означает, что переход выполнил именно этот
// вызов; false — что заказ не существует или уже оплачен. Это
// единственный механизм дедупликации повторных уведомлений.
func (r *PostgresRepository) MarkOrderPaid(ctx context.Context, paymentID string) (*model.Order, bool, error) {
	var o *model.Order
	var won bool

	err := r.withRetry(ctx, func() error {
		o = nil
		won = false

		row := r.pool.QueryRow(ctx,
			`UPDATE orders SET status = $2
			 WHERE payment_id = $1 AND status = $3
			 RETURNING id, payment_id, user_id, unit_id, amount, status, kind, title, city, created_at`,
			paymentID, string(model.OrderStatusPaid), string(model.OrderStatusWaiting),
		)

		updated, err := scanOrder(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("mark order paid: %w", err)
		}

		o = updated
		won = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return o, won, nil
}

// BindOrderUnit привязывает к оплаченному заказу проданную единицу товара.
func (r *PostgresRepository) BindOrderUnit(ctx context.Context, orderID, unitID int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE orders SET unit_id = $2 WHERE id = $1`,
		orderID, unitID,
	)
	if err != nil {
		return fmt.Errorf("bind order unit: %w", err)
	}
	return nil
}

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o      model.Order
		status string
		kind   string
	)

	err := row.Scan(&o.ID, &o.PaymentID, &o.UserID, &o.UnitID, &o.AmountCents, &status, &kind, &o.Title, &o.City, &o.CreatedAt)
	if err != nil {
		return nil, err
	}

	o.Status = model.OrderStatus(status)
	o.Kind = model.OrderKind(kind)
	return &o, nil
}

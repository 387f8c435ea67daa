package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fjod/go_checkout/internal/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

const defaultLockTimeout = 3 * time.Second

var nowUTC = func() time.Time { return time.Now().UTC() }

// querier is satisfied by both *sql.DB and *sql.Tx so the row mappers below
// serve the plain reads and the placement transaction alike.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Repository struct {
	db          *sql.DB
	lockTimeout time.Duration
	log         *slog.Logger
}

type Option func(*Repository)

// WithLockTimeout bounds how long a placement transaction waits for row locks.
func WithLockTimeout(d time.Duration) Option {
	return func(r *Repository) {
		if d > 0 {
			r.lockTimeout = d
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(r *Repository) {
		if log != nil {
			r.log = log
		}
	}
}

func NewRepository(cred *Credentials, opts ...Option) (*Repository, error) {
	psqlconn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cred.Host,
		cred.Port,
		cred.User,
		cred.Password,
		cred.DBName)

	db, err := sql.Open("postgres", psqlconn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if e2 := db.Ping(); e2 != nil {
		return nil, fmt.Errorf("failed to ping database: %w", e2)
	}

	db.SetMaxOpenConns(100)
	db.SetMaxIdleConns(10)

	r := &Repository{db: db, lockTimeout: defaultLockTimeout, log: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	r.log.Info("connected to postgres", "host", cred.Host, "db", cred.DBName)
	return r, nil
}

func (r *Repository) RunMigrations(cred *Credentials) error {
	driver, err := postgres.WithInstance(r.db, &postgres.Config{
		MigrationsTable: "checkout_schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", cred.MigrationsDirPath),
		"postgres",
		driver,
	)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if e2 := m.Up(); e2 != nil && !errors.Is(e2, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", e2)
	}

	return nil
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	sqlTx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", mapPQError(err))
	}

	// SET does not take placeholders.
	lockStmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())
	if _, err := sqlTx.ExecContext(ctx, lockStmt); err != nil {
		_ = sqlTx.Rollback()
		return fmt.Errorf("set lock timeout: %w", mapPQError(err))
	}

	if err := fn(ctx, &pgTx{q: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			r.log.Warn("rollback failed", "error", rbErr)
		}
		return mapPQError(err)
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", mapPQError(err))
	}
	return nil
}

// mapPQError turns lock and serialization failures into domain.ErrLockTimeout
// so callers can offer a retry. Everything else passes through unchanged.
func mapPQError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case "55P03", "40P01", "40001":
		return fmt.Errorf("%w: %s", domain.ErrLockTimeout, pqErr.Message)
	case "23514":
		if pqErr.Constraint == "products_stock_non_negative" {
			return domain.ErrStockUnavailable
		}
	}
	return err
}

// Catalog

const productColumns = `id, name, price, stock, status, sales_total, revenue_total`

func scanProduct(row interface{ Scan(...any) error }) (*domain.Product, error) {
	var p domain.Product
	var status string
	if err := row.Scan(&p.ID, &p.Name, &p.Price, &p.Stock, &status, &p.SalesTotal, &p.RevenueTotal); err != nil {
		return nil, err
	}
	p.Status = domain.ProductStatus(status)
	return &p, nil
}

func (r *Repository) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	p, err := scanProduct(r.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query product: %w", err)
	}
	return p, nil
}

func (r *Repository) GetProducts(ctx context.Context, ids []int64) (map[int64]*domain.Product, error) {
	res := make(map[int64]*domain.Product, len(ids))
	if len(ids) == 0 {
		return res, nil
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product row: %w", err)
		}
		res[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return res, nil
}

const couponColumns = `id, code, kind, value, is_active, valid_from, valid_to, usage_limit, used_count, min_subtotal`

func scanCoupon(row interface{ Scan(...any) error }) (*domain.Coupon, error) {
	var (
		c          domain.Coupon
		kind       string
		validFrom  sql.NullTime
		validTo    sql.NullTime
		usageLimit sql.NullInt64
		minSub     decimal.NullDecimal
	)
	if err := row.Scan(&c.ID, &c.Code, &kind, &c.Value, &c.IsActive, &validFrom, &validTo, &usageLimit, &c.UsedCount, &minSub); err != nil {
		return nil, err
	}
	c.Kind = domain.CouponKind(kind)
	if validFrom.Valid {
		c.ValidFrom = &validFrom.Time
	}
	if validTo.Valid {
		c.ValidTo = &validTo.Time
	}
	if usageLimit.Valid {
		n := int(usageLimit.Int64)
		c.UsageLimit = &n
	}
	if minSub.Valid {
		c.MinSubtotal = &minSub.Decimal
	}
	return &c, nil
}

func (r *Repository) GetCoupon(ctx context.Context, code string) (*domain.Coupon, error) {
	c, err := scanCoupon(r.db.QueryRowContext(ctx,
		`SELECT `+couponColumns+` FROM coupons WHERE code = $1`, domain.NormalizeCode(code)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCouponNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query coupon: %w", err)
	}
	return c, nil
}

func (r *Repository) GetDeliveryMethod(ctx context.Context, id int64) (*domain.DeliveryMethod, error) {
	var (
		m        domain.DeliveryMethod
		freeFrom decimal.NullDecimal
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, fee, free_from, is_active FROM delivery_methods WHERE id = $1`, id).
		Scan(&m.ID, &m.Name, &m.Fee, &freeFrom, &m.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMethodNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query delivery method: %w", err)
	}
	if freeFrom.Valid {
		m.FreeFrom = &freeFrom.Decimal
	}
	return &m, nil
}

func (r *Repository) GetPaymentMethod(ctx context.Context, id int64) (*domain.PaymentMethod, error) {
	var m domain.PaymentMethod
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, fee, is_active, online FROM payment_methods WHERE id = $1`, id).
		Scan(&m.ID, &m.Name, &m.Fee, &m.IsActive, &m.Online)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMethodNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query payment method: %w", err)
	}
	return &m, nil
}

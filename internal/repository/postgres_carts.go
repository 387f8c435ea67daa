package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_checkout/internal/domain"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const cartColumns = `id, customer_id, session_key, delivery_method_id, payment_method_id, coupon_code,
	subtotal, discount_total, delivery_cost, payment_fee, total, version, created_at, updated_at`

func (r *Repository) GetCart(ctx context.Context, id string) (*domain.Cart, error) {
	return getCart(ctx, r.db, id, false)
}

func (r *Repository) FindCartByCustomer(ctx context.Context, customerID string) (*domain.Cart, error) {
	return loadCart(ctx, r.db, `SELECT `+cartColumns+` FROM carts WHERE customer_id = $1`, customerID)
}

// SaveCart writes the cart header and its lines atomically.
func (r *Repository) SaveCart(ctx context.Context, cart *domain.Cart) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	version, err := saveCart(ctx, tx, cart, nowUTC())
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cart: %w", err)
	}
	cart.Version = version
	return nil
}

func (r *Repository) DeleteCart(ctx context.Context, id string, version int64) error {
	return deleteCart(ctx, r.db, id, version)
}

func getCart(ctx context.Context, q querier, id string, forUpdate bool) (*domain.Cart, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrCartNotFound
	}
	query := `SELECT ` + cartColumns + ` FROM carts WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	return loadCart(ctx, q, query, id)
}

func loadCart(ctx context.Context, q querier, query string, arg any) (*domain.Cart, error) {
	var (
		c          domain.Cart
		customerID sql.NullString
		deliveryID sql.NullInt64
		paymentID  sql.NullInt64
		couponCode sql.NullString
	)
	err := q.QueryRowContext(ctx, query, arg).Scan(
		&c.ID,
		&customerID,
		&c.SessionKey,
		&deliveryID,
		&paymentID,
		&couponCode,
		&c.Subtotal,
		&c.DiscountTotal,
		&c.DeliveryCost,
		&c.PaymentFee,
		&c.Total,
		&c.Version,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrCartNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query cart: %w", mapPQError(err))
	}
	if customerID.Valid {
		c.CustomerID = &customerID.String
	}
	if deliveryID.Valid {
		c.DeliveryMethodID = &deliveryID.Int64
	}
	if paymentID.Valid {
		c.PaymentMethodID = &paymentID.Int64
	}
	if couponCode.Valid {
		c.CouponCode = &couponCode.String
	}

	rows, err := q.QueryContext(ctx,
		`SELECT product_id, quantity, unit_price, added_at FROM cart_lines WHERE cart_id = $1 ORDER BY position`, c.ID)
	if err != nil {
		return nil, fmt.Errorf("query cart lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var l domain.CartLine
		if err := rows.Scan(&l.ProductID, &l.Quantity, &l.UnitPrice, &l.AddedAt); err != nil {
			return nil, fmt.Errorf("scan cart line: %w", err)
		}
		c.Lines = append(c.Lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return &c, nil
}

// saveCart inserts a cart with Version 0 or updates one whose stored version
// still equals cart.Version. It returns the new version without touching cart.
func saveCart(ctx context.Context, q querier, cart *domain.Cart, now time.Time) (int64, error) {
	var next int64
	if cart.Version == 0 {
		_, err := q.ExecContext(ctx, `INSERT INTO carts (id, customer_id, session_key, delivery_method_id, payment_method_id,
			coupon_code, subtotal, discount_total, delivery_cost, payment_fee, total, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1, $12, $12)`,
			cart.ID, cart.CustomerID, cart.SessionKey, cart.DeliveryMethodID, cart.PaymentMethodID,
			cart.CouponCode, cart.Subtotal, cart.DiscountTotal, cart.DeliveryCost, cart.PaymentFee, cart.Total, now)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				return 0, domain.ErrCartConflict
			}
			return 0, fmt.Errorf("insert cart: %w", mapPQError(err))
		}
		next = 1
	} else {
		res, err := q.ExecContext(ctx, `UPDATE carts SET customer_id = $3, session_key = $4, delivery_method_id = $5,
			payment_method_id = $6, coupon_code = $7, subtotal = $8, discount_total = $9, delivery_cost = $10,
			payment_fee = $11, total = $12, version = version + 1, updated_at = $13
			WHERE id = $1 AND version = $2`,
			cart.ID, cart.Version, cart.CustomerID, cart.SessionKey, cart.DeliveryMethodID, cart.PaymentMethodID,
			cart.CouponCode, cart.Subtotal, cart.DiscountTotal, cart.DeliveryCost, cart.PaymentFee, cart.Total, now)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				return 0, domain.ErrCartConflict
			}
			return 0, fmt.Errorf("update cart: %w", mapPQError(err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("update cart: %w", err)
		}
		if n == 0 {
			return 0, domain.ErrCartConflict
		}
		next = cart.Version + 1
	}

	if _, err := q.ExecContext(ctx, `DELETE FROM cart_lines WHERE cart_id = $1`, cart.ID); err != nil {
		return 0, fmt.Errorf("clear cart lines: %w", mapPQError(err))
	}
	for i, l := range cart.Lines {
		_, err := q.ExecContext(ctx,
			`INSERT INTO cart_lines (cart_id, product_id, position, quantity, unit_price, added_at) VALUES ($1, $2, $3, $4, $5, $6)`,
			cart.ID, l.ProductID, i, l.Quantity, l.UnitPrice, l.AddedAt)
		if err != nil {
			return 0, fmt.Errorf("insert cart line: %w", mapPQError(err))
		}
	}
	return next, nil
}

func deleteCart(ctx context.Context, q querier, id string, version int64) error {
	if _, err := uuid.Parse(id); err != nil {
		return domain.ErrCartNotFound
	}
	res, err := q.ExecContext(ctx, `DELETE FROM carts WHERE id = $1 AND version = $2`, id, version)
	if err != nil {
		return fmt.Errorf("delete cart: %w", mapPQError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete cart: %w", err)
	}
	if n == 0 {
		return domain.ErrCartConflict
	}
	return nil
}

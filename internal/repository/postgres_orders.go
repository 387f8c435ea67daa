package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_checkout/internal/domain"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const orderColumns = `id, tracking_token, customer_id, status, details, delivery_method, payment_method, coupon_code,
	subtotal, discount_total, delivery_cost, payment_fee, total, currency, lines, email_verified_at, created_at, updated_at`

func createOrder(ctx context.Context, q querier, order *domain.Order) error {
	linesJSON, err := json.Marshal(order.Lines)
	if err != nil {
		return fmt.Errorf("failed to marshal order lines: %w", err)
	}
	detailsJSON, err := json.Marshal(order.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal order details: %w", err)
	}

	query := `INSERT INTO orders (` + orderColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	_, insertErr := q.ExecContext(ctx, query,
		order.ID,
		order.TrackingToken,
		order.CustomerID,
		order.Status,
		detailsJSON,
		order.DeliveryMethod,
		order.PaymentMethod,
		order.CouponCode,
		order.Subtotal,
		order.DiscountTotal,
		order.DeliveryCost,
		order.PaymentFee,
		order.Total,
		order.Currency,
		linesJSON,
		order.EmailVerifiedAt,
		order.CreatedAt,
		order.UpdatedAt)

	if insertErr != nil {
		var pqErr *pq.Error
		if errors.As(insertErr, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateToken
		}
		return fmt.Errorf("insert order: %w", mapPQError(insertErr))
	}
	return nil
}

func scanOrder(row interface{ Scan(...any) error }) (*domain.Order, error) {
	var (
		order       domain.Order
		customerID  sql.NullString
		status      string
		detailsJSON []byte
		linesJSON   []byte
		verifiedAt  sql.NullTime
	)
	err := row.Scan(
		&order.ID,
		&order.TrackingToken,
		&customerID,
		&status,
		&detailsJSON,
		&order.DeliveryMethod,
		&order.PaymentMethod,
		&order.CouponCode,
		&order.Subtotal,
		&order.DiscountTotal,
		&order.DeliveryCost,
		&order.PaymentFee,
		&order.Total,
		&order.Currency,
		&linesJSON,
		&verifiedAt,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	order.Status = domain.OrderStatus(status)
	if customerID.Valid {
		order.CustomerID = &customerID.String
	}
	if verifiedAt.Valid {
		order.EmailVerifiedAt = &verifiedAt.Time
	}
	if err := json.Unmarshal(detailsJSON, &order.Details); err != nil {
		return nil, fmt.Errorf("unmarshal order details: %w", err)
	}
	if err := json.Unmarshal(linesJSON, &order.Lines); err != nil {
		return nil, fmt.Errorf("unmarshal order lines: %w", err)
	}
	return &order, nil
}

func (r *Repository) GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	order, err := scanOrder(r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order by id: %w", err)
	}
	return order, nil
}

func (r *Repository) GetOrderByTrackingToken(ctx context.Context, token string) (*domain.Order, error) {
	order, err := scanOrder(r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE tracking_token = $1`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order by token: %w", err)
	}
	return order, nil
}

func (r *Repository) ListOrdersByCustomer(ctx context.Context, customerID string) ([]*domain.Order, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE customer_id = $1 ORDER BY created_at DESC`, customerID)
	if err != nil {
		return nil, fmt.Errorf("query orders by customer: %w", err)
	}
	defer rows.Close()

	var orders []*domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return orders, nil
}

func (r *Repository) MarkEmailVerified(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE orders SET email_verified_at = $2, updated_at = $2 WHERE id = $1 AND email_verified_at IS NULL`, id, at)
	if err != nil {
		return false, fmt.Errorf("mark email verified: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark email verified: %w", err)
	}
	return n == 1, nil
}

func (r *Repository) UpdateOrderStatus(ctx context.Context, id uuid.UUID, from, to domain.OrderStatus, at time.Time) error {
	if !domain.CanTransitionTo(from, to) {
		return domain.IllegalTransitionError
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE orders SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`, id, from, to, at)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check order: %w", err)
	}
	if !exists {
		return domain.ErrOrderNotFound
	}
	return domain.IllegalTransitionError
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/fjod/go_checkout/internal/domain"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

type pgTx struct {
	q querier
}

func (t *pgTx) GetCart(ctx context.Context, id string) (*domain.Cart, error) {
	return getCart(ctx, t.q, id, true)
}

func (t *pgTx) LockProductsForUpdate(ctx context.Context, ids []int64) ([]*domain.Product, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	// LockRows sits above the sort, so rows are locked in id order.
	rows, err := t.q.QueryContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = ANY($1) ORDER BY id FOR UPDATE`, pq.Array(sorted))
	if err != nil {
		return nil, fmt.Errorf("lock products: %w", mapPQError(err))
	}
	defer rows.Close()

	var products []*domain.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product row: %w", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lock products: %w", mapPQError(err))
	}
	return products, nil
}

func (t *pgTx) AdjustProductCounters(ctx context.Context, id int64, stockDelta, salesDelta int, revenueDelta decimal.Decimal) error {
	res, err := t.q.ExecContext(ctx, `UPDATE products
		SET stock = stock + $2, sales_total = sales_total + $3, revenue_total = revenue_total + $4
		WHERE id = $1`, id, stockDelta, salesDelta, revenueDelta)
	if err != nil {
		return fmt.Errorf("adjust product %d: %w", id, mapPQError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("adjust product %d: %w", id, err)
	}
	if n == 0 {
		return domain.ErrProductNotFound
	}
	return nil
}

func (t *pgTx) LockCouponForUpdate(ctx context.Context, code string) (*domain.Coupon, error) {
	c, err := scanCoupon(t.q.QueryRowContext(ctx,
		`SELECT `+couponColumns+` FROM coupons WHERE code = $1 FOR UPDATE`, domain.NormalizeCode(code)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock coupon: %w", mapPQError(err))
	}
	return c, nil
}

func (t *pgTx) IncrementCouponUsage(ctx context.Context, id int64) error {
	_, err := t.q.ExecContext(ctx, `UPDATE coupons SET used_count = used_count + 1 WHERE id = $1`, id)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23514" {
			return domain.ErrCouponNoLongerValid
		}
		return fmt.Errorf("increment coupon usage: %w", mapPQError(err))
	}
	return nil
}

func (t *pgTx) SaveCart(ctx context.Context, cart *domain.Cart) error {
	version, err := saveCart(ctx, t.q, cart, nowUTC())
	if err != nil {
		return err
	}
	cart.Version = version
	return nil
}

func (t *pgTx) DeleteCart(ctx context.Context, id string, version int64) error {
	return deleteCart(ctx, t.q, id, version)
}

func (t *pgTx) TrackingTokenExists(ctx context.Context, token string) (bool, error) {
	var exists bool
	err := t.q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE tracking_token = $1)`, token).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check tracking token: %w", mapPQError(err))
	}
	return exists, nil
}

func (t *pgTx) CreateOrder(ctx context.Context, order *domain.Order) error {
	return createOrder(ctx, t.q, order)
}

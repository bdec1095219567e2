package store

import (
	"context"
	"fmt"
	"time"

	"settlement-service/internal/apperr"
	"settlement-service/internal/models"

	"github.com/jmoiron/sqlx"
)

const orderColumns = `id, buyer_id, supplier_id, idempotency_key,
	status, payment_status, delivery_status, payment_release_status, payment_method, coupon_code,
	delivery_name, delivery_phone, delivery_address, delivery_city,
	shipping_method, shipping_cost, shipping_distance_km, estimated_delivery_date,
	total_amount, total_commission, total_supplier_earnings, total_escrow_held, total_refunded, total_released,
	transaction_id, paid_at, payment_failure_reason,
	delivered_at, release_date, release_claimed_at, release_conversation_id, release_manual,
	release_attempts, last_release_error, released_at, cancelled_at,
	created_at, updated_at`

const itemColumns = `id, order_id, product_id, seller_id, product_name, quantity, price,
	commission_percentage, platform_fee, supplier_earnings, escrow_amount, escrow_status, released_amount,
	refund_status, refund_amount, refund_reason, refund_requested_at, refund_date, refund_processed_at,
	refund_claimed_at, refund_conversation_id`

const insertOrderSQL = `
	INSERT INTO orders (buyer_id, supplier_id, idempotency_key,
		status, payment_status, delivery_status, payment_release_status, payment_method, coupon_code,
		delivery_name, delivery_phone, delivery_address, delivery_city,
		shipping_method, shipping_cost, shipping_distance_km, estimated_delivery_date,
		total_amount, total_commission, total_supplier_earnings, total_escrow_held, total_refunded, total_released)
	VALUES (:buyer_id, :supplier_id, :idempotency_key,
		:status, :payment_status, :delivery_status, :payment_release_status, :payment_method, :coupon_code,
		:delivery_name, :delivery_phone, :delivery_address, :delivery_city,
		:shipping_method, :shipping_cost, :shipping_distance_km, :estimated_delivery_date,
		:total_amount, :total_commission, :total_supplier_earnings, :total_escrow_held, :total_refunded, :total_released)
	RETURNING id, created_at, updated_at`

const insertItemSQL = `
	INSERT INTO order_items (order_id, product_id, seller_id, product_name, quantity, price,
		commission_percentage, platform_fee, supplier_earnings, escrow_amount, escrow_status, released_amount,
		refund_status, refund_amount)
	VALUES (:order_id, :product_id, :seller_id, :product_name, :quantity, :price,
		:commission_percentage, :platform_fee, :supplier_earnings, :escrow_amount, :escrow_status, :released_amount,
		:refund_status, :refund_amount)
	RETURNING id`

const updateOrderSQL = `
	UPDATE orders SET
		status = :status,
		payment_status = :payment_status,
		delivery_status = :delivery_status,
		payment_release_status = :payment_release_status,
		total_amount = :total_amount,
		total_commission = :total_commission,
		total_supplier_earnings = :total_supplier_earnings,
		total_escrow_held = :total_escrow_held,
		total_refunded = :total_refunded,
		total_released = :total_released,
		transaction_id = :transaction_id,
		paid_at = :paid_at,
		payment_failure_reason = :payment_failure_reason,
		delivered_at = :delivered_at,
		release_date = :release_date,
		release_claimed_at = :release_claimed_at,
		release_conversation_id = :release_conversation_id,
		release_manual = :release_manual,
		release_attempts = :release_attempts,
		last_release_error = :last_release_error,
		released_at = :released_at,
		cancelled_at = :cancelled_at,
		updated_at = NOW()
	WHERE id = :id
	RETURNING updated_at`

const updateItemSQL = `
	UPDATE order_items SET
		platform_fee = :platform_fee,
		supplier_earnings = :supplier_earnings,
		escrow_status = :escrow_status,
		released_amount = :released_amount,
		refund_status = :refund_status,
		refund_amount = :refund_amount,
		refund_reason = :refund_reason,
		refund_requested_at = :refund_requested_at,
		refund_date = :refund_date,
		refund_processed_at = :refund_processed_at,
		refund_claimed_at = :refund_claimed_at,
		refund_conversation_id = :refund_conversation_id
	WHERE id = :id AND order_id = :order_id`

// CreateOrder reserves stock and inserts the order with its items in one transaction
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, item := range order.Items {
			res, err := tx.ExecContext(ctx,
				"UPDATE products SET stock = stock - $1, updated_at = NOW() WHERE id = $2 AND stock >= $1",
				item.Quantity, item.ProductID)
			if err != nil {
				return fmt.Errorf("failed to reserve stock: %w", err)
			}
			if n, err := res.RowsAffected(); err != nil || n == 0 {
				return apperr.Validation("insufficient stock for product %d", item.ProductID)
			}
		}

		query, args, err := sqlx.Named(insertOrderSQL, order)
		if err != nil {
			return fmt.Errorf("failed to bind order: %w", err)
		}
		err = tx.QueryRowxContext(ctx, tx.Rebind(query), args...).
			Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
		if isUniqueViolation(err) {
			return apperr.Conflict("order with idempotency key %s already exists", order.IdempotencyKey)
		}
		if err != nil {
			return fmt.Errorf("failed to insert order: %w", err)
		}

		for i := range order.Items {
			item := &order.Items[i]
			item.OrderID = order.ID
			query, args, err := sqlx.Named(insertItemSQL, item)
			if err != nil {
				return fmt.Errorf("failed to bind order item: %w", err)
			}
			if err := tx.QueryRowxContext(ctx, tx.Rebind(query), args...).Scan(&item.ID); err != nil {
				return fmt.Errorf("failed to insert order item: %w", err)
			}
		}
		return nil
	})
}

// GetOrderByID retrieves an order with its items
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
	if err != nil {
		return nil, notFound(err, "order %d not found", id)
	}
	if err := loadItems(ctx, s.db, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByIdempotencyKey retrieves an order by idempotency key
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE idempotency_key = $1", key)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := loadItems(ctx, s.db, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// MutateOrder locks the order row, applies fn and persists the result.
// Stock is returned when fn cancels the order.
func (s *Store) MutateOrder(ctx context.Context, id int64, fn func(*models.Order) error) (*models.Order, error) {
	var order *models.Order
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		o, err := lockOrder(ctx, tx, id)
		if err != nil {
			return err
		}
		before := o.Status

		if err := fn(o); err != nil {
			return err
		}

		if before != models.OrderStatusCancelled && o.Status == models.OrderStatusCancelled {
			if err := restock(ctx, tx, o.Items); err != nil {
				return err
			}
		}

		if err := persistOrder(ctx, tx, o); err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func lockOrder(ctx context.Context, tx *sqlx.Tx, id int64) (*models.Order, error) {
	var order models.Order
	err := tx.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", id)
	if err != nil {
		return nil, notFound(err, "order %d not found", id)
	}
	if err := loadItems(ctx, tx, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func loadItems(ctx context.Context, q sqlx.QueryerContext, order *models.Order) error {
	var items []models.OrderItem
	err := sqlx.SelectContext(ctx, q, &items,
		"SELECT "+itemColumns+" FROM order_items WHERE order_id = $1 ORDER BY id", order.ID)
	if err != nil {
		return fmt.Errorf("failed to load order items: %w", err)
	}
	order.Items = items
	return nil
}

func persistOrder(ctx context.Context, tx *sqlx.Tx, order *models.Order) error {
	query, args, err := sqlx.Named(updateOrderSQL, order)
	if err != nil {
		return fmt.Errorf("failed to bind order: %w", err)
	}
	if err := tx.QueryRowxContext(ctx, tx.Rebind(query), args...).Scan(&order.UpdatedAt); err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}

	for i := range order.Items {
		if _, err := tx.NamedExecContext(ctx, updateItemSQL, &order.Items[i]); err != nil {
			return fmt.Errorf("failed to update order item %d: %w", order.Items[i].ID, err)
		}
	}
	return nil
}

// ListDueReleases returns orders whose escrow hold has ended
func (s *Store) ListDueReleases(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids, `
		SELECT id FROM orders
		WHERE payment_release_status = $1
		  AND payment_status = $2
		  AND delivery_status = $3
		  AND release_date <= $4
		ORDER BY release_date
		LIMIT $5`,
		models.ReleaseStatusScheduled, models.PaymentStatusPaid, models.DeliveryStatusDelivered, now, limit)
	return ids, err
}

// ResetStaleReleaseClaims returns claims older than claimedBefore to the schedule,
// or to Pending when the order never had a release date
func (s *Store) ResetStaleReleaseClaims(ctx context.Context, claimedBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET payment_release_status = CASE WHEN release_date IS NULL THEN $1 ELSE $2 END,
		    release_claimed_at = NULL,
		    release_conversation_id = NULL,
		    release_manual = FALSE,
		    updated_at = NOW()
		WHERE payment_release_status = $3 AND release_claimed_at < $4`,
		models.ReleaseStatusPending, models.ReleaseStatusScheduled, models.ReleaseStatusReleasing, claimedBefore)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListApprovedRefunds returns approved refunds with no payout in flight.
// Claims older than claimedBefore count as abandoned.
func (s *Store) ListApprovedRefunds(ctx context.Context, claimedBefore time.Time, limit int) ([]models.RefundRef, error) {
	var refs []models.RefundRef
	err := s.db.SelectContext(ctx, &refs, `
		SELECT order_id, id AS item_id FROM order_items
		WHERE refund_status = $1
		  AND (refund_claimed_at IS NULL OR refund_claimed_at < $2)
		ORDER BY refund_date
		LIMIT $3`,
		models.RefundStatusApproved, claimedBefore, limit)
	return refs, err
}

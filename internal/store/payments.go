package store

import (
	"context"
	"fmt"
	"time"

	"settlement-service/internal/apperr"
	"settlement-service/internal/models"

	"github.com/jmoiron/sqlx"
)

const pendingColumns = `checkout_request_id, merchant_request_id, order_id, phone_number, amount, status,
	result_code, result_desc, receipt_number, created_at, updated_at`

// CreatePendingPayment records an accepted push request
func (s *Store) CreatePendingPayment(ctx context.Context, p *models.PendingPayment) error {
	query := `
		INSERT INTO pending_payments (checkout_request_id, merchant_request_id, order_id, phone_number, amount, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`

	err := s.db.QueryRowxContext(ctx, query,
		p.CheckoutRequestID, p.MerchantRequestID, p.OrderID, p.PhoneNumber, p.Amount, p.Status).
		Scan(&p.CreatedAt, &p.UpdatedAt)
	if isUniqueViolation(err) {
		return apperr.Conflict("payment request %s already recorded", p.CheckoutRequestID)
	}
	return err
}

// GetPendingPayment returns the request with the given gateway id
func (s *Store) GetPendingPayment(ctx context.Context, checkoutRequestID string) (*models.PendingPayment, error) {
	var p models.PendingPayment
	err := s.db.GetContext(ctx, &p,
		"SELECT "+pendingColumns+" FROM pending_payments WHERE checkout_request_id = $1", checkoutRequestID)
	if err != nil {
		return nil, notFound(err, "payment request %s not found", checkoutRequestID)
	}
	return &p, nil
}

func (s *Store) latestPending(ctx context.Context, orderID int64, status models.PendingPaymentStatus) (*models.PendingPayment, error) {
	var p models.PendingPayment
	err := s.db.GetContext(ctx, &p, `
		SELECT `+pendingColumns+` FROM pending_payments
		WHERE order_id = $1 AND status = $2
		ORDER BY created_at DESC
		LIMIT 1`, orderID, status)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetOpenPendingPayment returns the newest unresolved request for an order
func (s *Store) GetOpenPendingPayment(ctx context.Context, orderID int64) (*models.PendingPayment, error) {
	return s.latestPending(ctx, orderID, models.PendingPaymentPending)
}

// GetCompletedPendingPayment returns the request that paid for an order
func (s *Store) GetCompletedPendingPayment(ctx context.Context, orderID int64) (*models.PendingPayment, error) {
	return s.latestPending(ctx, orderID, models.PendingPaymentCompleted)
}

// ListStalePendingPayments returns unresolved requests created before the cutoff
func (s *Store) ListStalePendingPayments(ctx context.Context, createdBefore time.Time, limit int) ([]models.PendingPayment, error) {
	var out []models.PendingPayment
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+pendingColumns+` FROM pending_payments
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3`, models.PendingPaymentPending, createdBefore, limit)
	return out, err
}

// ResolvePendingPayment locks the request and then its order, and persists
// both when fn reports a change.
func (s *Store) ResolvePendingPayment(
	ctx context.Context,
	checkoutRequestID string,
	fn func(*models.PendingPayment, *models.Order) (bool, error),
) (*models.Order, bool, error) {
	var (
		order   *models.Order
		changed bool
	)

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var p models.PendingPayment
		err := tx.GetContext(ctx, &p,
			"SELECT "+pendingColumns+" FROM pending_payments WHERE checkout_request_id = $1 FOR UPDATE",
			checkoutRequestID)
		if err != nil {
			return notFound(err, "payment request %s not found", checkoutRequestID)
		}

		o, err := lockOrder(ctx, tx, p.OrderID)
		if err != nil {
			return err
		}
		order = o

		if changed, err = fn(&p, o); err != nil || !changed {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE pending_payments
			SET status = $1, result_code = $2, result_desc = $3, receipt_number = $4, updated_at = NOW()
			WHERE checkout_request_id = $5`,
			p.Status, p.ResultCode, p.ResultDesc, p.ReceiptNumber, p.CheckoutRequestID)
		if err != nil {
			return fmt.Errorf("failed to update pending payment: %w", err)
		}

		return persistOrder(ctx, tx, o)
	})
	if err != nil {
		return nil, false, err
	}
	return order, changed, nil
}

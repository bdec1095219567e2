package store

import (
	"context"
	"fmt"

	"settlement-service/internal/models"

	"github.com/jmoiron/sqlx"
)

const productColumns = `id, seller_id, name, price, stock, commission_percentage,
	weight_kg, length_cm, width_cm, height_cm, fragility`

// GetProductsByIDs retrieves multiple products by IDs
func (s *Store) GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error) {
	if len(ids) == 0 {
		return []models.Product{}, nil
	}

	query, args, err := sqlx.In("SELECT "+productColumns+" FROM products WHERE id IN (?)", ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var products []models.Product
	if err := s.db.SelectContext(ctx, &products, query, args...); err != nil {
		return nil, fmt.Errorf("failed to get products: %w", err)
	}
	return products, nil
}

// GetSupplier retrieves a supplier's payout details
func (s *Store) GetSupplier(ctx context.Context, id int64) (*models.Supplier, error) {
	var supplier models.Supplier
	err := s.db.GetContext(ctx, &supplier,
		"SELECT id, name, payout_phone FROM suppliers WHERE id = $1", id)
	if err != nil {
		return nil, notFound(err, "supplier %d not found", id)
	}
	return &supplier, nil
}

// restock returns the items' quantities to the catalog
func restock(ctx context.Context, tx *sqlx.Tx, items []models.OrderItem) error {
	for _, item := range items {
		_, err := tx.ExecContext(ctx,
			"UPDATE products SET stock = stock + $1, updated_at = NOW() WHERE id = $2",
			item.Quantity, item.ProductID)
		if err != nil {
			return fmt.Errorf("failed to restock product %d: %w", item.ProductID, err)
		}
	}
	return nil
}
